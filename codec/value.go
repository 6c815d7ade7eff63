package codec

import (
	"github.com/juju/errors"
)

// Value is one serialized value together with the codec that produced it.
// The zero Value carries nothing.
type Value struct {
	raw   []byte
	codec Codec
}

// NewValue wraps raw bytes produced by c.
func NewValue(c Codec, raw []byte) Value {
	return Value{raw: raw, codec: c}
}

// IsZero reports whether v carries no value.
func (v Value) IsZero() bool {
	return v.codec == nil
}

// Raw returns the serialized bytes.
func (v Value) Raw() []byte {
	return v.raw
}

// Decode deserializes v into dst.
func (v Value) Decode(dst any) error {
	if v.IsZero() {
		return errors.NotFoundf("value")
	}
	return errors.Trace(v.codec.Decode(v.raw, dst))
}

// Interface decodes v into an untyped value.
func (v Value) Interface() (any, error) {
	if v.IsZero() {
		return nil, nil
	}
	var out any
	err := v.Decode(&out)
	return out, err
}

// As decodes v into a T.
func As[T any](v Value) (T, error) {
	var out T
	err := v.Decode(&out)
	return out, err
}
