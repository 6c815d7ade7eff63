package codec

import (
	"github.com/juju/errors"

	"gen-rpc/message"
)

// EncodeEnvelope serializes env with c after checking it is well formed.
func EncodeEnvelope(c Codec, env *message.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	data, err := c.Encode(env)
	return data, errors.Annotatef(err, "encoding %s envelope %s", env.Kind, env.MsgID)
}

// DecodeEnvelope deserializes and validates an envelope.
func DecodeEnvelope(c Codec, data []byte) (*message.Envelope, error) {
	env := &message.Envelope{}
	if err := c.Decode(data, env); err != nil {
		return nil, errors.Annotatef(err, "decoding %s envelope", c.Type())
	}
	if err := env.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return env, nil
}

// EncodeArgs serializes each positional argument separately.
func EncodeArgs(c Codec, args []any) ([][]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(args))
	for i, arg := range args {
		data, err := c.Encode(arg)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding argument %d", i)
		}
		out[i] = data
	}
	return out, nil
}

// EncodeKwargs serializes each keyword argument separately.
func EncodeKwargs(c Codec, kwargs map[string]any) (map[string][]byte, error) {
	if len(kwargs) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(kwargs))
	for k, arg := range kwargs {
		data, err := c.Encode(arg)
		if err != nil {
			return nil, errors.Annotatef(err, "encoding keyword argument %q", k)
		}
		out[k] = data
	}
	return out, nil
}

// EncodeError serializes the wire form of an error.
func EncodeError(c Codec, info message.ErrorInfo) ([]byte, error) {
	return c.Encode(info)
}

// DecodeError deserializes the wire form of an error.
func DecodeError(c Codec, data []byte) (message.ErrorInfo, error) {
	var info message.ErrorInfo
	err := c.Decode(data, &info)
	return info, errors.Annotate(err, "decoding error payload")
}
