package registry

import (
	"fmt"

	"github.com/juju/errors"

	"gen-rpc/codec"
)

// Call is one invocation as seen by a procedure. Arguments stay encoded
// until the procedure asks for them, so each can be decoded into its own
// type.
type Call struct {
	MsgID     string
	Procedure string
	// Peer identifies the link the request arrived on.
	Peer string

	codec  codec.Codec
	args   [][]byte
	kwargs map[string][]byte
}

// NewCall builds a call whose arguments were encoded with c.
func NewCall(msgID, procedure, peer string, c codec.Codec, args [][]byte, kwargs map[string][]byte) *Call {
	return &Call{
		MsgID:     msgID,
		Procedure: procedure,
		Peer:      peer,
		codec:     c,
		args:      args,
		kwargs:    kwargs,
	}
}

// Codec returns the codec the arguments were encoded with.
func (c *Call) Codec() codec.Codec {
	return c.codec
}

// NumArgs returns the number of positional arguments.
func (c *Call) NumArgs() int {
	return len(c.args)
}

// Arg decodes positional argument i into dst.
func (c *Call) Arg(i int, dst any) error {
	if i < 0 || i >= len(c.args) {
		return errors.NotValidf("%s: missing argument %d", c.Procedure, i)
	}
	if err := c.codec.Decode(c.args[i], dst); err != nil {
		return errors.NewNotValid(err, fmt.Sprintf("argument %d", i))
	}
	return nil
}

// Kwarg decodes keyword argument name into dst. It reports false when the
// argument was not passed.
func (c *Call) Kwarg(name string, dst any) (bool, error) {
	raw, ok := c.kwargs[name]
	if !ok {
		return false, nil
	}
	if err := c.codec.Decode(raw, dst); err != nil {
		return true, errors.NewNotValid(err, "keyword argument "+name)
	}
	return true, nil
}

// Args returns the positional arguments as undecoded values.
func (c *Call) Args() []codec.Value {
	out := make([]codec.Value, len(c.args))
	for i, raw := range c.args {
		out[i] = codec.NewValue(c.codec, raw)
	}
	return out
}

// Kwargs returns the keyword arguments as undecoded values.
func (c *Call) Kwargs() map[string]codec.Value {
	out := make(map[string]codec.Value, len(c.kwargs))
	for k, raw := range c.kwargs {
		out[k] = codec.NewValue(c.codec, raw)
	}
	return out
}
