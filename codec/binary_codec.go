package codec

import (
	"encoding/binary"
	"sort"

	"github.com/juju/errors"

	"gen-rpc/message"
)

// BinaryCodec lays an Envelope out as length-prefixed fields, big-endian:
//
//	id(u16+n) kind(u8) proc(u16+n) nargs(u16) {arg(u32+n)}
//	nkw(u16) {key(u16+n) val(u32+n)} payload(u32+n)
//
// Any other value (arguments, results) is delegated to JSON.
type BinaryCodec struct {
	values JSONCodec
}

var errShortBuffer = errors.NotValidf("truncated binary envelope")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	env, ok := v.(*message.Envelope)
	if !ok {
		return c.values.Encode(v)
	}
	if len(env.MsgID) > 0xffff || len(env.Procedure) > 0xffff || len(env.Args) > 0xffff || len(env.Kwargs) > 0xffff {
		return nil, errors.NotValidf("envelope field too large for binary codec")
	}

	keys := make([]string, 0, len(env.Kwargs))
	total := 2 + len(env.MsgID) + 1 + 2 + len(env.Procedure) + 2 + 2 + 4 + len(env.Payload)
	for _, arg := range env.Args {
		total += 4 + len(arg)
	}
	for k, val := range env.Kwargs {
		if len(k) > 0xffff {
			return nil, errors.NotValidf("keyword %q too long for binary codec", k[:32])
		}
		keys = append(keys, k)
		total += 2 + len(k) + 4 + len(val)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, total)
	buf = appendString16(buf, env.MsgID)
	buf = append(buf, byte(env.Kind))
	buf = appendString16(buf, env.Procedure)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Args)))
	for _, arg := range env.Args {
		buf = appendBytes32(buf, arg)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		buf = appendString16(buf, k)
		buf = appendBytes32(buf, env.Kwargs[k])
	}
	buf = appendBytes32(buf, env.Payload)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	env, ok := v.(*message.Envelope)
	if !ok {
		return c.values.Decode(data, v)
	}

	r := reader{data: data}
	env.MsgID = r.readString16()
	env.Kind = message.Kind(r.readByte())
	env.Procedure = r.readString16()
	if n := int(r.readUint16()); n > 0 {
		env.Args = make([][]byte, n)
		for i := range env.Args {
			env.Args[i] = r.readBytes32()
		}
	}
	if n := int(r.readUint16()); n > 0 {
		env.Kwargs = make(map[string][]byte, n)
		for i := 0; i < n; i++ {
			k := r.readString16()
			env.Kwargs[k] = r.readBytes32()
		}
	}
	env.Payload = r.readBytes32()
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return errors.NotValidf("%d trailing bytes after binary envelope", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes32(buf []byte, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader consumes a binary envelope; the first short read sticks in err.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) readString16() string {
	return string(r.take(int(r.readUint16())))
}

func (r *reader) readBytes32() []byte {
	n := int(r.readUint32())
	b := r.take(n)
	if b == nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
