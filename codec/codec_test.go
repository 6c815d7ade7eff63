package codec

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-rpc/message"
)

func allCodecs() []Codec {
	return []Codec{&JSONCodec{}, &BinaryCodec{}, &BSONCodec{}}
}

func sampleEnvelope(t *testing.T, c Codec) *message.Envelope {
	args, err := EncodeArgs(c, []any{21, "x"})
	require.NoError(t, err)
	kwargs, err := EncodeKwargs(c, map[string]any{"scale": 2, "label": "twice"})
	require.NoError(t, err)
	return &message.Envelope{
		MsgID:     "0b5f2f0e-6d7c-4b1f-8d55-7a1f0c8c2e11",
		Kind:      message.Request,
		Procedure: "math.double",
		Args:      args,
		Kwargs:    kwargs,
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, c := range allCodecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			original := sampleEnvelope(t, c)

			data, err := EncodeEnvelope(c, original)
			require.NoError(t, err)

			decoded, err := DecodeEnvelope(c, data)
			require.NoError(t, err)
			assert.Equal(t, original, decoded)

			var x int
			require.NoError(t, NewValue(c, decoded.Args[0]).Decode(&x))
			assert.Equal(t, 21, x)
			label, err := As[string](NewValue(c, decoded.Kwargs["label"]))
			require.NoError(t, err)
			assert.Equal(t, "twice", label)
		})
	}
}

func TestReplyRoundTrip(t *testing.T) {
	for _, c := range allCodecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			payload, err := EncodeError(c, message.ErrorInfo{Name: "KeyError", Message: "'k'"})
			require.NoError(t, err)
			env := &message.Envelope{MsgID: "m1", Kind: message.Error, Payload: payload}

			data, err := EncodeEnvelope(c, env)
			require.NoError(t, err)
			decoded, err := DecodeEnvelope(c, data)
			require.NoError(t, err)

			info, err := DecodeError(c, decoded.Payload)
			require.NoError(t, err)
			assert.Equal(t, message.ErrorInfo{Name: "KeyError", Message: "'k'"}, info)
		})
	}
}

type point struct {
	X int      `json:"x" bson:"x"`
	Y int      `json:"y" bson:"y"`
	T []string `json:"tags" bson:"tags"`
}

func TestValueRoundTrip(t *testing.T) {
	for _, c := range allCodecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			values := []any{
				42, "hello", true, 2.5,
				[]int{1, 2, 3},
				map[string]int{"a": 1, "b": 2},
				point{X: 1, Y: -1, T: []string{"p"}},
			}
			for _, v := range values {
				data, err := c.Encode(v)
				require.NoError(t, err)
				switch want := v.(type) {
				case int:
					got, err := As[int](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case string:
					got, err := As[string](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case bool:
					got, err := As[bool](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case float64:
					got, err := As[float64](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case []int:
					got, err := As[[]int](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case map[string]int:
					got, err := As[map[string]int](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				case point:
					got, err := As[point](NewValue(c, data))
					require.NoError(t, err)
					assert.Equal(t, want, got)
				}
			}
		})
	}
}

func TestZeroValue(t *testing.T) {
	var v Value
	assert.True(t, v.IsZero())
	assert.True(t, errors.Is(v.Decode(new(int)), errors.NotFound))
	got, err := v.Interface()
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeEnvelopeRejectsInvalid(t *testing.T) {
	c := &JSONCodec{}
	_, err := DecodeEnvelope(c, []byte(`{"kind":1,"proc":"p"}`))
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = EncodeEnvelope(c, &message.Envelope{MsgID: "1", Kind: message.Request})
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(sampleEnvelope(t, c))
	require.NoError(t, err)

	var env message.Envelope
	assert.Error(t, c.Decode(data[:len(data)-3], &env))
	assert.Error(t, c.Decode(append(data, 0), &env))
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"json", "binary", "bson"} {
		typ, err := ParseType(name)
		require.NoError(t, err)
		c, err := Lookup(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, c.Type())
		assert.Equal(t, name, typ.String())
	}
	_, err := ParseType("pickle")
	assert.Error(t, err)
	_, err = Lookup(CodecType(9))
	assert.Error(t, err)
	assert.Equal(t, CodecTypeJSON, GetCodec(CodecType(9)).Type())
}
