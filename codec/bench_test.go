package codec

import (
	"testing"

	"gen-rpc/message"
)

func benchEnvelope(b *testing.B, c Codec) {
	env := &message.Envelope{
		MsgID:     "3f1c2a9e-5b7d-4c1e-9a4f-2d8e6b0c7a15",
		Kind:      message.Request,
		Procedure: "Arith.Add",
		Args:      [][]byte{[]byte(`{"A":1,"B":2}`)},
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := EncodeEnvelope(c, env)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeEnvelope(c, data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchEnvelope(b, GetCodec(CodecTypeJSON))
}

func BenchmarkCodecBinary(b *testing.B) {
	benchEnvelope(b, GetCodec(CodecTypeBinary))
}

func BenchmarkCodecBSON(b *testing.B) {
	benchEnvelope(b, GetCodec(CodecTypeBSON))
}
