// Package message defines the envelope exchanged between client and service.
//
// An Envelope is the unit of wire exchange. It gets serialized by the codec
// layer and wrapped in a protocol frame for transmission. Every envelope that
// belongs to one logical call carries the same MsgID:
//
//	client                         service
//	REQUEST   ───────────────────►
//	          ◄─────────────────── RESULT | ERROR | YIELD | GEN_END
//	GEN_NEXT  ───────────────────►
//	          ◄─────────────────── YIELD | GEN_END | ERROR
//	GEN_CLOSE ───────────────────►            (no reply)
package message

import (
	"github.com/juju/errors"
)

// Envelope carries one protocol message.
//
//   - REQUEST:   Procedure, Args and Kwargs are set.
//   - RESULT:    Payload holds the serialized return value.
//   - YIELD:     Payload holds the serialized yielded value.
//   - ERROR:     Payload holds a serialized ErrorInfo.
//   - GEN_SEND:  Payload holds the serialized value sent into the generator.
//   - GEN_THROW: Payload holds a serialized ErrorInfo to raise in the generator.
//
// Args, Kwargs and Payload hold values already encoded by the codec that
// encodes the envelope, so a procedure can decode each argument into its own
// concrete type.
type Envelope struct {
	MsgID     string            `json:"id" bson:"id"`
	Kind      Kind              `json:"kind" bson:"kind"`
	Procedure string            `json:"proc,omitempty" bson:"proc,omitempty"`
	Args      [][]byte          `json:"args,omitempty" bson:"args,omitempty"`
	Kwargs    map[string][]byte `json:"kwargs,omitempty" bson:"kwargs,omitempty"`
	Payload   []byte            `json:"payload,omitempty" bson:"payload,omitempty"`
}

// ErrorInfo is the cross-language description of an error: a type name and
// a message, never a serialized exception object.
type ErrorInfo struct {
	Name    string `json:"name" bson:"name"`
	Message string `json:"message" bson:"message"`
}

// Validate checks the fields required by the envelope's kind.
func (e *Envelope) Validate() error {
	if e.MsgID == "" {
		return errors.NotValidf("envelope without msg id")
	}
	if !e.Kind.Valid() {
		return errors.NotValidf("envelope kind %d", e.Kind)
	}
	if e.Kind == Request && e.Procedure == "" {
		return errors.NotValidf("request %s without procedure", e.MsgID)
	}
	return nil
}

// Reply builds an envelope of the given kind correlated with e.
func (e *Envelope) Reply(kind Kind, payload []byte) *Envelope {
	return &Envelope{
		MsgID:   e.MsgID,
		Kind:    kind,
		Payload: payload,
	}
}
