package message

import (
	"github.com/juju/errors"
)

// Kind identifies what an envelope means within its exchange.
type Kind uint8

const (
	Request  Kind = iota + 1 // client → service: invoke a procedure
	Result                   // service → client: terminal return value
	Error                    // service → client: terminal failure
	Yield                    // service → client: one generator value
	GenNext                  // client → service: advance generator
	GenSend                  // client → service: advance generator, feeding a value
	GenThrow                 // client → service: raise inside generator
	GenClose                 // client → service: close generator, no reply
	GenEnd                   // service → client: generator exhausted, terminal
)

var kindNames = [...]string{
	Request:  "REQUEST",
	Result:   "RESULT",
	Error:    "ERROR",
	Yield:    "YIELD",
	GenNext:  "GEN_NEXT",
	GenSend:  "GEN_SEND",
	GenThrow: "GEN_THROW",
	GenClose: "GEN_CLOSE",
	GenEnd:   "GEN_END",
}

func (k Kind) String() string {
	if !k.Valid() {
		return "UNKNOWN"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the protocol kinds.
func (k Kind) Valid() bool {
	return k >= Request && k <= GenEnd
}

// Terminal reports whether k ends the exchange for its msg id.
func (k Kind) Terminal() bool {
	return k == Result || k == Error || k == GenEnd
}

// Control reports whether k drives an open generator session.
func (k Kind) Control() bool {
	return k == GenNext || k == GenSend || k == GenThrow || k == GenClose
}

// ParseKind returns the kind with the given wire name.
func ParseKind(s string) (Kind, error) {
	for k := Request; k <= GenEnd; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, errors.NotValidf("envelope kind %q", s)
}
