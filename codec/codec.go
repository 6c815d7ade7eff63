// Package codec serializes envelopes and the values they carry.
//
// A Codec is pluggable: the codec id travels in every frame header, so a
// receiver always decodes with the codec the sender used.
package codec

import (
	"github.com/juju/errors"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeBSON   CodecType = 2
)

var codecNames = map[CodecType]string{
	CodecTypeJSON:   "json",
	CodecTypeBinary: "binary",
	CodecTypeBSON:   "bson",
}

func (t CodecType) String() string {
	if name, ok := codecNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType returns the codec type with the given name.
func ParseType(name string) (CodecType, error) {
	for t, n := range codecNames {
		if n == name {
			return t, nil
		}
	}
	return 0, errors.NotValidf("codec %q", name)
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// Lookup returns the codec registered for codecType.
func Lookup(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	case CodecTypeBSON:
		return &BSONCodec{}, nil
	}
	return nil, errors.NotSupportedf("codec type %d", codecType)
}

// GetCodec is Lookup for callers that already validated codecType; unknown
// types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	c, err := Lookup(codecType)
	if err != nil {
		return &JSONCodec{}
	}
	return c
}
