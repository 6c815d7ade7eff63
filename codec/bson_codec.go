package codec

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// BSONCodec serializes with BSON. A BSON document must be a map or struct,
// so every value travels wrapped as {"v": value}.
type BSONCodec struct{}

type bsonWrapper struct {
	V any `bson:"v"`
}

type bsonRawWrapper struct {
	V bson.Raw `bson:"v"`
}

func (c *BSONCodec) Encode(v any) ([]byte, error) {
	data, err := bson.Marshal(bsonWrapper{V: v})
	return data, errors.Trace(err)
}

func (c *BSONCodec) Decode(data []byte, v any) error {
	var w bsonRawWrapper
	if err := bson.Unmarshal(data, &w); err != nil {
		return errors.Trace(err)
	}
	if w.V.Kind == 0 {
		return errors.NotValidf("bson document without value")
	}
	return errors.Trace(w.V.Unmarshal(v))
}

func (c *BSONCodec) Type() CodecType {
	return CodecTypeBSON
}
