package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack is a Codec that serializes values using vmihailenco/msgpack/v5.
// The zero value is ready to use and honours `msgpack:"..."` tags.
type Msgpack[V any] struct {
	// StructTag reads field names from another tag (e.g. "json") instead.
	StructTag string
	// CompactInts encodes integers with the smallest msgpack type that fits.
	CompactInts bool
}

var _ Codec[struct{}] = Msgpack[struct{}]{}

func (c Msgpack[V]) Encode(v V) ([]byte, error) {
	if c.StructTag == "" && !c.CompactInts {
		return msgpack.Marshal(v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if c.StructTag != "" {
		enc.SetCustomStructTag(c.StructTag)
	}
	enc.UseCompactInts(c.CompactInts)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if c.StructTag == "" {
		err := msgpack.Unmarshal(b, &v)
		return v, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag(c.StructTag)
	err := dec.Decode(&v)
	return v, err
}
