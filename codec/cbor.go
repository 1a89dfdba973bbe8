package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOROptions tune the CBOR codec. The zero value gives preferred
// (unsorted) encoding, RFC3339Nano timestamps and library decode limits.
type CBOROptions struct {
	// Deterministic selects RFC 8949 core deterministic encoding, so writers
	// that re-put an unchanged value produce identical frames.
	Deterministic bool
	// UnixTime encodes time.Time as numeric epoch seconds instead of text.
	UnixTime bool
	// MaxNestedLevels bounds decode depth; 0 keeps the library default.
	MaxNestedLevels int
}

// CBOR serializes values with fxamacker/cbor. Build it with NewCBOR or
// MustCBOR; the zero value has no modes and panics on use.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](o CBOROptions) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if o.Deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	if o.UnixTime {
		eo.Time = cbor.TimeUnix
	}
	enc, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	dec, err := cbor.DecOptions{MaxNestedLevels: o.MaxNestedLevels}.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: enc, dec: dec}, nil
}

// MustCBOR panics if the options are rejected. Meant for package-level vars.
func MustCBOR[V any](o CBOROptions) CBOR[V] {
	c, err := NewCBOR[V](o)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (out V, err error) {
	err = c.dec.Unmarshal(b, &out)
	return out, err
}
