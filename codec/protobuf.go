package codec

import "google.golang.org/protobuf/proto"

var (
	pbMarshal   = proto.MarshalOptions{Deterministic: true}
	pbUnmarshal = proto.UnmarshalOptions{DiscardUnknown: false}
)

// Protobuf stores generated messages. Encoding is deterministic so equal
// messages yield equal payloads. Alloc returns an empty message to decode
// into, e.g. func() *userpb.User { return &userpb.User{} }.
type Protobuf[M proto.Message] struct {
	Alloc func() M
}

func NewProtobuf[M proto.Message](alloc func() M) Protobuf[M] {
	return Protobuf[M]{Alloc: alloc}
}

func (p Protobuf[M]) Encode(m M) ([]byte, error) { return pbMarshal.Marshal(m) }

func (p Protobuf[M]) Decode(b []byte) (M, error) {
	m := p.Alloc()
	if err := pbUnmarshal.Unmarshal(b, m); err != nil {
		var zero M
		return zero, err
	}
	return m, nil
}
