// Package wire frames values stored in the authoritative byte store together
// with the topology version they were written under.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/unkn0wn-root/nearcache/topology"
)

const (
	version   byte = 1
	kindValue byte = 1

	hdrLen = 4 + 1 + 1 + 8 + 4 + 4
)

var (
	ErrCorrupt = errors.New("nearcache: corrupt value frame")
	magic4     = [...]byte{'N', 'E', 'A', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Value: magic(4) | ver(1) | kind(1=value) | major(i64 be) | minor(i32 be) | vlen(u32 be) | payload(vlen)
func EncodeValue(v topology.Version, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindValue)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(v.Major))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(v.Minor))
	buf.Write(u4[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

// DecodeValue returns a payload slice aliasing b (no copy).
// Frames with trailing bytes are rejected.
func DecodeValue(b []byte) (v topology.Version, payload []byte, err error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindValue {
		return topology.Version{}, nil, ErrCorrupt
	}

	off := 6
	v.Major = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	v.Minor = int32(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // exact length; overflow-safe
		return topology.Version{}, nil, ErrCorrupt
	}
	return v, b[off : off+vlen], nil
}
