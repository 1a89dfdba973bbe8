package topology

import "github.com/cespare/xxhash/v2"

// DefaultPartitions matches the partition count clusters use unless configured.
const DefaultPartitions = 1024

// Affinity maps a key to the partition that owns it.
// Implementations must be deterministic and safe for concurrent use.
type Affinity[K comparable] interface {
	PartitionOf(key K) int32
}

// AffinityFunc adapts a plain function to Affinity.
type AffinityFunc[K comparable] func(key K) int32

func (f AffinityFunc[K]) PartitionOf(key K) int32 { return f(key) }

// HashAffinity spreads keys over a fixed number of partitions by xxhash of the
// key bytes. It is a local stand-in for the cluster affinity function when the
// client has no partition map (tests, single-node setups).
type HashAffinity[K comparable] struct {
	parts uint64
	bytes func(K) []byte
}

var _ Affinity[string] = HashAffinity[string]{}

// NewHashAffinity returns a HashAffinity over partitions (<=0 => DefaultPartitions).
func NewHashAffinity[K comparable](partitions int, keyBytes func(K) []byte) HashAffinity[K] {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	return HashAffinity[K]{parts: uint64(partitions), bytes: keyBytes}
}

// StringAffinity is NewHashAffinity for string keys.
func StringAffinity(partitions int) HashAffinity[string] {
	return NewHashAffinity[string](partitions, func(s string) []byte { return []byte(s) })
}

func (a HashAffinity[K]) PartitionOf(key K) int32 {
	return int32(xxhash.Sum64(a.bytes(key)) % a.parts)
}

// Partitions returns the configured partition count.
func (a HashAffinity[K]) Partitions() int { return int(a.parts) }
