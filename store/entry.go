package store

import (
	"sync/atomic"

	"github.com/unkn0wn-root/nearcache/topology"
)

type versionCell struct {
	v       topology.Version
	retired bool
}

// Entry is a near cache entry. Value, partition and generation are fixed at
// construction; only the version advances, and only through TryAdvanceVersion
// or Retire.
type Entry[V any] struct {
	value     V
	partition int32
	gen       uint64
	version   atomic.Pointer[versionCell]
}

// NewEntry builds an entry stamped with store generation gen.
func NewEntry[V any](value V, version topology.Version, partition int32, gen uint64) *Entry[V] {
	e := &Entry[V]{value: value, partition: partition, gen: gen}
	e.version.Store(&versionCell{v: version})
	return e
}

// Read returns the value and the version current at call time.
// The pair is not read atomically; the value never changes so only freshness can lag.
func (e *Entry[V]) Read() (V, topology.Version) {
	return e.value, e.version.Load().v
}

func (e *Entry[V]) Value() V                  { return e.value }
func (e *Entry[V]) Version() topology.Version { return e.version.Load().v }
func (e *Entry[V]) Partition() int32          { return e.partition }
func (e *Entry[V]) Generation() uint64        { return e.gen }

// Retired reports whether the entry is being replaced in its slot. A retired
// entry's version is frozen.
func (e *Entry[V]) Retired() bool { return e.version.Load().retired }

// State returns the version and retired flag from a single atomic load.
func (e *Entry[V]) State() (topology.Version, bool) {
	c := e.version.Load()
	return c.v, c.retired
}

// TryAdvanceVersion installs next iff the current version equals expected and
// the entry is not retired. It returns false when a concurrent writer already
// moved the version; the caller should re-read and decide once instead of retrying.
func (e *Entry[V]) TryAdvanceVersion(expected, next topology.Version) bool {
	return e.cas(expected, &versionCell{v: next})
}

// Retire is TryAdvanceVersion that also freezes the version. The winner owns
// the replacement of the entry in its store slot; the version it publishes
// must equal the version of the replacement so readers never see it go back.
func (e *Entry[V]) Retire(expected, next topology.Version) bool {
	return e.cas(expected, &versionCell{v: next, retired: true})
}

func (e *Entry[V]) cas(expected topology.Version, next *versionCell) bool {
	for {
		cur := e.version.Load()
		if cur.retired || cur.v != expected {
			return false
		}
		// pointer CAS; a swap to an equal cell between Load and CAS loops once more
		if e.version.CompareAndSwap(cur, next) {
			return true
		}
	}
}
