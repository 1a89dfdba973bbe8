// Package store implements the near cache entry map with generation gating.
//
// Every entry is stamped with the store generation it was built under. An
// entry is live only while its stamp equals the current generation, so
// InvalidateAll drops the whole store in O(1) by bumping the counter; dead
// entries stay resident until a lookup miss, RemoveIfStale or Sweep reclaims them.
package store

import (
	"sync"
	"sync/atomic"
)

// Store maps keys to entries. The zero value is not usable; use New.
// All methods are safe for concurrent use. Reads never take a lock.
type Store[K comparable, V any] struct {
	m   sync.Map // K -> *Entry[V]
	gen atomic.Uint64
}

func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{}
}

// Generation returns the current store generation.
func (s *Store[K, V]) Generation() uint64 { return s.gen.Load() }

// Live reports whether e was stamped with the current generation.
func (s *Store[K, V]) Live(e *Entry[V]) bool {
	return e != nil && e.gen == s.gen.Load()
}

// LookupLive returns the entry for k if it is live. Dead entries read as absent
// and are left in place.
func (s *Store[K, V]) LookupLive(k K) (*Entry[V], bool) {
	e, ok := s.load(k)
	if !ok || e.gen != s.gen.Load() {
		return nil, false
	}
	return e, true
}

// Install inserts or replaces the entry for k unconditionally.
func (s *Store[K, V]) Install(k K, e *Entry[V]) {
	s.m.Store(k, e)
}

// CompareAndInstall swaps the slot for k to fresh iff it still holds old.
// With old == nil the slot must be empty or hold a dead entry.
func (s *Store[K, V]) CompareAndInstall(k K, old, fresh *Entry[V]) bool {
	if old != nil {
		return s.m.CompareAndSwap(k, old, fresh)
	}
	actual, loaded := s.m.LoadOrStore(k, fresh)
	if !loaded {
		return true
	}
	cur := actual.(*Entry[V])
	if cur.gen == s.gen.Load() {
		return false
	}
	return s.m.CompareAndSwap(k, cur, fresh)
}

// InvalidateAll advances the generation, making every resident entry dead.
// It returns the new generation.
func (s *Store[K, V]) InvalidateAll() uint64 {
	return s.gen.Add(1)
}

// RemoveIfStale deletes the entry for k if it is stamped gen and gen is no
// longer current. Generations only grow, so a dead stamp never becomes live
// again; the slot compare-and-delete keeps a concurrent Install intact.
func (s *Store[K, V]) RemoveIfStale(k K, gen uint64) bool {
	if gen == s.gen.Load() {
		return false
	}
	e, ok := s.load(k)
	if !ok || e.gen != gen {
		return false
	}
	return s.m.CompareAndDelete(k, e)
}

// Sweep removes every dead entry and returns the number removed.
func (s *Store[K, V]) Sweep() int {
	cur := s.gen.Load()
	removed := 0
	s.m.Range(func(key, value any) bool {
		e := value.(*Entry[V])
		if e.gen != cur && s.m.CompareAndDelete(key, e) {
			removed++
		}
		return true
	})
	return removed
}

// Len returns the number of resident entries, live or dead.
func (s *Store[K, V]) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Store[K, V]) load(k K) (*Entry[V], bool) {
	v, ok := s.m.Load(k)
	if !ok {
		return nil, false
	}
	return v.(*Entry[V]), true
}

// Lookup returns the resident entry for k, live or dead.
func (s *Store[K, V]) Lookup(k K) (*Entry[V], bool) {
	return s.load(k)
}
