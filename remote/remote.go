// Package remote defines the boundary between the near cache and the
// authoritative cluster it mirrors.
package remote

import (
	"context"
	"errors"

	"github.com/unkn0wn-root/nearcache/topology"
)

// ErrNotFound is returned by Fetch when the cluster holds no value for the key.
var ErrNotFound = errors.New("nearcache: key not found")

// Value is a value read from the cluster together with the topology version
// under which the cluster produced it.
type Value[V any] struct {
	Value   V
	Version topology.Version
}

// Remote reads authoritative values. Implementations own retries and timeouts;
// the near cache propagates their errors unchanged.
type Remote[K comparable, V any] interface {
	// Fetch returns ErrNotFound (possibly wrapped) when the key does not exist.
	Fetch(ctx context.Context, key K) (Value[V], error)
	// FetchAll omits keys that do not exist; that is not an error.
	FetchAll(ctx context.Context, keys []K) (map[K]Value[V], error)
}

// Funcs adapts plain functions to Remote. A nil FetchAllFunc falls back to
// sequential Fetch calls.
type Funcs[K comparable, V any] struct {
	FetchFunc    func(ctx context.Context, key K) (Value[V], error)
	FetchAllFunc func(ctx context.Context, keys []K) (map[K]Value[V], error)
}

var _ Remote[string, int] = Funcs[string, int]{}

func (f Funcs[K, V]) Fetch(ctx context.Context, key K) (Value[V], error) {
	return f.FetchFunc(ctx, key)
}

func (f Funcs[K, V]) FetchAll(ctx context.Context, keys []K) (map[K]Value[V], error) {
	if f.FetchAllFunc != nil {
		return f.FetchAllFunc(ctx, keys)
	}
	out := make(map[K]Value[V], len(keys))
	for _, k := range keys {
		v, err := f.FetchFunc(ctx, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
