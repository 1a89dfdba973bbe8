package nearcache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/nearcache/remote"
	"github.com/unkn0wn-root/nearcache/topology"
)

type Cache[K comparable, V any] = Near[K, V] // alias -> nearcache.Cache[int, User] or nearcache.Near[int, User]

// Near is a read-through near cache over a partitioned remote store.
// Entries are dropped wholesale whenever the cluster topology version advances.
type Near[K comparable, V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Get returns a *KeyNotFoundError when the remote has no value for key.
	// Remote errors are returned unchanged.
	Get(ctx context.Context, key K) (V, error)
	// GetAll omits keys the remote does not have.
	GetAll(ctx context.Context, keys []K) (map[K]V, error)

	// Peek reads the local entry only; it never calls the remote.
	Peek(key K) (v V, version topology.Version, ok bool)

	// OnTopologyChanged invalidates every entry if v is newer than the last
	// applied version and reports whether it did.
	OnTopologyChanged(v topology.Version) bool
	TopologyVersion() topology.Version
	Generation() uint64

	// Len counts resident entries, including dead ones not yet reclaimed.
	Len() int
}

// Options configure a near cache. Remote and Affinity are required.
type Options[K comparable, V any] struct {
	// Required
	Remote   remote.Remote[K, V]
	Affinity topology.Affinity[K]

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// Equal reports whether two values are the same. When set, a fetch that
	// returns an equal value under a newer version bumps the resident entry's
	// version in place instead of replacing the entry.
	Equal func(a, b V) bool

	InitialTopology topology.Version // topology the first entries are read under
	SweepInterval   time.Duration    // dead entry reclamation; 0 => 5m
	DisableSweep    bool             // no background sweep; dead entries go lazily
	Disabled        bool             // passthrough: every read goes to the remote
}

func New[K comparable, V any](opts Options[K, V]) (Near[K, V], error) {
	return newCache[K, V](opts)
}
