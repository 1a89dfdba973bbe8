package nearcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/nearcache/remote"
	"github.com/unkn0wn-root/nearcache/store"
	"github.com/unkn0wn-root/nearcache/topology"
)

type cache[K comparable, V any] struct {
	remote   remote.Remote[K, V]
	affinity topology.Affinity[K]
	store    *store.Store[K, V]
	equal    func(a, b V) bool
	log      Logger
	hooks    Hooks
	enabled  bool

	// last applied topology version; only moves forward
	topo atomic.Pointer[topology.Version]

	// background sweep
	sweepInterval time.Duration
	ticker        *time.Ticker
	stopCh        chan struct{}
	closeWg       sync.WaitGroup
	closeOnce     sync.Once
}

var _ TopologyHandler = (*cache[string, int])(nil)

func newCache[K comparable, V any](opts Options[K, V]) (*cache[K, V], error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("nearcache: remote is required")
	}
	if opts.Affinity == nil {
		return nil, fmt.Errorf("nearcache: affinity is required")
	}

	c := &cache[K, V]{
		remote:   opts.Remote,
		affinity: opts.Affinity,
		store:    store.New[K, V](),
		equal:    opts.Equal,
		enabled:  !opts.Disabled,
	}
	initial := opts.InitialTopology
	c.topo.Store(&initial)

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.sweepInterval = coalesce[time.Duration](opts.SweepInterval, defaultSweep)

	if c.enabled && !opts.DisableSweep {
		c.ticker = time.NewTicker(c.sweepInterval)
		c.stopCh = make(chan struct{})
		c.closeWg.Add(1)
		go c.sweepLoop()
	}
	return c, nil
}

func (c *cache[K, V]) Enabled() bool { return c.enabled }

// Close stops the background sweep. The remote is owned by the caller.
func (c *cache[K, V]) Close(_ context.Context) error {
	c.closeOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
			c.ticker.Stop()
			c.closeWg.Wait()
		}
	})
	return nil
}

func (c *cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	if !c.enabled {
		rv, err := c.remote.Fetch(ctx, key)
		if err != nil {
			return zero, notFound(key, err)
		}
		return rv.Value, nil
	}

	if e, ok := c.store.LookupLive(key); ok {
		c.hooks.NearHit()
		return e.Value(), nil
	}
	c.hooks.NearMiss()

	rv, err := c.remote.Fetch(ctx, key)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			c.reclaim(key)
		}
		return zero, notFound(key, err)
	}
	// sampled after the fetch: a fetch that straddles an invalidation lands in the new epoch
	gen := c.store.Generation()
	return c.install(key, rv, gen), nil
}

func (c *cache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var missing []K
	queued := make(map[K]struct{})
	for _, k := range keys {
		if _, done := out[k]; done {
			continue
		}
		if _, done := queued[k]; done {
			continue
		}
		if c.enabled {
			if e, ok := c.store.LookupLive(k); ok {
				c.hooks.NearHit()
				out[k] = e.Value()
				continue
			}
			c.hooks.NearMiss()
		}
		queued[k] = struct{}{}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := c.remote.FetchAll(ctx, missing)
	if err != nil {
		return nil, err
	}
	gen := c.store.Generation()
	for _, k := range missing {
		rv, ok := fetched[k]
		switch {
		case !c.enabled:
			if ok {
				out[k] = rv.Value
			}
		case !ok:
			c.reclaim(k)
		default:
			out[k] = c.install(k, rv, gen)
		}
	}
	return out, nil
}

func (c *cache[K, V]) Peek(key K) (V, topology.Version, bool) {
	e, ok := c.store.LookupLive(key)
	if !ok {
		var zero V
		return zero, topology.Version{}, false
	}
	v, ver := e.Read()
	return v, ver, true
}

func (c *cache[K, V]) OnTopologyChanged(v topology.Version) bool {
	next := &v
	var prev *topology.Version
	for {
		prev = c.topo.Load()
		if !prev.Less(v) {
			c.hooks.TopologyIgnored(v)
			c.log.Debug("topology version ignored (not newer)", Fields{"version": v.String(), "current": prev.String()})
			return false
		}
		if c.topo.CompareAndSwap(prev, next) {
			break
		}
	}
	gen := c.store.InvalidateAll()
	c.hooks.TopologyApplied(*prev, v, gen)
	c.log.Info("topology changed; near cache invalidated", Fields{"from": prev.String(), "to": v.String(), "gen": gen})
	return true
}

func (c *cache[K, V]) TopologyVersion() topology.Version { return *c.topo.Load() }

func (c *cache[K, V]) Generation() uint64 { return c.store.Generation() }

func (c *cache[K, V]) Len() int { return c.store.Len() }

// reclaim drops a dead entry for key once the remote confirmed the key is gone.
func (c *cache[K, V]) reclaim(key K) {
	if e, ok := c.store.Lookup(key); ok && !c.store.Live(e) {
		c.store.RemoveIfStale(key, e.Generation())
	}
}

func (c *cache[K, V]) sweepLoop() {
	defer c.closeWg.Done()
	for {
		select {
		case <-c.ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *cache[K, V]) sweep() int {
	removed := c.store.Sweep()
	if removed > 0 {
		c.hooks.Swept(removed)
		c.log.Debug("sweep removed dead entries", Fields{"removed": removed, "gen": c.store.Generation()})
	}
	return removed
}

func notFound[K comparable](key K, err error) error {
	if errors.Is(err, remote.ErrNotFound) {
		return &KeyNotFoundError{Key: key, Err: err}
	}
	return err
}
