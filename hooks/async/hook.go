// Package asynchook moves hook delivery off the read path.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{StaleWriteEvery: 100})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	near, _ := nearcache.New(nearcache.Options[string, User]{
//	    Remote:   remote,
//	    Affinity: topology.StringAffinity(1024),
//	    Hooks:    hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/topology"
)

// Hooks queues events for a worker pool and drops them when the queue is full.
type Hooks struct {
	inner   nearcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex // guards q against send-after-close
	closed  bool
	dropped atomic.Uint64
}

var _ nearcache.Hooks = (*Hooks)(nil)

func New(inner nearcache.Hooks, workers, qlen int) *Hooks {
	if inner == nil {
		inner = nearcache.NopHooks{}
	}
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped counts events lost to a full queue or a closed wrapper.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) NearHit()                 { h.try(h.inner.NearHit) }
func (h *Hooks) NearMiss()                { h.try(h.inner.NearMiss) }
func (h *Hooks) StaleWriteLost(p int32)   { h.try(func() { h.inner.StaleWriteLost(p) }) }
func (h *Hooks) InstallAbandoned(p int32) { h.try(func() { h.inner.InstallAbandoned(p) }) }
func (h *Hooks) Superseded(p int32)       { h.try(func() { h.inner.Superseded(p) }) }
func (h *Hooks) VersionAdvanced(p int32)  { h.try(func() { h.inner.VersionAdvanced(p) }) }
func (h *Hooks) TopologyApplied(from, to topology.Version, gen uint64) {
	h.try(func() { h.inner.TopologyApplied(from, to, gen) })
}
func (h *Hooks) TopologyIgnored(v topology.Version) { h.try(func() { h.inner.TopologyIgnored(v) }) }
func (h *Hooks) Swept(n int)                        { h.try(func() { h.inner.Swept(n) }) }
