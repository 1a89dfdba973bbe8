package nearcache

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/nearcache/remote"
	"github.com/unkn0wn-root/nearcache/store"
	"github.com/unkn0wn-root/nearcache/topology"
)

func ver(major int64) topology.Version { return topology.Version{Major: major} }

// memRemote is an in-memory authoritative store with call counters.
// A non-nil gate blocks Fetch for the gated key until the test releases it.
type memRemote struct {
	mu   sync.Mutex
	m    map[int]remote.Value[int]
	err  error
	gate map[int]chan struct{}

	fetches    atomic.Int64
	fetchAlls  atomic.Int64
	fetchedLen atomic.Int64
}

var _ remote.Remote[int, int] = (*memRemote)(nil)

func newMemRemote() *memRemote {
	return &memRemote{m: make(map[int]remote.Value[int]), gate: make(map[int]chan struct{})}
}

func (r *memRemote) put(k, v int, version topology.Version) {
	r.mu.Lock()
	r.m[k] = remote.Value[int]{Value: v, Version: version}
	r.mu.Unlock()
}

func (r *memRemote) del(k int) {
	r.mu.Lock()
	delete(r.m, k)
	r.mu.Unlock()
}

func (r *memRemote) Fetch(ctx context.Context, key int) (remote.Value[int], error) {
	r.fetches.Add(1)
	r.mu.Lock()
	g := r.gate[key]
	r.mu.Unlock()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return remote.Value[int]{}, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return remote.Value[int]{}, r.err
	}
	v, ok := r.m[key]
	if !ok {
		return remote.Value[int]{}, remote.ErrNotFound
	}
	return v, nil
}

func (r *memRemote) FetchAll(_ context.Context, keys []int) (map[int]remote.Value[int], error) {
	r.fetchAlls.Add(1)
	r.fetchedLen.Add(int64(len(keys)))
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make(map[int]remote.Value[int], len(keys))
	for _, k := range keys {
		if v, ok := r.m[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// countHooks records hook calls.
type countHooks struct {
	NopHooks
	hits, misses, lost, abandoned, superseded, advanced, applied, ignored atomic.Int64
}

func (h *countHooks) NearHit()               { h.hits.Add(1) }
func (h *countHooks) NearMiss()              { h.misses.Add(1) }
func (h *countHooks) StaleWriteLost(int32)   { h.lost.Add(1) }
func (h *countHooks) InstallAbandoned(int32) { h.abandoned.Add(1) }
func (h *countHooks) Superseded(int32)       { h.superseded.Add(1) }
func (h *countHooks) VersionAdvanced(int32)  { h.advanced.Add(1) }
func (h *countHooks) TopologyApplied(topology.Version, topology.Version, uint64) {
	h.applied.Add(1)
}
func (h *countHooks) TopologyIgnored(topology.Version) { h.ignored.Add(1) }

func modAffinity() topology.Affinity[int] {
	return topology.AffinityFunc[int](func(k int) int32 { return int32(k % 8) })
}

func newTestCache(t *testing.T, r remote.Remote[int, int], optsOpt func(*Options[int, int])) Near[int, int] {
	t.Helper()
	opts := Options[int, int]{
		Remote:       r,
		Affinity:     modAffinity(),
		DisableSweep: true,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	nc, err := New[int, int](opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close(context.Background()) })
	return nc
}

func mustImpl[K comparable, V any](t *testing.T, n Near[K, V]) *cache[K, V] {
	t.Helper()
	impl, ok := n.(*cache[K, V])
	if !ok {
		t.Fatalf("unexpected concrete type for Near")
	}
	return impl
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New[int, int](Options[int, int]{Affinity: modAffinity()}); err == nil {
		t.Fatalf("expected error without remote")
	}
	if _, err := New[int, int](Options[int, int]{Remote: newMemRemote()}); err == nil {
		t.Fatalf("expected error without affinity")
	}
}

// ==============================
// Read path
// ==============================

func TestGetFastPathSkipsRemote(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 100, ver(1))
	h := &countHooks{}
	nc := newTestCache(t, r, func(o *Options[int, int]) { o.Hooks = h })

	for i := 0; i < 5; i++ {
		v, err := nc.Get(ctx, 1)
		if err != nil || v != 100 {
			t.Fatalf("Get: v=%d err=%v", v, err)
		}
	}
	if got := r.fetches.Load(); got != 1 {
		t.Fatalf("remote fetched %d times, want 1", got)
	}
	if h.hits.Load() != 4 || h.misses.Load() != 1 {
		t.Fatalf("hits=%d misses=%d", h.hits.Load(), h.misses.Load())
	}
	v, version, ok := nc.Peek(1)
	if !ok || v != 100 || version != ver(1) {
		t.Fatalf("Peek=(%d,%v,%v)", v, version, ok)
	}
}

func TestGetNotFoundIsNotCached(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	nc := newTestCache(t, r, nil)

	for i := 0; i < 2; i++ {
		_, err := nc.Get(ctx, 9)
		var nf *KeyNotFoundError
		if !errors.As(err, &nf) || !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected KeyNotFoundError, got %v", err)
		}
		if nf.Key != 9 {
			t.Fatalf("KeyNotFoundError.Key=%v", nf.Key)
		}
	}
	if got := r.fetches.Load(); got != 2 {
		t.Fatalf("negative result must not be cached; fetches=%d", got)
	}
	if nc.Len() != 0 {
		t.Fatalf("Len=%d want 0", nc.Len())
	}
}

func TestRemoteErrorPropagatesUnchanged(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("cluster unavailable")
	r := newMemRemote()
	r.err = boom
	nc := newTestCache(t, r, nil)

	if _, err := nc.Get(ctx, 1); err != boom {
		t.Fatalf("Get err=%v want %v", err, boom)
	}
	if _, err := nc.GetAll(ctx, []int{1, 2}); err != boom {
		t.Fatalf("GetAll err=%v want %v", err, boom)
	}
}

func TestGetAllServesHitsAndOmitsMissing(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 10, ver(1))
	r.put(2, 20, ver(1))
	nc := newTestCache(t, r, nil)

	if _, err := nc.Get(ctx, 1); err != nil {
		t.Fatalf("warm: %v", err)
	}

	got, err := nc.GetAll(ctx, []int{1, 2, 3, 2})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 2 || got[1] != 10 || got[2] != 20 {
		t.Fatalf("GetAll=%v", got)
	}
	// key 1 from the near cache; 2 and 3 fetched once despite the duplicate
	if r.fetchAlls.Load() != 1 || r.fetchedLen.Load() != 2 {
		t.Fatalf("FetchAll calls=%d keys=%d", r.fetchAlls.Load(), r.fetchedLen.Load())
	}
	// second batch is all local
	if _, err := nc.GetAll(ctx, []int{1, 2}); err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if r.fetchAlls.Load() != 1 {
		t.Fatalf("second GetAll went remote")
	}
	if empty, err := nc.GetAll(ctx, nil); err != nil || len(empty) != 0 {
		t.Fatalf("GetAll(nil)=%v,%v", empty, err)
	}
}

// ==============================
// Topology / generation gating
// ==============================

// A server node leaves: the batch read for a key it owned comes back empty while
// the single read fails with not found.
func TestBatchAndSingleDivergeAfterTopologyChange(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(5, 500, ver(1))
	nc := newTestCache(t, r, func(o *Options[int, int]) { o.InitialTopology = ver(1) })

	if v, err := nc.Get(ctx, 5); err != nil || v != 500 {
		t.Fatalf("Get: v=%d err=%v", v, err)
	}
	r.del(5) // the owner is gone
	if !nc.OnTopologyChanged(ver(2)) {
		t.Fatalf("newer topology must apply")
	}

	got, err := nc.GetAll(ctx, []int{5})
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetAll after topology change = %v, want empty", got)
	}
	if _, err := nc.Get(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after topology change err=%v, want not found", err)
	}
	// the dead entry was reclaimed on the confirmed miss
	if nc.Len() != 0 {
		t.Fatalf("Len=%d want 0", nc.Len())
	}
}

func TestTopologyChangeGatesAllEntries(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	for k := 0; k < 50; k++ {
		r.put(k, k, ver(1))
	}
	nc := newTestCache(t, r, nil)
	if _, err := nc.GetAll(ctx, seq(50)); err != nil {
		t.Fatalf("warm: %v", err)
	}
	nc.OnTopologyChanged(ver(1))

	for k := 0; k < 50; k++ {
		if _, _, ok := nc.Peek(k); ok {
			t.Fatalf("key %d still visible after invalidation", k)
		}
	}
	before := r.fetches.Load()
	if v, err := nc.Get(ctx, 7); err != nil || v != 7 {
		t.Fatalf("Get: v=%d err=%v", v, err)
	}
	if r.fetches.Load() != before+1 {
		t.Fatalf("read after invalidation must go remote")
	}
}

func TestOnTopologyChangedIsIdempotent(t *testing.T) {
	h := &countHooks{}
	nc := newTestCache(t, newMemRemote(), func(o *Options[int, int]) {
		o.Hooks = h
		o.InitialTopology = ver(3)
	})

	if nc.OnTopologyChanged(ver(3)) {
		t.Fatalf("initial version must not apply")
	}
	if !nc.OnTopologyChanged(ver(4)) {
		t.Fatalf("version 4 should apply")
	}
	gen := nc.Generation()
	for _, v := range []topology.Version{ver(4), ver(2), {Major: 3, Minor: 9}} {
		if nc.OnTopologyChanged(v) {
			t.Fatalf("version %v must be ignored", v)
		}
	}
	if nc.Generation() != gen {
		t.Fatalf("duplicate/older versions bumped the generation: %d -> %d", gen, nc.Generation())
	}
	if !nc.OnTopologyChanged(topology.Version{Major: 4, Minor: 1}) {
		t.Fatalf("minor bump should apply")
	}
	if nc.TopologyVersion() != (topology.Version{Major: 4, Minor: 1}) {
		t.Fatalf("TopologyVersion=%v", nc.TopologyVersion())
	}
	if h.applied.Load() != 2 || h.ignored.Load() != 4 {
		t.Fatalf("applied=%d ignored=%d", h.applied.Load(), h.ignored.Load())
	}
}

func TestConcurrentDuplicateTopologyAppliesOnce(t *testing.T) {
	nc := newTestCache(t, newMemRemote(), nil)

	const goroutines = 32
	var applied atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			if nc.OnTopologyChanged(ver(7)) {
				applied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if applied.Load() != 1 || nc.Generation() != 1 {
		t.Fatalf("applied=%d generation=%d, want 1/1", applied.Load(), nc.Generation())
	}
}

// A fetch that completes after an invalidation is stamped with the new
// generation; it never resurrects the old epoch.
func TestInFlightFetchAcrossInvalidation(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 100, ver(1))
	gate := make(chan struct{})
	r.gate[1] = gate
	nc := newTestCache(t, r, nil)

	done := make(chan int)
	go func() {
		v, err := nc.Get(ctx, 1)
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		done <- v
	}()

	waitFor(t, func() bool { return r.fetches.Load() == 1 })
	nc.OnTopologyChanged(ver(2))
	r.put(1, 200, ver(2))
	close(gate)

	if v := <-done; v != 200 {
		t.Fatalf("Get=%d want 200", v)
	}
	v, version, ok := nc.Peek(1)
	if !ok || v != 200 || version != ver(2) {
		t.Fatalf("Peek=(%d,%v,%v)", v, version, ok)
	}
	impl := mustImpl(t, nc)
	if e, _ := impl.store.LookupLive(1); e.Generation() != 1 {
		t.Fatalf("entry stamped with generation %d, want 1", e.Generation())
	}
}

// ==============================
// Race resolution
// ==============================

// Cached 100@v1; a fetch returns 200@v2. The newer value wins and never reverts.
func TestNoLostFreshWrite(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 100, ver(1))
	h := &countHooks{}
	nc := newTestCache(t, r, func(o *Options[int, int]) { o.Hooks = h })
	impl := mustImpl(t, nc)

	if v, _ := nc.Get(ctx, 1); v != 100 {
		t.Fatalf("warm Get=%d", v)
	}
	got := impl.install(1, remote.Value[int]{Value: 200, Version: ver(2)}, impl.store.Generation())
	if got != 200 {
		t.Fatalf("install returned %d want 200", got)
	}
	// a straggler carrying the old version must not revert it
	got = impl.install(1, remote.Value[int]{Value: 100, Version: ver(1)}, impl.store.Generation())
	if got != 200 {
		t.Fatalf("stale install returned %d want the resident 200", got)
	}
	v, version, ok := nc.Peek(1)
	if !ok || v != 200 || version != ver(2) {
		t.Fatalf("Peek=(%d,%v,%v) want (200,2,true)", v, version, ok)
	}
	if h.superseded.Load() != 1 || h.lost.Load() != 1 {
		t.Fatalf("superseded=%d lost=%d", h.superseded.Load(), h.lost.Load())
	}
}

// Two gets miss concurrently; the older fetch is released first or last, and
// either way the newer value ends up cached.
func TestRaceResolutionNewerFetchWins(t *testing.T) {
	for _, releaseOlderFirst := range []bool{true, false} {
		ctx := context.Background()
		r := newScriptRemote(
			remote.Value[int]{Value: 1, Version: ver(1)},
			remote.Value[int]{Value: 2, Version: ver(2)},
		)
		nc := newTestCache(t, r, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			go func() {
				defer wg.Done()
				if _, err := nc.Get(ctx, 3); err != nil {
					t.Errorf("Get: %v", err)
				}
			}()
		}
		waitFor(t, func() bool { return r.calls.Load() == 2 })

		order := []int{1, 0}
		if releaseOlderFirst {
			order = []int{0, 1}
		}
		first, second := order[0], order[1]
		close(r.release[first])
		waitFor(t, func() bool {
			_, version, ok := nc.Peek(3)
			return ok && version == r.script[first].Version
		})
		close(r.release[second])
		wg.Wait()

		v, version, ok := nc.Peek(3)
		if !ok || v != 2 || version != ver(2) {
			t.Fatalf("releaseOlderFirst=%v: Peek=(%d,%v,%v) want (2,2,true)", releaseOlderFirst, v, version, ok)
		}
	}
}

// scriptRemote answers the n-th Fetch with script[n] once release[n] is closed.
type scriptRemote struct {
	script  []remote.Value[int]
	release []chan struct{}
	calls   atomic.Int64
}

func newScriptRemote(script ...remote.Value[int]) *scriptRemote {
	r := &scriptRemote{script: script}
	for range script {
		r.release = append(r.release, make(chan struct{}))
	}
	return r
}

func (r *scriptRemote) Fetch(ctx context.Context, _ int) (remote.Value[int], error) {
	n := int(r.calls.Add(1) - 1)
	select {
	case <-r.release[n]:
	case <-ctx.Done():
		return remote.Value[int]{}, ctx.Err()
	}
	return r.script[n], nil
}

func (r *scriptRemote) FetchAll(context.Context, []int) (map[int]remote.Value[int], error) {
	return nil, errors.New("not scripted")
}

// Writers race installs with random versions while a reader checks that the
// visible version never goes back within a generation.
func TestMonotonicVisibilityUnderContention(t *testing.T) {
	impl := mustImpl(t, newTestCache(t, newMemRemote(), nil))

	workers := 2 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(300 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(id+1) * 7919))
			for time.Now().Before(deadline) {
				if rnd.Intn(500) == 0 {
					impl.OnTopologyChanged(ver(int64(rnd.Intn(1 << 20))))
				}
				n := rnd.Intn(1000)
				impl.install(1, remote.Value[int]{Value: n, Version: ver(int64(n))}, impl.store.Generation())
			}
		}(w)
	}

	var seen topology.Version
	var seenGen uint64
	for time.Now().Before(deadline) {
		e, ok := impl.store.LookupLive(1)
		if !ok {
			continue
		}
		if e.Generation() != seenGen {
			if e.Generation() < seenGen {
				t.Fatalf("generation went backwards: %d < %d", e.Generation(), seenGen)
			}
			seenGen, seen = e.Generation(), topology.Version{}
		}
		got := e.Version()
		if got.Less(seen) {
			t.Fatalf("version went backwards within generation %d: %v < %v", seenGen, got, seen)
		}
		seen = got
	}
	wg.Wait()

	// the value of a settled entry always matches its version
	if e, ok := impl.store.LookupLive(1); ok && !e.Retired() {
		if v, version := e.Read(); int64(v) != version.Major {
			t.Fatalf("value %d does not match version %v", v, version)
		}
	}
}

func TestEqualValueAdvancesVersionInPlace(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 100, ver(1))
	h := &countHooks{}
	nc := newTestCache(t, r, func(o *Options[int, int]) {
		o.Hooks = h
		o.Equal = func(a, b int) bool { return a == b }
	})
	impl := mustImpl(t, nc)

	if _, err := nc.Get(ctx, 1); err != nil {
		t.Fatalf("Get: %v", err)
	}
	before, _ := impl.store.LookupLive(1)

	impl.install(1, remote.Value[int]{Value: 100, Version: ver(3)}, impl.store.Generation())

	after, _ := impl.store.LookupLive(1)
	if before != after {
		t.Fatalf("equal value must keep the resident entry")
	}
	if after.Version() != ver(3) || h.advanced.Load() != 1 {
		t.Fatalf("version=%v advanced=%d", after.Version(), h.advanced.Load())
	}

	impl.install(1, remote.Value[int]{Value: 101, Version: ver(4)}, impl.store.Generation())
	if e, _ := impl.store.LookupLive(1); e == after || e.Value() != 101 {
		t.Fatalf("different value must replace the entry")
	}
}

func TestRetiredEntryIsOvertakenByNewerFetch(t *testing.T) {
	impl := mustImpl(t, newTestCache(t, newMemRemote(), nil))
	gen := impl.store.Generation()
	impl.install(1, remote.Value[int]{Value: 1, Version: ver(1)}, gen)

	// another writer retired the entry at v2 but has not swapped the slot yet
	cur, _ := impl.store.LookupLive(1)
	if !cur.Retire(ver(1), ver(2)) {
		t.Fatalf("Retire failed")
	}

	// an older fetch must not return the retired entry's stale value
	if got := impl.install(1, remote.Value[int]{Value: 9, Version: ver(2)}, gen); got != 9 {
		t.Fatalf("install returned %d want the fetched 9", got)
	}
	// a newer fetch replaces it
	if got := impl.install(1, remote.Value[int]{Value: 3, Version: ver(3)}, gen); got != 3 {
		t.Fatalf("install returned %d want 3", got)
	}
	v, version, _ := impl.Peek(1)
	if v != 3 || version != ver(3) {
		t.Fatalf("Peek=(%d,%v)", v, version)
	}
	// the slow writer's swap now fails; the slot keeps v3
	if impl.store.CompareAndInstall(1, cur, store.NewEntry[int](2, ver(2), 1, gen)) {
		t.Fatalf("swap from an overtaken entry must fail")
	}
}

func TestInstallSkippedWhenGenerationMoved(t *testing.T) {
	impl := mustImpl(t, newTestCache(t, newMemRemote(), nil))
	gen := impl.store.Generation()
	impl.OnTopologyChanged(ver(1))

	if got := impl.install(1, remote.Value[int]{Value: 5, Version: ver(1)}, gen); got != 5 {
		t.Fatalf("install returned %d", got)
	}
	if impl.Len() != 0 {
		t.Fatalf("entry born dead was installed")
	}
}

func TestDisabledIsPassthrough(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	r.put(1, 1, ver(1))
	nc := newTestCache(t, r, func(o *Options[int, int]) { o.Disabled = true })

	if nc.Enabled() {
		t.Fatalf("expected disabled")
	}
	for i := 0; i < 3; i++ {
		if v, err := nc.Get(ctx, 1); err != nil || v != 1 {
			t.Fatalf("Get: v=%d err=%v", v, err)
		}
	}
	if r.fetches.Load() != 3 || nc.Len() != 0 {
		t.Fatalf("fetches=%d len=%d", r.fetches.Load(), nc.Len())
	}
	got, err := nc.GetAll(ctx, []int{1, 2})
	if err != nil || len(got) != 1 || got[1] != 1 {
		t.Fatalf("GetAll=%v err=%v", got, err)
	}
	if _, err := nc.Get(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err=%v", err)
	}
}

func TestSweepReclaimsDeadEntries(t *testing.T) {
	ctx := context.Background()
	r := newMemRemote()
	for k := 0; k < 10; k++ {
		r.put(k, k, ver(1))
	}
	nc := newTestCache(t, r, nil)
	impl := mustImpl(t, nc)
	if _, err := nc.GetAll(ctx, seq(10)); err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	nc.OnTopologyChanged(ver(2))
	if _, err := nc.Get(ctx, 0); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := impl.sweep(); n != 9 {
		t.Fatalf("sweep removed %d want 9", n)
	}
	if nc.Len() != 1 {
		t.Fatalf("Len=%d want 1", nc.Len())
	}
}

func TestCloseStopsSweeper(t *testing.T) {
	nc, err := New[int, int](Options[int, int]{
		Remote:   newMemRemote(),
		Affinity: modAffinity(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := nc.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// second close is a no-op
	if err := nc.Close(context.Background()); err != nil {
		t.Fatalf("Close again: %v", err)
	}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
