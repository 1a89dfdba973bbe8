// Package sloghooks logs near cache hook events through log/slog.
// Per-read events (hits, misses) are not logged.
package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/topology"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	StaleWriteEvery uint64
	SupersedeEvery  uint64
	// Sweeps that removed nothing are skipped unless set.
	LogEmptySweeps bool
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	staleCtr     atomic.Uint64
	supersedeCtr atomic.Uint64
}

var _ nearcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) NearHit()  {}
func (h *Hooks) NearMiss() {}

func (h *Hooks) StaleWriteLost(partition int32) {
	if h.l == nil || !sample(h.opts.StaleWriteEvery, &h.staleCtr) {
		return
	}
	h.l.Debug("nearcache.stale_write_lost", "partition", partition)
}

func (h *Hooks) InstallAbandoned(partition int32) {
	if h.l == nil {
		return
	}
	h.l.Warn("nearcache.install_abandoned", "partition", partition)
}

func (h *Hooks) Superseded(partition int32) {
	if h.l == nil || !sample(h.opts.SupersedeEvery, &h.supersedeCtr) {
		return
	}
	h.l.Debug("nearcache.superseded", "partition", partition)
}

func (h *Hooks) VersionAdvanced(partition int32) {
	if h.l == nil || !sample(h.opts.SupersedeEvery, &h.supersedeCtr) {
		return
	}
	h.l.Debug("nearcache.version_advanced", "partition", partition)
}

func (h *Hooks) TopologyApplied(from, to topology.Version, gen uint64) {
	if h.l == nil {
		return
	}
	h.l.Info("nearcache.topology_applied",
		"from", from.String(),
		"to", to.String(),
		"generation", gen)
}

func (h *Hooks) TopologyIgnored(v topology.Version) {
	if h.l == nil {
		return
	}
	h.l.Debug("nearcache.topology_ignored", "version", v.String())
}

func (h *Hooks) Swept(removed int) {
	if h.l == nil || (removed == 0 && !h.opts.LogEmptySweeps) {
		return
	}
	h.l.Info("nearcache.swept", "removed", removed)
}
