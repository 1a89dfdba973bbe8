package nearcache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/unkn0wn-root/nearcache/topology"
)

// TopologyHandler reacts to topology versions. Near caches implement it.
type TopologyHandler interface {
	OnTopologyChanged(v topology.Version) bool
}

// Feed delivers topology versions pushed by the membership service.
// Versions may repeat or arrive out of order. The channel is closed when the
// feed ends.
type Feed interface {
	Watch(ctx context.Context) (<-chan topology.Version, error)
}

// ChanFeed is a Feed over an existing channel.
type ChanFeed <-chan topology.Version

func (f ChanFeed) Watch(context.Context) (<-chan topology.Version, error) { return f, nil }

// Listener forwards strictly increasing topology versions to a handler.
// Notify is safe for concurrent use; duplicates and older versions are dropped.
type Listener struct {
	h    TopologyHandler
	log  Logger
	last atomic.Pointer[topology.Version]
}

func NewListener(h TopologyHandler, log Logger) *Listener {
	l := &Listener{h: h, log: coalesce[Logger](log, NopLogger{})}
	l.last.Store(&topology.Version{})
	return l
}

// Notify forwards v if it is newer than every version seen so far and reports
// whether it did.
func (l *Listener) Notify(v topology.Version) bool {
	next := &v
	for {
		cur := l.last.Load()
		if !cur.Less(v) {
			l.log.Debug("topology event dropped (not newer)", Fields{"version": v.String(), "last": cur.String()})
			return false
		}
		if l.last.CompareAndSwap(cur, next) {
			break
		}
	}
	l.h.OnTopologyChanged(v)
	return true
}

// Last returns the newest version seen.
func (l *Listener) Last() topology.Version { return *l.last.Load() }

// Run pumps feed into Notify until ctx is done (returns ctx.Err()) or the feed
// closes (returns nil).
func (l *Listener) Run(ctx context.Context, feed Feed) error {
	ch, err := feed.Watch(ctx)
	if err != nil {
		l.log.Warn("topology feed watch failed", Fields{"err": err})
		return fmt.Errorf("nearcache: watch topology: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-ch:
			if !ok {
				l.log.Info("topology feed closed", Fields{"last": l.Last().String()})
				return nil
			}
			l.Notify(v)
		}
	}
}
