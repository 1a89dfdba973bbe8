// Package etcdfeed derives topology versions from an etcd membership prefix.
//
// Members register under Prefix (see Join). Any put or delete below the prefix
// is an ownership change, and the etcd revision at which it happened becomes
// the new topology version's major component.
package etcdfeed

import (
	"context"
	"errors"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/topology"
)

const (
	DefaultPrefix   = "clusters/"
	defaultRetry    = time.Second
	defaultLeaseTTL = 10 // seconds
)

var ErrNilClient = errors.New("etcdfeed: nil client")

type Config struct {
	Client *clientv3.Client
	Prefix string           // "" => DefaultPrefix
	Retry  time.Duration    // pause before re-watching after a broken watch; 0 => 1s
	Logger nearcache.Logger // if nil, NopLogger is used
}

type Feed struct {
	cli    *clientv3.Client
	prefix string
	retry  time.Duration
	log    nearcache.Logger
}

var _ nearcache.Feed = (*Feed)(nil)

func New(cfg Config) (*Feed, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	f := &Feed{cli: cfg.Client, prefix: cfg.Prefix, retry: cfg.Retry, log: cfg.Logger}
	if f.prefix == "" {
		f.prefix = DefaultPrefix
	}
	if f.retry <= 0 {
		f.retry = defaultRetry
	}
	if f.log == nil {
		f.log = nearcache.NopLogger{}
	}
	return f, nil
}

// Current returns the store revision as seen through the prefix. Every
// membership change after it carries a higher revision.
func (f *Feed) Current(ctx context.Context) (topology.Version, error) {
	resp, err := f.cli.Get(ctx, f.prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return topology.Version{}, err
	}
	return topology.Version{Major: resp.Header.Revision}, nil
}

// Watch emits the current version and then one version per batch of
// membership events. A broken watch resumes from the next unseen revision; a
// compacted one may have lost events, so it is reported as a change at the
// store's current revision.
func (f *Feed) Watch(ctx context.Context) (<-chan topology.Version, error) {
	cur, err := f.Current(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan topology.Version, 1)
	go func() {
		defer close(out)
		emit := func(v topology.Version) bool {
			select {
			case out <- v:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit(cur) {
			return
		}

		next := cur.Major + 1
		for ctx.Err() == nil {
			wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
			wch := f.cli.Watch(wctx, f.prefix, clientv3.WithPrefix(), clientv3.WithRev(next))
			for wr := range wch {
				if wr.CompactRevision != 0 {
					f.log.Warn("membership watch compacted", nearcache.Fields{"prefix": f.prefix, "compact_rev": wr.CompactRevision})
					next = wr.Header.Revision + 1
					if !emit(topology.Version{Major: wr.Header.Revision}) {
						cancel()
						return
					}
					break
				}
				if err := wr.Err(); err != nil {
					f.log.Warn("membership watch error", nearcache.Fields{"prefix": f.prefix, "err": err})
					break
				}
				rev := latestRevision(wr.Events)
				if rev == 0 {
					continue
				}
				next = rev + 1
				if !emit(topology.Version{Major: rev}) {
					cancel()
					return
				}
			}
			cancel()
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.retry):
			}
		}
	}()
	return out, nil
}

func latestRevision(evs []*clientv3.Event) int64 {
	var rev int64
	for _, ev := range evs {
		if ev.Kv != nil {
			rev = max(rev, ev.Kv.ModRevision)
		}
	}
	return rev
}

// Join registers member under the prefix with a lease kept alive until ctx
// is done or leave is called. Joining and leaving both advance the topology.
func (f *Feed) Join(ctx context.Context, member string, value []byte, ttlSeconds int64) (leave func(context.Context) error, err error) {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultLeaseTTL
	}
	lease, err := f.cli.Grant(ctx, ttlSeconds)
	if err != nil {
		return nil, err
	}
	key := f.prefix + member
	if _, err := f.cli.Put(ctx, key, string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, err
	}

	kaCtx, cancel := context.WithCancel(ctx)
	ka, err := f.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		for range ka {
		}
		f.log.Debug("membership lease keepalive stopped", nearcache.Fields{"member": member})
	}()

	return func(ctx context.Context) error {
		cancel()
		_, err := f.cli.Revoke(ctx, lease.ID)
		return err
	}, nil
}
