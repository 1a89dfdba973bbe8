// Package redisfeed shares the cluster topology version through Redis.
//
// The version lives in the hash "topo:<ns>" (fields major, minor) and every
// change is announced as "major.minor" on the channel "topo:<ns>:events".
// Membership code calls Publish or Bump; near caches consume Watch.
package redisfeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/topology"
)

var ErrNilClient = errors.New("redisfeed: nil client")

// publishScript stores and announces ARGV only when it is newer than the
// stored version, so concurrent publishers cannot move it backwards.
var publishScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'major', 'minor')
local maj = tonumber(cur[1] or '0')
local min = tonumber(cur[2] or '0')
local nmaj = tonumber(ARGV[1])
local nmin = tonumber(ARGV[2])
if nmaj < maj or (nmaj == maj and nmin <= min) then
	return 0
end
redis.call('HSET', KEYS[1], 'major', ARGV[1], 'minor', ARGV[2])
redis.call('PUBLISH', KEYS[2], ARGV[1] .. '.' .. ARGV[2])
return 1
`)

// bumpScript starts a new major version and announces it.
var bumpScript = redis.NewScript(`
local maj = redis.call('HINCRBY', KEYS[1], 'major', 1)
redis.call('HSET', KEYS[1], 'minor', 0)
redis.call('PUBLISH', KEYS[2], maj .. '.0')
return maj
`)

type Config struct {
	Client    redis.UniversalClient
	Namespace string
	Logger    nearcache.Logger // if nil, NopLogger is used
}

// Feed reads, publishes and watches the shared topology version.
type Feed struct {
	rdb redis.UniversalClient
	key string
	ch  string
	log nearcache.Logger
}

var _ nearcache.Feed = (*Feed)(nil)

func New(cfg Config) (*Feed, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("redisfeed: Namespace is required")
	}
	log := cfg.Logger
	if log == nil {
		log = nearcache.NopLogger{}
	}
	key := "topo:" + cfg.Namespace
	return &Feed{rdb: cfg.Client, key: key, ch: key + ":events", log: log}, nil
}

// Current returns the stored version. A missing key is the zero version.
func (f *Feed) Current(ctx context.Context) (topology.Version, error) {
	vals, err := f.rdb.HMGet(ctx, f.key, "major", "minor").Result()
	if err != nil {
		return topology.Version{}, err
	}
	return parseFields(vals)
}

// Publish stores v and announces it if v is newer than the stored version.
// It reports whether the store advanced.
func (f *Feed) Publish(ctx context.Context, v topology.Version) (bool, error) {
	n, err := publishScript.Run(ctx, f.rdb, []string{f.key, f.ch}, v.Major, v.Minor).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Bump increments the major version, resets minor and announces the result.
func (f *Feed) Bump(ctx context.Context) (topology.Version, error) {
	maj, err := bumpScript.Run(ctx, f.rdb, []string{f.key, f.ch}).Int64()
	if err != nil {
		return topology.Version{}, err
	}
	return topology.Version{Major: maj}, nil
}

// Watch subscribes to announcements and emits the current version first.
// The channel closes when ctx is done or the subscription breaks.
func (f *Feed) Watch(ctx context.Context) (<-chan topology.Version, error) {
	ps := f.rdb.Subscribe(ctx, f.ch)
	// Wait for the subscription so nothing published after Current is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisfeed: subscribe %s: %w", f.ch, err)
	}
	cur, err := f.Current(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan topology.Version, 1)
	go func() {
		defer close(out)
		defer ps.Close()

		if !cur.IsZero() {
			out <- cur
		}
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					f.log.Warn("topology subscription closed", nearcache.Fields{"channel": f.ch})
					return
				}
				v, err := topology.ParseVersion(m.Payload)
				if err != nil {
					f.log.Warn("bad topology announcement", nearcache.Fields{"channel": f.ch, "payload": m.Payload, "err": err})
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func parseFields(vals []interface{}) (topology.Version, error) {
	if len(vals) != 2 {
		return topology.Version{}, fmt.Errorf("redisfeed: expected 2 fields, got %d", len(vals))
	}
	maj, err := parseField(vals[0], 64)
	if err != nil {
		return topology.Version{}, fmt.Errorf("redisfeed: major: %w", err)
	}
	mnr, err := parseField(vals[1], 32)
	if err != nil {
		return topology.Version{}, fmt.Errorf("redisfeed: minor: %w", err)
	}
	return topology.Version{Major: maj, Minor: int32(mnr)}, nil
}

func parseField(v interface{}, bits int) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, bits)
	case []byte:
		return strconv.ParseInt(string(x), 10, bits)
	default:
		return strconv.ParseInt(fmt.Sprint(x), 10, bits)
	}
}
