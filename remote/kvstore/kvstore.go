// Package kvstore implements remote.Remote over a provider.Provider byte
// store. Every value is kept as a version frame: the topology version the
// writer observed plus the codec-encoded payload.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/codec"
	"github.com/unkn0wn-root/nearcache/internal/wire"
	pr "github.com/unkn0wn-root/nearcache/provider"
	"github.com/unkn0wn-root/nearcache/remote"
	"github.com/unkn0wn-root/nearcache/topology"
)

const defaultConcurrency = 16

var (
	// ErrCorrupt reports a stored value that is not a valid version frame.
	ErrCorrupt = wire.ErrCorrupt
	// ErrRejected is returned by Put when the provider refused the write.
	ErrRejected = errors.New("kvstore: write rejected by provider")
)

type Config[K comparable, V any] struct {
	Provider pr.Provider
	Codec    codec.Codec[V]

	// Key maps a cache key to its storage key suffix. Defaults to fmt.Sprint.
	Key func(K) string
	// Namespace prefixes every storage key as "<ns>:<key>".
	Namespace string
	// Concurrency bounds parallel Gets in FetchAll when the provider cannot
	// batch. Defaults to 16.
	Concurrency int
	// TTL applies to Put. 0 means no expiry.
	TTL time.Duration

	Logger nearcache.Logger
}

// Store is both the read side used by the near cache and the write side used
// by whatever seeds the authoritative data.
type Store[K comparable, V any] struct {
	p     pr.Provider
	batch pr.BatchGetter
	codec codec.Codec[V]
	key   func(K) string
	ns    string
	conc  int
	ttl   time.Duration
	log   nearcache.Logger
}

var _ remote.Remote[string, int] = (*Store[string, int])(nil)

func New[K comparable, V any](cfg Config[K, V]) (*Store[K, V], error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("kvstore: Provider is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("kvstore: Codec is required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("kvstore: Namespace is required")
	}
	s := &Store[K, V]{
		p:     cfg.Provider,
		codec: cfg.Codec,
		key:   cfg.Key,
		ns:    cfg.Namespace,
		conc:  cfg.Concurrency,
		ttl:   cfg.TTL,
		log:   cfg.Logger,
	}
	if s.key == nil {
		s.key = func(k K) string { return fmt.Sprint(k) }
	}
	if s.conc <= 0 {
		s.conc = defaultConcurrency
	}
	if s.log == nil {
		s.log = nearcache.NopLogger{}
	}
	if bg, ok := cfg.Provider.(pr.BatchGetter); ok {
		s.batch = bg
	}
	return s, nil
}

func (s *Store[K, V]) storageKey(k K) string { return s.ns + ":" + s.key(k) }

func (s *Store[K, V]) Fetch(ctx context.Context, key K) (remote.Value[V], error) {
	sk := s.storageKey(key)
	raw, ok, err := s.p.Get(ctx, sk)
	if err != nil {
		return remote.Value[V]{}, err
	}
	if !ok {
		return remote.Value[V]{}, remote.ErrNotFound
	}
	return s.decode(sk, raw)
}

// FetchAll reads keys with one batched call when the provider supports it and
// falls back to bounded parallel Gets otherwise. Missing keys are omitted.
func (s *Store[K, V]) FetchAll(ctx context.Context, keys []K) (map[K]remote.Value[V], error) {
	out := make(map[K]remote.Value[V], len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = s.storageKey(k)
	}

	raws, err := s.getMany(ctx, sks)
	if err != nil {
		return nil, err
	}
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		v, err := s.decode(sks[i], raw)
		if err != nil {
			return nil, err
		}
		out[keys[i]] = v
	}
	return out, nil
}

func (s *Store[K, V]) getMany(ctx context.Context, sks []string) ([][]byte, error) {
	if s.batch != nil {
		raws, err := s.batch.GetMany(ctx, sks)
		if err != nil {
			return nil, err
		}
		if len(raws) != len(sks) {
			return nil, fmt.Errorf("kvstore: batch returned %d values for %d keys", len(raws), len(sks))
		}
		return raws, nil
	}

	raws := make([][]byte, len(sks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.conc)
	for i, sk := range sks {
		g.Go(func() error {
			b, ok, err := s.p.Get(gctx, sk)
			if err != nil {
				return err
			}
			if ok {
				raws[i] = b
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return raws, nil
}

func (s *Store[K, V]) decode(sk string, raw []byte) (remote.Value[V], error) {
	ver, payload, err := wire.DecodeValue(raw)
	if err != nil {
		s.log.Warn("corrupt value frame", nearcache.Fields{"key": sk, "len": len(raw)})
		return remote.Value[V]{}, fmt.Errorf("kvstore: key %q: %w", sk, err)
	}
	v, err := s.codec.Decode(payload)
	if err != nil {
		return remote.Value[V]{}, fmt.Errorf("kvstore: decode %q: %w", sk, err)
	}
	return remote.Value[V]{Value: v, Version: ver}, nil
}

// Put stores value stamped with the topology version under which it was
// written.
func (s *Store[K, V]) Put(ctx context.Context, key K, value V, version topology.Version) error {
	payload, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("kvstore: encode: %w", err)
	}
	frame := wire.EncodeValue(version, payload)
	ok, err := s.p.Set(ctx, s.storageKey(key), frame, int64(len(frame)), s.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRejected
	}
	return nil
}

func (s *Store[K, V]) Delete(ctx context.Context, key K) error {
	return s.p.Del(ctx, s.storageKey(key))
}

// Close closes the underlying provider.
func (s *Store[K, V]) Close(ctx context.Context) error { return s.p.Close(ctx) }
