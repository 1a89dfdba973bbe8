// Package nearcache implements a client-side near cache for a partitioned,
// distributed key-value store. It keeps local copies of values read from the
// cluster and drops all of them, in O(1), whenever the cluster topology
// version advances.
//
// Components:
//   - topology.Version: ordered (major, minor) topology version; it doubles as
//     the version token of every cached value.
//   - store.Store: key -> entry map plus a generation counter. Entries stamped
//     with an older generation are invisible.
//   - Near (New): Get/GetAll read-through with compare-and-swap race resolution.
//   - Listener: forwards topology versions from a Feed or a callback.
//
// Read path:
//
//	v, err := near.Get(ctx, k) // local hit, or remote fetch + CAS install
//
// Topology path:
//
//	feed, _ := etcdfeed.New(etcdfeed.Config{Client: etcdClient})
//	l := nearcache.NewListener(near, logger)
//	go l.Run(ctx, feed) // every newer version bumps the generation
//
// Values can be served by any remote.Remote; remote/kvstore reads them from a
// provider (Redis, Ristretto, BigCache) where each value is framed with the
// topology version it was written under.
//
// Concurrent fetches of the same key are not coalesced. Each installs through a
// per-key CAS; a result older than what is already cached is discarded.
package nearcache
