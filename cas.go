package nearcache

import (
	"github.com/unkn0wn-root/nearcache/remote"
	"github.com/unkn0wn-root/nearcache/store"
)

// install resolves a fetched value against the slot for key and returns the
// value the caller should see. gen is the store generation sampled after the
// fetch returned.
//
// Slot transitions within one generation only ever raise the visible version:
//   - empty or dead slot: insert-if-absent.
//   - live entry with version >= fetched: keep it, return its value.
//     (A retired one returns the fetched value; its own value is older.)
//   - live entry, Equal value: bump its version in place.
//   - otherwise retire the entry (freezes its version at the fetched one) and
//     swap the slot to the fresh entry. A retired entry with an older version
//     may be swapped out by anyone holding a newer value.
//
// A failed CAS is re-evaluated once; after that the fetched value is returned
// without caching it.
func (c *cache[K, V]) install(key K, rv remote.Value[V], gen uint64) V {
	part := c.affinity.PartitionOf(key)
	var fresh *store.Entry[V]
	mkFresh := func() *store.Entry[V] {
		if fresh == nil {
			fresh = store.NewEntry[V](rv.Value, rv.Version, part, gen)
		}
		return fresh
	}

	for attempt := 0; attempt < maxInstallAttempts; attempt++ {
		if c.store.Generation() != gen {
			// invalidated after the fetch; the entry would be born dead
			c.log.Debug("install skipped (generation moved)", entryFields(key, part, Fields{"gen": gen}))
			return rv.Value
		}

		cur, live := c.store.LookupLive(key)
		if !live {
			if c.store.CompareAndInstall(key, nil, mkFresh()) {
				return rv.Value
			}
			continue
		}

		curVer, retired := cur.State()
		curVal := cur.Value()
		newer := curVer.Less(rv.Version)

		if retired {
			// a replacement is in flight and cur's value predates its frozen version
			if !newer {
				c.hooks.StaleWriteLost(part)
				return rv.Value
			}
			// the pending replacement is older than ours; overtake it
			if c.store.CompareAndInstall(key, cur, mkFresh()) {
				c.hooks.Superseded(part)
				return rv.Value
			}
			continue
		}

		if !newer {
			c.hooks.StaleWriteLost(part)
			c.log.Debug("fetched value discarded (resident is newer or equal)",
				entryFields(key, part, Fields{"fetched": rv.Version.String(), "resident": curVer.String()}))
			return curVal
		}

		if c.equal != nil && cur.Partition() == part && c.equal(curVal, rv.Value) {
			if cur.TryAdvanceVersion(curVer, rv.Version) {
				c.hooks.VersionAdvanced(part)
				return curVal
			}
			continue
		}

		if !cur.Retire(curVer, rv.Version) {
			continue
		}
		if c.store.CompareAndInstall(key, cur, mkFresh()) {
			c.hooks.Superseded(part)
			return rv.Value
		}
	}

	c.hooks.InstallAbandoned(part)
	c.log.Debug("fetched value not cached (lost CAS race twice)",
		entryFields(key, part, Fields{"fetched": rv.Version.String()}))
	return rv.Value
}
