package nearcache

import "github.com/unkn0wn-root/nearcache/topology"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// A read was served from a live local entry.
	NearHit()
	// A read missed locally and went to the remote.
	NearMiss()

	// A fetched value was discarded because the resident entry already had an
	// equal or newer version.
	StaleWriteLost(partition int32)
	// A fetched value was returned but not cached after losing the CAS twice.
	InstallAbandoned(partition int32)
	// A resident entry was replaced by a newer fetched value.
	Superseded(partition int32)
	// A resident entry's version was bumped in place (value unchanged).
	VersionAdvanced(partition int32)

	// A newer topology version invalidated the store; gen is the new generation.
	TopologyApplied(from, to topology.Version, gen uint64)
	// A duplicate or older topology version was ignored.
	TopologyIgnored(v topology.Version)

	// Dead entries physically removed by a sweep.
	Swept(removed int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) NearHit()                                                   {}
func (NopHooks) NearMiss()                                                  {}
func (NopHooks) StaleWriteLost(int32)                                       {}
func (NopHooks) InstallAbandoned(int32)                                     {}
func (NopHooks) Superseded(int32)                                           {}
func (NopHooks) VersionAdvanced(int32)                                      {}
func (NopHooks) TopologyApplied(topology.Version, topology.Version, uint64) {}
func (NopHooks) TopologyIgnored(topology.Version)                           {}
func (NopHooks) Swept(int)                                                  {}
