package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/nearcache"
	"github.com/unkn0wn-root/nearcache/topology"
)

// Adapter implements nearcache.Hooks and exports Prometheus counters/gauges.
// Partition numbers are not used as labels to keep cardinality bounded.
type Adapter struct {
	reg      prometheus.Registerer
	opts     func(name, help string) prometheus.GaugeOpts
	hits     prometheus.Counter
	misses   prometheus.Counter
	installs *prometheus.CounterVec
	topo     *prometheus.CounterVec
	major    prometheus.Gauge
	gen      prometheus.Gauge
	swept    prometheus.Counter
}

// New constructs a Prometheus hooks adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}
	gauge := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}
	a := &Adapter{
		reg:      reg,
		opts:     gauge,
		hits:     prometheus.NewCounter(counter("hits_total", "Reads served from a live local entry")),
		misses:   prometheus.NewCounter(counter("misses_total", "Reads that went to the remote")),
		installs: prometheus.NewCounterVec(counter("install_outcomes_total", "Non-trivial install outcomes by kind"), []string{"outcome"}),
		topo:     prometheus.NewCounterVec(counter("topology_events_total", "Topology notifications by result"), []string{"result"}),
		major:    prometheus.NewGauge(gauge("topology_version_major", "Major component of the applied topology version")),
		gen:      prometheus.NewGauge(gauge("generation", "Current store generation")),
		swept:    prometheus.NewCounter(counter("swept_entries_total", "Dead entries removed by the sweeper")),
	}
	reg.MustRegister(a.hits, a.misses, a.installs, a.topo, a.major, a.gen, a.swept)
	return a
}

// TrackLen exports fn (typically Near.Len) as a resident entries gauge.
func (a *Adapter) TrackLen(fn func() int) {
	a.reg.MustRegister(prometheus.NewGaugeFunc(a.opts("resident_entries", "Resident entries, including dead ones"), func() float64 {
		return float64(fn())
	}))
}

func (a *Adapter) NearHit()                         { a.hits.Inc() }
func (a *Adapter) NearMiss()                        { a.misses.Inc() }
func (a *Adapter) StaleWriteLost(int32)             { a.installs.WithLabelValues("stale").Inc() }
func (a *Adapter) InstallAbandoned(int32)           { a.installs.WithLabelValues("abandoned").Inc() }
func (a *Adapter) Superseded(int32)                 { a.installs.WithLabelValues("superseded").Inc() }
func (a *Adapter) VersionAdvanced(int32)            { a.installs.WithLabelValues("advanced").Inc() }
func (a *Adapter) Swept(removed int)                { a.swept.Add(float64(removed)) }
func (a *Adapter) TopologyIgnored(topology.Version) { a.topo.WithLabelValues("ignored").Inc() }

func (a *Adapter) TopologyApplied(_, to topology.Version, gen uint64) {
	a.topo.WithLabelValues("applied").Inc()
	a.major.Set(float64(to.Major))
	a.gen.Set(float64(gen))
}

// Compile-time check: ensure Adapter implements nearcache.Hooks.
var _ nearcache.Hooks = (*Adapter)(nil)
