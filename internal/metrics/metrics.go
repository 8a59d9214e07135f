// Package metrics exposes PBX exchange state as Prometheus metrics. It
// is a pure observability layer: nothing here is consulted by the
// TU/PBX core, and it cannot mutate exchange state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbxsim/pbx/internal/pbxregistry"
)

// RegistrySnapshot is the read-only view of the exchange the collector
// scrapes at collection time.
type RegistrySnapshot interface {
	Count() int
	Snapshot() []pbxregistry.ExtensionStatus
}

// knownStates lists every TU state so the by-state gauge always reports
// a zero series for states with no current members, rather than
// omitting them from scrape output.
var knownStates = []string{
	"ON HOOK", "RINGING", "DIAL TONE", "RING BACK", "BUSY SIGNAL", "CONNECTED", "ERROR",
}

// Collector is a prometheus.Collector that gathers exchange-wide gauges
// at scrape time, plus the cumulative operation counters recorded via
// RecordOp.
type Collector struct {
	registry  RegistrySnapshot
	startTime time.Time

	opCounters *prometheus.CounterVec

	registeredDesc *prometheus.Desc
	byStateDesc    *prometheus.Desc
	uptimeDesc     *prometheus.Desc
}

// NewCollector creates a metrics collector backed by registry. startTime
// is the process start time, used to compute uptime.
func NewCollector(registry RegistrySnapshot, startTime time.Time) *Collector {
	return &Collector{
		registry:  registry,
		startTime: startTime,

		opCounters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbx_tu_operations_total",
			Help: "Total number of TU operations completed, by operation.",
		}, []string{"op"}),

		registeredDesc: prometheus.NewDesc(
			"pbx_registered_extensions",
			"Number of currently registered extensions.",
			nil, nil,
		),
		byStateDesc: prometheus.NewDesc(
			"pbx_extensions_by_state",
			"Number of registered extensions currently in each state.",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"pbx_uptime_seconds",
			"Seconds since the exchange process started.",
			nil, nil,
		),
	}
}

// RecordOp implements tu.OpRecorder, incrementing the per-operation
// counter. Safe for concurrent use by every TU's client goroutine.
func (c *Collector) RecordOp(op string) {
	c.opCounters.WithLabelValues(op).Inc()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredDesc
	ch <- c.byStateDesc
	ch <- c.uptimeDesc
	c.opCounters.Describe(ch)
}

// Collect implements prometheus.Collector. It queries the registry
// snapshot at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		c.registeredDesc, prometheus.GaugeValue,
		float64(c.registry.Count()),
	)

	counts := make(map[string]int, len(knownStates))
	for _, s := range knownStates {
		counts[s] = 0
	}
	for _, ext := range c.registry.Snapshot() {
		counts[ext.State]++
	}
	for _, state := range knownStates {
		ch <- prometheus.MustNewConstMetric(
			c.byStateDesc, prometheus.GaugeValue,
			float64(counts[state]), state,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)

	c.opCounters.Collect(ch)
}
