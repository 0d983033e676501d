package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/record"
)

const namespace = "callstats"

// Source is the read side of the aggregator.
type Source interface {
	ActiveCalls() int
	CompletedCalls() int
	TotalPhaseDuration(record.Phase) int64
	Rejected() aggregator.Diagnostics
	Snapshot() aggregator.Snapshot
}

// Collector exposes aggregator statistics as Prometheus metrics. Values are
// read at scrape time, so nothing is copied on the ingest path.
type Collector struct {
	src     Source
	parties bool

	active    *prometheus.Desc
	completed *prometheus.Desc
	phase     *prometheus.Desc
	party     *prometheus.Desc
	rejected  *prometheus.Desc
}

// NewCollector creates a Collector. Per-party series are emitted only when
// parties is true, since party ids are unbounded.
func NewCollector(src Source, parties bool) *Collector {
	return &Collector{
		src:     src,
		parties: parties,
		active: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_calls"),
			"Calls dialed and not yet dropped.", nil, nil),
		completed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "completed_calls_total"),
			"Calls dropped.", nil, nil),
		phase: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "phase_duration_seconds_total"),
			"Cumulative time spent in each call phase.", []string{"phase"}, nil),
		party: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "party_duration_seconds_total"),
			"Cumulative completed call time per party.", []string{"party"}, nil),
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "records_rejected_total"),
			"Records the state machine could not use as given.", []string{"reason"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.completed
	ch <- c.phase
	ch <- c.rejected
	if c.parties {
		ch <- c.party
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(c.src.ActiveCalls()))
	ch <- prometheus.MustNewConstMetric(c.completed, prometheus.CounterValue, float64(c.src.CompletedCalls()))

	for _, p := range record.Phases() {
		if p == record.Drop {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.phase, prometheus.CounterValue,
			seconds(c.src.TotalPhaseDuration(p)), p.String())
	}

	rejected := c.src.Rejected()
	for _, reason := range aggregator.RejectReasons() {
		ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue,
			float64(rejected.Get(reason)), string(reason))
	}

	if c.parties {
		for party, ms := range c.src.Snapshot().PartyMs {
			ch <- prometheus.MustNewConstMetric(c.party, prometheus.CounterValue, seconds(ms), party)
		}
	}
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}

// NewRegistry returns an isolated registry holding the collector and the
// standard Go and process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
