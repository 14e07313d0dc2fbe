// Package metrics exports the session counters and the request latency of a
// filter device to prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.aporeto.io/capfilter/controller/pkg/counters"
)

// Collector implements prometheus.Collector. It drains the counters on every
// scrape and exports the running totals. It also observes request latency.
type Collector struct {
	counters *counters.Counters
	totals   []float64
	names    []string

	counterDesc *prometheus.Desc
	latency     *prometheus.HistogramVec

	sync.Mutex
}

// NewCollector returns a collector draining ctrs. The device label is added
// to every exported metric.
func NewCollector(device string, ctrs *counters.Counters) *Collector {

	names := counters.CounterNames()
	labels := prometheus.Labels{"device": device}

	return &Collector{
		counters: ctrs,
		totals:   make([]float64, len(names)),
		names:    names,

		counterDesc: prometheus.NewDesc(
			"capfilter_session_events_total",
			"Total filter device session events by type.",
			[]string{"event"}, labels,
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "capfilter_request_duration_seconds",
				Help:        "Latency of filter device requests.",
				ConstLabels: labels,
				Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"op", "result"},
		),
	}
}

// ObserveRequest records the latency of one request.
func (c *Collector) ObserveRequest(op string, elapsed time.Duration, err error) {

	result := "ok"
	if err != nil {
		result = "error"
	}

	c.latency.WithLabelValues(op, result).Observe(elapsed.Seconds())
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.counterDesc
	c.latency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {

	c.Lock()
	defer c.Unlock()

	for i, v := range c.counters.GetErrorCounters() {
		if i >= len(c.totals) {
			break
		}
		c.totals[i] += float64(v)
	}

	for i, total := range c.totals {
		ch <- prometheus.MustNewConstMetric(c.counterDesc, prometheus.CounterValue, total, c.names[i])
	}

	c.latency.Collect(ch)
}
