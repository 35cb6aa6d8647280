// Package metrics exposes bus, cache, offline queue and backend request
// counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/lensdesk/internal/model"
)

const namespace = "lensdesk"

// Metrics implements the Recorder interfaces of events, cache, offline and
// api. Each instance owns its registry.
type Metrics struct {
	registry *prometheus.Registry

	// Event bus
	EventsEmitted    *prometheus.CounterVec
	ListenerFailures *prometheus.CounterVec
	EmitDuration     prometheus.Histogram
	ListenersTripped *prometheus.CounterVec

	// Cache
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	FetchFailures      *prometheus.CounterVec
	SubscribersTripped *prometheus.CounterVec

	// Offline queue
	OpsQueued   *prometheus.CounterVec
	OpsReplayed *prometheus.CounterVec
	PendingOps  prometheus.Gauge

	// Backend
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers every metric. withRuntime adds the Go and
// process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_emitted_total",
			Help:      "Total number of emitted events",
		}, []string{"event"}),
		ListenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "listener_failures_total",
			Help:      "Total number of failed listener invocations",
		}, []string{"event"}),
		EmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "emit_duration_seconds",
			Help:      "Time spent delivering one event to all listeners",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ListenersTripped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "listeners_tripped_total",
			Help:      "Total number of listeners whose breaker opened",
		}, []string{"event"}),

		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of reads served from a fresh entry",
		}, []string{"kind"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of reads that went to the backend",
		}, []string{"kind"}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_failures_total",
			Help:      "Total number of failed backend fetches",
		}, []string{"kind"}),
		SubscribersTripped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "subscribers_tripped_total",
			Help:      "Total number of view subscriptions whose breaker opened",
		}, []string{"kind"}),

		OpsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "ops_queued_total",
			Help:      "Total number of writes deferred while offline",
		}, []string{"kind"}),
		OpsReplayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "ops_replayed_total",
			Help:      "Total number of replayed offline writes",
		}, []string{"kind", "result"}),
		PendingOps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Pending offline operations",
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of backend requests served",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Backend request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot sums every metric family by name. Histograms count observations.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var sum float64
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				sum += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				sum += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				sum += float64(metric.GetHistogram().GetSampleCount())
			}
		}
		out[mf.GetName()] = sum
	}
	return out, nil
}

func (m *Metrics) EventEmitted(event string, listeners, failed int, took time.Duration) {
	m.EventsEmitted.WithLabelValues(event).Inc()
	if failed > 0 {
		m.ListenerFailures.WithLabelValues(event).Add(float64(failed))
	}
	m.EmitDuration.Observe(took.Seconds())
}

func (m *Metrics) ListenerTripped(event string) {
	m.ListenersTripped.WithLabelValues(event).Inc()
}

func (m *Metrics) CacheHit(kind model.Kind)  { m.CacheHits.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) CacheMiss(kind model.Kind) { m.CacheMisses.WithLabelValues(string(kind)).Inc() }

func (m *Metrics) FetchFailed(kind model.Kind) {
	m.FetchFailures.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) SubscriberTripped(kind model.Kind) {
	m.SubscribersTripped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) OpQueued(kind string) { m.OpsQueued.WithLabelValues(kind).Inc() }

func (m *Metrics) OpReplayed(kind string, ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.OpsReplayed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) QueueDepth(n int) { m.PendingOps.Set(float64(n)) }

func (m *Metrics) RequestServed(method, route string, status int, took time.Duration) {
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(took.Seconds())
}
