package jobimport

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	UnitStatusImported = "imported"
	UnitStatusPoison   = "poison"
	UnitStatusRequeued = "requeued"
	UnitStatusDead     = "dead_lettered"
)

// Metrics owns a private registry so several pipelines in one process (and
// tests) never collide on collector registration. All methods accept a nil
// receiver.
type Metrics struct {
	Registry *prometheus.Registry

	units        *prometheus.CounterVec
	records      *prometheus.CounterVec
	retries      prometheus.Counter
	unitDuration prometheus.Histogram
	summaries    prometheus.Counter
	observers    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}
	m.units = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobimport",
		Name:      "units_total",
		Help:      "Units of work handled by the worker pool, by status",
	}, []string{"status"})
	m.records = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobimport",
		Name:      "records_total",
		Help:      "Candidate records processed, by outcome",
	}, []string{"outcome"})
	m.retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobimport",
		Name:      "record_retries_total",
		Help:      "Upsert attempts beyond the first",
	})
	m.unitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobimport",
		Name:      "unit_duration_seconds",
		Help:      "Time spent processing one unit of work",
		Buckets:   prometheus.DefBuckets,
	})
	m.summaries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "jobimport",
		Name:      "summaries_total",
		Help:      "Import summaries persisted and announced",
	})
	m.observers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobimport",
		Name:      "live_observers",
		Help:      "Connected live log observers",
	})
	m.Registry.MustRegister(m.units, m.records, m.retries, m.unitDuration, m.summaries, m.observers)
	return m
}

// WatchQueue exports the ready depth of q as a gauge sampled at scrape time.
func (m *Metrics) WatchQueue(q UnitQueue) {
	if m == nil || q == nil {
		return
	}
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "jobimport",
		Name:      "queue_depth",
		Help:      "Units waiting in the queue",
	}, func() float64 { return float64(q.Depth()) }))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) unit(status string, seconds float64) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.unitDuration.Observe(seconds)
	}
}

func (m *Metrics) record(outcome Outcome, attempts int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(string(outcome)).Inc()
	if attempts > 1 {
		m.retries.Add(float64(attempts - 1))
	}
}

// Notify counts persisted summaries; Metrics is usually one member of a
// MultiNotifier.
func (m *Metrics) Notify(context.Context, Summary) {
	if m == nil {
		return
	}
	m.summaries.Inc()
}

func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}
