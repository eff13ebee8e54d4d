package tracker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/tracker-go/tracker/outcome"
)

// PrometheusMetrics exposes emission pipeline metrics.
//
// Metrics exposed (all namespaced with "tracker_", labelled by tracker namespace):
//
//  1. events_sent_total (counter): events acknowledged by the collector.
//  2. events_failed_total (counter): events in failed requests.
//  3. events_dropped_total (counter): failed events removed without retry.
//  4. events_retried_total (counter): failed events kept for another attempt.
//  5. requests_total (counter): collector calls, labelled result=success|failure.
//  6. backoffs_total (counter): iterations that ended in a backoff pause.
//  7. pending_events (gauge): store size at the start of the last iteration.
//  8. cycle_duration_ms (histogram): build + send + cleanup time per iteration.
//
// PrometheusMetrics also implements outcome.Observer.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := tracker.NewPrometheusMetrics(registry)
//	emitter, _ := tracker.NewEmitter(conn, st, tracker.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	retried  *prometheus.CounterVec
	requests *prometheus.CounterVec
	backoffs *prometheus.CounterVec

	pending *prometheus.GaugeVec

	cycleDuration *prometheus.HistogramVec

	mu      sync.RWMutex
	enabled bool
}

var _ outcome.Observer = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates and registers the emitter metrics with
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	labels := []string{"namespace"}

	return &PrometheusMetrics{
		enabled: true,
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "events_sent_total",
			Help:      "Events acknowledged by the collector with a 2xx status",
		}, labels),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "events_failed_total",
			Help:      "Events carried by collector requests that did not succeed",
		}, labels),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "events_dropped_total",
			Help:      "Failed events removed from the store without retry (oversize or permanent status)",
		}, labels),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "events_retried_total",
			Help:      "Failed events kept in the store for another attempt",
		}, labels),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "requests_total",
			Help:      "Collector calls by result",
		}, []string{"namespace", "result"}),
		backoffs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tracker",
			Name:      "backoffs_total",
			Help:      "Emission iterations that ended in a backoff pause",
		}, labels),
		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tracker",
			Name:      "pending_events",
			Help:      "Events waiting in the store at the start of the last iteration",
		}, labels),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tracker",
			Name:      "cycle_duration_ms",
			Help:      "Emission iteration duration in milliseconds (build, send and store cleanup)",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, labels),
	}
}

func (pm *PrometheusMetrics) isEnabled() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Observe records the counts and duration of one iteration.
func (pm *PrometheusMetrics) Observe(o outcome.Outcome) {
	if !pm.isEnabled() {
		return
	}
	ns := o.Namespace
	pm.sent.WithLabelValues(ns).Add(float64(o.Success))
	pm.failed.WithLabelValues(ns).Add(float64(o.Failure))
	pm.dropped.WithLabelValues(ns).Add(float64(o.Dropped))
	pm.retried.WithLabelValues(ns).Add(float64(o.WillRetry))
	pm.cycleDuration.WithLabelValues(ns).Observe(float64(o.Duration.Milliseconds()))
}

// RecordRequest counts one collector call.
func (pm *PrometheusMetrics) RecordRequest(namespace string, success bool) {
	if !pm.isEnabled() {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	pm.requests.WithLabelValues(namespace, result).Inc()
}

// IncrementBackoff counts an iteration that ended in a backoff pause.
func (pm *PrometheusMetrics) IncrementBackoff(namespace string) {
	if !pm.isEnabled() {
		return
	}
	pm.backoffs.WithLabelValues(namespace).Inc()
}

// UpdatePending sets the pending events gauge.
func (pm *PrometheusMetrics) UpdatePending(namespace string, n int) {
	if !pm.isEnabled() {
		return
	}
	pm.pending.WithLabelValues(namespace).Set(float64(n))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the pending gauge. Counters and histograms are cumulative and
// keep their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pending.Reset()
}
