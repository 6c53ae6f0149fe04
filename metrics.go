package yblocker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "yblocker"

// Metrics holds all Prometheus metrics for the blocker.
type Metrics struct {
	exchangesTotal    *prometheus.CounterVec
	exchangeDuration  *prometheus.HistogramVec
	engineErrors      *prometheus.CounterVec
	annotations       *prometheus.CounterVec
	visitsRecorded    prometheus.Counter
	storeErrors       *prometheus.CounterVec
	pendingRecords    prometheus.Gauge
	correlationSize   prometheus.Gauge
	correlationEvicts prometheus.Counter
	syncTotal         *prometheus.CounterVec
	syncUploaded      prometheus.Counter
	ruleCount         prometheus.Gauge
	ruleReloads       *prometheus.CounterVec
	activeConns       prometheus.Gauge
	upstreamErrors    prometheus.Counter
	tlsHandshakeErrs  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		exchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exchanges_total",
			Help:      "Exchanges classified by the decision pipeline.",
		}, []string{"verdict"}),

		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from request arrival to response written.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"status"}),

		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "engine_errors_total",
			Help:      "Filter engine failures that were passed through.",
		}, []string{"op"}),

		annotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "annotations_total",
			Help:      "Response annotation outcomes.",
		}, []string{"result"}),

		visitsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "visits_recorded_total",
			Help:      "Visit records appended to the history store.",
		}),

		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_errors_total",
			Help:      "History store write failures.",
		}, []string{"op"}),

		pendingRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_records",
			Help:      "Records queued for upload.",
		}),

		correlationSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "correlation_entries",
			Help:      "Exchanges awaiting their response.",
		}),

		correlationEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "correlation_evictions_total",
			Help:      "Exchanges evicted after their response never arrived.",
		}),

		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_ticks_total",
			Help:      "Sync ticks by result.",
		}, []string{"result"}),

		syncUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_uploaded_records_total",
			Help:      "Records confirmed by the sync endpoint.",
		}),

		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rule_count",
			Help:      "Number of rules loaded in the filter engine.",
		}),

		ruleReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "custom_rule_reloads_total",
			Help:      "Custom rule reloads by result.",
		}, []string{"result"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of intercepted client connections.",
		}),

		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Number of failed upstream round trips.",
		}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.exchangesTotal,
		m.exchangeDuration,
		m.engineErrors,
		m.annotations,
		m.visitsRecorded,
		m.storeErrors,
		m.pendingRecords,
		m.correlationSize,
		m.correlationEvicts,
		m.syncTotal,
		m.syncUploaded,
		m.ruleCount,
		m.ruleReloads,
		m.activeConns,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordExchange records a pipeline verdict ("blocked" or "passed").
func (m *Metrics) RecordExchange(verdict string) {
	m.exchangesTotal.WithLabelValues(verdict).Inc()
}

// RecordExchangeDuration records the duration of a forwarded exchange.
func (m *Metrics) RecordExchangeDuration(statusCode int, duration time.Duration) {
	m.exchangeDuration.WithLabelValues(strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordEngineError records a filter engine failure for op ("match" or "cosmetics").
func (m *Metrics) RecordEngineError(op string) {
	m.engineErrors.WithLabelValues(op).Inc()
}

// RecordAnnotation records the outcome of the response phase.
func (m *Metrics) RecordAnnotation(result string) {
	m.annotations.WithLabelValues(result).Inc()
}

// RecordVisit records an appended visit record.
func (m *Metrics) RecordVisit() {
	m.visitsRecorded.Inc()
}

// RecordStoreError records a failed store write for op.
func (m *Metrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// SetPending sets the pending upload gauge.
func (m *Metrics) SetPending(n int) {
	m.pendingRecords.Set(float64(n))
}

// SetCorrelationSize sets the correlation table size gauge.
func (m *Metrics) SetCorrelationSize(n int) {
	m.correlationSize.Set(float64(n))
}

// RecordCorrelationEvictions records expired correlation entries.
func (m *Metrics) RecordCorrelationEvictions(n int) {
	m.correlationEvicts.Add(float64(n))
}

// RecordSync records a sync tick result ("success", "failure", "skipped").
func (m *Metrics) RecordSync(result string) {
	m.syncTotal.WithLabelValues(result).Inc()
}

// RecordUploaded records records confirmed by the sync endpoint.
func (m *Metrics) RecordUploaded(n int) {
	m.syncUploaded.Add(float64(n))
}

// SetRuleCount sets the current rule count.
func (m *Metrics) SetRuleCount(count int) {
	m.ruleCount.Set(float64(count))
}

// RecordRuleReload records a custom rule reload result ("success" or "error").
func (m *Metrics) RecordRuleReload(result string) {
	m.ruleReloads.WithLabelValues(result).Inc()
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordUpstreamError records an upstream round trip failure.
func (m *Metrics) RecordUpstreamError() {
	m.upstreamErrors.Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}
