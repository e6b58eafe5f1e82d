package apisec

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of an engine.
type Metrics struct {
	transactionsTotal *prometheus.CounterVec
	transactionDur    *prometheus.HistogramVec
	interceptActions  *prometheus.CounterVec
	heldItems         prometheus.Gauge
	activeConns       prometheus.Gauge
	certCacheSize     prometheus.Gauge
	certCacheHits     prometheus.Counter
	certCacheMisses   prometheus.Counter
	signatureCount    prometheus.Gauge
	signatureReloads  prometheus.Counter
	signatureReloadEr prometheus.Counter
	findingsTotal     *prometheus.CounterVec
	scanErrors        *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	upstreamErrors    *prometheus.CounterVec
	tlsHandshakeErrs  prometheus.Counter
	websocketSessions prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		transactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "transactions_total",
			Help:      "Total number of recorded transactions.",
		}, []string{"method", "scheme"}),

		transactionDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apisec",
			Name:      "transaction_duration_seconds",
			Help:      "Transaction duration in seconds, including time spent held.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "status"}),

		interceptActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "intercept_resolutions_total",
			Help:      "Held items resolved, by phase and action.",
		}, []string{"phase", "action"}),

		heldItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apisec",
			Name:      "held_items",
			Help:      "Number of held items awaiting a decision.",
		}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apisec",
			Name:      "active_connections",
			Help:      "Number of open client connections.",
		}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apisec",
			Name:      "cert_cache_size",
			Help:      "Number of cached host certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "cert_cache_hits_total",
			Help:      "Number of host certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "cert_cache_misses_total",
			Help:      "Number of host certificate cache misses.",
		}),

		signatureCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apisec",
			Name:      "signature_count",
			Help:      "Number of registered signatures.",
		}),

		signatureReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "signature_reloads_total",
			Help:      "Number of successful signature reloads.",
		}),

		signatureReloadEr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "signature_reload_errors_total",
			Help:      "Number of failed signature reloads.",
		}),

		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "findings_total",
			Help:      "Number of findings produced, by severity.",
		}, []string{"severity"}),

		scanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "scan_errors_total",
			Help:      "Number of signature evaluation failures.",
		}, []string{"signature"}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "events_dropped_total",
			Help:      "Number of events discarded because a subscriber fell behind.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		websocketSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apisec",
			Name:      "websocket_sessions_total",
			Help:      "Number of relayed WebSocket sessions.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.transactionsTotal,
		m.transactionDur,
		m.interceptActions,
		m.heldItems,
		m.activeConns,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.signatureCount,
		m.signatureReloads,
		m.signatureReloadEr,
		m.findingsTotal,
		m.scanErrors,
		m.eventsDropped,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.websocketSessions,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransaction records a completed transaction.
func (m *Metrics) RecordTransaction(method, scheme string, statusCode int, duration time.Duration) {
	m.transactionsTotal.WithLabelValues(method, scheme).Inc()
	m.transactionDur.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// RecordResolution records how a held item was resolved.
func (m *Metrics) RecordResolution(phase Phase, action ActionKind) {
	m.interceptActions.WithLabelValues(phase.String(), action.String()).Inc()
}

// SetHeldItems sets the held item gauge.
func (m *Metrics) SetHeldItems(n int) {
	m.heldItems.Set(float64(n))
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// SetSignatureCount sets the registered signature gauge.
func (m *Metrics) SetSignatureCount(count int) {
	m.signatureCount.Set(float64(count))
}

// RecordSignatureReload records a successful signature reload.
func (m *Metrics) RecordSignatureReload() {
	m.signatureReloads.Inc()
}

// RecordSignatureReloadError records a failed signature reload.
func (m *Metrics) RecordSignatureReloadError() {
	m.signatureReloadEr.Inc()
}

// RecordFinding records a finding of the given severity.
func (m *Metrics) RecordFinding(severity Severity) {
	m.findingsTotal.WithLabelValues(string(severity)).Inc()
}

// RecordScanError records a failed signature evaluation.
func (m *Metrics) RecordScanError(signatureID string) {
	m.scanErrors.WithLabelValues(signatureID).Inc()
}

// RecordEventDropped records an event discarded for a slow subscriber.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// RecordWebSocketSession records a relayed WebSocket session.
func (m *Metrics) RecordWebSocketSession() {
	m.websocketSessions.Inc()
}
