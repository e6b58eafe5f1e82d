package apisec

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)
	require.NotNil(t, m.registry)
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()
	m.RecordTransaction("GET", "https", 200, 50*time.Millisecond)
	m.RecordTransaction("POST", "http", 403, 10*time.Millisecond)
	m.RecordResolution(PhaseRequest, ActionDrop)
	m.SetHeldItems(3)
	m.IncActiveConns()
	m.DecActiveConns()
	m.SetCertCacheSize(42)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.SetSignatureCount(10)
	m.RecordSignatureReload()
	m.RecordSignatureReloadError()
	m.RecordFinding(SeverityHigh)
	m.RecordScanError("PCI-CARD")
	m.RecordEventDropped()
	m.RecordUpstreamError("example.com")
	m.RecordTLSHandshakeError()
	m.RecordWebSocketSession()
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordTransaction("GET", "https", 200, 50*time.Millisecond)
	m.RecordResolution(PhaseResponse, ActionForward)
	m.SetSignatureCount(5)
	m.RecordFinding(SeverityMedium)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, check := range []string{
		"apisec_transactions_total",
		"apisec_transaction_duration_seconds",
		"apisec_intercept_resolutions_total",
		"apisec_signature_count",
		"apisec_findings_total",
		"apisec_active_connections",
		"apisec_cert_cache_size",
		"apisec_events_dropped_total",
	} {
		assert.Contains(t, body, check)
	}
}
