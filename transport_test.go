package apisec

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportPool_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	pool := NewTransportPool()
	client := &http.Client{Transport: pool.Transport()}

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Zero(t, stats.ActiveRequests)
	assert.Zero(t, stats.Timeouts)
	pool.CloseIdleConnections()
}

func TestTransportPool_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	pool := NewTransportPool()
	pool.UpstreamTimeout = 50 * time.Millisecond

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = pool.Transport().RoundTrip(req)

	var timeoutErr *UpstreamTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, req.URL.Host, timeoutErr.Host)
	assert.Equal(t, int64(1), pool.Stats().Timeouts)
}

func TestTransportPool_DialContextOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Host))
	}))
	defer srv.Close()

	pool := NewTransportPool()
	pool.DialContext = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, srv.Listener.Addr().String())
	}

	resp, err := (&http.Client{Transport: pool.Transport()}).Get("http://api.unresolvable.test/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransportPool_TLSVerification(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	strict := NewTransportPool()
	_, err := (&http.Client{Transport: strict.Transport()}).Get(srv.URL)
	assert.Error(t, err, "self-signed origin is rejected by default")

	insecure := NewTransportPool()
	insecure.InsecureSkipVerify = true
	resp, err := (&http.Client{Transport: insecure.Transport()}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	pinned := NewTransportPool()
	pinned.RootCAs = srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs
	resp, err = (&http.Client{Transport: pinned.Transport()}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
}

func TestTransportPool_Rebuild(t *testing.T) {
	pool := NewTransportPool()
	first := pool.Build()
	second := pool.Build()
	assert.NotSame(t, first, second)
	assert.True(t, second.DisableCompression)
}
