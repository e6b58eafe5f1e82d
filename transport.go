package apisec

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// DefaultUpstreamTimeout bounds upstream dial, TLS handshake and response
// header waits.
const DefaultUpstreamTimeout = 30 * time.Second

// TransportPool provides the pooled HTTP/1.1 transport used to reach
// origins. It wraps [http.Transport] with defaults suited to an intercepting
// proxy and exposes request statistics.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means no limit.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the net/http default (2 per host).
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// UpstreamTimeout bounds the TCP dial, the TLS handshake and the wait
	// for response headers. Zero means DefaultUpstreamTimeout.
	UpstreamTimeout time.Duration

	// InsecureSkipVerify disables origin certificate verification. Useful
	// against staging hosts with self-signed certificates.
	InsecureSkipVerify bool

	// RootCAs overrides the system roots used to verify origins.
	RootCAs *x509.CertPool

	// ProxyURL chains upstream requests through a parent proxy.
	ProxyURL *url.URL

	// DialContext overrides the dialer (tests route origins to local
	// listeners with it).
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	transport atomic.Pointer[http.Transport]

	stats transportStats
}

type transportStats struct {
	totalRequests  atomic.Int64
	activeRequests atomic.Int64
	timeouts       atomic.Int64
}

// NewTransportPool creates a TransportPool with proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		UpstreamTimeout:     DefaultUpstreamTimeout,
	}
}

// Build creates the underlying [http.Transport]. It is safe to call multiple
// times; each call creates a fresh transport and closes idle connections on
// the previous one.
func (tp *TransportPool) Build() *http.Transport {
	timeout := tp.UpstreamTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	dial := tp.DialContext
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}

	t := &http.Transport{
		DialContext: dial,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: tp.InsecureSkipVerify, //nolint:gosec // analyst opt-in
			RootCAs:            tp.RootCAs,
			NextProtos:         []string{"http/1.1"},
		},
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		// Bodies are relayed as sent; the client negotiates encodings.
		DisableCompression: true,
		ForceAttemptHTTP2:  false,
	}
	if tp.ProxyURL != nil {
		t.Proxy = http.ProxyURL(tp.ProxyURL)
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns an [http.RoundTripper] backed by the pooled transport.
// Timeouts are reported as *UpstreamTimeoutError.
func (tp *TransportPool) Transport() http.RoundTripper {
	if tp.transport.Load() == nil {
		tp.Build()
	}
	return &pooledRoundTripper{pool: tp}
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// Stats returns a snapshot of transport statistics.
func (tp *TransportPool) Stats() TransportPoolStats {
	return TransportPoolStats{
		TotalRequests:  tp.stats.totalRequests.Load(),
		ActiveRequests: tp.stats.activeRequests.Load(),
		Timeouts:       tp.stats.timeouts.Load(),
	}
}

// TransportPoolStats holds a snapshot of transport statistics.
type TransportPoolStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
	Timeouts       int64 `json:"timeouts"`
}

type pooledRoundTripper struct {
	pool *TransportPool
}

func (rt *pooledRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.pool.stats.totalRequests.Add(1)
	rt.pool.stats.activeRequests.Add(1)
	defer rt.pool.stats.activeRequests.Add(-1)

	t := rt.pool.transport.Load()
	if t == nil {
		t = rt.pool.Build()
	}

	resp, err := t.RoundTrip(req)
	if err != nil && isTimeout(err) {
		rt.pool.stats.timeouts.Add(1)
		return nil, &UpstreamTimeoutError{Host: req.URL.Host, Err: err}
	}
	return resp, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
