package apisec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultReplayTimeout bounds one replayed request.
const DefaultReplayTimeout = 10 * time.Second

// ReplayRequest describes an ad-hoc request crafted by the analyst.
type ReplayRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`

	// Insecure skips origin certificate verification.
	Insecure bool `json:"insecure,omitempty"`
}

// ReplayResponse is the outcome of a replayed request. Body is decoded
// according to Content-Encoding.
type ReplayResponse struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
	TimeMS   int64             `json:"time_ms"`
	Duration time.Duration     `json:"-"`
}

// Replayer sends requests directly to origins, bypassing the proxy and the
// interception controller.
type Replayer struct {
	Client *http.Client

	// MaxBodySize caps the response body read. Zero means DefaultDecodeLimit.
	MaxBodySize int64
}

// NewReplayer creates a Replayer with DefaultReplayTimeout. insecure disables
// origin certificate verification.
func NewReplayer(insecure bool) *Replayer {
	pool := NewTransportPool()
	pool.InsecureSkipVerify = insecure
	pool.UpstreamTimeout = DefaultReplayTimeout
	return &Replayer{
		Client: &http.Client{
			Transport: pool.Transport(),
			Timeout:   DefaultReplayTimeout,
		},
	}
}

// Do executes req and measures the time to the complete response.
func (r *Replayer) Do(ctx context.Context, req ReplayRequest) (*ReplayResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &ConfigurationError{Field: "url", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &ConfigurationError{Field: "url", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build replay request: %w", err)
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			httpReq.Host = v
			continue
		}
		httpReq.Header.Set(k, v)
	}

	limit := r.MaxBodySize
	if limit <= 0 {
		limit = DefaultDecodeLimit
	}

	start := time.Now()
	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("replay %s %s: %w", method, u.Redacted(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read replay response: %w", err)
	}
	elapsed := time.Since(start)

	decoded, err := DecodeBody(resp.Header, raw, limit)
	if err != nil {
		decoded = raw
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		headers[k] = strings.Join(vs, ", ")
	}

	return &ReplayResponse{
		Status:   resp.StatusCode,
		Headers:  headers,
		Body:     string(decoded),
		TimeMS:   elapsed.Milliseconds(),
		Duration: elapsed,
	}, nil
}
