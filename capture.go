package apisec

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBodySize bounds how much of each body is captured.
const DefaultMaxBodySize = 4 << 20

// Transaction is one request/response exchange seen by the proxy. Bodies are
// stored as they crossed the wire, still content-encoded, and are cut at the
// capture limit.
type Transaction struct {
	ID         uint64 `json:"id"`
	Method     string `json:"method"`
	URL        string `json:"url"`
	Proto      string `json:"proto"`
	Host       string `json:"host"`
	ClientAddr string `json:"client_addr"`

	RequestHeader        http.Header `json:"request_headers"`
	RequestBody          []byte      `json:"request_body,omitempty"`
	RequestBodyTruncated bool        `json:"request_body_truncated,omitempty"`

	Status                int         `json:"status"`
	ResponseHeader        http.Header `json:"response_headers,omitempty"`
	ResponseBody          []byte      `json:"response_body,omitempty"`
	ResponseBodyTruncated bool        `json:"response_body_truncated,omitempty"`

	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`

	IsWebSocket  bool   `json:"is_websocket"`
	BodyCaptured bool   `json:"body_captured"`
	Dropped      bool   `json:"dropped,omitempty"`
	Modified     bool   `json:"modified,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Duration returns the time from request parse to completion.
func (tx *Transaction) Duration() time.Duration {
	if tx.Completed.IsZero() {
		return 0
	}
	return tx.Completed.Sub(tx.Started)
}

// bufferBody reads up to limit bytes of body. When the body is longer the
// captured prefix is returned with truncated set, and rest yields the full
// body (prefix included) for forwarding.
func bufferBody(body io.ReadCloser, limit int64) (captured []byte, rest io.ReadCloser, truncated bool, err error) {
	if body == nil || body == http.NoBody {
		return nil, http.NoBody, false, nil
	}

	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, nil, false, err
	}
	if int64(len(buf)) <= limit {
		_ = body.Close()
		return buf, io.NopCloser(bytes.NewReader(buf)), false, nil
	}

	return buf[:limit], &multiReadCloser{
		Reader: io.MultiReader(bytes.NewReader(buf), body),
		closer: body,
	}, true, nil
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error { return m.closer.Close() }

// captureReader records up to limit bytes of what is read through it. The
// transport may still be reading a request body when the response arrives,
// so access is locked.
type captureReader struct {
	r         io.ReadCloser
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	n         int64
}

func newCaptureReader(r io.ReadCloser, limit int64) *captureReader {
	return &captureReader{r: r, limit: int(limit)}
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.n += int64(n)
		if room := c.limit - c.buf.Len(); room > 0 {
			if n > room {
				c.buf.Write(p[:room])
				c.truncated = true
			} else {
				c.buf.Write(p[:n])
			}
		} else {
			c.truncated = true
		}
	}
	return n, err
}

func (c *captureReader) Close() error { return c.r.Close() }

// Snapshot returns a copy of the captured prefix and whether the stream ran
// past the limit.
func (c *captureReader) Snapshot() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf.Len() == 0 {
		return nil, c.truncated
	}
	return bytes.Clone(c.buf.Bytes()), c.truncated
}

// snapshotBody returns the decoded form of a captured body for display.
func snapshotBody(h http.Header, raw []byte) []byte {
	if raw == nil {
		return nil
	}
	decoded, _ := DecodeBody(h, raw, 0)
	return decoded
}

// requestSnapshot builds the editable view of a request.
func requestSnapshot(req *http.Request, body []byte, truncated bool) Snapshot {
	return Snapshot{
		Method:        req.Method,
		URL:           req.URL.String(),
		Proto:         req.Proto,
		Header:        req.Header.Clone(),
		Body:          snapshotBody(req.Header, body),
		BodyTruncated: truncated,
	}
}

// responseSnapshot builds the editable view of a response.
func responseSnapshot(req *http.Request, resp *http.Response, body []byte, truncated bool) Snapshot {
	return Snapshot{
		Method:        req.Method,
		URL:           req.URL.String(),
		Proto:         resp.Proto,
		Status:        resp.StatusCode,
		Header:        resp.Header.Clone(),
		Body:          snapshotBody(resp.Header, body),
		BodyTruncated: truncated,
	}
}

// applyRequestAction rewrites req according to a ModifyRequest action and
// returns the new wire body when it changed.
func applyRequestAction(req *http.Request, a Action) (newBody []byte, err error) {
	if a.Method != "" {
		req.Method = strings.ToUpper(a.Method)
	}
	if a.URL != "" {
		u, err := url.Parse(a.URL)
		if err != nil {
			return nil, fmt.Errorf("modify request url: %w", err)
		}
		u = req.URL.ResolveReference(u)
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("modify request url: unsupported scheme %q", u.Scheme)
		}
		req.URL = u
		req.Host = u.Host
	}
	if a.Header != nil {
		req.Header = a.Header.Clone()
	}
	if a.Body != nil {
		encoded, err := EncodeBody(req.Header, a.Body)
		if err != nil {
			return nil, fmt.Errorf("modify request body: %w", err)
		}
		if req.Body != nil {
			_, _ = io.Copy(io.Discard, req.Body)
			_ = req.Body.Close()
		}
		setRequestBody(req, encoded)
		return encoded, nil
	}
	return nil, nil
}

func setRequestBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	req.Header.Del("Transfer-Encoding")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	if len(body) == 0 {
		req.Body = http.NoBody
	}
}

// applyResponseAction rewrites resp according to a ModifyResponse action and
// returns the new wire body when it changed.
func applyResponseAction(resp *http.Response, a Action) (newBody []byte, err error) {
	if a.Status != 0 {
		resp.StatusCode = a.Status
		resp.Status = fmt.Sprintf("%d %s", a.Status, http.StatusText(a.Status))
	}
	if a.Header != nil {
		resp.Header = a.Header.Clone()
	}
	if a.Body != nil {
		encoded, err := EncodeBody(resp.Header, a.Body)
		if err != nil {
			return nil, fmt.Errorf("modify response body: %w", err)
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		setResponseBody(resp, encoded)
		return encoded, nil
	}
	return nil, nil
}

func setResponseBody(resp *http.Response, body []byte) {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.TransferEncoding = nil
	resp.Header.Del("Transfer-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
}
