package apisec

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http/httpguts"
)

// ErrProxyClosed is returned by Proxy.Serve after Shutdown.
var ErrProxyClosed = errors.New("proxy closed")

const (
	requestDroppedMessage  = "Request dropped by APISec Interceptor"
	responseDroppedMessage = "Response dropped by APISec Interceptor"
)

// TransactionSink receives finished transactions from the proxy.
type TransactionSink interface {
	// NextTransactionID returns a fresh, monotonically increasing id.
	NextTransactionID() uint64

	// Submit hands over a finished transaction. It must not block.
	Submit(tx *Transaction)

	// SessionClosed reports the end of a relayed WebSocket session whose
	// handshake was submitted as tx. It must not block.
	SessionClosed(tx *Transaction, toOrigin, toClient int64)
}

// Proxy is the intercepting HTTP/HTTPS proxy. Plain requests are parsed from
// the client stream; CONNECT tunnels are terminated with a leaf certificate
// from the CA and the decrypted stream is handled the same way.
type Proxy struct {
	// CA issues per-host leaf certificates for CONNECT tunnels.
	CA *CertAuthority

	// Controller decides whether requests and responses are held.
	Controller *Controller

	// Sink receives every finished transaction.
	Sink TransactionSink

	// Events receives failure events (optional).
	Events Publisher

	// Transport sends requests to origins. Defaults to a TransportPool.
	Transport http.RoundTripper

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes one entry per transaction (optional)
	AccessLog *AccessLogger

	// MaxBodySize caps captured bodies. Longer bodies are still relayed in
	// full. Zero means DefaultMaxBodySize.
	MaxBodySize int64

	// IdleTimeout bounds the wait for the next request on a connection.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the client TLS handshake.
	HandshakeTimeout time.Duration

	initOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[*proxyConn]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// NewProxy creates a proxy with default timeouts and transport.
func NewProxy(ca *CertAuthority, controller *Controller, sink TransactionSink) *Proxy {
	return &Proxy{
		CA:               ca,
		Controller:       controller,
		Sink:             sink,
		Transport:        NewTransportPool().Transport(),
		Logger:           slog.Default(),
		MaxBodySize:      DefaultMaxBodySize,
		IdleTimeout:      30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (p *Proxy) init() {
	p.initOnce.Do(func() {
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.conns = make(map[*proxyConn]struct{})
		if p.Logger == nil {
			p.Logger = slog.Default()
		}
		if p.Transport == nil {
			p.Transport = NewTransportPool().Transport()
		}
	})
}

// Serve accepts connections on l until Shutdown is called. Each connection
// is handled on its own goroutine.
func (p *Proxy) Serve(l net.Listener) error {
	p.init()

	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		_ = l.Close()
		return ErrProxyClosed
	}
	p.listener = l
	p.mu.Unlock()

	p.Logger.Info("proxy listening", "addr", l.Addr().String())

	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if p.closing.Load() {
				return ErrProxyClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				p.Logger.Warn("accept error, retrying", "error", err, "delay", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		tempDelay = 0

		c := p.track(conn)
		if c == nil {
			_ = conn.Close()
			continue
		}
		go c.serve()
	}
}

// Shutdown stops accepting, closes idle connections and waits for active
// ones to finish. When ctx expires first, remaining connections are closed
// forcibly and ctx.Err() is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.init()
	p.closing.Store(true)

	p.mu.Lock()
	if p.listener != nil {
		_ = p.listener.Close()
	}
	p.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.closeIdleConns() {
			p.cancel()
			p.wg.Wait()
			return nil
		}
		select {
		case <-ctx.Done():
			n := p.closeAllConns()
			p.cancel()
			p.wg.Wait()
			p.Logger.Warn("forced connection close at shutdown", "connections", n)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ActiveConnections returns the number of open client connections.
func (p *Proxy) ActiveConnections() int {
	p.init()
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *Proxy) track(conn net.Conn) *proxyConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(p.ctx)
	c := &proxyConn{
		p:      p,
		raw:    conn,
		conn:   conn,
		client: conn.RemoteAddr().String(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.conns[c] = struct{}{}
	p.wg.Add(1)
	if p.Metrics != nil {
		p.Metrics.IncActiveConns()
	}
	return c
}

func (p *Proxy) untrack(c *proxyConn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	if p.Metrics != nil {
		p.Metrics.DecActiveConns()
	}
	p.wg.Done()
}

// closeIdleConns closes every connection that is not processing a request
// and reports whether no active connections remain.
func (p *Proxy) closeIdleConns() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	quiescent := true
	for c := range p.conns {
		if c.state.Load() == stateActive {
			quiescent = false
			continue
		}
		c.close()
	}
	return quiescent
}

func (p *Proxy) closeAllConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		c.close()
	}
	return len(p.conns)
}

func (p *Proxy) maxBodySize() int64 {
	if p.MaxBodySize <= 0 {
		return DefaultMaxBodySize
	}
	return p.MaxBodySize
}

func (p *Proxy) idleTimeout() time.Duration {
	if p.IdleTimeout <= 0 {
		return 30 * time.Second
	}
	return p.IdleTimeout
}

func (p *Proxy) handshakeTimeout() time.Duration {
	if p.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return p.HandshakeTimeout
}

func (p *Proxy) publishFailure(kind FailureKind, txID uint64, client, host string, err error) {
	if p.Events == nil {
		return
	}
	p.Events.Publish(Event{
		Kind: EventFailure,
		Failure: &FailureEvent{
			Kind:          kind,
			TransactionID: txID,
			Client:        client,
			Host:          host,
			Error:         err.Error(),
		},
	})
}

const (
	stateIdle int32 = iota
	stateActive
)

// proxyConn is one accepted client connection.
type proxyConn struct {
	p      *Proxy
	raw    net.Conn
	client string
	state  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn net.Conn // raw, or the TLS server conn after a CONNECT
}

func (c *proxyConn) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *proxyConn) close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	_ = conn.Close()
	_ = c.raw.Close()
}

func (c *proxyConn) serve() {
	defer c.p.untrack(c)
	defer c.cancel()
	defer c.close()

	br := bufio.NewReader(c.raw)
	for {
		c.state.Store(stateIdle)
		req, err := c.readRequest(c.raw, br)
		if err != nil {
			c.handleReadError(c.raw, err, "")
			return
		}
		c.state.Store(stateActive)

		if req.Method == http.MethodConnect {
			c.handleConnect(br, req)
			return
		}

		if req.URL.Scheme == "" {
			req.URL.Scheme = "http"
		}
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}
		if req.URL.Host == "" {
			writeSimpleResponse(c.raw, http.StatusBadRequest, "missing target host")
			return
		}
		if req.Host == "" {
			req.Host = req.URL.Host
		}

		if !c.serveRequest(c.raw, br, req) {
			return
		}
	}
}

func (c *proxyConn) readRequest(conn net.Conn, br *bufio.Reader) (*http.Request, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.p.idleTimeout()))
	req, err := http.ReadRequest(br)
	_ = conn.SetReadDeadline(time.Time{})
	return req, err
}

// handleReadError classifies a failed request read. Orderly closes and idle
// timeouts are routine; anything else is a malformed request.
func (c *proxyConn) handleReadError(conn net.Conn, err error, host string) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isTimeout(err) || c.ctx.Err() != nil {
		return
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		c.p.Logger.Debug("client read error", "client", c.client, "error", err)
		return
	}

	connErr := &ConnectionError{Client: c.client, Err: err}
	c.p.Logger.Warn("malformed client request", "error", connErr)
	writeSimpleResponse(conn, http.StatusBadRequest, "malformed request")
	c.p.publishFailure(FailureConnection, 0, c.client, host, connErr)
}

func (c *proxyConn) handleConnect(br *bufio.Reader, connectReq *http.Request) {
	p := c.p
	target := connectReq.Host
	if target == "" {
		target = connectReq.URL.Host
	}
	hostname, port, err := net.SplitHostPort(target)
	if err != nil {
		hostname, port = target, "443"
	}
	p.Logger.Debug("CONNECT", "host", target, "client", c.client)

	if _, err := io.WriteString(c.raw, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		p.Logger.Debug("write connect response", "error", err)
		return
	}

	tlsConn := tls.Server(&bufferedConn{Conn: c.raw, r: br}, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" {
				name = hostname
			}
			return p.CA.IssueLeaf(name)
		},
		NextProtos: []string{"http/1.1"},
	})
	c.setConn(tlsConn)

	hctx, cancel := context.WithTimeout(c.ctx, p.handshakeTimeout())
	err = tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		herr := &TLSHandshakeError{Host: hostname, Err: err}
		p.Logger.Warn("TLS handshake with client", "error", herr, "client", c.client)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		p.publishFailure(FailureTLSHandshake, 0, c.client, hostname, herr)
		return
	}

	defaultHost := target
	if port == "443" {
		defaultHost = hostname
	}

	tbr := bufio.NewReader(tlsConn)
	for {
		c.state.Store(stateIdle)
		req, err := c.readRequest(tlsConn, tbr)
		if err != nil {
			c.handleReadError(tlsConn, err, hostname)
			return
		}
		c.state.Store(stateActive)

		req.URL.Scheme = "https"
		if req.URL.Host == "" {
			req.URL.Host = defaultHost
		}
		if req.Host == "" {
			req.Host = defaultHost
		}

		if !c.serveRequest(tlsConn, tbr, req) {
			return
		}
	}
}

// serveRequest relays one transaction and reports whether the connection
// can carry another.
func (c *proxyConn) serveRequest(conn net.Conn, br *bufio.Reader, req *http.Request) bool {
	p := c.p
	origBody := req.Body
	defer func() {
		if origBody != nil {
			_ = origBody.Close()
		}
	}()

	req.RequestURI = ""
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	req = req.WithContext(ctx)

	tx := &Transaction{
		ID:            p.Sink.NextTransactionID(),
		Method:        req.Method,
		URL:           req.URL.String(),
		Proto:         req.Proto,
		Host:          req.Host,
		ClientAddr:    c.client,
		RequestHeader: req.Header.Clone(),
		Started:       time.Now(),
		IsWebSocket:   isWebSocketUpgrade(req.Header),
	}

	// Request phase.
	cfg := p.Controller.Config()
	tx.BodyCaptured = cfg.CaptureBody

	var reqCapture *captureReader
	switch {
	case cfg.InterceptRequests:
		captured, body, truncated, err := bufferBody(req.Body, p.maxBodySize())
		if err != nil {
			c.abort(tx, FailureConnection, &ConnectionError{Client: c.client, Err: fmt.Errorf("read request body: %w", err)})
			return false
		}
		req.Body = body

		// The analyst always sees the body; CaptureBody only decides what
		// is recorded and scanned.
		if cfg.CaptureBody {
			tx.RequestBody, tx.RequestBodyTruncated = captured, truncated
		}

		action := c.hold(ctx, conn, br, PhaseRequest, tx.ID, requestSnapshot(req, captured, truncated))
		switch action.Kind {
		case ActionDrop:
			tx.Dropped = true
			tx.Status = http.StatusForbidden
			writeSimpleResponse(conn, http.StatusForbidden, requestDroppedMessage)
			c.finish(tx)
			return false
		case ActionModifyRequest:
			newBody, err := applyRequestAction(req, action)
			if err != nil {
				tx.Status = http.StatusBadRequest
				tx.Error = err.Error()
				writeSimpleResponse(conn, http.StatusBadRequest, err.Error())
				c.finish(tx)
				return false
			}
			tx.Modified = true
			tx.Method = req.Method
			tx.URL = req.URL.String()
			tx.Host = req.Host
			tx.RequestHeader = req.Header.Clone()
			if newBody != nil && cfg.CaptureBody {
				tx.RequestBody, tx.RequestBodyTruncated = newBody, false
			}
		}
	case cfg.CaptureBody && req.Body != nil && req.Body != http.NoBody:
		reqCapture = newCaptureReader(req.Body, p.maxBodySize())
		req.Body = reqCapture
	}

	outReq := req.Clone(ctx)
	prepareOutbound(outReq, tx.IsWebSocket)

	resp, err := p.Transport.RoundTrip(outReq)
	if reqCapture != nil {
		tx.RequestBody, tx.RequestBodyTruncated = reqCapture.Snapshot()
	}
	if err != nil {
		c.upstreamFailed(conn, tx, err)
		return false
	}

	if tx.IsWebSocket && resp.StatusCode == http.StatusSwitchingProtocols {
		c.relayWebSocket(conn, br, resp, tx)
		return false
	}

	// Response phase.
	removeHopByHopHeaders(resp.Header, false)
	cfg = p.Controller.Config()
	if cfg.CaptureBody {
		tx.BodyCaptured = true
	}

	var respCapture *captureReader
	switch {
	case cfg.InterceptResponses && !tx.IsWebSocket:
		captured, body, truncated, err := bufferBody(resp.Body, p.maxBodySize())
		if err != nil {
			_ = resp.Body.Close()
			c.upstreamFailed(conn, tx, fmt.Errorf("read response body: %w", err))
			return false
		}
		resp.Body = body

		if cfg.CaptureBody {
			tx.ResponseBody, tx.ResponseBodyTruncated = captured, truncated
		}

		action := c.hold(ctx, conn, br, PhaseResponse, tx.ID, responseSnapshot(req, resp, captured, truncated))
		switch action.Kind {
		case ActionDrop:
			_ = resp.Body.Close()
			tx.Dropped = true
			tx.Status = http.StatusBadGateway
			tx.ResponseHeader = resp.Header.Clone()
			writeSimpleResponse(conn, http.StatusBadGateway, responseDroppedMessage)
			c.finish(tx)
			return false
		case ActionModifyResponse:
			newBody, err := applyResponseAction(resp, action)
			if err != nil {
				_ = resp.Body.Close()
				c.upstreamFailed(conn, tx, err)
				return false
			}
			tx.Modified = true
			if newBody != nil && cfg.CaptureBody {
				tx.ResponseBody, tx.ResponseBodyTruncated = newBody, false
			}
		}
	case cfg.CaptureBody:
		respCapture = newCaptureReader(resp.Body, p.maxBodySize())
		resp.Body = respCapture
	}

	keepAlive := !req.Close && !closeDelimited(resp)
	resp.Close = !keepAlive
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1

	tx.Status = resp.StatusCode
	tx.ResponseHeader = resp.Header.Clone()

	err = resp.Write(conn)
	_ = resp.Body.Close()
	if respCapture != nil {
		tx.ResponseBody, tx.ResponseBodyTruncated = respCapture.Snapshot()
	}
	if reqCapture != nil {
		tx.RequestBody, tx.RequestBodyTruncated = reqCapture.Snapshot()
	}
	if err != nil {
		connErr := &ConnectionError{Client: c.client, Err: fmt.Errorf("write response: %w", err)}
		tx.Error = connErr.Error()
		p.Logger.Debug("write response", "error", connErr)
		p.publishFailure(FailureConnection, tx.ID, c.client, tx.Host, connErr)
		c.finish(tx)
		return false
	}

	c.finish(tx)
	return keepAlive
}

// hold suspends the transaction on the controller while watching the client
// connection; a client that disconnects releases the hold as Drop.
func (c *proxyConn) hold(ctx context.Context, conn net.Conn, br *bufio.Reader, phase Phase, txID uint64, snap Snapshot) Action {
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := watchAbort(conn, br, cancel)
	action := c.p.Controller.Hold(hctx, phase, txID, snap)
	stop()
	return action
}

// aLongTimeAgo is a non-zero time in the past, used to interrupt reads.
var aLongTimeAgo = time.Unix(1, 0)

// watchAbort peeks at the client stream in the background and calls cancel
// when the client goes away. The returned function stops the watcher and
// restores the connection for normal reads.
func watchAbort(conn net.Conn, br *bufio.Reader, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := br.Peek(1); err != nil && !isTimeout(err) {
			cancel()
		}
	}()

	return func() {
		_ = conn.SetReadDeadline(aLongTimeAgo)
		<-done
		_ = conn.SetReadDeadline(time.Time{})
	}
}

func (c *proxyConn) upstreamFailed(conn net.Conn, tx *Transaction, err error) {
	p := c.p
	if c.ctx.Err() != nil {
		tx.Error = "connection closed during shutdown"
		c.finish(tx)
		return
	}

	var timeoutErr *UpstreamTimeoutError
	if !errors.As(err, &timeoutErr) && isTimeout(err) {
		timeoutErr = &UpstreamTimeoutError{Host: tx.Host, Err: err}
		err = timeoutErr
	}

	status, kind := http.StatusBadGateway, FailureUpstream
	if timeoutErr != nil {
		status, kind = http.StatusGatewayTimeout, FailureUpstreamTimeout
	}

	p.Logger.Warn("forward request", "error", err, "url", tx.URL)
	if p.Metrics != nil {
		p.Metrics.RecordUpstreamError(tx.Host)
	}
	tx.Status = status
	tx.Error = err.Error()
	writeSimpleResponse(conn, status, fmt.Sprintf("Proxy Error: %v", err))
	p.publishFailure(kind, tx.ID, c.client, tx.Host, err)
	c.finish(tx)
}

func (c *proxyConn) abort(tx *Transaction, kind FailureKind, err error) {
	c.p.Logger.Warn("transaction aborted", "tx", tx.ID, "error", err)
	tx.Error = err.Error()
	c.p.publishFailure(kind, tx.ID, c.client, tx.Host, err)
	c.finish(tx)
}

func (c *proxyConn) finish(tx *Transaction) {
	p := c.p
	tx.Completed = time.Now()
	p.Sink.Submit(tx)

	if p.Metrics != nil {
		scheme := "http"
		if strings.HasPrefix(tx.URL, "https:") {
			scheme = "https"
		}
		p.Metrics.RecordTransaction(tx.Method, scheme, tx.Status, tx.Duration())
	}
	if p.AccessLog != nil {
		p.AccessLog.LogTransaction(tx)
	}
}

// writeSimpleResponse writes a short text response that closes the connection.
func writeSimpleResponse(w io.Writer, status int, msg string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(msg)),
		ContentLength: int64(len(msg)),
		Close:         true,
	}
	_ = resp.Write(w)
}

// closeDelimited reports whether resp's body ends at connection close, in
// which case the client connection cannot be reused.
func closeDelimited(resp *http.Response) bool {
	if resp.ContentLength >= 0 {
		return false
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return false
		}
	}
	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified,
		resp.StatusCode >= 100 && resp.StatusCode < 200:
		return false
	case resp.Request != nil && resp.Request.Method == http.MethodHead:
		return false
	}
	return true
}

// prepareOutbound strips hop-by-hop headers and keeps the client's
// User-Agent choice, including its absence.
func prepareOutbound(req *http.Request, websocket bool) {
	removeHopByHopHeaders(req.Header, websocket)
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	req.RequestURI = ""
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders deletes the standard hop-by-hop headers and any
// header named in Connection. keepUpgrade preserves Connection and Upgrade
// for protocol switches.
func removeHopByHopHeaders(h http.Header, keepUpgrade bool) {
	for _, v := range h["Connection"] {
		for _, tok := range strings.Split(v, ",") {
			tok = textproto.TrimString(tok)
			if tok == "" || (keepUpgrade && strings.EqualFold(tok, "upgrade")) {
				continue
			}
			h.Del(tok)
		}
	}
	for _, header := range hopByHopHeaders {
		if keepUpgrade && (header == "Connection" || header == "Upgrade") {
			continue
		}
		h.Del(header)
	}
	if keepUpgrade {
		h.Set("Connection", "Upgrade")
	}
}

func isWebSocketUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "upgrade") &&
		strings.EqualFold(h.Get("Upgrade"), "websocket")
}

// bufferedConn reads through a bufio.Reader that may already hold bytes the
// client sent after its CONNECT request.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
