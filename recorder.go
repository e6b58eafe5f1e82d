package apisec

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Asset is the aggregate of every transaction seen for one normalized
// (method, url) endpoint.
type Asset struct {
	Key          string    `json:"key"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Hits         int64     `json:"hits"`
	FindingCount int       `json:"finding_count"`
	LastStatus   int       `json:"last_status"`
	IsWebSocket  bool      `json:"is_websocket"`
}

// NormalizeKey returns the Asset key for method and rawURL. The method is
// upper-cased; scheme and host are lower-cased; default ports, the query,
// the fragment and trailing slashes are removed.
func NormalizeKey(method, rawURL string) string {
	method = strings.ToUpper(method)
	u, err := url.Parse(rawURL)
	if err != nil {
		return method + " " + rawURL
	}
	return method + " " + normalizeURL(u)
}

func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Findings scans each transaction (optional).
	Findings *FindingEngine

	// Events receives one transaction event per submitted transaction.
	Events Publisher

	Logger  *slog.Logger
	Metrics *Metrics
}

// Recorder finalizes transactions off the forwarding path. A single worker
// scans each submitted transaction, updates the Asset and Finding store and
// publishes the completion event, so events leave in submission order.
type Recorder struct {
	findings *FindingEngine
	events   Publisher
	logger   *slog.Logger
	metrics  *Metrics

	nextID atomic.Uint64

	qmu    sync.Mutex
	queue  []recordItem
	notify chan struct{}
	closed bool
	done   chan struct{}

	mu          sync.RWMutex
	assets      map[string]*Asset
	byTx        map[uint64][]Finding
	allFindings []Finding
}

type recordItem struct {
	tx      *Transaction
	session *sessionEnd
	barrier chan struct{}
}

type sessionEnd struct {
	tx                 *Transaction
	closed             time.Time
	toOrigin, toClient int64
}

// NewRecorder creates a Recorder and starts its worker.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Recorder{
		findings: opts.Findings,
		events:   opts.Events,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		assets:   make(map[string]*Asset),
		byTx:     make(map[uint64][]Finding),
	}
	go r.run()
	return r
}

// NextTransactionID implements TransactionSink.
func (r *Recorder) NextTransactionID() uint64 {
	return r.nextID.Add(1)
}

// Submit implements TransactionSink. It never blocks; transactions submitted
// after Close are discarded.
func (r *Recorder) Submit(tx *Transaction) {
	if tx == nil {
		return
	}
	r.enqueue(recordItem{tx: tx})
}

// SessionClosed implements TransactionSink. The WebSocket Asset's LastSeen
// moves to the close time and a websocket_closed event follows the
// handshake's transaction event.
func (r *Recorder) SessionClosed(tx *Transaction, toOrigin, toClient int64) {
	if tx == nil {
		return
	}
	r.enqueue(recordItem{session: &sessionEnd{tx: tx, closed: time.Now(), toOrigin: toOrigin, toClient: toClient}})
}

func (r *Recorder) enqueue(item recordItem) bool {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		if item.tx != nil {
			r.logger.Debug("recorder closed, transaction discarded", "tx", item.tx.ID)
		}
		if item.session != nil {
			r.logger.Debug("recorder closed, session end discarded", "tx", item.session.tx.ID)
		}
		return false
	}
	r.queue = append(r.queue, item)
	r.qmu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every transaction submitted before the call has been
// recorded and published.
func (r *Recorder) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !r.enqueue(recordItem{barrier: barrier}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close records whatever is still queued and stops the worker.
func (r *Recorder) Close() {
	r.qmu.Lock()
	if r.closed {
		r.qmu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	r.qmu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		r.qmu.Lock()
		batch := r.queue
		r.queue = nil
		closed := r.closed
		r.qmu.Unlock()

		for _, item := range batch {
			switch {
			case item.barrier != nil:
				close(item.barrier)
			case item.session != nil:
				r.closeSession(item.session)
			default:
				r.record(item.tx)
			}
		}

		if len(batch) == 0 {
			if closed {
				return
			}
			<-r.notify
		}
	}
}

func (r *Recorder) record(tx *Transaction) {
	var findings []Finding
	if r.findings != nil {
		findings = r.findings.Scan(tx)
	}

	seen := tx.Completed
	if seen.IsZero() {
		seen = time.Now()
	}

	key, method, endpoint := assetKey(tx)

	r.mu.Lock()
	a, ok := r.assets[key]
	if !ok {
		a = &Asset{
			Key:       key,
			Method:    method,
			URL:       endpoint,
			FirstSeen: tx.Started,
		}
		r.assets[key] = a
	}
	a.LastSeen = seen
	a.Hits++
	a.FindingCount += len(findings)
	a.LastStatus = tx.Status
	a.IsWebSocket = a.IsWebSocket || tx.IsWebSocket
	if len(findings) > 0 {
		r.byTx[tx.ID] = findings
		r.allFindings = append(r.allFindings, findings...)
	}
	r.mu.Unlock()

	if len(findings) > 0 {
		r.logger.Info("findings recorded", "tx", tx.ID, "url", tx.URL, "count", len(findings))
	}

	if r.events != nil {
		r.events.Publish(Event{
			Kind: EventTransaction,
			Transaction: &TransactionEvent{
				ID:           tx.ID,
				Method:       tx.Method,
				URL:          tx.URL,
				Status:       tx.Status,
				Timestamp:    tx.Started,
				Duration:     tx.Duration(),
				IsWebSocket:  tx.IsWebSocket,
				FindingCount: len(findings),
				Findings:     findings,
				Dropped:      tx.Dropped,
				Modified:     tx.Modified,
				Error:        tx.Error,
			},
		})
	}
}

func (r *Recorder) closeSession(s *sessionEnd) {
	key, _, _ := assetKey(s.tx)
	r.mu.Lock()
	if a, ok := r.assets[key]; ok && s.closed.After(a.LastSeen) {
		a.LastSeen = s.closed
	}
	r.mu.Unlock()

	if r.events != nil {
		r.events.Publish(Event{
			Kind: EventWebSocketClosed,
			WebSocket: &WebSocketClosedEvent{
				TransactionID: s.tx.ID,
				URL:           s.tx.URL,
				BytesToOrigin: s.toOrigin,
				BytesToClient: s.toClient,
			},
		})
	}
}

func assetKey(tx *Transaction) (key, method, endpoint string) {
	method = strings.ToUpper(tx.Method)
	key, endpoint = method+" "+tx.URL, tx.URL
	if u, err := url.Parse(tx.URL); err == nil {
		endpoint = normalizeURL(u)
		key = method + " " + endpoint
	}
	return key, method, endpoint
}

// Assets returns every Asset, most recently seen first.
func (r *Recorder) Assets() []Asset {
	r.mu.RLock()
	out := make([]Asset, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, *a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].Key < out[j].Key
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Asset returns the Asset stored under key.
func (r *Recorder) Asset(key string) (Asset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.assets[key]
	if !ok {
		return Asset{}, false
	}
	return *a, true
}

// Findings returns the findings recorded for one transaction.
func (r *Recorder) Findings(txID uint64) []Finding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Finding(nil), r.byTx[txID]...)
}

// AllFindings returns every finding in recording order.
func (r *Recorder) AllFindings() []Finding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Finding(nil), r.allFindings...)
}
