package apisec

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	// EventHeld is published when a request or response is held for a decision.
	EventHeld EventKind = "held"

	// EventTransaction is published once per completed transaction.
	EventTransaction EventKind = "transaction"

	// EventFailure reports a per-connection or per-transaction failure.
	EventFailure EventKind = "failure"

	// EventWebSocketClosed is published when a relayed WebSocket session ends.
	EventWebSocketClosed EventKind = "websocket_closed"
)

// Event is one entry on the live event stream. Exactly one of the payload
// fields is set, according to Kind.
type Event struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`

	Held        *HeldItemView         `json:"held,omitempty"`
	Transaction *TransactionEvent     `json:"transaction,omitempty"`
	Failure     *FailureEvent         `json:"failure,omitempty"`
	WebSocket   *WebSocketClosedEvent `json:"websocket,omitempty"`
}

// TransactionEvent summarises a completed transaction.
type TransactionEvent struct {
	ID           uint64        `json:"id"`
	Method       string        `json:"method"`
	URL          string        `json:"url"`
	Status       int           `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration_ns"`
	IsWebSocket  bool          `json:"is_websocket"`
	FindingCount int           `json:"finding_count"`
	Findings     []Finding     `json:"findings,omitempty"`
	Dropped      bool          `json:"dropped,omitempty"`
	Modified     bool          `json:"modified,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// FailureKind classifies a FailureEvent.
type FailureKind string

const (
	FailureConnection      FailureKind = "connection"
	FailureTLSHandshake    FailureKind = "tls_handshake"
	FailureUpstream        FailureKind = "upstream"
	FailureUpstreamTimeout FailureKind = "upstream_timeout"
)

// FailureEvent reports an error that closed a connection or aborted a
// transaction. The engine keeps serving other connections.
type FailureEvent struct {
	Kind          FailureKind `json:"kind"`
	TransactionID uint64      `json:"transaction_id,omitempty"`
	Client        string      `json:"client,omitempty"`
	Host          string      `json:"host,omitempty"`
	Error         string      `json:"error"`
}

// WebSocketClosedEvent reports the end of a relayed WebSocket session.
type WebSocketClosedEvent struct {
	TransactionID uint64 `json:"transaction_id"`
	URL           string `json:"url"`
	BytesToOrigin int64  `json:"bytes_to_origin"`
	BytesToClient int64  `json:"bytes_to_client"`
}

// Publisher accepts events for delivery.
type Publisher interface {
	Publish(Event)
}

// DefaultSubscriberBuffer is used when Subscribe is called with a
// non-positive buffer size.
const DefaultSubscriberBuffer = 256

// EventBus fans events out to subscribers. Each subscriber has a bounded
// queue; when it is full the oldest queued event is discarded so that
// publishing never blocks the proxy.
type EventBus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64

	metrics *Metrics
}

// NewEventBus creates an EventBus. metrics may be nil.
func NewEventBus(metrics *Metrics) *EventBus {
	return &EventBus{
		subs:    make(map[*Subscription]struct{}),
		metrics: metrics,
	}
}

// Subscription is a registered consumer of the event stream.
type Subscription struct {
	bus     *EventBus
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a consumer with a queue of the given size.
func (b *EventBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber. Events are delivered in publish
// order; a full subscriber queue loses its oldest entry.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for s := range b.subs {
		for {
			select {
			case s.ch <- ev:
			default:
				select {
				case <-s.ch:
					s.dropped.Add(1)
					b.dropped.Add(1)
					if b.metrics != nil {
						b.metrics.RecordEventDropped()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Dropped returns the number of events discarded across all subscribers.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of registered subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unregisters and closes every subscription. Later publishes are
// discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}

// Events returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events this subscriber lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.once.Do(func() { close(s.ch) })
}
