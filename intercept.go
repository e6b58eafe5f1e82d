package apisec

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// InterceptionConfig holds the runtime interception toggles. The active value
// is replaced as a whole; a transaction reads it once per decision point.
type InterceptionConfig struct {
	// CaptureBody records request and response bodies for scanning and
	// exposes them in held snapshots.
	CaptureBody bool `json:"capture_body" mapstructure:"capture_body"`

	// InterceptRequests holds every request for a decision before it is
	// sent upstream.
	InterceptRequests bool `json:"intercept_requests" mapstructure:"intercept_requests"`

	// InterceptResponses holds every response for a decision before it is
	// written to the client.
	InterceptResponses bool `json:"intercept_responses" mapstructure:"intercept_responses"`
}

// Phase is the transaction phase a HeldItem belongs to.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "request"
	case PhaseResponse:
		return "response"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "request":
		*p = PhaseRequest
	case "response":
		*p = PhaseResponse
	default:
		return fmt.Errorf("unknown phase %q", b)
	}
	return nil
}

// ActionKind is the resolution chosen for a HeldItem.
type ActionKind int

const (
	ActionForward ActionKind = iota
	ActionModifyRequest
	ActionModifyResponse
	ActionDrop
)

var actionNames = map[ActionKind]string{
	ActionForward:        "forward",
	ActionModifyRequest:  "modify_request",
	ActionModifyResponse: "modify_response",
	ActionDrop:           "drop",
}

func (k ActionKind) String() string {
	if s, ok := actionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("action(%d)", int(k))
}

func (k ActionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ActionKind) UnmarshalText(b []byte) error {
	for kind, name := range actionNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", b)
}

// Action resolves a HeldItem. For the modify kinds, zero-valued fields leave
// the corresponding part of the message unchanged: an empty Method or URL, a
// zero Status, a nil Header or a nil Body.
type Action struct {
	Kind ActionKind

	// Method and URL apply to ActionModifyRequest. A relative URL is
	// resolved against the original request URL.
	Method string
	URL    string

	// Status applies to ActionModifyResponse.
	Status int

	// Header replaces the full header set when non-nil.
	Header http.Header

	// Body replaces the decoded body when non-nil. An empty non-nil slice
	// clears the body.
	Body []byte
}

// ForwardAction forwards the held message unchanged.
func ForwardAction() Action { return Action{Kind: ActionForward} }

// DropAction aborts the transaction.
func DropAction() Action { return Action{Kind: ActionDrop} }

// ModifyRequestAction rewrites a held request before it is sent upstream.
func ModifyRequestAction(method, rawURL string, header http.Header, body []byte) Action {
	return Action{Kind: ActionModifyRequest, Method: method, URL: rawURL, Header: header, Body: body}
}

// ModifyResponseAction rewrites a held response before it reaches the client.
func ModifyResponseAction(status int, header http.Header, body []byte) Action {
	return Action{Kind: ActionModifyResponse, Status: status, Header: header, Body: body}
}

func (a Action) validate(phase Phase) error {
	switch a.Kind {
	case ActionForward, ActionDrop:
		return nil
	case ActionModifyRequest:
		if phase != PhaseRequest {
			return fmt.Errorf("%w: %s on held %s", ErrActionPhase, a.Kind, phase)
		}
		if a.URL != "" {
			if _, err := url.Parse(a.URL); err != nil {
				return fmt.Errorf("%w: url: %v", ErrInvalidAction, err)
			}
		}
		return nil
	case ActionModifyResponse:
		if phase != PhaseResponse {
			return fmt.Errorf("%w: %s on held %s", ErrActionPhase, a.Kind, phase)
		}
		if a.Status != 0 && (a.Status < 100 || a.Status > 999) {
			return fmt.Errorf("%w: status code %d", ErrInvalidAction, a.Status)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidAction, int(a.Kind))
	}
}

// Snapshot is the editable view of a held request or response. Body is the
// decoded body; BodyTruncated is set when capture stopped at the size limit.
type Snapshot struct {
	Method        string      `json:"method,omitempty"`
	URL           string      `json:"url"`
	Proto         string      `json:"proto,omitempty"`
	Status        int         `json:"status,omitempty"`
	Header        http.Header `json:"headers"`
	Body          []byte      `json:"body,omitempty"`
	BodyTruncated bool        `json:"body_truncated,omitempty"`
}

// HeldItemView is the externally visible description of a held item.
type HeldItemView struct {
	ID            string    `json:"id"`
	Phase         Phase     `json:"phase"`
	TransactionID uint64    `json:"transaction_id"`
	Created       time.Time `json:"created"`
	Snapshot      Snapshot  `json:"snapshot"`
}

type heldItem struct {
	view   HeldItemView
	result chan Action
}

// Controller decides whether transaction phases are held and owns the queue
// of held items awaiting resolution.
type Controller struct {
	config atomic.Pointer[InterceptionConfig]

	mu      sync.Mutex
	pending map[string]*heldItem
	closed  bool

	events  Publisher
	metrics *Metrics
	logger  *slog.Logger
}

// NewController creates a Controller with the given initial configuration.
// events, metrics and logger may be nil.
func NewController(cfg InterceptionConfig, events Publisher, metrics *Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		pending: make(map[string]*heldItem),
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
	c.config.Store(&cfg)
	return c
}

// Config returns the active interception configuration.
func (c *Controller) Config() InterceptionConfig {
	return *c.config.Load()
}

// SetConfig atomically replaces the interception configuration. Transactions
// already past a decision point are unaffected.
func (c *Controller) SetConfig(cfg InterceptionConfig) {
	c.config.Store(&cfg)
	c.logger.Info("interception config updated",
		"capture_body", cfg.CaptureBody,
		"intercept_requests", cfg.InterceptRequests,
		"intercept_responses", cfg.InterceptResponses,
	)
}

// Hold suspends the calling transaction until the item is resolved, ctx is
// done, or the controller is closed. Cancellation and closing resolve as
// Drop. No lock is held while waiting.
func (c *Controller) Hold(ctx context.Context, phase Phase, txID uint64, snap Snapshot) Action {
	if ctx.Err() != nil {
		return DropAction()
	}

	item := &heldItem{
		view: HeldItemView{
			ID:            uuid.NewString(),
			Phase:         phase,
			TransactionID: txID,
			Created:       time.Now(),
			Snapshot:      snap,
		},
		result: make(chan Action, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return DropAction()
	}
	c.pending[item.view.ID] = item
	n := len(c.pending)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetHeldItems(n)
	}
	c.logger.Debug("holding transaction", "id", item.view.ID, "phase", phase, "tx", txID)

	if c.events != nil {
		view := item.view
		c.events.Publish(Event{Kind: EventHeld, Time: view.Created, Held: &view})
	}

	select {
	case a := <-item.result:
		return a
	case <-ctx.Done():
		if c.take(item.view.ID) != nil {
			c.record(phase, ActionDrop)
			c.logger.Debug("hold cancelled", "id", item.view.ID, "error", ctx.Err())
			return DropAction()
		}
		// Resolved concurrently; the action is already buffered.
		return <-item.result
	}
}

// Resolve delivers action to the held item with the given id. It returns
// ErrNotFound for unknown or already resolved ids and ErrActionPhase when the
// action does not apply to the item's phase, in which case the item stays
// pending.
func (c *Controller) Resolve(id string, action Action) error {
	c.mu.Lock()
	item, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("held item %s: %w", id, ErrNotFound)
	}
	if err := action.validate(item.view.Phase); err != nil {
		c.mu.Unlock()
		return err
	}
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()

	item.result <- action
	if c.metrics != nil {
		c.metrics.SetHeldItems(n)
	}
	c.record(item.view.Phase, action.Kind)
	c.logger.Debug("held item resolved", "id", id, "action", action.Kind)
	return nil
}

// Pending returns the outstanding held items, oldest first.
func (c *Controller) Pending() []HeldItemView {
	c.mu.Lock()
	views := make([]HeldItemView, 0, len(c.pending))
	for _, item := range c.pending {
		views = append(views, item.view)
	}
	c.mu.Unlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].Created.Before(views[j].Created)
	})
	return views
}

// DropAll resolves every outstanding held item as Drop and returns how many
// were released.
func (c *Controller) DropAll() int {
	c.mu.Lock()
	items := c.pending
	c.pending = make(map[string]*heldItem)
	c.mu.Unlock()

	for _, item := range items {
		item.result <- DropAction()
		c.record(item.view.Phase, ActionDrop)
	}
	if c.metrics != nil {
		c.metrics.SetHeldItems(0)
	}
	if len(items) > 0 {
		c.logger.Info("dropped held items", "count", len(items))
	}
	return len(items)
}

// Close drops every held item and makes later holds resolve immediately as
// Drop until Open is called.
func (c *Controller) Close() int {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.DropAll()
}

// Open re-enables holding after Close.
func (c *Controller) Open() {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()
}

func (c *Controller) take(id string) *heldItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if c.metrics != nil {
		c.metrics.SetHeldItems(len(c.pending))
	}
	return item
}

func (c *Controller) record(phase Phase, kind ActionKind) {
	if c.metrics != nil {
		c.metrics.RecordResolution(phase, kind)
	}
}
