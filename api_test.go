package apisec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testToken = "test-token"

func newTestControlAPI(t *testing.T, mutate ...func(*Config)) (*ControlAPI, *Engine) {
	t.Helper()
	cfg := testEngineConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := NewEngine(context.Background(), cfg, EngineOptions{
		Logger:  discardLogger(),
		Metrics: NewMetrics(),
		CA:      newTestCA(t),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	a := NewControlAPI(e, testToken)
	a.Logger = discardLogger()
	return a, e
}

func doAPI(t *testing.T, a *ControlAPI, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ---------------------------------------------------------------------------
// Authentication and probes
// ---------------------------------------------------------------------------

func TestControlAPI_RequiresToken(t *testing.T) {
	a, _ := newTestControlAPI(t)

	for _, auth := range []string{"", "Bearer wrong", testToken} {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		a.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("auth %q: want 401, got %d", auth, rec.Code)
		}
	}
}

func TestControlAPI_NoTokenConfigured(t *testing.T) {
	a, _ := newTestControlAPI(t)
	a.Token = ""

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}

func TestControlAPI_HealthProbesExempt(t *testing.T) {
	a, e := newTestControlAPI(t)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz: want 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before start: want 503, got %d", rec.Code)
	}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz after start: want 200, got %d", rec.Code)
	}
}

func TestControlAPI_Metrics(t *testing.T) {
	a, _ := newTestControlAPI(t)
	rec := doAPI(t, a, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}

// ---------------------------------------------------------------------------
// Engine lifecycle
// ---------------------------------------------------------------------------

func TestControlAPI_StartStop(t *testing.T) {
	a, _ := newTestControlAPI(t)

	rec := doAPI(t, a, http.MethodPost, "/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: want 200, got %d: %s", rec.Code, rec.Body)
	}

	rec = doAPI(t, a, http.MethodPost, "/start", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second start: want 409, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodGet, "/status", nil)
	status := decodeJSON[StatusResponse](t, rec)
	if !status.Running || status.Addr == "" {
		t.Errorf("want running with addr, got %+v", status)
	}

	rec = doAPI(t, a, http.MethodPost, "/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: want 200, got %d", rec.Code)
	}
	rec = doAPI(t, a, http.MethodPost, "/stop", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("stop when stopped: want 200, got %d", rec.Code)
	}

	status = decodeJSON[StatusResponse](t, doAPI(t, a, http.MethodGet, "/status", nil))
	if status.Running {
		t.Error("want stopped")
	}
}

func TestControlAPI_Interception(t *testing.T) {
	a, e := newTestControlAPI(t)

	want := InterceptionConfig{CaptureBody: true, InterceptRequests: true}
	rec := doAPI(t, a, http.MethodPut, "/interception", want)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if got := e.InterceptionConfig(); got != want {
		t.Errorf("engine config: want %+v, got %+v", want, got)
	}

	got := decodeJSON[InterceptionConfig](t, doAPI(t, a, http.MethodGet, "/interception", nil))
	if got != want {
		t.Errorf("GET /interception: want %+v, got %+v", want, got)
	}

	req := httptest.NewRequest(http.MethodPut, "/interception", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: want 400, got %d", rec.Code)
	}
}

func TestControlAPI_ExportRoot(t *testing.T) {
	a, _ := newTestControlAPI(t)
	rec := doAPI(t, a, http.MethodGet, "/ca.pem", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-pem-file" {
		t.Errorf("want PEM content type, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "BEGIN CERTIFICATE") || strings.Contains(body, "PRIVATE KEY") {
		t.Errorf("unexpected PEM export: %s", body)
	}
}

// ---------------------------------------------------------------------------
// Held items
// ---------------------------------------------------------------------------

func TestControlAPI_ResolveHeld(t *testing.T) {
	a, e := newTestControlAPI(t)

	result := holdAsync(e.controller, context.Background(), PhaseResponse, 9)
	views := waitPending(t, e.controller, 1)

	listed := decodeJSON[[]HeldItemView](t, doAPI(t, a, http.MethodGet, "/held", nil))
	if len(listed) != 1 || listed[0].ID != views[0].ID {
		t.Fatalf("want one held item %s, got %+v", views[0].ID, listed)
	}

	path := "/held/" + views[0].ID + "/resolve"

	rec := doAPI(t, a, http.MethodPost, path, map[string]any{"action": "modify_request", "method": "PUT"})
	if rec.Code != http.StatusConflict {
		t.Errorf("phase mismatch: want 409, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodPost, path, map[string]any{"action": "modify_response", "status": 42})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status: want 400, got %d", rec.Code)
	}

	body := "patched"
	rec = doAPI(t, a, http.MethodPost, path, ResolveRequest{Action: ActionModifyResponse, Status: 201, Body: &body})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: want 200, got %d: %s", rec.Code, rec.Body)
	}

	select {
	case action := <-result:
		if action.Kind != ActionModifyResponse || action.Status != 201 || string(action.Body) != "patched" {
			t.Errorf("unexpected action %+v", action)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hold was not released")
	}

	rec = doAPI(t, a, http.MethodPost, path, ResolveRequest{Action: ActionForward})
	if rec.Code != http.StatusNotFound {
		t.Errorf("resolve twice: want 404, got %d", rec.Code)
	}
}

func TestResolveRequest_ToAction(t *testing.T) {
	var rr ResolveRequest
	if err := json.Unmarshal([]byte(`{"action":"modify_request","method":"PATCH","url":"https://api.example.com/v2/x","body":""}`), &rr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	action := rr.toAction()
	if action.Kind != ActionModifyRequest || action.Method != "PATCH" || action.URL != "https://api.example.com/v2/x" {
		t.Errorf("unexpected action %+v", action)
	}
	if action.Body == nil || len(action.Body) != 0 {
		t.Errorf("empty body should clear, got %#v", action.Body)
	}

	action = ResolveRequest{Action: ActionForward}.toAction()
	if action.Kind != ActionForward || action.Body != nil {
		t.Errorf("omitted body should keep the original, got %+v", action)
	}
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

func TestControlAPI_Signatures(t *testing.T) {
	a, _ := newTestControlAPI(t, func(c *Config) { c.Signatures.Builtins = true })

	initial := decodeJSON[SignatureListResponse](t, doAPI(t, a, http.MethodGet, "/signatures", nil))
	if initial.Count == 0 || initial.Count != len(initial.Signatures) {
		t.Fatalf("want built-in signatures listed, got count %d", initial.Count)
	}

	sig := Signature{ID: "ORDER-REF", Pattern: `ord_[0-9]{6}`, Severity: SeverityMedium}
	rec := doAPI(t, a, http.MethodPost, "/signatures", sig)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: want 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = doAPI(t, a, http.MethodPost, "/signatures", sig)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: want 409, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodPost, "/signatures", Signature{ID: "BROKEN", Pattern: "(["})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad pattern: want 400, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodPatch, "/signatures/ORDER-REF", EnabledRequest{Enabled: false})
	if rec.Code != http.StatusOK {
		t.Errorf("disable: want 200, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodDelete, "/signatures/"+initial.Signatures[0].ID, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete builtin: want 409, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodDelete, "/signatures/ORDER-REF", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete: want 200, got %d", rec.Code)
	}
	rec = doAPI(t, a, http.MethodDelete, "/signatures/ORDER-REF", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing: want 404, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodPost, "/signatures/reload", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("reload without sources: want 200, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Replay, assets and findings
// ---------------------------------------------------------------------------

func TestControlAPI_Replay(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Echo-Method", r.Method)
		_, _ = w.Write(b)
	}))
	defer origin.Close()

	a, _ := newTestControlAPI(t)

	body := `{"id":1}`
	rec := doAPI(t, a, http.MethodPost, "/replay", ReplayRequest{URL: origin.URL + "/x", Method: "POST", Body: &body})
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}
	resp := decodeJSON[ReplayResponse](t, rec)
	if resp.Status != http.StatusOK || resp.Body != body || resp.Headers["X-Echo-Method"] != "POST" {
		t.Errorf("unexpected replay response %+v", resp)
	}

	rec = doAPI(t, a, http.MethodPost, "/replay", ReplayRequest{URL: "ftp://example.com/"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad scheme: want 400, got %d", rec.Code)
	}
}

func TestControlAPI_Findings(t *testing.T) {
	a, _ := newTestControlAPI(t)

	rec := doAPI(t, a, http.MethodGet, "/findings?tx=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid tx: want 400, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodGet, "/findings?tx=12", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("unknown tx: want 200, got %d", rec.Code)
	}

	rec = doAPI(t, a, http.MethodGet, "/assets", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("assets: want 200, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func TestControlAPI_EventStream(t *testing.T) {
	a, e := newTestControlAPI(t)
	srv := httptest.NewServer(a)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("want text/event-stream, got %q", ct)
	}

	// Headers are flushed after the subscription is registered.
	e.events.Publish(Event{Kind: EventFailure, Failure: &FailureEvent{Kind: FailureUpstream, Host: "api.test", Error: "boom"}})

	sc := bufio.NewScanner(resp.Body)
	var kind, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}

	if kind != string(EventFailure) {
		t.Fatalf("want failure event, got %q", kind)
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Failure == nil || ev.Failure.Host != "api.test" {
		t.Errorf("unexpected event %+v", ev)
	}
}
