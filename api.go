package apisec

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ControlAPI exposes the engine's command and event surface over HTTP for
// the desktop client. Commands are JSON endpoints; the live event stream is
// served as Server-Sent Events at GET /events.
//
// Routes:
//
//	GET    /status
//	POST   /start, /stop
//	GET    /interception            PUT /interception
//	GET    /ca.pem                  POST /ca/regenerate
//	GET    /held                    POST /held/{id}/resolve
//	GET    /signatures              POST /signatures
//	DELETE /signatures/{id}         PATCH /signatures/{id}
//	POST   /signatures/reload
//	POST   /replay
//	GET    /assets                  GET /findings[?tx=ID]
//	GET    /events
//	GET    /metrics, /healthz, /readyz
type ControlAPI struct {
	// Engine is the engine to control.
	Engine *Engine

	// Logger for control API events.
	Logger *slog.Logger

	// Token, when set, must be presented as "Authorization: Bearer <token>".
	// Health probes are exempt.
	Token string

	// KeepAlive is the SSE comment interval (default 15s).
	KeepAlive time.Duration

	router chi.Router
}

// NewControlAPI creates a ControlAPI wired to engine.
func NewControlAPI(engine *Engine, token string) *ControlAPI {
	a := &ControlAPI{
		Engine:    engine,
		Logger:    slog.Default(),
		Token:     token,
		KeepAlive: 15 * time.Second,
	}
	a.buildRouter()
	return a
}

func (a *ControlAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.Engine.Health().HandleHealthz)
	r.Get("/readyz", a.Engine.Health().HandleReadyz)

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		if m := a.Engine.Metrics(); m != nil {
			r.Handle("/metrics", m.Handler())
		}
		r.Get("/events", a.handleEvents)
		r.Get("/ca.pem", a.handleExportRoot)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SetHeader("Content-Type", "application/json"))

			r.Get("/status", a.handleStatus)
			r.Post("/start", a.handleStart)
			r.Post("/stop", a.handleStop)

			r.Get("/interception", a.handleGetInterception)
			r.Put("/interception", a.handleSetInterception)

			r.Post("/ca/regenerate", a.handleRegenerateRoot)

			r.Get("/held", a.handleListHeld)
			r.Post("/held/{id}/resolve", a.handleResolve)

			r.Get("/signatures", a.handleListSignatures)
			r.Post("/signatures", a.handleAddSignature)
			r.Post("/signatures/reload", a.handleReloadSignatures)
			r.Delete("/signatures/{id}", a.handleDeleteSignature)
			r.Patch("/signatures/{id}", a.handlePatchSignature)

			r.Post("/replay", a.handleReplay)

			r.Get("/assets", a.handleAssets)
			r.Get("/findings", a.handleFindings)
		})
	})

	a.router = r
}

// ServeHTTP implements http.Handler.
func (a *ControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *ControlAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Token != "" {
			want := "Bearer " + a.Token
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				a.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running        bool               `json:"running"`
	Addr           string             `json:"addr,omitempty"`
	Interception   InterceptionConfig `json:"interception"`
	HeldItems      int                `json:"held_items"`
	SignatureCount int                `json:"signature_count"`
	AssetCount     int                `json:"asset_count"`
}

// ResolveRequest is the body for POST /held/{id}/resolve. Body is the
// replacement decoded body; omit it to keep the original.
type ResolveRequest struct {
	Action  ActionKind  `json:"action"`
	Method  string      `json:"method,omitempty"`
	URL     string      `json:"url,omitempty"`
	Status  int         `json:"status,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
	Body    *string     `json:"body,omitempty"`
}

// toAction converts the request to an Action.
func (rr ResolveRequest) toAction() Action {
	a := Action{
		Kind:   rr.Action,
		Method: rr.Method,
		URL:    rr.URL,
		Status: rr.Status,
		Header: rr.Headers,
	}
	if rr.Body != nil {
		a.Body = []byte(*rr.Body)
	}
	return a
}

// SignatureListResponse is returned by GET /signatures.
type SignatureListResponse struct {
	Count      int         `json:"count"`
	Signatures []Signature `json:"signatures"`
}

// EnabledRequest is the body for PATCH /signatures/{id}.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *ControlAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	e := a.Engine
	a.writeJSON(w, http.StatusOK, StatusResponse{
		Running:        e.Running(),
		Addr:           e.Addr(),
		Interception:   e.InterceptionConfig(),
		HeldItems:      len(e.PendingHeldItems()),
		SignatureCount: len(e.ListSignatures()),
		AssetCount:     len(e.Assets()),
	})
}

func (a *ControlAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "started on " + a.Engine.Addr()})
}

func (a *ControlAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	// The stop outlives a client that hangs up.
	ctx := context.WithoutCancel(r.Context())
	if err := a.Engine.Stop(ctx); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "stopped"})
}

func (a *ControlAPI) handleGetInterception(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Engine.InterceptionConfig())
}

func (a *ControlAPI) handleSetInterception(w http.ResponseWriter, r *http.Request) {
	var cfg InterceptionConfig
	if !a.decode(w, r, &cfg) {
		return
	}
	a.Engine.SetInterceptionConfig(cfg)
	a.writeJSON(w, http.StatusOK, cfg)
}

func (a *ControlAPI) handleExportRoot(w http.ResponseWriter, _ *http.Request) {
	pem, err := a.Engine.ExportRootCertificate()
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="apisec-ca.pem"`)
	_, _ = w.Write([]byte(pem))
}

func (a *ControlAPI) handleRegenerateRoot(w http.ResponseWriter, _ *http.Request) {
	if err := a.Engine.RegenerateRoot(); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "root regenerated"})
}

func (a *ControlAPI) handleListHeld(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Engine.PendingHeldItems())
}

func (a *ControlAPI) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.Engine.ResolveHeldItem(id, req.toAction()); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "resolved"})
}

func (a *ControlAPI) handleListSignatures(w http.ResponseWriter, _ *http.Request) {
	sigs := a.Engine.ListSignatures()
	a.writeJSON(w, http.StatusOK, SignatureListResponse{Count: len(sigs), Signatures: sigs})
}

func (a *ControlAPI) handleAddSignature(w http.ResponseWriter, r *http.Request) {
	var sig Signature
	if !a.decode(w, r, &sig) {
		return
	}
	if err := a.Engine.AddSignature(r.Context(), sig); err != nil {
		a.writeError(w, err)
		return
	}
	a.Logger.Info("signature added via control API", "id", sig.ID)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "signature added"})
}

func (a *ControlAPI) handleDeleteSignature(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.DeleteSignature(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "signature removed"})
}

func (a *ControlAPI) handlePatchSignature(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.Engine.SetSignatureEnabled(r.Context(), chi.URLParam(r, "id"), req.Enabled); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "signature updated"})
}

func (a *ControlAPI) handleReloadSignatures(w http.ResponseWriter, r *http.Request) {
	if err := a.Engine.ReloadSignatures(r.Context()); err != nil {
		a.Logger.Error("control API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *ControlAPI) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if !a.decode(w, r, &req) {
		return
	}
	resp, err := a.Engine.Replay(r.Context(), req)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *ControlAPI) handleAssets(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Engine.Assets())
}

func (a *ControlAPI) handleFindings(w http.ResponseWriter, r *http.Request) {
	if tx := r.URL.Query().Get("tx"); tx != "" {
		id, err := strconv.ParseUint(tx, 10, 64)
		if err != nil {
			a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid tx id"})
			return
		}
		a.writeJSON(w, http.StatusOK, a.Engine.Findings(id))
		return
	}
	a.writeJSON(w, http.StatusOK, a.Engine.AllFindings())
}

// handleEvents streams the live event feed as Server-Sent Events until the
// client disconnects.
func (a *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "streaming unsupported"})
		return
	}

	sub := a.Engine.Subscribe(0)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := a.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				a.Logger.Error("encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (a *ControlAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// writeError maps engine errors to status codes.
func (a *ControlAPI) writeError(w http.ResponseWriter, err error) {
	var cfgErr *ConfigurationError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning),
		errors.Is(err, ErrDuplicateSignature),
		errors.Is(err, ErrBuiltinSignature),
		errors.Is(err, ErrActionPhase):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidPattern), errors.Is(err, ErrInvalidAction), errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.Logger.Error("control API error", "error", err)
	}
	a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (a *ControlAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("control API write error", "error", err)
	}
}
