package apisec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// EngineOptions supplies collaborators that would otherwise be built from
// the Config.
type EngineOptions struct {
	Logger  *slog.Logger
	Metrics *Metrics

	// CA replaces the root loaded from ca.cert_path/ca.key_path.
	CA *CertAuthority

	// Transport replaces the pooled upstream transport.
	Transport http.RoundTripper

	// Listener replaces listening on proxy.addr.
	Listener net.Listener
}

// Engine is the interception engine: the proxy, the interception
// controller, the finding engine and the recorder behind one command
// surface.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	events     *EventBus
	controller *Controller
	findings   *FindingEngine
	recorder   *Recorder
	store      *SQLStore
	reloader   *SignatureReloader
	pool       *TransportPool
	transport  http.RoundTripper
	health     *HealthChecker
	accessLog  *AccessLogger

	replayer         *Replayer
	insecureReplayer *Replayer

	mu         sync.Mutex
	ca         *CertAuthority
	proxy      *Proxy
	listener   net.Listener
	presetLn   net.Listener
	serveDone  chan error
	running    bool
	stopReload context.CancelFunc
}

// NewEngine validates cfg and assembles an engine. Signatures are loaded
// here so that pattern problems surface before the proxy starts; the proxy
// itself starts with Start.
func NewEngine(ctx context.Context, cfg Config, opts EngineOptions) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:              cfg,
		logger:           logger,
		metrics:          opts.Metrics,
		ca:               opts.CA,
		transport:        opts.Transport,
		presetLn:         opts.Listener,
		health:           NewHealthChecker(),
		replayer:         NewReplayer(false),
		insecureReplayer: NewReplayer(true),
	}
	e.events = NewEventBus(e.metrics)
	e.controller = NewController(cfg.Interception, e.events, e.metrics, logger)

	if e.transport == nil {
		pool, err := cfg.BuildTransportPool()
		if err != nil {
			return nil, err
		}
		e.pool = pool
		e.transport = pool.Transport()
	}

	if cfg.Logging.Transactions {
		e.accessLog = NewAccessLogger(logger)
	}

	var sources []SignatureLoader
	if cfg.Store.Path != "" {
		store, err := OpenSQLStore(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		e.store = store
		sources = append(sources, store)
	}

	findingOpts := FindingEngineOptions{
		DecodeLimit: cfg.Signatures.DecodeLimit,
		Logger:      logger,
		Metrics:     e.metrics,
	}
	if e.store != nil {
		findingOpts.Store = e.store
	}
	e.findings = NewFindingEngine(findingOpts)
	if cfg.Signatures.Builtins {
		if err := e.findings.LoadBuiltins(); err != nil {
			e.closeStore()
			return nil, fmt.Errorf("load built-in signatures: %w", err)
		}
	}

	loader, err := cfg.BuildSignatureLoader()
	if err != nil {
		e.closeStore()
		return nil, &ConfigurationError{Field: "signatures.sources", Err: err}
	}
	if loader != nil {
		sources = append(sources, loader)
	}
	if len(sources) > 0 {
		e.reloader = NewSignatureReloader(e.findings, NewMultiLoader(sources...))
		e.reloader.OnReload = func(count int) {
			if e.metrics != nil {
				e.metrics.RecordSignatureReload()
			}
			logger.Info("custom signatures loaded", "count", count)
		}
		e.reloader.OnError = func(err error) {
			if e.metrics != nil {
				e.metrics.RecordSignatureReloadError()
			}
			logger.Warn("signature load failed", "error", err)
		}
		// Source I/O failures are logged by OnError; bad rules are fatal.
		err := e.reloader.Load(ctx)
		if errors.Is(err, ErrInvalidPattern) || errors.Is(err, ErrDuplicateSignature) {
			e.closeStore()
			return nil, &ConfigurationError{Field: "signatures", Err: err}
		}
	}

	e.recorder = NewRecorder(RecorderOptions{
		Findings: e.findings,
		Events:   e.events,
		Logger:   logger,
		Metrics:  e.metrics,
	})

	e.health.Checks = []ReadinessCheck{
		{Name: "ca", Check: e.checkCA},
	}
	e.health.SetAlive(true)
	return e, nil
}

func (e *Engine) checkCA() error {
	e.mu.Lock()
	ca := e.ca
	e.mu.Unlock()
	if ca == nil {
		return errors.New("root certificate not loaded")
	}
	if time.Now().After(ca.RootCertificate().NotAfter) {
		return errors.New("root certificate expired")
	}
	return nil
}

// certAuthority returns the CA, loading or generating the root on first use.
// Callers hold e.mu.
func (e *Engine) certAuthority() (*CertAuthority, error) {
	if e.ca != nil {
		return e.ca, nil
	}
	opts := e.cfg.CAOptions()
	opts.Metrics = e.metrics
	ca, err := LoadOrCreateCertAuthority(e.cfg.CA.CertPath, e.cfg.CA.KeyPath, opts)
	if err != nil {
		var certErr *CertificateError
		if !errors.As(err, &certErr) {
			err = &CertificateError{Op: "load root", Err: err}
		}
		return nil, err
	}
	e.logger.Info("root certificate ready", "cert", e.cfg.CA.CertPath,
		"expires", ca.RootCertificate().NotAfter.Format(time.RFC3339))
	e.ca = ca
	return ca, nil
}

// Start begins accepting proxy connections. It returns ErrAlreadyRunning when
// the engine is already serving, a *CertificateError when the root cannot be
// loaded, and a *ConfigurationError when the listen address is unusable.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return ErrAlreadyRunning
	}

	ca, err := e.certAuthority()
	if err != nil {
		return err
	}

	ln := e.presetLn
	e.presetLn = nil
	if ln == nil {
		var lc net.ListenConfig
		ln, err = lc.Listen(ctx, "tcp", e.cfg.Proxy.Addr)
		if err != nil {
			return &ConfigurationError{Field: "proxy.addr", Err: err}
		}
	}

	p := NewProxy(ca, e.controller, e.recorder)
	p.Events = e.events
	p.Transport = e.transport
	p.Logger = e.logger
	p.Metrics = e.metrics
	p.AccessLog = e.accessLog
	if e.cfg.Proxy.MaxBodySize > 0 {
		p.MaxBodySize = e.cfg.Proxy.MaxBodySize
	}
	if e.cfg.Proxy.IdleTimeout > 0 {
		p.IdleTimeout = e.cfg.Proxy.IdleTimeout
	}
	if e.cfg.Proxy.HandshakeTimeout > 0 {
		p.HandshakeTimeout = e.cfg.Proxy.HandshakeTimeout
	}

	e.controller.Open()
	done := make(chan error, 1)
	go func() {
		err := p.Serve(ln)
		if errors.Is(err, ErrProxyClosed) {
			err = nil
		}
		done <- err
	}()

	if e.cfg.Signatures.ReloadInterval > 0 && e.reloader != nil {
		e.stopReload = e.reloader.StartAutoReload(context.Background(), e.cfg.Signatures.ReloadInterval)
	}

	e.proxy = p
	e.listener = ln
	e.serveDone = done
	e.running = true
	e.health.SetReady(true)
	e.logger.Info("engine started", "addr", ln.Addr().String())
	return nil
}

// Stop halts the proxy. Held items are released as Drop, idle connections
// are closed, and in-flight transactions get proxy.shutdown_grace (or until
// ctx is done) before being force-closed. Stopping a stopped engine is a
// no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.running = false
	e.health.SetReady(false)

	if e.stopReload != nil {
		e.stopReload()
		e.stopReload = nil
	}

	dropped := e.controller.Close()

	grace := e.cfg.Proxy.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := e.proxy.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("in-flight connections force-closed", "error", err)
	}

	var serveErr error
	select {
	case serveErr = <-e.serveDone:
	case <-ctx.Done():
	}

	if err := e.recorder.Flush(ctx); err != nil {
		e.logger.Warn("flush recorder", "error", err)
	}

	e.proxy = nil
	e.listener = nil
	e.logger.Info("engine stopped", "dropped_held_items", dropped)

	if serveErr != nil {
		return fmt.Errorf("proxy: %w", serveErr)
	}
	return nil
}

// Close stops the engine and releases the recorder, event bus and store.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Stop(ctx)
	e.recorder.Close()
	e.events.Close()
	if e.pool != nil {
		e.pool.CloseIdleConnections()
	}
	e.closeStore()
	e.health.SetAlive(false)
	return err
}

func (e *Engine) closeStore() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close signature store", "error", err)
		}
	}
}

// Running reports whether the proxy is accepting connections.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Addr returns the proxy listen address, or "" when stopped.
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// SetInterceptionConfig atomically replaces the interception toggles. Only
// transactions reaching a decision point afterwards see the change.
func (e *Engine) SetInterceptionConfig(cfg InterceptionConfig) {
	e.controller.SetConfig(cfg)
}

// InterceptionConfig returns the active interception toggles.
func (e *Engine) InterceptionConfig() InterceptionConfig {
	return e.controller.Config()
}

// ExportRootCertificate returns the root certificate as PEM. The private key
// is never exported. The root is created on first call if needed.
func (e *Engine) ExportRootCertificate() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ca, err := e.certAuthority()
	if err != nil {
		return "", err
	}
	return string(ca.ExportRootPEM()), nil
}

// RegenerateRoot replaces the root keypair. Clients must trust the newly
// exported certificate afterwards.
func (e *Engine) RegenerateRoot() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ca == nil {
		_, err := e.certAuthority()
		return err
	}
	if err := e.ca.Regenerate(); err != nil {
		return err
	}
	e.logger.Warn("root certificate regenerated; re-trust the exported certificate")
	return nil
}

// ResolveHeldItem delivers an analyst decision to a held item.
func (e *Engine) ResolveHeldItem(id string, action Action) error {
	return e.controller.Resolve(id, action)
}

// PendingHeldItems lists the held items awaiting a decision.
func (e *Engine) PendingHeldItems() []HeldItemView {
	return e.controller.Pending()
}

// Subscribe opens a live event stream. A non-positive buffer uses
// events.subscriber_buffer.
func (e *Engine) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = e.cfg.Events.SubscriberBuffer
	}
	return e.events.Subscribe(buffer)
}

// AddSignature validates and registers a custom signature.
func (e *Engine) AddSignature(ctx context.Context, sig Signature) error {
	return e.findings.Add(ctx, sig)
}

// ListSignatures returns every signature, built-in ones first.
func (e *Engine) ListSignatures() []Signature {
	return e.findings.List()
}

// DeleteSignature removes a custom signature.
func (e *Engine) DeleteSignature(ctx context.Context, id string) error {
	return e.findings.Delete(ctx, id)
}

// SetSignatureEnabled enables or disables a signature.
func (e *Engine) SetSignatureEnabled(ctx context.Context, id string, enabled bool) error {
	return e.findings.SetEnabled(ctx, id, enabled)
}

// ReloadSignatures reloads custom signatures from the store and configured
// sources. It is a no-op when neither is configured.
func (e *Engine) ReloadSignatures(ctx context.Context) error {
	if e.reloader == nil {
		return nil
	}
	return e.reloader.Load(ctx)
}

// Replay sends an ad-hoc request directly to its origin, bypassing
// interception.
func (e *Engine) Replay(ctx context.Context, req ReplayRequest) (*ReplayResponse, error) {
	if req.Insecure {
		return e.insecureReplayer.Do(ctx, req)
	}
	return e.replayer.Do(ctx, req)
}

// Assets returns the aggregated endpoints seen so far.
func (e *Engine) Assets() []Asset {
	return e.recorder.Assets()
}

// Findings returns the findings of one transaction.
func (e *Engine) Findings(txID uint64) []Finding {
	return e.recorder.Findings(txID)
}

// AllFindings returns every recorded finding.
func (e *Engine) AllFindings() []Finding {
	return e.recorder.AllFindings()
}

// Flush waits until every finished transaction has been recorded.
func (e *Engine) Flush(ctx context.Context) error {
	return e.recorder.Flush(ctx)
}

// Health returns the engine's health checker.
func (e *Engine) Health() *HealthChecker {
	return e.health
}

// Metrics returns the engine's metrics, which may be nil.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}
