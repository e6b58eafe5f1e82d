package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/logix727/apisec"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	addr    string
	apiAddr string
	noAPI   bool
	metrics bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy and the control API",
	Long: `Start the interception proxy and, unless disabled, the control API.

Point the client's HTTP proxy setting at the proxy address and trust the
root certificate (see "apisec ca export"). SIGHUP reloads custom
signatures; SIGINT or SIGTERM stops the engine gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "proxy listen address (overrides proxy.addr)")
	serveCmd.Flags().StringVar(&serveFlags.apiAddr, "api-addr", "", "control API listen address (overrides api.addr)")
	serveCmd.Flags().BoolVar(&serveFlags.noAPI, "no-api", false, "disable the control API")
	serveCmd.Flags().BoolVar(&serveFlags.metrics, "metrics", true, "collect Prometheus metrics")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	if serveFlags.addr != "" {
		cfg.Proxy.Addr = serveFlags.addr
	}
	if serveFlags.apiAddr != "" {
		cfg.API.Addr = serveFlags.apiAddr
	}
	if serveFlags.noAPI {
		cfg.API.Enabled = false
	}

	var metrics *apisec.Metrics
	if serveFlags.metrics {
		metrics = apisec.NewMetrics()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := apisec.NewEngine(ctx, *cfg, apisec.EngineOptions{
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace+5*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Warn("engine close", "error", err)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		var certErr *apisec.CertificateError
		if errors.As(err, &certErr) {
			logger.Info("hint: run \"apisec ca generate\" or remove the incomplete CA files")
		}
		return err
	}

	logger.Info("proxy listening", "addr", engine.Addr())
	logger.Info("configure your client proxy to use this address")
	logger.Info("ensure the root certificate is trusted", "cert", cfg.CA.CertPath)

	reloader := apisec.WatchReloadSignals(engine.ReloadSignatures, logger)
	defer reloader.Stop()

	var apiServer *http.Server
	if cfg.API.Enabled {
		api := apisec.NewControlAPI(engine, cfg.API.Token)
		api.Logger = logger.With("component", "api")
		apiServer = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		}
		go func() {
			logger.Info("starting control api", "addr", cfg.API.Addr)
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control api error", "error", err)
				stop()
			}
		}()
		if cfg.API.Token == "" {
			logger.Warn("control api has no token; bind it to loopback only")
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control api shutdown", "error", err)
		}
		cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace+time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}
