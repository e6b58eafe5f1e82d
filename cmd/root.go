package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/logix727/apisec"
	"github.com/spf13/cobra"
)

var rootFlags struct {
	configPath string
	verbose    bool
}

var rootCmd = &cobra.Command{
	Use:   "apisec",
	Short: "API security interception proxy",
	Long: `apisec is an intercepting HTTP/HTTPS proxy for API security testing.

It terminates TLS with certificates issued by a local root CA, lets an
analyst hold, edit, forward or drop requests and responses, scans traffic
for secrets and PII, and keeps an inventory of observed API endpoints.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "",
		"path to config file (default: search ./apisec.yaml, ~/.apisec/apisec.yaml, /etc/apisec/apisec.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the configuration and builds the logger it describes.
// The returned closer releases the log file, if any.
func loadConfig() (*apisec.Config, *slog.Logger, func(), error) {
	cfg, err := apisec.LoadConfig(rootFlags.configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if rootFlags.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, closer, err := apisec.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, func() { _ = closer.Close() }, nil
}
