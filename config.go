package apisec

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete engine configuration.
type Config struct {
	// Proxy listener and upstream settings
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Root CA and leaf issuance
	CA CAConfig `mapstructure:"ca"`

	// Initial interception toggles
	Interception InterceptionConfig `mapstructure:"interception"`

	// Signature sources
	Signatures SignaturesConfig `mapstructure:"signatures"`

	// Custom signature store
	Store StoreConfig `mapstructure:"store"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Control API
	API APIConfig `mapstructure:"api"`

	// Event stream
	Events EventsConfig `mapstructure:"events"`
}

// ProxyConfig contains proxy listener settings.
type ProxyConfig struct {
	// Address to listen on (e.g., ":8080", "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`

	// IdleTimeout for keep-alive client connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// HandshakeTimeout for client TLS handshakes inside CONNECT tunnels
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// UpstreamTimeout bounds origin dial, TLS and response header waits
	UpstreamTimeout time.Duration `mapstructure:"upstream_timeout"`

	// ShutdownGrace is how long Stop waits for in-flight transactions
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	// MaxBodySize caps captured bodies in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// UpstreamProxy chains origin traffic through another proxy (optional)
	UpstreamProxy string `mapstructure:"upstream_proxy"`

	// InsecureUpstream skips origin certificate verification
	InsecureUpstream bool `mapstructure:"insecure_upstream"`

	// MaxIdleConnsPerHost for the upstream pool
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`
}

// CAConfig contains root CA settings.
type CAConfig struct {
	// CertPath is where the root certificate is stored
	CertPath string `mapstructure:"cert_path"`

	// KeyPath is where the root private key is stored
	KeyPath string `mapstructure:"key_path"`

	// Organization name for generated certificates
	Organization string `mapstructure:"organization"`

	// RootValidity for a newly generated root
	RootValidity time.Duration `mapstructure:"root_validity"`

	// LeafValidity for host certificates, capped by the root's expiry
	LeafValidity time.Duration `mapstructure:"leaf_validity"`

	// CacheSize is the maximum number of cached host certificates
	CacheSize int `mapstructure:"cache_size"`

	// CacheTTL evicts cached host certificates after this long
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SignaturesConfig contains signature settings.
type SignaturesConfig struct {
	// Builtins enables the built-in signature catalogue
	Builtins bool `mapstructure:"builtins"`

	// Sources lists external custom signature sources
	Sources []SourceConfig `mapstructure:"sources"`

	// ReloadInterval for external sources (0 = no auto-reload)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	// DecodeLimit caps decoded body size scanned per transaction
	DecodeLimit int64 `mapstructure:"decode_limit"`
}

// SourceConfig defines an external signature source.
type SourceConfig struct {
	// Type of source: "pack", "csv", "url"
	Type string `mapstructure:"type"`

	// Path for file-based sources (pack accepts a directory)
	Path string `mapstructure:"path"`

	// URL for remote packs
	URL string `mapstructure:"url"`

	// HasHeader indicates if CSV has a header row
	HasHeader bool `mapstructure:"has_header"`
}

// StoreConfig contains the custom signature store settings.
type StoreConfig struct {
	// Path to the SQLite database; empty keeps custom signatures in memory
	Path string `mapstructure:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// Transactions enables the per-transaction log
	Transactions bool `mapstructure:"transactions"`
}

// APIConfig contains control API settings.
type APIConfig struct {
	// Enabled starts the control API alongside the proxy
	Enabled bool `mapstructure:"enabled"`

	// Addr for the control API; keep it on loopback
	Addr string `mapstructure:"addr"`

	// Token, when set, is required as a Bearer token on every request
	Token string `mapstructure:"token"`
}

// EventsConfig contains event stream settings.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber queue length
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Proxy: ProxyConfig{
			Addr:                "127.0.0.1:8080",
			IdleTimeout:         30 * time.Second,
			HandshakeTimeout:    10 * time.Second,
			UpstreamTimeout:     DefaultUpstreamTimeout,
			ShutdownGrace:       5 * time.Second,
			MaxBodySize:         DefaultMaxBodySize,
			MaxIdleConnsPerHost: 10,
		},
		CA: CAConfig{
			CertPath:     "apisec-ca.crt",
			KeyPath:      "apisec-ca.key",
			Organization: "APISec Interceptor",
			RootValidity: 10 * 365 * 24 * time.Hour,
			LeafValidity: 90 * 24 * time.Hour,
			CacheSize:    1024,
			CacheTTL:     12 * time.Hour,
		},
		Interception: InterceptionConfig{
			CaptureBody: true,
		},
		Signatures: SignaturesConfig{
			Builtins:    true,
			DecodeLimit: DefaultDecodeLimit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8081",
		},
		Events: EventsConfig{
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./apisec.yaml, ./apisec.yml, ./apisec.json, ./apisec.toml
// 3. $HOME/.apisec/apisec.yaml
// 4. /etc/apisec/apisec.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("apisec")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.apisec")
	v.AddConfigPath("/etc/apisec")

	// APISEC_PROXY_ADDR overrides proxy.addr, and so on.
	v.SetEnvPrefix("APISEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("proxy.addr", d.Proxy.Addr)
	v.SetDefault("proxy.idle_timeout", d.Proxy.IdleTimeout)
	v.SetDefault("proxy.handshake_timeout", d.Proxy.HandshakeTimeout)
	v.SetDefault("proxy.upstream_timeout", d.Proxy.UpstreamTimeout)
	v.SetDefault("proxy.shutdown_grace", d.Proxy.ShutdownGrace)
	v.SetDefault("proxy.max_body_size", d.Proxy.MaxBodySize)
	v.SetDefault("proxy.upstream_proxy", d.Proxy.UpstreamProxy)
	v.SetDefault("proxy.insecure_upstream", d.Proxy.InsecureUpstream)
	v.SetDefault("proxy.max_idle_conns_per_host", d.Proxy.MaxIdleConnsPerHost)

	v.SetDefault("ca.cert_path", d.CA.CertPath)
	v.SetDefault("ca.key_path", d.CA.KeyPath)
	v.SetDefault("ca.organization", d.CA.Organization)
	v.SetDefault("ca.root_validity", d.CA.RootValidity)
	v.SetDefault("ca.leaf_validity", d.CA.LeafValidity)
	v.SetDefault("ca.cache_size", d.CA.CacheSize)
	v.SetDefault("ca.cache_ttl", d.CA.CacheTTL)

	v.SetDefault("interception.capture_body", d.Interception.CaptureBody)
	v.SetDefault("interception.intercept_requests", d.Interception.InterceptRequests)
	v.SetDefault("interception.intercept_responses", d.Interception.InterceptResponses)

	v.SetDefault("signatures.builtins", d.Signatures.Builtins)
	v.SetDefault("signatures.reload_interval", d.Signatures.ReloadInterval)
	v.SetDefault("signatures.decode_limit", d.Signatures.DecodeLimit)

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.transactions", d.Logging.Transactions)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.token", d.API.Token)

	v.SetDefault("events.subscriber_buffer", d.Events.SubscriberBuffer)
}

// Validate checks the configuration. The first problem is returned as a
// *ConfigurationError naming the offending key.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Proxy.Addr); err != nil {
		return &ConfigurationError{Field: "proxy.addr", Err: err}
	}
	if c.Proxy.MaxBodySize < 0 {
		return &ConfigurationError{Field: "proxy.max_body_size", Err: errors.New("must not be negative")}
	}
	if c.Proxy.UpstreamTimeout < 0 {
		return &ConfigurationError{Field: "proxy.upstream_timeout", Err: errors.New("must not be negative")}
	}
	if c.Proxy.UpstreamProxy != "" {
		u, err := url.Parse(c.Proxy.UpstreamProxy)
		if err != nil {
			return &ConfigurationError{Field: "proxy.upstream_proxy", Err: err}
		}
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "socks5" {
			return &ConfigurationError{Field: "proxy.upstream_proxy", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
		}
	}

	if c.CA.CertPath == "" {
		return &ConfigurationError{Field: "ca.cert_path", Err: errors.New("required")}
	}
	if c.CA.KeyPath == "" {
		return &ConfigurationError{Field: "ca.key_path", Err: errors.New("required")}
	}
	if c.CA.LeafValidity < 0 || c.CA.RootValidity < 0 {
		return &ConfigurationError{Field: "ca.leaf_validity", Err: errors.New("must not be negative")}
	}

	for i, src := range c.Signatures.Sources {
		field := fmt.Sprintf("signatures.sources[%d]", i)
		switch src.Type {
		case "pack", "csv":
			if src.Path == "" {
				return &ConfigurationError{Field: field + ".path", Err: errors.New("required")}
			}
		case "url":
			if src.URL == "" {
				return &ConfigurationError{Field: field + ".url", Err: errors.New("required")}
			}
		default:
			return &ConfigurationError{Field: field + ".type", Err: fmt.Errorf("unknown source type %q", src.Type)}
		}
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return &ConfigurationError{Field: "logging.level", Err: err}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return &ConfigurationError{Field: "logging.format", Err: fmt.Errorf("unknown format %q", c.Logging.Format)}
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Addr); err != nil {
			return &ConfigurationError{Field: "api.addr", Err: err}
		}
	}
	return nil
}

// CAOptions converts the CA section to CAOptions.
func (c *Config) CAOptions() CAOptions {
	opts := DefaultCAOptions()
	if c.CA.Organization != "" {
		opts.Organization = c.CA.Organization
	}
	if c.CA.RootValidity > 0 {
		opts.RootValidity = c.CA.RootValidity
	}
	if c.CA.LeafValidity > 0 {
		opts.LeafValidity = c.CA.LeafValidity
	}
	if c.CA.CacheSize > 0 {
		opts.CacheSize = c.CA.CacheSize
	}
	if c.CA.CacheTTL > 0 {
		opts.CacheTTL = c.CA.CacheTTL
	}
	return opts
}

// BuildTransportPool creates the upstream pool from the proxy section.
func (c *Config) BuildTransportPool() (*TransportPool, error) {
	pool := NewTransportPool()
	if c.Proxy.UpstreamTimeout > 0 {
		pool.UpstreamTimeout = c.Proxy.UpstreamTimeout
	}
	if c.Proxy.MaxIdleConnsPerHost > 0 {
		pool.MaxIdleConnsPerHost = c.Proxy.MaxIdleConnsPerHost
	}
	pool.InsecureSkipVerify = c.Proxy.InsecureUpstream
	if c.Proxy.UpstreamProxy != "" {
		u, err := url.Parse(c.Proxy.UpstreamProxy)
		if err != nil {
			return nil, &ConfigurationError{Field: "proxy.upstream_proxy", Err: err}
		}
		pool.ProxyURL = u
	}
	return pool, nil
}

// BuildSignatureLoader creates a SignatureLoader from the signature sources.
// It returns nil when no sources are configured.
func (c *Config) BuildSignatureLoader() (SignatureLoader, error) {
	var loaders []SignatureLoader

	for _, source := range c.Signatures.Sources {
		switch source.Type {
		case "pack":
			loaders = append(loaders, NewPackLoader(source.Path))

		case "csv":
			loader := NewCSVLoader(source.Path)
			loader.HasHeader = source.HasHeader
			loaders = append(loaders, loader)

		case "url":
			loaders = append(loaders, NewURLLoader(source.URL))

		default:
			return nil, fmt.Errorf("unknown source type: %s", source.Type)
		}
	}

	switch len(loaders) {
	case 0:
		return nil, nil
	case 1:
		return loaders[0], nil
	}
	return NewMultiLoader(loaders...), nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# APISec interception engine configuration

proxy:
  # Address to listen on; point the browser or client proxy setting here
  addr: "127.0.0.1:8080"

  idle_timeout: 30s
  handshake_timeout: 10s

  # Origin dial, TLS handshake and response header timeout
  upstream_timeout: 30s

  # How long stop waits for in-flight transactions
  shutdown_grace: 5s

  # Captured body limit in bytes; longer bodies are still forwarded in full
  max_body_size: 4194304

  # Chain origin traffic through another proxy (optional)
  # upstream_proxy: "http://127.0.0.1:3128"

  # Skip origin certificate verification (staging hosts)
  insecure_upstream: false

ca:
  # Generated on first start, reused afterwards
  cert_path: "apisec-ca.crt"
  key_path: "apisec-ca.key"
  organization: "APISec Interceptor"
  root_validity: 87600h
  leaf_validity: 2160h
  cache_size: 1024
  cache_ttl: 12h

interception:
  capture_body: true
  intercept_requests: false
  intercept_responses: false

signatures:
  # Built-in secret, PII, injection and misconfiguration signatures
  builtins: true

  # Custom signature sources
  sources:
    - type: pack
      path: "signatures/"

    # - type: csv
    #   path: "custom-signatures.csv"
    #   has_header: true

    # - type: url
    #   url: "https://example.com/packs/secrets.yaml"

  # Auto-reload interval for sources (0 disables; SIGHUP always reloads)
  reload_interval: 0

store:
  # SQLite file for signatures added at runtime (empty = memory only)
  path: "apisec.db"

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

  # One log line per transaction
  transactions: false

api:
  enabled: true
  addr: "127.0.0.1:8081"
  # token: "change-me"

events:
  subscriber_buffer: 256
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
