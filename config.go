package yblocker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const filterRegistry = "https://raw.githubusercontent.com/AdguardTeam/FiltersRegistry/master/filters/"

// DefaultFilterLists are the base filter lists loaded when none are configured.
var DefaultFilterLists = []string{
	filterRegistry + "filter_2_Base/filter.txt",
	filterRegistry + "filter_3_Spyware/filter.txt",
	filterRegistry + "filter_4_Social/filter.txt",
	filterRegistry + "filter_10_Useful/filter.txt",
	filterRegistry + "filter_224_Chinese/filter.txt",
	filterRegistry + "filter_1_Russian/filter.txt",
	filterRegistry + "filter_6_German/filter.txt",
	filterRegistry + "filter_16_French/filter.txt",
	filterRegistry + "filter_7_Japanese/filter.txt",
}

// Config represents the complete yblocker configuration. It is loaded once
// at startup and not modified afterwards.
type Config struct {
	// FilterLists are the base rule sources, URLs or local paths, in order.
	FilterLists []string `mapstructure:"filter_lists"`

	// PollingStepTime is the sync interval in seconds.
	PollingStepTime int `mapstructure:"polling_step_time"`

	// HTTPS holds the interception CA material.
	HTTPS HTTPSConfig `mapstructure:"https"`

	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	CustomRules CustomRulesConfig `mapstructure:"custom_rules"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Annotate    AnnotateConfig    `mapstructure:"annotate"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`

	// Console enables the colored BLOCK/PASS output on stdout.
	Console bool `mapstructure:"console"`

	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPSConfig contains the CA certificate and key paths.
type HTTPSConfig struct {
	KeyPath  string `mapstructure:"key_path"`
	CertPath string `mapstructure:"cert_path"`
}

// ServerConfig contains proxy listener settings.
type ServerConfig struct {
	// Addr to listen on (e.g., ":8080", "127.0.0.1:8080")
	Addr string `mapstructure:"addr"`

	// IdleTimeout for intercepted keep-alive connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Metrics serves /metrics on the proxy listener.
	Metrics bool `mapstructure:"metrics"`

	// Admin serves the /api routes on the proxy listener.
	Admin bool `mapstructure:"admin"`
}

// StoreConfig contains history store settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`

	// Development writes indented JSON.
	Development bool `mapstructure:"development"`
}

// CustomRulesConfig contains custom rule file settings.
type CustomRulesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// SyncConfig contains remote sync settings. An empty Endpoint disables
// the sync loop.
type SyncConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Token    string        `mapstructure:"token"`
	Attempts int           `mapstructure:"attempts"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CorrelationConfig contains exchange expiry settings.
type CorrelationConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AnnotateConfig contains response annotation settings.
type AnnotateConfig struct {
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() Config {
	return Config{
		FilterLists:     append([]string(nil), DefaultFilterLists...),
		PollingStepTime: 600,
		HTTPS: HTTPSConfig{
			KeyPath:  "certs/testCA.key",
			CertPath: "certs/testCA.pem",
		},
		Server: ServerConfig{
			Addr:        ":8080",
			IdleTimeout: DefaultIdleTimeout,
			Metrics:     true,
			Admin:       true,
		},
		Store: StoreConfig{
			Path: "store.json",
		},
		CustomRules: CustomRulesConfig{
			Path:  "filter.txt",
			Watch: true,
		},
		Sync: SyncConfig{
			Attempts: DefaultSyncAttempts,
			Timeout:  30 * time.Second,
		},
		Correlation: CorrelationConfig{
			TTL:           DefaultCorrelationTTL,
			SweepInterval: time.Minute,
		},
		Annotate: AnnotateConfig{
			MaxBodySize: DefaultMaxBodySize,
		},
		Upstream: DefaultUpstreamConfig(),
		Console:  true,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./yblocker.yaml (or .yml, .json, .toml)
// 3. $HOME/.yblocker/yblocker.yaml
// 4. /etc/yblocker/yblocker.yaml
//
// Environment variables prefixed with YBLOCKER_ override file values,
// e.g. YBLOCKER_SYNC_TOKEN.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("yblocker")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.yblocker")
	v.AddConfigPath("/etc/yblocker")

	v.SetEnvPrefix("YBLOCKER")
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

	return unmarshal(v)
}

// LoadConfigFromReader loads configuration of the given type ("yaml",
// "json", "toml") from r.
func LoadConfigFromReader(configType string, r io.Reader) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("filter_lists", d.FilterLists)
	v.SetDefault("polling_step_time", d.PollingStepTime)

	v.SetDefault("https.key_path", d.HTTPS.KeyPath)
	v.SetDefault("https.cert_path", d.HTTPS.CertPath)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.metrics", d.Server.Metrics)
	v.SetDefault("server.admin", d.Server.Admin)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.development", d.Store.Development)

	v.SetDefault("custom_rules.path", d.CustomRules.Path)
	v.SetDefault("custom_rules.watch", d.CustomRules.Watch)

	v.SetDefault("sync.endpoint", d.Sync.Endpoint)
	v.SetDefault("sync.token", d.Sync.Token)
	v.SetDefault("sync.attempts", d.Sync.Attempts)
	v.SetDefault("sync.timeout", d.Sync.Timeout)

	v.SetDefault("correlation.ttl", d.Correlation.TTL)
	v.SetDefault("correlation.sweep_interval", d.Correlation.SweepInterval)

	v.SetDefault("annotate.max_body_size", d.Annotate.MaxBodySize)

	v.SetDefault("upstream.proxy", d.Upstream.Proxy)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", d.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", d.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.http2", d.Upstream.HTTP2)

	v.SetDefault("console", d.Console)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.PollingStepTime < 1:
		return fmt.Errorf("polling_step_time must be >= 1, got %d", c.PollingStepTime)
	case c.Sync.Attempts < 1:
		return fmt.Errorf("sync.attempts must be >= 1, got %d", c.Sync.Attempts)
	case c.Sync.Timeout <= 0:
		return fmt.Errorf("sync.timeout must be positive, got %v", c.Sync.Timeout)
	case c.HTTPS.KeyPath == "" || c.HTTPS.CertPath == "":
		return errors.New("https.key_path and https.cert_path are required")
	case c.Store.Path == "":
		return errors.New("store.path is required")
	case c.Correlation.TTL <= 0:
		return fmt.Errorf("correlation.ttl must be positive, got %v", c.Correlation.TTL)
	case c.Correlation.SweepInterval <= 0:
		return fmt.Errorf("correlation.sweep_interval must be positive, got %v", c.Correlation.SweepInterval)
	}
	if _, err := c.Upstream.proxyURL(); err != nil {
		return err
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// PollingInterval returns PollingStepTime as a duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingStepTime) * time.Second
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger from the logging settings. The returned
// closer releases the log file, if any.
func (c *Config) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch c.Logging.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch c.Logging.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "", "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	return slog.New(handler), closer, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	var lists strings.Builder
	for _, l := range DefaultFilterLists {
		fmt.Fprintf(&lists, "  - %q\n", l)
	}

	example := `# yblocker configuration

# Base filter lists (URLs or local paths), loaded in order at startup
filter_lists:
` + lists.String() + `
# Seconds between history syncs
polling_step_time: 600

# Interception CA, create with "yblocker gen-ca"
https:
  key_path: "certs/testCA.key"
  cert_path: "certs/testCA.pem"

server:
  addr: ":8080"
  idle_timeout: 30s
  # Serve /metrics and /api on the proxy listener
  metrics: true
  admin: true

store:
  path: "store.json"
  # Indent the store file
  development: false

custom_rules:
  path: "filter.txt"
  # Reload when the file changes
  watch: true

sync:
  # Leave empty to disable syncing
  endpoint: ""
  token: ""
  attempts: 3
  timeout: 30s

correlation:
  ttl: 5m
  sweep_interval: 1m

annotate:
  max_body_size: 10485760

# Connections to origin servers
upstream:
  # Optional parent proxy (http, https or socks5 URL)
  proxy: ""
  dial_timeout: 30s
  tls_handshake_timeout: 10s
  response_header_timeout: 60s
  max_idle_conns_per_host: 10
  http2: true

# Colored BLOCK/PASS lines on stdout
console: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0o644)
}
