package sentry

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const PluginName = "sentry"

const (
	defaultMaxErrorDepth        = 10
	defaultMaxSpans             = 1000
	defaultWorkerThreads        = 2
	defaultCompressionThreshold = 1024
)

// Config represents the client and plugin configuration
type Config struct {
	// Enable/disable the plugin
	Enabled bool `mapstructure:"enabled"`

	// Sentry DSN, empty disables delivery
	DSN string `mapstructure:"dsn"`

	// Debug logs every capture decision regardless of logging.level
	Debug bool `mapstructure:"debug"`

	Environment string `mapstructure:"environment"`
	Release     string `mapstructure:"release"`
	Dist        string `mapstructure:"dist"`
	ServerName  string `mapstructure:"server_name"`

	// Error/message sample rate in [0, 1], 1 when unset. 0 drops every error event.
	SampleRate *float64 `mapstructure:"sample_rate"`
	// Transaction sample rate in [0, 1]. 0 together with no TracesSampler disables tracing.
	TracesSampleRate float64 `mapstructure:"traces_sample_rate"`

	// Breadcrumbs kept per scope, 0 uses the default, negative disables them
	MaxBreadcrumbs int `mapstructure:"max_breadcrumbs"`
	// Depth of unwrapped error chains
	MaxErrorDepth int `mapstructure:"max_error_depth"`
	// Child spans recorded per transaction
	MaxSpans int `mapstructure:"max_spans"`

	// Do not attach discarded event counts to outgoing envelopes
	DisableClientReports bool `mapstructure:"disable_client_reports"`

	// HTTP transport settings
	Transport TransportConfig `mapstructure:"transport"`

	// Backoff after failed sends
	Backoff BackoffConfig `mapstructure:"backoff"`

	// Background worker configuration
	Worker WorkerConfig `mapstructure:"worker"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	BeforeSend            func(event *Event, hint *EventHint) *Event             `mapstructure:"-"`
	BeforeSendTransaction func(event *Event, hint *EventHint) *Event             `mapstructure:"-"`
	BeforeBreadcrumb      func(b *Breadcrumb, hint *BreadcrumbHint) *Breadcrumb `mapstructure:"-"`
	TracesSampler         TracesSampler                                          `mapstructure:"-"`
	EventProcessors       []EventProcessor                                       `mapstructure:"-"`

	// Logger receives SDK diagnostics, defaults to a no-op logger
	Logger *zap.Logger `mapstructure:"-"`
	// HTTPTransport replaces the default HTTP transport
	HTTPTransport Transport `mapstructure:"-"`
	// HTTPClient replaces the http.Client used by the default transport
	HTTPClient *http.Client `mapstructure:"-"`
}

// TransportConfig contains HTTP transport settings
type TransportConfig struct {
	// Request timeout
	Timeout time.Duration `mapstructure:"timeout"`
	// Connection timeout
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Disable gzip compression
	DisableCompression bool `mapstructure:"disable_compression"`
	// Body size in bytes above which the envelope is compressed
	CompressionThreshold int `mapstructure:"compression_threshold"`
	// Skip TLS verification
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	// Proxy settings
	Proxy     string `mapstructure:"proxy"`
	ProxyAuth string `mapstructure:"proxy_auth"`
}

// BackoffConfig contains the failure backoff settings
type BackoffConfig struct {
	// Wait after the first failure
	Base time.Duration `mapstructure:"base"`
	// Maximum wait
	Max time.Duration `mapstructure:"max"`
}

// WorkerConfig contains background worker settings
type WorkerConfig struct {
	// Number of worker goroutines, 0 sends inline on the calling goroutine
	Threads *int `mapstructure:"threads"`
	// Maximum number of pending envelopes
	QueueSize int `mapstructure:"queue_size"`
	// Bounded drain on shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	// Minimum level of SDK diagnostics
	Level string `mapstructure:"level"`
}

// envConfig mirrors the SENTRY_* environment variables.
type envConfig struct {
	DSN              string  `envconfig:"SENTRY_DSN"`
	Environment      string  `envconfig:"SENTRY_ENVIRONMENT"`
	Release          string  `envconfig:"SENTRY_RELEASE"`
	ServerName       string  `envconfig:"SENTRY_SERVER_NAME"`
	TracesSampleRate float64 `envconfig:"SENTRY_TRACES_SAMPLE_RATE"`
	Debug            bool    `envconfig:"SENTRY_DEBUG"`
}

// LoadFromEnv fills the fields left empty from SENTRY_* environment variables.
func (cfg *Config) LoadFromEnv() error {
	const op = errors.Op("sentry_config_env")

	var env envConfig
	if err := envconfig.Process("", &env); err != nil {
		return errors.E(op, err)
	}

	if cfg.DSN == "" {
		cfg.DSN = env.DSN
	}
	if cfg.Environment == "" {
		cfg.Environment = env.Environment
	}
	if cfg.Release == "" {
		cfg.Release = env.Release
	}
	if cfg.ServerName == "" {
		cfg.ServerName = env.ServerName
	}
	if cfg.TracesSampleRate == 0 {
		cfg.TracesSampleRate = env.TracesSampleRate
	}
	cfg.Debug = cfg.Debug || env.Debug

	return nil
}

// InitDefaults initializes default configuration values
func (cfg *Config) InitDefaults() {
	if cfg.SampleRate == nil {
		cfg.SampleRate = ptrTo(1.0)
	}
	if cfg.MaxBreadcrumbs == 0 {
		cfg.MaxBreadcrumbs = defaultMaxBreadcrumbs
	}
	if cfg.MaxBreadcrumbs > maxBreadcrumbs {
		cfg.MaxBreadcrumbs = maxBreadcrumbs
	}
	if cfg.MaxErrorDepth == 0 {
		cfg.MaxErrorDepth = defaultMaxErrorDepth
	}
	if cfg.MaxSpans == 0 {
		cfg.MaxSpans = defaultMaxSpans
	}

	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}
	if cfg.Transport.ConnectTimeout == 0 {
		cfg.Transport.ConnectTimeout = 10 * time.Second
	}
	if cfg.Transport.CompressionThreshold == 0 {
		cfg.Transport.CompressionThreshold = defaultCompressionThreshold
	}

	if cfg.Backoff.Base == 0 {
		cfg.Backoff.Base = 1 * time.Second
	}
	if cfg.Backoff.Max == 0 {
		cfg.Backoff.Max = 300 * time.Second
	}

	if cfg.Worker.Threads == nil {
		cfg.Worker.Threads = ptrTo(defaultWorkerThreads)
	}
	if cfg.Worker.QueueSize == 0 {
		cfg.Worker.QueueSize = 30
	}
	if cfg.Worker.ShutdownTimeout == 0 {
		cfg.Worker.ShutdownTimeout = 2 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration. Invalid values fail at setup time,
// never at capture time.
func (cfg *Config) Validate() error {
	const op = errors.Op("sentry_config_validate")

	if cfg.DSN != "" {
		if _, err := ParseDSN(cfg.DSN); err != nil {
			return errors.E(op, err)
		}
	}

	if cfg.SampleRate != nil && !validRate(*cfg.SampleRate) {
		return errors.E(op, fmt.Errorf("sample_rate must be in [0, 1], got %v", *cfg.SampleRate))
	}
	if !validRate(cfg.TracesSampleRate) {
		return errors.E(op, fmt.Errorf("traces_sample_rate must be in [0, 1], got %v", cfg.TracesSampleRate))
	}

	if cfg.Transport.Proxy != "" {
		if _, err := url.Parse(cfg.Transport.Proxy); err != nil {
			return errors.E(op, fmt.Errorf("invalid proxy URL: %v", err))
		}
	}
	if cfg.Transport.Timeout < 0 || cfg.Transport.ConnectTimeout < 0 {
		return errors.E(op, errors.Str("transport timeouts must not be negative"))
	}

	if cfg.Worker.Threads != nil && *cfg.Worker.Threads < 0 {
		return errors.E(op, errors.Str("worker threads must not be negative"))
	}
	if cfg.Worker.QueueSize < 0 {
		return errors.E(op, errors.Str("worker queue size must not be negative"))
	}

	if cfg.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
			return errors.E(op, err)
		}
	}

	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = cfg.Backoff.Base
	}

	return nil
}

// tracingEnabled reports whether transactions can be sampled at all.
func (cfg *Config) tracingEnabled() bool {
	return cfg.TracesSampleRate > 0 || cfg.TracesSampler != nil
}

func validRate(rate float64) bool {
	return !math.IsNaN(rate) && rate >= 0 && rate <= 1
}

// Helper function for pointer creation
func ptrTo[T any](v T) *T {
	return &v
}
