package sentry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

// rateLimitCleanupInterval is how often expired rate limits are pruned.
const rateLimitCleanupInterval = 5 * time.Minute

// Plugin exposes a Hub to other plugins and to workers over RPC
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	client  *Client
	hub     *Hub
	metrics *metricsCollector

	// Lifecycle
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Capturer is provided to other plugins. Implementations are hubs: callers
// that capture from their own goroutines should work on a Clone.
type Capturer interface {
	CaptureException(exception error) (*EventID, error)
	CaptureMessage(message string) (*EventID, error)
	CaptureEvent(event *Event) (*EventID, error)
	CaptureCheckIn(checkIn *CheckIn) (*EventID, error)
	AddBreadcrumb(breadcrumb *Breadcrumb, hint *BreadcrumbHint)
	StartTransaction(ctx context.Context, name string, options ...SpanOption) *Span
	ContinueTrace(sentryTrace, baggage string) SpanOption
	GetTraceparent() string
	GetBaggage() string
	Clone() *Hub
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_plugin_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	if err := config.LoadFromEnv(); err != nil {
		return errors.E(op, err)
	}

	p.logger = log.NamedLogger(PluginName)
	config.Logger = p.logger

	client, err := NewClient(*config)
	if err != nil {
		return errors.E(op, err)
	}

	opts := client.Options()
	p.config = &opts
	p.client = client
	p.hub = NewHub(client, NewScope())
	p.metrics = newMetricsCollector(client)

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	if config.DSN == "" {
		p.logger.Warn("no DSN configured, events will be processed but not transmitted")
	}

	p.logger.Info("sentry plugin initialized",
		zap.Bool("dsn_configured", opts.DSN != ""),
		zap.Float64("sample_rate", *opts.SampleRate),
		zap.Float64("traces_sample_rate", opts.TracesSampleRate),
		zap.Int("queue_size", opts.Worker.QueueSize),
		zap.Int("workers", *opts.Worker.Threads))

	return nil
}

// Serve starts the plugin
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.client == nil {
		errCh <- errors.E(errors.Op("sentry_plugin_serve"), errors.Str("plugin not initialized"))
		return errCh
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.cleanupRoutine(ctx)

		p.logger.Info("sentry plugin started")

		<-p.stopCh
		p.logger.Info("sentry plugin stopping")
	}()

	return errCh
}

// Stop flushes pending envelopes within the shutdown timeout and stops the plugin
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}

	var err error
	p.stopOnce.Do(func() {
		err = p.stop(ctx)
	})
	return err
}

func (p *Plugin) stop(ctx context.Context) error {
	const op = errors.Op("sentry_plugin_stop")

	close(p.stopCh)

	drainCtx, cancel := context.WithTimeout(ctx, p.config.Worker.ShutdownTimeout)
	defer cancel()

	err := p.client.Close(drainCtx)
	if err != nil {
		p.logger.Warn("sentry client closed with pending envelopes", zap.Error(err))
	}

	select {
	case <-p.doneCh:
	case <-ctx.Done():
		p.logger.Warn("plugin stop timed out")
		return errors.E(op, ctx.Err())
	}

	p.logger.Info("sentry plugin stopped", zap.Int64("sent", p.client.SentCount()))
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Capturer)(nil), p.Capturer),
	}
}

// Capturer returns the plugin hub
func (p *Plugin) Capturer() Capturer {
	return p.hub
}

// MetricsCollector implements the metrics plugin StatProvider
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}

// cleanupRoutine prunes expired rate limits
func (p *Plugin) cleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.client.CleanupRateLimits()
		}
	}
}
