package sentry

import (
	"context"
	stderr "errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

const (
	SDKName    = "sentry.go.roadrunner"
	SDKVersion = "1.0.0"

	userAgent = SDKName + "/" + SDKVersion
)

// Client runs the capture pipeline and hands surviving events to the
// transport, inline or through the background worker.
type Client struct {
	cfg       Config
	dsn       *DSN
	transport Transport
	worker    *BackgroundWorker
	state     *ClientState
	recorder  *clientreport.Recorder
	logger    *zap.Logger
	sdk       SdkInfo

	// sampleRand draws the random number compared against SampleRate.
	sampleRand func() float64

	sent   atomic.Int64
	closed atomic.Bool
}

// NewClient validates cfg and creates a client. Without a DSN events are
// processed but never sent.
func NewClient(cfg Config) (*Client, error) {
	const op = errors.Op("sentry_new_client")

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.E(op, err)
	}

	logger := clientLogger(&cfg)

	c := &Client{
		cfg:        cfg,
		recorder:   clientreport.NewRecorder(),
		logger:     logger,
		sdk:        SdkInfo{Name: SDKName, Version: SDKVersion},
		sampleRand: rand.Float64, //nolint:gosec
	}

	if cfg.DSN != "" {
		dsn, err := ParseDSN(cfg.DSN)
		if err != nil {
			return nil, errors.E(op, err)
		}
		c.dsn = dsn
	}

	switch {
	case cfg.HTTPTransport != nil:
		c.transport = cfg.HTTPTransport
	case c.dsn == nil:
		c.transport = &dryRunTransport{logger: logger}
	default:
		transport, err := NewHTTPTransport(c.dsn, cfg.Transport, cfg.HTTPClient, c.recorder, logger.Named("transport"))
		if err != nil {
			return nil, errors.E(op, err)
		}
		c.transport = transport
	}

	c.state = NewClientState(cfg.Backoff, logger)
	c.worker = NewBackgroundWorker(*cfg.Worker.Threads, cfg.Worker.QueueSize, logger.Named("worker"))

	return c, nil
}

// clientLogger applies the configured level to cfg.Logger. Debug keeps
// everything the logger itself lets through.
func clientLogger(cfg *Config) *zap.Logger {
	if cfg.Logger == nil {
		return zap.NewNop()
	}
	if cfg.Debug {
		return cfg.Logger
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil || !cfg.Logger.Core().Enabled(level) {
		return cfg.Logger
	}
	return cfg.Logger.WithOptions(zap.IncreaseLevel(level))
}

// Options returns the configuration the client was created with.
func (c *Client) Options() Config {
	return c.cfg
}

// Transport returns the transport used by the client.
func (c *Client) Transport() Transport {
	return c.transport
}

// CaptureMessage captures a message at info level.
func (c *Client) CaptureMessage(message string, hint *EventHint, scope *Scope) (*EventID, error) {
	event := NewEvent()
	event.Level = LevelInfo
	event.Message = message
	return c.CaptureEvent(event, hint, scope)
}

// CaptureException captures err and its wrapped causes.
func (c *Client) CaptureException(exception error, hint *EventHint, scope *Scope) (*EventID, error) {
	if hint == nil {
		hint = &EventHint{}
	}
	if hint.OriginalException == nil {
		hint.OriginalException = exception
	}

	event := NewEvent()
	event.Level = LevelError
	event.SetException(exception, c.cfg.MaxErrorDepth)
	return c.CaptureEvent(event, hint, scope)
}

// CaptureCheckIn captures a monitor check-in. Check-ins are never sampled or
// filtered.
func (c *Client) CaptureCheckIn(checkIn *CheckIn, scope *Scope) (*EventID, error) {
	if checkIn == nil {
		return nil, nil
	}
	if checkIn.ID == "" {
		checkIn.ID = newEventID()
	}

	event := NewEvent()
	event.Type = checkInType
	event.CheckIn = checkIn
	if _, err := c.CaptureEvent(event, nil, scope); err != nil {
		return &checkIn.ID, err
	}
	return &checkIn.ID, nil
}

// CaptureMetricsBatch sends statsd lines as one item. Metric batches are
// never sampled or filtered.
func (c *Client) CaptureMetricsBatch(statsd string) (*EventID, error) {
	if statsd == "" {
		return nil, nil
	}
	event := NewEvent()
	event.Type = statsdType
	event.StatsdBatch = statsd
	return c.CaptureEvent(event, nil, nil)
}

// CaptureEvent runs event through the pipeline. It returns nil when the
// event was discarded; the error is only set for failed inline sends.
func (c *Client) CaptureEvent(event *Event, hint *EventHint, scope *Scope) (*EventID, error) {
	if event == nil {
		return nil, nil
	}
	if c.closed.Load() {
		c.logger.Debug("client is closed, dropping event", zap.String("event_id", string(event.EventID)))
		return nil, nil
	}

	category := event.category()
	result := c.processEvent(event, hint, scope)
	if result.discarded() {
		c.recordLostEvent(result.reason, category, 1)
		c.logger.Debug("event discarded",
			zap.String("event_id", string(event.EventID)),
			zap.String("category", category.String()),
			zap.String("reason", string(result.reason)))
		return nil, nil
	}

	id := result.event.EventID
	return &id, c.dispatch(result.event)
}

// processEvent prepares event and runs the processors, sampling and
// before_send stages.
func (c *Client) processEvent(event *Event, hint *EventHint, scope *Scope) outcome {
	c.prepareEvent(event)

	if event.Type == checkInType || event.Type == statsdType {
		return keep(event)
	}

	if scope != nil {
		if event = scope.ApplyToEvent(event, hint, c); event == nil {
			return discard(clientreport.ReasonEventProcessor)
		}
	}

	for _, processor := range c.cfg.EventProcessors {
		if event = runEventProcessor(processor, event, hint, c.logger); event == nil {
			return discard(clientreport.ReasonEventProcessor)
		}
	}

	if rate := *c.cfg.SampleRate; event.Type != transactionType && rate < 1 {
		if c.sampleRand() >= rate {
			return discard(clientreport.ReasonSampleRate)
		}
	}

	if event = c.beforeSend(event, hint); event == nil {
		return discard(clientreport.ReasonBeforeSend)
	}

	return keep(event)
}

func (c *Client) prepareEvent(event *Event) {
	if event.EventID == "" {
		event.EventID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" && event.Type == "" {
		event.Level = LevelInfo
	}
	if event.Platform == "" {
		event.Platform = "go"
	}
	if event.ServerName == "" {
		event.ServerName = c.cfg.ServerName
	}
	if event.Release == "" {
		event.Release = c.cfg.Release
	}
	if event.Dist == "" {
		event.Dist = c.cfg.Dist
	}
	if event.Environment == "" {
		event.Environment = c.cfg.Environment
	}
	event.Sdk = c.sdk

	if event.CheckIn != nil {
		if event.CheckIn.Environment == "" {
			event.CheckIn.Environment = c.cfg.Environment
		}
		if event.CheckIn.Release == "" {
			event.CheckIn.Release = c.cfg.Release
		}
	}
}

// beforeSend runs the filter matching the event type. A panicking filter
// leaves the event unchanged.
func (c *Client) beforeSend(event *Event, hint *EventHint) (result *Event) {
	filter := c.cfg.BeforeSend
	if event.Type == transactionType {
		filter = c.cfg.BeforeSendTransaction
	}
	if filter == nil {
		return event
	}
	if hint == nil {
		hint = &EventHint{}
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("before_send panicked, sending the event unmodified",
				zap.String("event_id", string(event.EventID)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = event
		}
	}()
	return filter(event, hint)
}

// beforeBreadcrumb keeps the original breadcrumb when the callback panics.
func (c *Client) beforeBreadcrumb(breadcrumb *Breadcrumb, hint *BreadcrumbHint) (result *Breadcrumb) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("before_breadcrumb panicked, keeping the breadcrumb",
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = breadcrumb
		}
	}()
	return c.cfg.BeforeBreadcrumb(breadcrumb, hint)
}

// callTracesSampler reports false when the sampler panicked.
func (c *Client) callTracesSampler(ctx SamplingContext) (rate float64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("traces sampler panicked, using traces_sample_rate",
				zap.Any("panic", r),
				zap.Stack("stack"))
			rate, ok = 0, false
		}
	}()
	return c.cfg.TracesSampler(ctx), true
}

// dispatch serializes event and sends it inline or schedules the send. Only
// inline delivery errors are returned.
func (c *Client) dispatch(event *Event) error {
	category := event.category()

	envelope, err := NewEnvelopeFromEvent(event, c.dsn, c.sdk)
	if err != nil {
		c.recordLostEvent(clientreport.ReasonInternalError, category, 1)
		c.logger.Error("failed to build envelope",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
		return nil
	}

	if c.worker.IsInline() {
		return c.deliver(context.Background(), envelope)
	}

	accepted := c.worker.Perform(func() {
		if err := c.deliver(context.Background(), envelope); err != nil {
			c.logger.Warn("background delivery failed",
				zap.String("event_id", string(envelope.Header.EventID)),
				zap.Error(err))
		}
	})
	if !accepted {
		c.recordLostEvent(clientreport.ReasonQueueOverflow, category, 1)
	}
	return nil
}

// deliver sends envelope unless the client backs off or its category is
// rate limited. Pending client reports ride along.
func (c *Client) deliver(ctx context.Context, envelope *Envelope) error {
	if !c.state.ShouldTry() {
		c.recordEnvelopeLost(clientreport.ReasonBackoff, envelope)
		c.logger.Debug("backing off, dropping envelope",
			zap.String("event_id", string(envelope.Header.EventID)),
			zap.Time("retry_after", c.state.RetryAfter()))
		return nil
	}

	if envelope.HasPayload() && c.transport.IsRateLimited(envelope.Category()) {
		c.recordEnvelopeLost(clientreport.ReasonRateLimitBackoff, envelope)
		return nil
	}

	hadPayload := envelope.HasPayload()
	var report *clientreport.ClientReport
	if !c.cfg.DisableClientReports {
		if report = c.recorder.TakeReport(time.Now()); report != nil {
			if err := envelope.AddClientReport(report); err != nil {
				c.recorder.Restore(report)
				report = nil
			}
		}
	}

	err := c.transport.SendEnvelope(ctx, envelope)
	if err == nil && (len(envelope.Items) == 0 || (hadPayload && !envelope.HasPayload())) {
		// the transport dropped everything as rate limited, nothing reached the server
		c.recorder.Restore(report)
		envelope.removeClientReport()
		return nil
	}
	if err == nil {
		c.state.Success()
		if envelope.HasPayload() {
			c.sent.Add(1)
		}
		return nil
	}

	c.recorder.Restore(report)
	envelope.removeClientReport()
	c.state.Failure()

	var deliveryErr *DeliveryError
	switch {
	case stderr.As(err, &deliveryErr) && deliveryErr.StatusCode == 429:
		c.recordEnvelopeLost(clientreport.ReasonRateLimitBackoff, envelope)
	case stderr.As(err, &deliveryErr):
		c.recordEnvelopeLost(clientreport.ReasonSendError, envelope)
	default:
		c.recordEnvelopeLost(clientreport.ReasonNetworkError, envelope)
	}

	return err
}

func (c *Client) recordEnvelopeLost(reason clientreport.DiscardReason, envelope *Envelope) {
	for _, item := range envelope.Items {
		if item.Type == itemTypeClientReport {
			continue
		}
		c.recordLostEvent(reason, item.category, 1)
	}
}

func (c *Client) recordLostEvent(reason clientreport.DiscardReason, category ratelimit.Category, quantity int64) {
	c.recorder.Record(reason, category, quantity)
}

// populateBaggage adds the client side values of a head trace.
func (c *Client) populateBaggage(b *Baggage) {
	if c.dsn != nil {
		b.Set("public_key", c.dsn.PublicKey)
	}
	if c.cfg.Environment != "" {
		b.Set("environment", c.cfg.Environment)
	}
	if c.cfg.Release != "" {
		b.Set("release", c.cfg.Release)
	}
}

// flushClientReports sends the pending client report on its own.
func (c *Client) flushClientReports() error {
	if c.cfg.DisableClientReports || c.dsn == nil {
		return nil
	}
	report := c.recorder.TakeReport(time.Now())
	if report == nil {
		return nil
	}

	envelope, err := NewClientReportEnvelope(report, c.dsn, c.sdk)
	if err != nil {
		c.recorder.Restore(report)
		return err
	}
	if !c.state.ShouldTry() || c.transport.IsRateLimited(ratelimit.CategoryInternal) {
		c.recorder.Restore(report)
		return nil
	}
	if err := c.transport.SendEnvelope(context.Background(), envelope); err != nil {
		c.recorder.Restore(report)
		return err
	}
	return nil
}

// Flush waits for queued events until ctx is done. It reports whether the
// queue was drained.
func (c *Client) Flush(ctx context.Context) bool {
	drained := c.worker.Flush(ctx)
	if err := c.flushClientReports(); err != nil {
		c.logger.Debug("failed to send client report", zap.Error(err))
	}
	return drained
}

// Close drains the queue until ctx is done and releases the transport.
// Events captured afterwards are dropped.
func (c *Client) Close(ctx context.Context) error {
	const op = errors.Op("sentry_client_close")

	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	err = multierr.Append(err, c.worker.Shutdown(ctx, true))
	if dropped := c.worker.Len(); dropped > 0 {
		err = multierr.Append(err, fmt.Errorf("%d queued envelopes were not delivered", dropped))
	}
	err = multierr.Append(err, c.flushClientReports())
	err = multierr.Append(err, c.transport.Close())
	if err != nil {
		return errors.E(op, err)
	}

	return nil
}

// SentCount returns the number of envelopes delivered.
func (c *Client) SentCount() int64 {
	return c.sent.Load()
}

// QueueLength returns the number of envelopes waiting for delivery.
func (c *Client) QueueLength() int {
	return c.worker.Len()
}

// LostEvents returns the discarded item counts by reason and category.
func (c *Client) LostEvents() map[clientreport.OutcomeKey]int64 {
	return c.recorder.Snapshot()
}

// RateLimits returns the active rate limits of the HTTP transport.
func (c *Client) RateLimits() map[string]time.Time {
	if t, ok := c.transport.(*HTTPTransport); ok {
		return t.Limiter().Status()
	}
	return nil
}

// CleanupRateLimits prunes expired rate limits of the HTTP transport.
func (c *Client) CleanupRateLimits() {
	if t, ok := c.transport.(*HTTPTransport); ok {
		t.Limiter().CleanupExpired()
	}
}
