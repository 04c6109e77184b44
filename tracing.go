package sentry

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// Sampled is the tri-state sampling decision of a span.
type Sampled int8

const (
	SampledFalse     Sampled = -1
	SampledUndefined Sampled = 0
	SampledTrue      Sampled = 1
)

// Bool returns true only for SampledTrue.
func (s Sampled) Bool() bool {
	return s == SampledTrue
}

func (s Sampled) String() string {
	switch s {
	case SampledTrue:
		return "true"
	case SampledFalse:
		return "false"
	default:
		return ""
	}
}

// SpanStatus is the status of a span.
type SpanStatus string

const (
	SpanStatusOK               SpanStatus = "ok"
	SpanStatusCanceled         SpanStatus = "cancelled"
	SpanStatusUnknown          SpanStatus = "unknown"
	SpanStatusInvalidArgument  SpanStatus = "invalid_argument"
	SpanStatusDeadlineExceeded SpanStatus = "deadline_exceeded"
	SpanStatusNotFound         SpanStatus = "not_found"
	SpanStatusPermissionDenied SpanStatus = "permission_denied"
	SpanStatusUnavailable      SpanStatus = "unavailable"
	SpanStatusInternalError    SpanStatus = "internal_error"
)

// TransactionSource describes where the transaction name came from.
type TransactionSource string

const (
	SourceCustom    TransactionSource = "custom"
	SourceURL       TransactionSource = "url"
	SourceRoute     TransactionSource = "route"
	SourceView      TransactionSource = "view"
	SourceComponent TransactionSource = "component"
	SourceTask      TransactionSource = "task"
)

// SamplingContext is passed to a TracesSampler.
type SamplingContext struct {
	Span          *Span
	ParentSampled Sampled
	// ParentSampleRate is the sample rate used upstream, nil when unknown.
	ParentSampleRate *float64
}

// TracesSampler returns the sample rate of a new transaction.
type TracesSampler func(ctx SamplingContext) float64

// Span is a timed operation. A span without a parent is a transaction: it
// owns the sampling decision and the recorder of its children.
type Span struct {
	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID
	Name         string
	Op           string
	Description  string
	Status       SpanStatus
	Tags         map[string]string
	Data         map[string]any
	StartTime    time.Time
	EndTime      time.Time
	Source       TransactionSource

	mu       sync.Mutex
	ctx      context.Context
	hub      *Hub
	parent   *Span
	root     *Span
	recorder *spanRecorder
	finished bool
	sampled  Sampled

	// transaction only
	isTransaction    bool
	parentSampled    Sampled
	parentSampleRate *float64
	sampleRate       *float64
	sampleRand       float64
	sampleRandSet    bool
	baggage          *Baggage
}

// SpanOption configures a span before it starts.
type SpanOption func(s *Span)

// WithTransactionName sets the transaction name.
func WithTransactionName(name string) SpanOption {
	return func(s *Span) {
		s.Name = name
	}
}

// WithTransactionSource sets where the transaction name came from.
func WithTransactionSource(source TransactionSource) SpanOption {
	return func(s *Span) {
		s.Source = source
	}
}

// WithOpName sets the span operation.
func WithOpName(op string) SpanOption {
	return func(s *Span) {
		s.Op = op
	}
}

// WithDescription sets the span description.
func WithDescription(description string) SpanOption {
	return func(s *Span) {
		s.Description = description
	}
}

// WithStartTime overrides the start time.
func WithStartTime(t time.Time) SpanOption {
	return func(s *Span) {
		s.StartTime = t
	}
}

// WithSpanSampled forces the sampling decision of a transaction.
func WithSpanSampled(sampled Sampled) SpanOption {
	return func(s *Span) {
		if s.isTransaction {
			s.sampled = sampled
		}
	}
}

// ContinueFromHeaders continues the trace described by incoming sentry-trace
// and baggage headers. Invalid headers leave the transaction on a new trace.
func ContinueFromHeaders(sentryTrace, baggageHeader string) SpanOption {
	return func(s *Span) {
		pc, ok := PropagationContextFromHeaders(sentryTrace, baggageHeader)
		if !ok {
			return
		}
		continueFrom(s, pc)
	}
}

// ContinueFromPropagationContext continues the trace of pc.
func ContinueFromPropagationContext(pc PropagationContext) SpanOption {
	return func(s *Span) {
		continueFrom(s, pc)
	}
}

func continueFrom(s *Span, pc PropagationContext) {
	if !s.isTransaction {
		return
	}
	s.TraceID = pc.TraceID
	s.ParentSpanID = pc.ParentSpanID
	s.parentSampled = pc.ParentSampled
	s.parentSampleRate = pc.ParentSampleRate
	s.baggage = pc.Baggage.Clone()
	s.sampleRand = pc.SampleRand
	s.sampleRandSet = true
}

type spanContextKey struct{}

// SpanFromContext returns the span stored in ctx, nil if there is none.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanContextKey{}).(*Span)
	return span
}

// StartSpan starts a child of the span found in ctx, or a transaction when
// ctx carries no span.
func StartSpan(ctx context.Context, operation string, options ...SpanOption) *Span {
	return startSpan(ctx, operation, SpanFromContext(ctx), options)
}

// StartTransaction starts a new transaction, ignoring any span in ctx.
func StartTransaction(ctx context.Context, name string, options ...SpanOption) *Span {
	return startSpan(ctx, "", nil, append([]SpanOption{WithTransactionName(name)}, options...))
}

func startSpan(ctx context.Context, operation string, parent *Span, options []SpanOption) *Span {
	hub := GetHubFromContext(ctx)
	if hub == nil {
		if parent != nil {
			hub = parent.hub
		} else {
			hub = CurrentHub()
		}
	}

	span := &Span{
		SpanID:    newSpanID(),
		Op:        operation,
		StartTime: time.Now(),
		hub:       hub,
	}

	if parent != nil {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
		span.parent = parent
		span.root = parent.root
		span.recorder = parent.recorder
		span.sampled = parent.sampled
	} else {
		span.TraceID = newTraceID()
		span.root = span
		span.isTransaction = true
		maxSpans := defaultMaxSpans
		if client := hub.Client(); client != nil {
			maxSpans = client.cfg.MaxSpans
		}
		span.recorder = newSpanRecorder(maxSpans)
	}

	for _, option := range options {
		option(span)
	}

	if span.isTransaction {
		if !span.sampleRandSet {
			span.sampleRand = sampleRandFromTraceID(span.TraceID)
			span.sampleRandSet = true
		}
		span.sample()
	}

	span.ctx = context.WithValue(SetHubOnContext(ctx, hub), spanContextKey{}, span)
	span.recorder.record(span)

	return span
}

// sample makes the sampling decision of a transaction. It runs exactly once,
// before any child exists.
func (s *Span) sample() {
	if s.sampled != SampledUndefined {
		return
	}

	client := s.hub.Client()
	if client == nil || !client.cfg.tracingEnabled() {
		s.sampled = SampledFalse
		return
	}

	rate := client.cfg.TracesSampleRate
	if client.cfg.TracesSampler != nil {
		if r, ok := client.callTracesSampler(SamplingContext{
			Span:             s,
			ParentSampled:    s.parentSampled,
			ParentSampleRate: s.parentSampleRate,
		}); ok {
			rate = r
		}
	} else if s.parentSampled != SampledUndefined {
		s.sampled = s.parentSampled
		s.sampleRate = s.parentSampleRate
		return
	}

	if !validRate(rate) {
		client.logger.Warn("invalid traces sample rate, dropping transaction",
			zap.Float64("rate", rate),
			zap.String("transaction", s.Name))
		s.sampled = SampledFalse
		return
	}

	s.sampleRate = &rate
	if s.sampleRand < rate {
		s.sampled = SampledTrue
	} else {
		s.sampled = SampledFalse
	}
}

// Sampled returns the sampling decision, fixed when the transaction started.
func (s *Span) Sampled() Sampled {
	return s.sampled
}

// SetSampled overrides the decision of a transaction that has not been
// decided yet. It reports false once the decision is made, which happens
// when the transaction starts.
func (s *Span) SetSampled(sampled Sampled) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isTransaction || s.sampled != SampledUndefined {
		return false
	}
	s.sampled = sampled
	return true
}

// IsTransaction reports whether the span is the root of its tree.
func (s *Span) IsTransaction() bool {
	return s.isTransaction
}

// Transaction returns the root of the span tree.
func (s *Span) Transaction() *Span {
	return s.root
}

// Parent returns the local parent span, nil for a transaction.
func (s *Span) Parent() *Span {
	return s.parent
}

// SampleRand returns the sample_rand of the trace.
func (s *Span) SampleRand() float64 {
	return s.root.sampleRand
}

// SampleRate returns the rate used for the sampling decision, nil when none applied.
func (s *Span) SampleRate() *float64 {
	return s.root.sampleRate
}

// Context returns a copy of the span start context that carries the span.
func (s *Span) Context() context.Context {
	return s.ctx
}

// StartChild starts a child span.
func (s *Span) StartChild(operation string, options ...SpanOption) *Span {
	return StartSpan(s.ctx, operation, options...)
}

// SetTag sets a tag on the span.
func (s *Span) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[key] = value
}

// SetData sets a data entry on the span.
func (s *Span) SetData(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Data == nil {
		s.Data = make(map[string]any)
	}
	s.Data[key] = value
}

// ToSentryTrace returns the sentry-trace header value for outgoing requests.
func (s *Span) ToSentryTrace() string {
	return formatSentryTrace(s.TraceID, s.SpanID, s.sampled)
}

// ToBaggage returns the baggage header value for outgoing requests.
func (s *Span) ToBaggage() string {
	return s.dynamicSamplingContext().String()
}

// dynamicSamplingContext returns the frozen baggage of the transaction,
// populating it first when this service is the head of the trace.
func (s *Span) dynamicSamplingContext() *Baggage {
	root := s.root
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.baggage != nil && !root.baggage.IsMutable() {
		root.baggage.setIfMissing("sample_rand", formatSampleRand(root.sampleRand))
		return root.baggage
	}

	b := root.baggage
	if b == nil {
		b = NewBaggage()
	}
	b.Set("trace_id", root.TraceID.String())
	if root.sampleRate != nil {
		b.Set("sample_rate", formatSampleRate(*root.sampleRate))
	}
	b.Set("sample_rand", formatSampleRand(root.sampleRand))
	if root.sampled != SampledUndefined {
		b.Set("sampled", root.sampled.String())
	}
	if client := root.hub.Client(); client != nil {
		client.populateBaggage(b)
	}
	if root.Name != "" && root.Source != SourceURL {
		b.Set("transaction", root.Name)
	}
	b.Freeze()
	root.baggage = b
	return b
}

// traceContext returns the "trace" event context.
func (s *Span) traceContext() map[string]any {
	ctx := map[string]any{
		"trace_id": s.TraceID.String(),
		"span_id":  s.SpanID.String(),
	}
	if s.ParentSpanID.IsValid() {
		ctx["parent_span_id"] = s.ParentSpanID.String()
	}
	if s.Op != "" {
		ctx["op"] = s.Op
	}
	if s.Status != "" {
		ctx["status"] = string(s.Status)
	}
	return ctx
}

// Finish sets the end time. Finishing a transaction captures it; delivery
// errors are logged, use Hub.FinishTransaction to receive them.
func (s *Span) Finish() {
	_, _ = s.finish()
}

func (s *Span) finish() (*EventID, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil, nil
	}
	s.finished = true
	if s.EndTime.IsZero() {
		s.EndTime = time.Now()
	}
	s.mu.Unlock()

	if !s.isTransaction {
		return nil, nil
	}

	client := s.hub.Client()
	if client == nil {
		return nil, nil
	}
	if s.sampled != SampledTrue {
		if client.cfg.tracingEnabled() {
			client.recordLostEvent(clientreport.ReasonSampleRate, ratelimit.CategoryTransaction, 1)
		}
		client.logger.Debug("transaction not sampled, dropping",
			zap.String("transaction", s.Name),
			zap.String("trace_id", s.TraceID.String()))
		return nil, nil
	}
	if dropped := s.recorder.dropped(); dropped > 0 {
		client.logger.Warn("transaction exceeded max_spans, spans dropped",
			zap.String("transaction", s.Name),
			zap.Int("max_spans", s.recorder.maxSpans),
			zap.Int("dropped", dropped))
	}

	return s.hub.CaptureEvent(s.toEvent())
}

func (s *Span) toEvent() *Event {
	s.mu.Lock()
	tags := make(map[string]string, len(s.Tags))
	for k, v := range s.Tags {
		tags[k] = v
	}
	extra := make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		extra[k] = v
	}
	s.mu.Unlock()

	event := NewEvent()
	event.Type = transactionType
	event.Transaction = s.Name
	event.StartTime = s.StartTime
	event.Timestamp = s.EndTime
	event.Tags = tags
	event.Extra = extra
	event.Contexts["trace"] = s.traceContext()
	event.Spans = s.recorder.children()
	if s.Source != "" {
		event.TransactionInfo = &TransactionInfo{Source: s.Source}
	}
	event.dsc = s.dynamicSamplingContext()

	return event
}

// MarshalJSON encodes a child span of a transaction event.
func (s *Span) MarshalJSON() ([]byte, error) {
	type span struct {
		TraceID        string            `json:"trace_id"`
		SpanID         string            `json:"span_id"`
		ParentSpanID   string            `json:"parent_span_id,omitempty"`
		Op             string            `json:"op,omitempty"`
		Description    string            `json:"description,omitempty"`
		Status         SpanStatus        `json:"status,omitempty"`
		Tags           map[string]string `json:"tags,omitempty"`
		Data           map[string]any    `json:"data,omitempty"`
		StartTimestamp time.Time         `json:"start_timestamp"`
		Timestamp      *time.Time        `json:"timestamp,omitempty"`
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := span{
		TraceID:        s.TraceID.String(),
		SpanID:         s.SpanID.String(),
		Op:             s.Op,
		Description:    s.Description,
		Status:         s.Status,
		Tags:           s.Tags,
		Data:           s.Data,
		StartTimestamp: s.StartTime,
	}
	if s.ParentSpanID.IsValid() {
		out.ParentSpanID = s.ParentSpanID.String()
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		out.Timestamp = &end
	}
	return sonic.Marshal(out)
}
