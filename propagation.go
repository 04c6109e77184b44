package sentry

import (
	"regexp"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const sentryTraceHeader = "sentry-trace"

var sentryTraceRegexp = regexp.MustCompile(`^[ \t]*([0-9a-f]{32})?-?([0-9a-f]{16})?-?([01])?[ \t]*$`)

// SentryTrace is the parsed value of a sentry-trace header.
type SentryTrace struct {
	TraceID      trace.TraceID
	ParentSpanID trace.SpanID
	Sampled      Sampled
}

// ParseSentryTrace parses "traceid-spanid-sampled". It reports false unless
// both ids are present and valid.
func ParseSentryTrace(header string) (SentryTrace, bool) {
	m := sentryTraceRegexp.FindStringSubmatch(header)
	if m == nil {
		return SentryTrace{}, false
	}
	traceID, err := trace.TraceIDFromHex(m[1])
	if err != nil {
		return SentryTrace{}, false
	}
	spanID, err := trace.SpanIDFromHex(m[2])
	if err != nil {
		return SentryTrace{}, false
	}

	st := SentryTrace{TraceID: traceID, ParentSpanID: spanID}
	switch m[3] {
	case "1":
		st.Sampled = SampledTrue
	case "0":
		st.Sampled = SampledFalse
	}
	return st, true
}

func formatSentryTrace(traceID trace.TraceID, spanID trace.SpanID, sampled Sampled) string {
	s := traceID.String() + "-" + spanID.String()
	switch sampled {
	case SampledTrue:
		s += "-1"
	case SampledFalse:
		s += "-0"
	}
	return s
}

func newTraceID() trace.TraceID {
	var id trace.TraceID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	u := uuid.New()
	copy(id[:], u[8:])
	return id
}

// PropagationContext is the trace state of a scope when no span is active.
// Errors captured outside a transaction still join the trace it describes.
type PropagationContext struct {
	TraceID       trace.TraceID
	SpanID        trace.SpanID
	ParentSpanID  trace.SpanID
	ParentSampled Sampled
	// ParentSampleRate is the upstream sample_rate, nil when unknown.
	ParentSampleRate *float64
	SampleRand       float64
	Baggage          *Baggage
}

// NewPropagationContext starts a fresh trace.
func NewPropagationContext() PropagationContext {
	traceID := newTraceID()
	return PropagationContext{
		TraceID:    traceID,
		SpanID:     newSpanID(),
		SampleRand: sampleRandFromTraceID(traceID),
	}
}

// PropagationContextFromHeaders continues the trace described by incoming
// sentry-trace and baggage headers. An invalid sentry-trace header starts a
// fresh trace and the baggage is ignored.
func PropagationContextFromHeaders(sentryTrace, baggageHeader string) (PropagationContext, bool) {
	st, ok := ParseSentryTrace(sentryTrace)
	if !ok {
		return NewPropagationContext(), false
	}

	pc := PropagationContext{
		TraceID:       st.TraceID,
		SpanID:        newSpanID(),
		ParentSpanID:  st.ParentSpanID,
		ParentSampled: st.Sampled,
		Baggage:       BaggageFromHeader(baggageHeader),
	}

	if rate, ok := parseSampleRate(valueOf(pc.Baggage, "sample_rate")); ok {
		pc.ParentSampleRate = &rate
	}
	pc.SampleRand = resolveSampleRand(pc.TraceID, pc.Baggage, pc.ParentSampled, pc.ParentSampleRate)

	if !pc.Baggage.IsMutable() {
		pc.Baggage.setIfMissing("sample_rand", formatSampleRand(pc.SampleRand))
	}

	return pc, true
}

// resolveSampleRand picks the sample_rand of a continued trace: a valid
// upstream value verbatim, else a value consistent with the upstream
// decision, else one derived from the trace id.
func resolveSampleRand(traceID trace.TraceID, b *Baggage, sampled Sampled, rate *float64) float64 {
	if v, ok := parseSampleRand(valueOf(b, "sample_rand")); ok {
		return v
	}
	if sampled != SampledUndefined && rate != nil {
		return sampleRandForDecision(traceID, sampled == SampledTrue, *rate)
	}
	return sampleRandFromTraceID(traceID)
}

func valueOf(b *Baggage, key string) string {
	v, _ := b.Get(key)
	return v
}

// Traceparent returns the sentry-trace header value.
func (p PropagationContext) Traceparent() string {
	return formatSentryTrace(p.TraceID, p.SpanID, p.ParentSampled)
}

// traceContext returns the "trace" event context.
func (p PropagationContext) traceContext() map[string]any {
	ctx := map[string]any{
		"trace_id": p.TraceID.String(),
		"span_id":  p.SpanID.String(),
	}
	if p.ParentSpanID.IsValid() {
		ctx["parent_span_id"] = p.ParentSpanID.String()
	}
	return ctx
}

// dynamicSamplingContext returns the baggage of the trace, populating it
// from the client options when this service is the head of the trace.
// The returned baggage is frozen, the baggage it was built from is left
// untouched.
func (p *PropagationContext) dynamicSamplingContext(client *Client) *Baggage {
	if p.Baggage != nil && !p.Baggage.IsMutable() {
		return p.Baggage
	}

	b := p.Baggage.Clone()
	if b == nil {
		b = NewBaggage()
	}
	b.Set("trace_id", p.TraceID.String())
	b.Set("sample_rand", formatSampleRand(p.SampleRand))
	if client != nil {
		client.populateBaggage(b)
	}
	b.Freeze()
	p.Baggage = b
	return b
}
