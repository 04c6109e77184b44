package sentry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

func newTestHub(t *testing.T, cfg Config) (*Hub, *Client, *mockTransport) {
	t.Helper()

	client, transport := newTestClient(t, cfg)
	return NewHub(client, NewScope()), client, transport
}

// deferred continues testTraceHex without an upstream decision, pinning sample_rand.
func deferred(sampleRand string) SpanOption {
	return ContinueFromHeaders(testTraceHex+"-"+testSpanHex, "sentry-trace_id="+testTraceHex+",sentry-sample_rand="+sampleRand)
}

func TestTransactionSampleRate(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 0.5})

	below := hub.StartTransaction(context.Background(), "below", deferred("0.3"))
	assert.Equal(t, SampledTrue, below.Sampled())
	require.NotNil(t, below.SampleRate())
	assert.Equal(t, 0.5, *below.SampleRate())

	above := hub.StartTransaction(context.Background(), "above", deferred("0.7"))
	assert.Equal(t, SampledFalse, above.Sampled())

	assert.False(t, above.SetSampled(SampledTrue), "the decision is made at start")
	assert.Equal(t, SampledFalse, above.Sampled())
}

func TestTransactionSampleRandIsDerivedFromTraceID(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})

	tx := hub.StartTransaction(context.Background(), "job")
	assert.Equal(t, sampleRandFromTraceID(tx.TraceID), tx.SampleRand())
	assert.Equal(t, SampledTrue, tx.Sampled())
}

func TestTransactionTracesSampler(t *testing.T) {
	t.Run("rate from sampler", func(t *testing.T) {
		var got SamplingContext
		hub, _, _ := newTestHub(t, Config{
			TracesSampleRate: 0.01,
			TracesSampler: func(ctx SamplingContext) float64 {
				got = ctx
				if ctx.Span.Name == "important" {
					return 1
				}
				return 0
			},
		})

		important := hub.StartTransaction(context.Background(), "important",
			ContinueFromHeaders(testTraceHex+"-"+testSpanHex+"-0", "sentry-trace_id="+testTraceHex+",sentry-sample_rate=0.1"))
		assert.Equal(t, SampledTrue, important.Sampled(), "the sampler overrides the parent decision")
		assert.Equal(t, SampledFalse, got.ParentSampled)
		require.NotNil(t, got.ParentSampleRate)
		assert.Equal(t, 0.1, *got.ParentSampleRate)

		assert.Equal(t, SampledFalse, hub.StartTransaction(context.Background(), "noise").Sampled())
	})

	t.Run("panic falls back to traces_sample_rate", func(t *testing.T) {
		hub, _, _ := newTestHub(t, Config{
			TracesSampleRate: 1,
			TracesSampler:    func(SamplingContext) float64 { panic("sampler bug") },
		})

		var tx *Span
		require.NotPanics(t, func() {
			tx = hub.StartTransaction(context.Background(), "job")
		})
		assert.Equal(t, SampledTrue, tx.Sampled())
	})

	t.Run("invalid rate drops the transaction", func(t *testing.T) {
		hub, _, _ := newTestHub(t, Config{
			TracesSampler: func(SamplingContext) float64 { return 1.5 },
		})

		tx := hub.StartTransaction(context.Background(), "job")
		assert.Equal(t, SampledFalse, tx.Sampled())
		assert.Nil(t, tx.SampleRate())
	})
}

func TestTransactionInheritsParentDecision(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})

	notSampled := hub.StartTransaction(context.Background(), "job",
		ContinueFromHeaders(testTraceHex+"-"+testSpanHex+"-0", ""))
	assert.Equal(t, SampledFalse, notSampled.Sampled())

	hub, _, _ = newTestHub(t, Config{TracesSampleRate: 0.000001})
	sampled := hub.StartTransaction(context.Background(), "job",
		ContinueFromHeaders(testTraceHex+"-"+testSpanHex+"-1", "sentry-trace_id="+testTraceHex+",sentry-sample_rate=0.25"))
	assert.Equal(t, SampledTrue, sampled.Sampled())
	require.NotNil(t, sampled.SampleRate())
	assert.Equal(t, 0.25, *sampled.SampleRate())
	assert.Less(t, sampled.SampleRand(), 0.25)
}

func TestTransactionTracingDisabled(t *testing.T) {
	hub, client, transport := newTestHub(t, Config{})

	tx := hub.StartTransaction(context.Background(), "job")
	assert.Equal(t, SampledFalse, tx.Sampled())

	id, err := hub.FinishTransaction(tx)
	require.NoError(t, err)
	assert.Nil(t, id)
	assert.Empty(t, transport.Envelopes())
	assert.Equal(t, int64(0), client.recorder.Count(clientreport.ReasonSampleRate, ratelimit.CategoryTransaction))
}

func TestTransactionForcedDecision(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 0.000001})

	tx := hub.StartTransaction(context.Background(), "job", WithSpanSampled(SampledTrue))
	assert.Equal(t, SampledTrue, tx.Sampled())
	assert.Nil(t, tx.SampleRate())
}

func TestChildSpans(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})

	tx := hub.StartTransaction(context.Background(), "job")
	child := tx.StartChild("db.query", WithDescription("SELECT 1"))
	grandchild := StartSpan(child.Context(), "db.row")

	assert.False(t, child.IsTransaction())
	assert.True(t, tx.IsTransaction())
	assert.Equal(t, tx.TraceID, child.TraceID)
	assert.Equal(t, tx.TraceID, grandchild.TraceID)
	assert.Equal(t, tx.SpanID, child.ParentSpanID)
	assert.Equal(t, child.SpanID, grandchild.ParentSpanID)
	assert.Equal(t, tx.Sampled(), grandchild.Sampled())

	assert.Same(t, child, grandchild.Parent())
	assert.Same(t, tx, grandchild.Parent().Parent())
	assert.Nil(t, tx.Parent())
	assert.Same(t, tx, grandchild.Transaction())
	assert.Equal(t, tx.SampleRand(), grandchild.SampleRand())

	assert.Same(t, grandchild, SpanFromContext(grandchild.Context()))
	assert.Same(t, hub, GetHubFromContext(grandchild.Context()))
	assert.False(t, grandchild.SetSampled(SampledFalse))
}

func TestStartSpanWithoutParentStartsTransaction(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})

	span := StartSpan(SetHubOnContext(context.Background(), hub), "task")
	assert.True(t, span.IsTransaction())
	assert.Equal(t, "task", span.Op)
	assert.Equal(t, SampledTrue, span.Sampled())
}

func TestFinishCapturesTransaction(t *testing.T) {
	hub, client, transport := newTestHub(t, Config{
		DSN:              "https://public@sentry.example.com/42",
		TracesSampleRate: 1,
	})

	tx := hub.StartTransaction(context.Background(), "GET /users", WithTransactionSource(SourceRoute), WithOpName("http.server"))
	tx.SetTag("region", "eu")
	child := tx.StartChild("db.query")
	child.Status = SpanStatusOK
	child.Finish()
	assert.Same(t, tx, hub.Scope().GetSpan())

	id, err := hub.FinishTransaction(tx)
	require.NoError(t, err)
	require.NotNil(t, id)
	assert.Equal(t, *id, hub.LastEventID())
	assert.Nil(t, hub.Scope().GetSpan())

	envelopes := transport.Envelopes()
	require.Len(t, envelopes, 1)
	item := envelopes[0].Items[0]
	assert.Equal(t, itemTypeTransaction, item.Type)

	payload := string(item.Payload)
	assert.Contains(t, payload, `"type":"transaction"`)
	assert.Contains(t, payload, `"transaction":"GET /users"`)
	assert.Contains(t, payload, `"source":"route"`)
	assert.Contains(t, payload, `"op":"db.query"`)
	assert.Contains(t, payload, `"region":"eu"`)
	assert.Contains(t, payload, `"trace_id":"`+tx.TraceID.String()+`"`)

	trace := envelopes[0].Header.Trace
	assert.Equal(t, tx.TraceID.String(), trace["trace_id"])
	assert.Equal(t, "true", trace["sampled"])
	assert.Equal(t, "public", trace["public_key"])

	id, err = hub.FinishTransaction(tx)
	assert.NoError(t, err)
	assert.Nil(t, id, "a transaction is captured once")
	assert.Equal(t, int64(0), client.recorder.Count(clientreport.ReasonSampleRate, ratelimit.CategoryTransaction))
}

func TestFinishUnsampledTransaction(t *testing.T) {
	hub, client, transport := newTestHub(t, Config{TracesSampleRate: 0.5})

	tx := hub.StartTransaction(context.Background(), "job", deferred("0.9"))
	tx.Finish()

	assert.Empty(t, transport.Envelopes())
	assert.Equal(t, int64(1), client.recorder.Count(clientreport.ReasonSampleRate, ratelimit.CategoryTransaction))
}

func TestMaxSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	hub, _, transport := newTestHub(t, Config{TracesSampleRate: 1, MaxSpans: 2, Logger: zap.New(core)})

	tx := hub.StartTransaction(context.Background(), "job")
	for i := 0; i < 4; i++ {
		tx.StartChild("work").Finish()
	}
	assert.Equal(t, 2, tx.recorder.dropped())

	tx.Finish()
	require.Len(t, transport.Envelopes(), 1)
	assert.Equal(t, 2, strings.Count(string(transport.Envelopes()[0].Items[0].Payload), `"op":"work"`))

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.Int("dropped", 2))
	assert.Equal(t, 1, warnings.Len())
}

func TestContinueTraceBaggageIndependentOfScopeReads(t *testing.T) {
	for _, readScopeFirst := range []bool{false, true} {
		hub, _, transport := newTestHub(t, Config{DSN: "https://public@sentry.example.com/42", TracesSampleRate: 1})

		option := hub.ContinueTrace(testTraceHex+"-"+testSpanHex+"-1", "")
		if readScopeFirst {
			scopeBaggage := hub.GetBaggage()
			assert.NotContains(t, scopeBaggage, "sentry-sampled=")
			_, err := hub.CaptureMessage("error on the scope")
			require.NoError(t, err)
		}

		tx := hub.StartTransaction(context.Background(), "job", option)
		baggage := tx.ToBaggage()
		assert.Contains(t, baggage, "sentry-sampled=true")
		assert.Contains(t, baggage, "sentry-transaction=job")
		assert.Contains(t, baggage, "sentry-trace_id="+testTraceHex)

		tx.Finish()
		envelopes := transport.Envelopes()
		header := envelopes[len(envelopes)-1].Header.Trace
		assert.Equal(t, "true", header["sampled"])
		assert.Equal(t, "job", header["transaction"])
	}
}

func TestSpanToSentryTrace(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})

	tx := hub.StartTransaction(context.Background(), "job")
	assert.Equal(t, tx.TraceID.String()+"-"+tx.SpanID.String()+"-1", tx.ToSentryTrace())

	child := tx.StartChild("work")
	assert.Equal(t, tx.TraceID.String()+"-"+child.SpanID.String()+"-1", child.ToSentryTrace())

	hub, _, _ = newTestHub(t, Config{})
	unsampled := hub.StartTransaction(context.Background(), "job")
	assert.True(t, strings.HasSuffix(unsampled.ToSentryTrace(), "-0"))
}

func TestSpanHeadBaggage(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{
		DSN:              "https://public@sentry.example.com/42",
		Environment:      "production",
		Release:          "app@1.0.0",
		TracesSampleRate: 1,
	})

	tx := hub.StartTransaction(context.Background(), "GET /users", WithTransactionSource(SourceRoute))
	want := "sentry-trace_id=" + tx.TraceID.String() +
		",sentry-sample_rate=1" +
		",sentry-sample_rand=" + formatSampleRand(tx.SampleRand()) +
		",sentry-sampled=true" +
		",sentry-public_key=public,sentry-environment=production,sentry-release=app@1.0.0" +
		",sentry-transaction=GET%20/users"
	assert.Equal(t, want, tx.ToBaggage())
	assert.Equal(t, want, tx.StartChild("work").ToBaggage(), "children share the baggage of the transaction")

	byURL := hub.StartTransaction(context.Background(), "/users/42", WithTransactionSource(SourceURL))
	assert.NotContains(t, byURL.ToBaggage(), "sentry-transaction=")
}

func TestContinueTraceEndToEnd(t *testing.T) {
	hub, _, transport := newTestHub(t, Config{
		DSN:              "https://public@sentry.example.com/42",
		TracesSampleRate: 0.000001,
	})

	option := hub.ContinueTrace(
		testTraceHex+"-"+testSpanHex+"-1",
		"sentry-trace_id="+testTraceHex+",sentry-sample_rand=0.123456,other-vendor=1",
	)

	pc := hub.Scope().PropagationContext()
	assert.Equal(t, testTraceHex, pc.TraceID.String())
	assert.Equal(t, 0.123456, pc.SampleRand)

	tx := hub.StartTransaction(context.Background(), "job", option)
	assert.Equal(t, testTraceHex, tx.TraceID.String())
	assert.Equal(t, testSpanHex, tx.ParentSpanID.String())
	assert.Equal(t, SampledTrue, tx.Sampled())
	assert.Equal(t, 0.123456, tx.SampleRand())

	baggage := tx.ToBaggage()
	assert.Contains(t, baggage, "sentry-sample_rand=0.123456")
	assert.Contains(t, baggage, "other-vendor=1")
	assert.NotContains(t, baggage, "sentry-public_key", "upstream baggage is not extended")

	assert.Equal(t, tx.ToSentryTrace(), hub.GetTraceparent())
	assert.Equal(t, baggage, hub.GetBaggage())

	_, err := hub.CaptureMessage("inside the transaction")
	require.NoError(t, err)
	envelopes := transport.Envelopes()
	require.Len(t, envelopes, 1)
	assert.Contains(t, string(envelopes[0].Items[0].Payload), `"span_id":"`+tx.SpanID.String()+`"`)
	assert.Equal(t, "0.123456", envelopes[0].Header.Trace["sample_rand"])
}

func TestContinueTraceInvalidHeader(t *testing.T) {
	hub, _, _ := newTestHub(t, Config{TracesSampleRate: 1})
	before := hub.Scope().PropagationContext().TraceID

	option := hub.ContinueTrace("garbage", "sentry-sample_rand=0.5")
	tx := hub.StartTransaction(context.Background(), "job", option)

	assert.NotEqual(t, before, tx.TraceID)
	assert.Equal(t, hub.Scope().PropagationContext().TraceID, tx.TraceID)
	assert.Equal(t, sampleRandFromTraceID(tx.TraceID), tx.SampleRand())
	assert.Equal(t, SampledTrue, tx.Sampled())
}

func TestSampledString(t *testing.T) {
	assert.Equal(t, "true", SampledTrue.String())
	assert.Equal(t, "false", SampledFalse.String())
	assert.Equal(t, "", SampledUndefined.String())
	assert.True(t, SampledTrue.Bool())
	assert.False(t, SampledUndefined.Bool())
}
