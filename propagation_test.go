package sentry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTraceHex = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testSpanHex  = "bbbbbbbbbbbbbbbb"
)

func TestParseSentryTrace(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		ok      bool
		sampled Sampled
	}{
		{"sampled", testTraceHex + "-" + testSpanHex + "-1", true, SampledTrue},
		{"not sampled", testTraceHex + "-" + testSpanHex + "-0", true, SampledFalse},
		{"deferred", testTraceHex + "-" + testSpanHex, true, SampledUndefined},
		{"surrounding whitespace", " \t" + testTraceHex + "-" + testSpanHex + "-1 ", true, SampledTrue},
		{"empty", "", false, SampledUndefined},
		{"trace id only", testTraceHex, false, SampledUndefined},
		{"uppercase", strings.ToUpper(testTraceHex) + "-" + testSpanHex + "-1", false, SampledUndefined},
		{"short trace id", "aaaa-" + testSpanHex + "-1", false, SampledUndefined},
		{"zero trace id", "00000000000000000000000000000000-" + testSpanHex + "-1", false, SampledUndefined},
		{"bad flag", testTraceHex + "-" + testSpanHex + "-2", false, SampledUndefined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := ParseSentryTrace(tt.header)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, testTraceHex, st.TraceID.String())
			assert.Equal(t, testSpanHex, st.ParentSpanID.String())
			assert.Equal(t, tt.sampled, st.Sampled)
		})
	}
}

func TestPropagationContextFromHeadersKeepsSampleRand(t *testing.T) {
	pc, ok := PropagationContextFromHeaders(
		testTraceHex+"-"+testSpanHex+"-1",
		"sentry-trace_id="+testTraceHex+",sentry-sample_rand=0.123456",
	)
	require.True(t, ok)

	assert.Equal(t, testTraceHex, pc.TraceID.String())
	assert.Equal(t, testSpanHex, pc.ParentSpanID.String())
	assert.Equal(t, SampledTrue, pc.ParentSampled)
	assert.Equal(t, 0.123456, pc.SampleRand)
	assert.False(t, pc.Baggage.IsMutable())
	assert.Equal(t, "sentry-trace_id="+testTraceHex+",sentry-sample_rand=0.123456", pc.Baggage.String())
}

func TestPropagationContextFromHeadersDerivesSampleRand(t *testing.T) {
	t.Run("consistent with upstream decision", func(t *testing.T) {
		pc, ok := PropagationContextFromHeaders(
			testTraceHex+"-"+testSpanHex+"-0",
			"sentry-trace_id="+testTraceHex+",sentry-sample_rate=0.25",
		)
		require.True(t, ok)
		require.NotNil(t, pc.ParentSampleRate)
		assert.Equal(t, 0.25, *pc.ParentSampleRate)
		assert.GreaterOrEqual(t, pc.SampleRand, 0.25)
		assert.Less(t, pc.SampleRand, 1.0)

		v, ok := pc.Baggage.Get("sample_rand")
		require.True(t, ok, "missing sample_rand is added to frozen baggage")
		assert.Equal(t, formatSampleRand(pc.SampleRand), v)
	})

	t.Run("invalid upstream value", func(t *testing.T) {
		pc, ok := PropagationContextFromHeaders(
			testTraceHex+"-"+testSpanHex,
			"sentry-trace_id="+testTraceHex+",sentry-sample_rand=1.5",
		)
		require.True(t, ok)
		assert.Equal(t, sampleRandFromTraceID(pc.TraceID), pc.SampleRand)
		v, _ := pc.Baggage.Get("sample_rand")
		assert.Equal(t, "1.5", v, "frozen baggage keeps upstream values")
	})

	t.Run("no baggage", func(t *testing.T) {
		pc, ok := PropagationContextFromHeaders(testTraceHex+"-"+testSpanHex+"-1", "")
		require.True(t, ok)
		assert.Equal(t, sampleRandFromTraceID(pc.TraceID), pc.SampleRand)
		assert.True(t, pc.Baggage.IsMutable())
	})
}

func TestPropagationContextFromInvalidHeaders(t *testing.T) {
	pc, ok := PropagationContextFromHeaders("garbage", "sentry-sample_rand=0.5")
	assert.False(t, ok)
	assert.True(t, pc.TraceID.IsValid())
	assert.NotEqual(t, testTraceHex, pc.TraceID.String())
	assert.Nil(t, pc.Baggage)
	assert.Equal(t, sampleRandFromTraceID(pc.TraceID), pc.SampleRand)
}

func TestPropagationContextHeadBaggage(t *testing.T) {
	client, _ := newTestClient(t, Config{
		DSN:         "https://public@sentry.example.com/42",
		Environment: "production",
		Release:     "app@1.0.0",
	})

	pc := NewPropagationContext()
	b := pc.dynamicSamplingContext(client)

	assert.False(t, b.IsMutable())
	assert.Equal(t,
		"sentry-trace_id="+pc.TraceID.String()+
			",sentry-sample_rand="+formatSampleRand(pc.SampleRand)+
			",sentry-public_key=public,sentry-environment=production,sentry-release=app@1.0.0",
		b.String())
	assert.Same(t, b, pc.dynamicSamplingContext(client), "baggage is built once")
	assert.Equal(t, pc.TraceID.String()+"-"+pc.SpanID.String(), pc.Traceparent())
}
