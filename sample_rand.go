package sentry

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"

	"go.opentelemetry.io/otel/trace"
)

// sampleRandScale truncates sample_rand values to six decimal digits so they
// survive a round trip through the baggage header.
const sampleRandScale = 1e6

// traceRand returns a generator seeded by the trace id. The math/rand source
// algorithm is fixed, so the same id yields the same sequence in every process.
func traceRand(traceID trace.TraceID) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(traceID.String()))
	return rand.New(rand.NewSource(int64(h.Sum64()))) //nolint:gosec
}

// sampleRandFromTraceID derives the sample_rand of a trace from its id.
func sampleRandFromTraceID(traceID trace.TraceID) float64 {
	return truncateSampleRand(traceRand(traceID).Float64())
}

// sampleRandForDecision derives a sample_rand consistent with an upstream
// sampling decision: in [0, rate) when sampled, in [rate, 1) otherwise.
// Without a usable rate it falls back to sampleRandFromTraceID.
func sampleRandForDecision(traceID trace.TraceID, sampled bool, rate float64) float64 {
	if math.IsNaN(rate) || rate <= 0 || rate > 1 {
		return sampleRandFromTraceID(traceID)
	}
	r := traceRand(traceID).Float64()

	if sampled {
		v := truncateSampleRand(r * rate)
		if v >= rate {
			v = truncateSampleRand(math.Nextafter(rate, 0))
		}
		return v
	}

	if rate >= 1 {
		// [1, 1) is empty, the decision cannot be honored.
		return sampleRandFromTraceID(traceID)
	}
	raw := rate + r*(1-rate)
	if raw >= 1 {
		raw = math.Nextafter(1, 0)
	}
	v := truncateSampleRand(raw)
	if v < rate {
		v = math.Ceil(rate*sampleRandScale) / sampleRandScale
		if v >= 1 {
			return raw
		}
	}
	return v
}

func truncateSampleRand(v float64) float64 {
	return math.Floor(v*sampleRandScale) / sampleRandScale
}

// validSampleRand reports whether v is a finite float in [0, 1).
func validSampleRand(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v < 1
}

// parseSampleRand parses a sample_rand received from upstream.
func parseSampleRand(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !validSampleRand(v) {
		return 0, false
	}
	return v, true
}

// parseSampleRate parses a sample_rate received from upstream.
func parseSampleRate(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !validRate(v) {
		return 0, false
	}
	return v, true
}

func formatSampleRand(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatSampleRate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
