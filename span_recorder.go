package sentry

import (
	"sync"
)

// A spanRecorder stores the span tree that makes up a transaction. Safe for
// concurrent use, child spans may be started from multiple goroutines.
type spanRecorder struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
	overflow int
}

func newSpanRecorder(maxSpans int) *spanRecorder {
	if maxSpans <= 0 {
		maxSpans = defaultMaxSpans
	}
	return &spanRecorder{maxSpans: maxSpans}
}

// record stores a span. The first stored span is the root of the tree and
// does not count against maxSpans.
func (r *spanRecorder) record(s *Span) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.spans) > r.maxSpans {
		r.overflow++
		return false
	}
	r.spans = append(r.spans, s)
	return true
}

// children returns all recorded spans except the root, nil when there are none.
func (r *spanRecorder) children() []*Span {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.spans) < 2 {
		return nil
	}
	return append([]*Span(nil), r.spans[1:]...)
}

// dropped returns how many spans were refused once maxSpans was reached.
func (r *spanRecorder) dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.overflow
}
