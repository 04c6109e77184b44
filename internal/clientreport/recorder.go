// Package clientreport counts items the SDK dropped and why.
package clientreport

import (
	"sort"
	"sync"
	"time"

	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// Recorder aggregates discarded items. Pending outcomes are drained into
// client reports; totals are kept for metrics.
type Recorder struct {
	mu      sync.Mutex
	pending map[OutcomeKey]int64
	totals  map[OutcomeKey]int64
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		pending: make(map[OutcomeKey]int64),
		totals:  make(map[OutcomeKey]int64),
	}
}

// Record counts quantity items of category discarded for reason.
func (r *Recorder) Record(reason DiscardReason, category ratelimit.Category, quantity int64) {
	if r == nil || quantity <= 0 {
		return
	}
	key := OutcomeKey{Reason: reason, Category: category}

	r.mu.Lock()
	r.pending[key] += quantity
	r.totals[key] += quantity
	r.mu.Unlock()
}

// Count returns the total number of items recorded for reason and category.
func (r *Recorder) Count(reason DiscardReason, category ratelimit.Category) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.totals[OutcomeKey{Reason: reason, Category: category}]
}

// Snapshot returns a copy of the totals.
func (r *Recorder) Snapshot() map[OutcomeKey]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[OutcomeKey]int64, len(r.totals))
	for k, v := range r.totals {
		snapshot[k] = v
	}
	return snapshot
}

// TakeReport drains pending outcomes. It returns nil when nothing was
// discarded since the previous call.
func (r *Recorder) TakeReport(now time.Time) *ClientReport {
	r.mu.Lock()
	pending := r.pending
	if len(pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.pending = make(map[OutcomeKey]int64)
	r.mu.Unlock()

	report := &ClientReport{
		Timestamp:       float64(now.UnixNano()) / float64(time.Second),
		DiscardedEvents: make([]DiscardedEvent, 0, len(pending)),
	}
	for k, v := range pending {
		report.DiscardedEvents = append(report.DiscardedEvents, DiscardedEvent{
			Reason:   k.Reason,
			Category: k.Category,
			Quantity: v,
		})
	}
	sort.Slice(report.DiscardedEvents, func(i, j int) bool {
		a, b := report.DiscardedEvents[i], report.DiscardedEvents[j]
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Category < b.Category
	})
	return report
}

// Restore puts the outcomes of a report that could not be delivered back
// into the pending set.
func (r *Recorder) Restore(report *ClientReport) {
	if report == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range report.DiscardedEvents {
		r.pending[OutcomeKey{Reason: e.Reason, Category: e.Category}] += e.Quantity
	}
}
