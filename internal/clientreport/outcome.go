package clientreport

import (
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// OutcomeKey uniquely identifies an outcome bucket for aggregation.
type OutcomeKey struct {
	Reason   DiscardReason
	Category ratelimit.Category
}

// DiscardedEvent represents a single discard event outcome for the OutcomeKey.
type DiscardedEvent struct {
	Reason   DiscardReason      `json:"reason"`
	Category ratelimit.Category `json:"category"`
	Quantity int64              `json:"quantity"`
}

// ClientReport is the payload of a client_report envelope item.
type ClientReport struct {
	Timestamp       float64          `json:"timestamp"`
	DiscardedEvents []DiscardedEvent `json:"discarded_events"`
}
