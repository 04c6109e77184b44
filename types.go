package sentry

import (
	"time"
)

// MessageRequest captures a message sent by a worker
type MessageRequest struct {
	Message     string            `json:"message"`
	Level       Level             `json:"level,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	User        *User             `json:"user,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
	SentryTrace string            `json:"sentry_trace,omitempty"`
	Baggage     string            `json:"baggage,omitempty"`
}

// ExceptionRequest captures an exception chain built on the worker side,
// innermost cause first
type ExceptionRequest struct {
	Exceptions  []Exception       `json:"exceptions"`
	Level       Level             `json:"level,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	User        *User             `json:"user,omitempty"`
	Transaction string            `json:"transaction,omitempty"`
	SentryTrace string            `json:"sentry_trace,omitempty"`
	Baggage     string            `json:"baggage,omitempty"`
}

// CheckInRequest captures a monitor check-in
type CheckInRequest struct {
	ID          string        `json:"check_in_id,omitempty"`
	MonitorSlug string        `json:"monitor_slug"`
	Status      CheckInStatus `json:"status"`
	Duration    float64       `json:"duration,omitempty"`
}

// TraceRequest carries the trace headers of an incoming request
type TraceRequest struct {
	SentryTrace string `json:"sentry_trace"`
	Baggage     string `json:"baggage"`
}

// TraceHeaders are the headers to attach to outgoing requests
type TraceHeaders struct {
	SentryTrace string  `json:"sentry_trace"`
	Baggage     string  `json:"baggage"`
	TraceID     string  `json:"trace_id"`
	SampleRand  float64 `json:"sample_rand"`
	Continued   bool    `json:"continued"`
}

// CaptureResponse represents the result of a capture
type CaptureResponse struct {
	EventID  string `json:"event_id,omitempty"`
	Captured bool   `json:"captured"`
	Error    string `json:"error,omitempty"`
}

// LostEvents is the number of items discarded for a reason and category
type LostEvents struct {
	Reason   string `json:"reason"`
	Category string `json:"category"`
	Quantity int64  `json:"quantity"`
}

// StatusResponse represents delivery statistics
type StatusResponse struct {
	Sent        int64                `json:"sent"`
	QueueLength int                  `json:"queue_length"`
	Lost        []LostEvents         `json:"lost"`
	RateLimits  map[string]time.Time `json:"rate_limits,omitempty"`
}
