package clientreport

// DiscardReason represents why an item was discarded.
type DiscardReason string

const (
	// ReasonQueueOverflow indicates the background queue was full.
	ReasonQueueOverflow DiscardReason = "queue_overflow"

	// ReasonRateLimitBackoff indicates the item was dropped due to server side rate limiting.
	ReasonRateLimitBackoff DiscardReason = "ratelimit_backoff"

	// ReasonBackoff indicates the client refused to send while backing off after failures.
	ReasonBackoff DiscardReason = "backoff"

	// ReasonBeforeSend indicates the item was dropped by a BeforeSend or BeforeSendTransaction callback.
	ReasonBeforeSend DiscardReason = "before_send"

	// ReasonEventProcessor indicates the item was dropped by an event processor.
	ReasonEventProcessor DiscardReason = "event_processor"

	// ReasonSampleRate indicates the item was dropped due to sampling.
	ReasonSampleRate DiscardReason = "sample_rate"

	// ReasonNetworkError indicates the HTTP request failed (connection error).
	ReasonNetworkError DiscardReason = "network_error"

	// ReasonSendError indicates HTTP returned an error status (4xx, 5xx).
	ReasonSendError DiscardReason = "send_error"

	// ReasonInternalError indicates an internal SDK error.
	ReasonInternalError DiscardReason = "internal_sdk_error"
)
