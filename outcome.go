package sentry

import (
	"github.com/your-org/roadrunner-sentry/internal/clientreport"
)

// outcome is the result of the capture pipeline: either an event to send
// or the reason it was discarded. Discarding is not an error.
type outcome struct {
	event  *Event
	reason clientreport.DiscardReason
}

func keep(event *Event) outcome {
	return outcome{event: event}
}

func discard(reason clientreport.DiscardReason) outcome {
	return outcome{reason: reason}
}

func (o outcome) discarded() bool {
	return o.event == nil
}
