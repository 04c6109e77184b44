package sentry

import (
	"sort"

	"go.uber.org/zap"
)

// RPC exposes capture and trace propagation to workers. Every call works on
// its own clone of the plugin hub.
type RPC struct {
	plugin *Plugin
	logger *zap.Logger
}

// NewRPC creates a new RPC instance
func NewRPC(plugin *Plugin, logger *zap.Logger) *RPC {
	return &RPC{
		plugin: plugin,
		logger: logger,
	}
}

// CaptureMessage captures a message
func (r *RPC) CaptureMessage(in *MessageRequest, out *CaptureResponse) error {
	hub := r.hubFor(in.SentryTrace, in.Baggage)
	hub.ConfigureScope(func(scope *Scope) {
		applyRequestScope(scope, in.Tags, in.Extra, in.User, in.Transaction)
	})

	event := NewEvent()
	event.Message = in.Message
	event.Level = in.Level
	if event.Level == "" {
		event.Level = LevelInfo
	}

	r.plugin.metrics.IncCaptured("message")
	r.capture(hub, event, out)
	return nil
}

// CaptureException captures an exception chain
func (r *RPC) CaptureException(in *ExceptionRequest, out *CaptureResponse) error {
	hub := r.hubFor(in.SentryTrace, in.Baggage)
	hub.ConfigureScope(func(scope *Scope) {
		applyRequestScope(scope, in.Tags, in.Extra, in.User, in.Transaction)
	})

	event := NewEvent()
	event.Exception = in.Exceptions
	event.Level = in.Level
	if event.Level == "" {
		event.Level = LevelError
	}

	r.plugin.metrics.IncCaptured("exception")
	r.capture(hub, event, out)
	return nil
}

// CaptureCheckIn captures a monitor check-in
func (r *RPC) CaptureCheckIn(in *CheckInRequest, out *CaptureResponse) error {
	r.plugin.metrics.IncCaptured("check_in")

	id, err := r.plugin.hub.Clone().CaptureCheckIn(&CheckIn{
		ID:          EventID(in.ID),
		MonitorSlug: in.MonitorSlug,
		Status:      in.Status,
		Duration:    in.Duration,
	})
	fillResponse(out, id, err)
	if err != nil {
		r.logger.Error("failed to send check-in",
			zap.String("monitor_slug", in.MonitorSlug),
			zap.Error(err))
	}
	return nil
}

// ContinueTrace returns the headers a worker attaches to outgoing requests
// made on behalf of the incoming request
func (r *RPC) ContinueTrace(in *TraceRequest, out *TraceHeaders) error {
	hub := r.plugin.hub.Clone()
	hub.ContinueTrace(in.SentryTrace, in.Baggage)

	_, continued := ParseSentryTrace(in.SentryTrace)
	pc := hub.Scope().PropagationContext()

	*out = TraceHeaders{
		SentryTrace: hub.GetTraceparent(),
		Baggage:     hub.GetBaggage(),
		TraceID:     pc.TraceID.String(),
		SampleRand:  pc.SampleRand,
		Continued:   continued,
	}
	return nil
}

// Status returns delivery statistics
func (r *RPC) Status(_ bool, out *StatusResponse) error {
	client := r.plugin.client

	lost := make([]LostEvents, 0)
	for key, quantity := range client.LostEvents() {
		lost = append(lost, LostEvents{
			Reason:   string(key.Reason),
			Category: key.Category.String(),
			Quantity: quantity,
		})
	}
	sort.Slice(lost, func(i, j int) bool {
		if lost[i].Reason != lost[j].Reason {
			return lost[i].Reason < lost[j].Reason
		}
		return lost[i].Category < lost[j].Category
	})

	*out = StatusResponse{
		Sent:        client.SentCount(),
		QueueLength: client.QueueLength(),
		Lost:        lost,
		RateLimits:  client.RateLimits(),
	}
	return nil
}

func (r *RPC) hubFor(sentryTrace, baggage string) *Hub {
	hub := r.plugin.hub.Clone()
	if sentryTrace != "" {
		hub.ContinueTrace(sentryTrace, baggage)
	}
	return hub
}

func (r *RPC) capture(hub *Hub, event *Event, out *CaptureResponse) {
	id, err := hub.CaptureEvent(event)
	fillResponse(out, id, err)
	if err != nil {
		r.logger.Error("failed to send event",
			zap.String("event_id", string(event.EventID)),
			zap.Error(err))
		return
	}

	r.logger.Debug("event captured",
		zap.String("event_id", string(event.EventID)),
		zap.Bool("captured", id != nil))
}

func fillResponse(out *CaptureResponse, id *EventID, err error) {
	*out = CaptureResponse{Captured: id != nil}
	if id != nil {
		out.EventID = string(*id)
	}
	if err != nil {
		out.Error = err.Error()
	}
}

func applyRequestScope(scope *Scope, tags map[string]string, extra map[string]any, user *User, transaction string) {
	scope.SetTags(tags)
	scope.SetExtras(extra)
	if user != nil {
		scope.SetUser(*user)
	}
	if transaction != "" {
		scope.SetTransaction(transaction)
	}
}
