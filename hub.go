package sentry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type layer struct {
	mu     sync.RWMutex
	client *Client
	scope  *Scope
}

func (l *layer) Client() *Client {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.client
}

func (l *layer) SetClient(c *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.client = c
}

type stack []*layer

// Hub binds a client to a stack of scopes. A hub is owned by one goroutine;
// use Clone to hand one to another goroutine.
type Hub struct {
	mu          sync.RWMutex
	stack       *stack
	lastEventID EventID
}

// NewHub returns a Hub with the given client and scope.
func NewHub(client *Client, scope *Scope) *Hub {
	if scope == nil {
		scope = NewScope()
	}
	return &Hub{
		stack: &stack{{
			client: client,
			scope:  scope,
		}},
	}
}

func (hub *Hub) stackTop() *layer {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	stack := *hub.stack
	return stack[len(stack)-1]
}

// Clone returns a hub with a single layer holding a copy of the current
// scope and the same client.
func (hub *Hub) Clone() *Hub {
	top := hub.stackTop()
	scope := top.scope
	if scope != nil {
		scope = scope.Clone()
	}
	return NewHub(top.Client(), scope)
}

// Client returns the client of the current layer, nil on a nil hub.
func (hub *Hub) Client() *Client {
	if hub == nil {
		return nil
	}
	return hub.stackTop().Client()
}

// Scope returns the scope of the current layer.
func (hub *Hub) Scope() *Scope {
	return hub.stackTop().scope
}

// BindClient binds a new client to the current layer.
func (hub *Hub) BindClient(client *Client) {
	hub.stackTop().SetClient(client)
}

// PushScope pushes a copy of the current scope and returns it.
func (hub *Hub) PushScope() *Scope {
	top := hub.stackTop()

	var scope *Scope
	if top.scope != nil {
		scope = top.scope.Clone()
	} else {
		scope = NewScope()
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	*hub.stack = append(*hub.stack, &layer{
		client: top.Client(),
		scope:  scope,
	})

	return scope
}

// PopScope drops the most recent scope. The last scope is never popped.
func (hub *Hub) PopScope() {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	stack := *hub.stack
	if len(stack) > 1 {
		stack[len(stack)-1] = nil
		*hub.stack = stack[:len(stack)-1]
	}
}

// WithScope runs f on a temporary scope that is popped when f returns.
func (hub *Hub) WithScope(f func(scope *Scope)) {
	scope := hub.PushScope()
	defer hub.PopScope()
	f(scope)
}

// ConfigureScope runs f on the current scope.
func (hub *Hub) ConfigureScope(f func(scope *Scope)) {
	f(hub.Scope())
}

// LastEventID returns the ID of the last event captured through the hub.
func (hub *Hub) LastEventID() EventID {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	return hub.lastEventID
}

func (hub *Hub) setLastEventID(id *EventID) {
	if id == nil {
		return
	}
	hub.mu.Lock()
	hub.lastEventID = *id
	hub.mu.Unlock()
}

// CaptureEvent captures event on the current scope.
func (hub *Hub) CaptureEvent(event *Event) (*EventID, error) {
	client, scope := hub.Client(), hub.Scope()
	if client == nil {
		return nil, nil
	}
	id, err := client.CaptureEvent(event, nil, scope)
	hub.setLastEventID(id)
	return id, err
}

// CaptureMessage captures message on the current scope.
func (hub *Hub) CaptureMessage(message string) (*EventID, error) {
	client, scope := hub.Client(), hub.Scope()
	if client == nil {
		return nil, nil
	}
	id, err := client.CaptureMessage(message, nil, scope)
	hub.setLastEventID(id)
	return id, err
}

// CaptureException captures err on the current scope.
func (hub *Hub) CaptureException(exception error) (*EventID, error) {
	client, scope := hub.Client(), hub.Scope()
	if client == nil {
		return nil, nil
	}
	id, err := client.CaptureException(exception, &EventHint{OriginalException: exception}, scope)
	hub.setLastEventID(id)
	return id, err
}

// CaptureCheckIn captures a monitor check-in.
func (hub *Hub) CaptureCheckIn(checkIn *CheckIn) (*EventID, error) {
	client, scope := hub.Client(), hub.Scope()
	if client == nil {
		return nil, nil
	}
	return client.CaptureCheckIn(checkIn, scope)
}

// CaptureMetricsBatch sends a batch of statsd lines.
func (hub *Hub) CaptureMetricsBatch(statsd string) (*EventID, error) {
	client := hub.Client()
	if client == nil {
		return nil, nil
	}
	return client.CaptureMetricsBatch(statsd)
}

// AddBreadcrumb records a breadcrumb on the current scope after passing it
// through BeforeBreadcrumb.
func (hub *Hub) AddBreadcrumb(breadcrumb *Breadcrumb, hint *BreadcrumbHint) {
	if breadcrumb == nil {
		return
	}
	client := hub.Client()

	limit := defaultMaxBreadcrumbs
	if client != nil {
		limit = client.cfg.MaxBreadcrumbs
	}
	if limit <= 0 {
		return
	}

	if breadcrumb.Timestamp.IsZero() {
		breadcrumb.Timestamp = time.Now()
	}
	if hint == nil {
		hint = &BreadcrumbHint{}
	}

	if client != nil && client.cfg.BeforeBreadcrumb != nil {
		if breadcrumb = client.beforeBreadcrumb(breadcrumb, hint); breadcrumb == nil {
			client.logger.Debug("breadcrumb dropped by before_breadcrumb")
			return
		}
	}

	hub.Scope().AddBreadcrumb(breadcrumb, limit)
}

// StartTransaction starts a transaction bound to this hub and makes it the
// active span of the current scope.
func (hub *Hub) StartTransaction(ctx context.Context, name string, options ...SpanOption) *Span {
	span := StartTransaction(SetHubOnContext(ctx, hub), name, options...)
	hub.Scope().SetSpan(span)
	return span
}

// FinishTransaction finishes span and returns the id of the captured
// transaction. Inline delivery errors are returned.
func (hub *Hub) FinishTransaction(span *Span) (*EventID, error) {
	if span == nil {
		return nil, nil
	}
	scope := hub.Scope()
	if scope.GetSpan() == span {
		scope.SetSpan(nil)
	}
	return span.finish()
}

// ContinueTrace makes the current scope join the trace described by the
// incoming headers and returns the option that continues it in a new
// transaction.
func (hub *Hub) ContinueTrace(sentryTrace, baggageHeader string) SpanOption {
	pc, ok := PropagationContextFromHeaders(sentryTrace, baggageHeader)
	if !ok {
		if client := hub.Client(); client != nil && sentryTrace != "" {
			client.logger.Debug("invalid sentry-trace header, starting a new trace",
				zap.String("sentry_trace", sentryTrace))
		}
	}
	option := ContinueFromPropagationContext(pc)
	pc.Baggage = pc.Baggage.Clone()
	hub.Scope().SetPropagationContext(pc)

	return option
}

// GetTraceparent returns the sentry-trace value for outgoing requests.
func (hub *Hub) GetTraceparent() string {
	traceparent, _ := hub.Scope().traceHeaders(hub.Client())
	return traceparent
}

// GetBaggage returns the baggage value for outgoing requests.
func (hub *Hub) GetBaggage() string {
	_, baggage := hub.Scope().traceHeaders(hub.Client())
	return baggage
}

// Flush waits until the queued events are sent or timeout passes.
func (hub *Hub) Flush(timeout time.Duration) bool {
	client := hub.Client()
	if client == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return client.Flush(ctx)
}
