package sentry

import (
	"sync"

	"go.uber.org/zap"
)

// EventProcessor may enrich an event or drop it by returning nil.
type EventProcessor func(event *Event, hint *EventHint) *Event

// Scope holds the contextual data of one unit of work. A scope belongs to a
// single Hub; forks get a Clone.
type Scope struct {
	mu          sync.RWMutex
	breadcrumbs *BreadcrumbBuffer
	user        User
	tags        map[string]string
	contexts    map[string]map[string]any
	extra       map[string]any
	fingerprint []string
	level       Level
	transaction string
	request     *Request
	requestEnv  map[string]any
	span        *Span

	propagationContext PropagationContext
	eventProcessors    []EventProcessor
}

// NewScope creates an empty scope on a fresh trace.
func NewScope() *Scope {
	return &Scope{
		breadcrumbs:        NewBreadcrumbBuffer(defaultMaxBreadcrumbs),
		tags:               make(map[string]string),
		contexts:           make(map[string]map[string]any),
		extra:              make(map[string]any),
		propagationContext: NewPropagationContext(),
	}
}

// AddBreadcrumb records a breadcrumb, keeping at most limit of them.
func (s *Scope) AddBreadcrumb(breadcrumb *Breadcrumb, limit int) {
	if limit <= 0 || breadcrumb == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breadcrumbs.Capacity() != limit {
		resized := NewBreadcrumbBuffer(limit)
		for _, b := range s.breadcrumbs.Breadcrumbs() {
			resized.Record(b)
		}
		s.breadcrumbs = resized
	}
	s.breadcrumbs.Record(breadcrumb)
}

// Breadcrumbs returns the recorded breadcrumbs, oldest first.
func (s *Scope) Breadcrumbs() []*Breadcrumb {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.breadcrumbs.Breadcrumbs()
}

// ClearBreadcrumbs clears all breadcrumbs from the current scope.
func (s *Scope) ClearBreadcrumbs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breadcrumbs.Clear()
}

// SetUser sets the user for the current scope.
func (s *Scope) SetUser(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
}

// User returns the user of the scope.
func (s *Scope) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.user
}

// SetTag adds a tag to the current scope.
func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tags[key] = value
}

// SetTags assigns multiple tags to the current scope.
func (s *Scope) SetTags(tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tags {
		s.tags[k] = v
	}
}

// RemoveTag removes a tag from the current scope.
func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tags, key)
}

// Tags returns a copy of the tags.
func (s *Scope) Tags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMap(s.tags)
}

// SetContext adds a context to the current scope.
func (s *Scope) SetContext(key string, value map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contexts[key] = value
}

// RemoveContext removes a context from the current scope.
func (s *Scope) RemoveContext(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.contexts, key)
}

// SetExtra adds an extra to the current scope.
func (s *Scope) SetExtra(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.extra[key] = value
}

// SetExtras assigns multiple extras to the current scope.
func (s *Scope) SetExtras(extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range extra {
		s.extra[k] = v
	}
}

// RemoveExtra removes an extra from the current scope.
func (s *Scope) RemoveExtra(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.extra, key)
}

// Extra returns a copy of the extras.
func (s *Scope) Extra() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneMap(s.extra)
}

// SetFingerprint sets new fingerprint for the current scope.
func (s *Scope) SetFingerprint(fingerprint []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fingerprint = fingerprint
}

// SetLevel sets a level that overrides the level of captured events.
func (s *Scope) SetLevel(level Level) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
}

// SetTransaction sets the transaction name for the current scope.
func (s *Scope) SetTransaction(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transaction = name
}

// Transaction returns the transaction name for the current scope.
func (s *Scope) Transaction() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.transaction
}

// SetRequest sets the request for the current scope.
func (s *Scope) SetRequest(r *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.request = r
}

// SetRequestEnv stores a snapshot of the request environment, attached to
// events as the "request_env" context.
func (s *Scope) SetRequestEnv(env map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requestEnv = env
}

// SetSpan sets the active span.
func (s *Scope) SetSpan(span *Span) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.span = span
}

// GetSpan returns the active span, nil if there is none.
func (s *Scope) GetSpan() *Span {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.span
}

// SetPropagationContext replaces the trace the scope belongs to.
func (s *Scope) SetPropagationContext(pc PropagationContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.propagationContext = pc
}

// PropagationContext returns the trace the scope belongs to.
func (s *Scope) PropagationContext() PropagationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.propagationContext
}

// traceHeaders returns the outgoing sentry-trace and baggage values.
func (s *Scope) traceHeaders(client *Client) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.span != nil {
		return s.span.ToSentryTrace(), s.span.ToBaggage()
	}
	return s.propagationContext.Traceparent(), s.propagationContext.dynamicSamplingContext(client).String()
}

// AddEventProcessor adds an event processor to the current scope.
func (s *Scope) AddEventProcessor(processor EventProcessor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventProcessors = append(s.eventProcessors, processor)
}

// Clone returns a copy of the scope. Maps and breadcrumbs are copied, the
// active span is shared.
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Scope{
		breadcrumbs:        s.breadcrumbs.Clone(),
		user:               s.user,
		tags:               cloneMap(s.tags),
		contexts:           make(map[string]map[string]any, len(s.contexts)),
		extra:              cloneMap(s.extra),
		fingerprint:        append([]string(nil), s.fingerprint...),
		level:              s.level,
		transaction:        s.transaction,
		request:            s.request,
		requestEnv:         cloneMap(s.requestEnv),
		span:               s.span,
		propagationContext: s.propagationContext,
		eventProcessors:    append([]EventProcessor(nil), s.eventProcessors...),
	}
	for k, v := range s.contexts {
		clone.contexts[k] = cloneMap(v)
	}
	if s.user.Data != nil {
		clone.user.Data = cloneMap(s.user.Data)
	}
	clone.propagationContext.Baggage = s.propagationContext.Baggage.Clone()

	return clone
}

// Clear removes the data of the scope and starts a fresh trace.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breadcrumbs = NewBreadcrumbBuffer(s.breadcrumbs.Capacity())
	s.user = User{}
	s.tags = make(map[string]string)
	s.contexts = make(map[string]map[string]any)
	s.extra = make(map[string]any)
	s.fingerprint = nil
	s.level = ""
	s.transaction = ""
	s.request = nil
	s.requestEnv = nil
	s.span = nil
	s.propagationContext = NewPropagationContext()
	s.eventProcessors = nil
}

// ApplyToEvent merges the scope into event. Values already set on the event
// win. It returns nil when a scope event processor drops the event.
func (s *Scope) ApplyToEvent(event *Event, hint *EventHint, client *Client) *Event {
	s.mu.Lock()

	if crumbs := s.breadcrumbs.Breadcrumbs(); len(crumbs) > 0 {
		event.Breadcrumbs = append(event.Breadcrumbs, crumbs...)
	}

	if len(s.tags) > 0 {
		if event.Tags == nil {
			event.Tags = make(map[string]string, len(s.tags))
		}
		for k, v := range s.tags {
			if _, ok := event.Tags[k]; !ok {
				event.Tags[k] = v
			}
		}
	}

	if len(s.contexts) > 0 {
		if event.Contexts == nil {
			event.Contexts = make(map[string]map[string]any)
		}
		for k, v := range s.contexts {
			if _, ok := event.Contexts[k]; !ok {
				event.Contexts[k] = cloneMap(v)
			}
		}
	}

	if len(s.extra) > 0 {
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(s.extra))
		}
		for k, v := range s.extra {
			if _, ok := event.Extra[k]; !ok {
				event.Extra[k] = v
			}
		}
	}

	if event.User.IsEmpty() {
		event.User = s.user
	}
	if len(event.Fingerprint) == 0 && len(s.fingerprint) > 0 {
		event.Fingerprint = append([]string(nil), s.fingerprint...)
	}
	if s.level != "" {
		event.Level = s.level
	}
	if event.Transaction == "" && s.transaction != "" {
		event.Transaction = s.transaction
	}
	if event.Request == nil && s.request != nil {
		event.Request = s.request
	}
	if len(s.requestEnv) > 0 {
		if event.Contexts == nil {
			event.Contexts = make(map[string]map[string]any)
		}
		if _, ok := event.Contexts["request_env"]; !ok {
			event.Contexts["request_env"] = cloneMap(s.requestEnv)
		}
	}

	if event.Type != transactionType {
		if event.Contexts == nil {
			event.Contexts = make(map[string]map[string]any)
		}
		if s.span != nil {
			if _, ok := event.Contexts["trace"]; !ok {
				event.Contexts["trace"] = s.span.traceContext()
			}
			if event.dsc == nil {
				event.dsc = s.span.dynamicSamplingContext()
			}
		} else {
			if _, ok := event.Contexts["trace"]; !ok {
				event.Contexts["trace"] = s.propagationContext.traceContext()
			}
			if event.dsc == nil {
				event.dsc = s.propagationContext.dynamicSamplingContext(client)
			}
		}
	}

	processors := append([]EventProcessor(nil), s.eventProcessors...)
	s.mu.Unlock()

	logger := zap.NewNop()
	if client != nil {
		logger = client.logger
	}
	for _, processor := range processors {
		event = runEventProcessor(processor, event, hint, logger)
		if event == nil {
			return nil
		}
	}

	return event
}

// runEventProcessor calls processor. A panicking processor leaves the event
// unchanged.
func runEventProcessor(processor EventProcessor, event *Event, hint *EventHint, logger *zap.Logger) (result *Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event processor panicked, keeping the event",
				zap.String("event_id", string(event.EventID)),
				zap.Any("panic", r),
				zap.Stack("stack"))
			result = event
		}
	}()
	return processor(event, hint)
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	clone := make(map[K]V, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
