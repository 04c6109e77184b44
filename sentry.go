package sentry

import (
	"context"
	"time"
)

// currentHub is the hub used by the package level functions.
var currentHub = NewHub(nil, NewScope())

// Init creates a client from cfg and binds it to the current hub.
func Init(cfg Config) error {
	client, err := NewClient(cfg)
	if err != nil {
		return err
	}
	CurrentHub().BindClient(client)
	return nil
}

// CurrentHub returns the package level hub.
func CurrentHub() *Hub {
	return currentHub
}

// CaptureException captures err on the current hub.
func CaptureException(exception error) (*EventID, error) {
	return CurrentHub().CaptureException(exception)
}

// CaptureMessage captures message on the current hub.
func CaptureMessage(message string) (*EventID, error) {
	return CurrentHub().CaptureMessage(message)
}

// CaptureEvent captures event on the current hub.
func CaptureEvent(event *Event) (*EventID, error) {
	return CurrentHub().CaptureEvent(event)
}

// AddBreadcrumb records a breadcrumb on the current hub.
func AddBreadcrumb(breadcrumb *Breadcrumb) {
	CurrentHub().AddBreadcrumb(breadcrumb, nil)
}

// ConfigureScope runs f on the scope of the current hub.
func ConfigureScope(f func(scope *Scope)) {
	CurrentHub().ConfigureScope(f)
}

// WithScope runs f on a temporary scope of the current hub.
func WithScope(f func(scope *Scope)) {
	CurrentHub().WithScope(f)
}

// Flush waits for queued events of the current hub until timeout passes.
func Flush(timeout time.Duration) bool {
	return CurrentHub().Flush(timeout)
}

// Close drains and closes the client of the current hub.
func Close(timeout time.Duration) error {
	client := CurrentHub().Client()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return client.Close(ctx)
}
