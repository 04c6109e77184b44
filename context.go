package sentry

import (
	"context"
)

type hubContextKey struct{}

// HasHubOnContext checks whether a Hub instance is bound to ctx.
func HasHubOnContext(ctx context.Context) bool {
	_, ok := ctx.Value(hubContextKey{}).(*Hub)
	return ok
}

// GetHubFromContext returns the Hub bound to ctx, nil if there is none.
func GetHubFromContext(ctx context.Context) *Hub {
	if hub, ok := ctx.Value(hubContextKey{}).(*Hub); ok {
		return hub
	}
	return nil
}

// SetHubOnContext returns a copy of ctx carrying hub.
func SetHubOnContext(ctx context.Context, hub *Hub) context.Context {
	return context.WithValue(ctx, hubContextKey{}, hub)
}
