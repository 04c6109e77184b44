// Package ratelimit keeps the table of server imposed rate limits and parses
// the response headers that update it.
package ratelimit

import (
	"net/http"
	"time"
)

// Map maps categories to the time until which they are limited.
// It is not safe for concurrent use, see Limiter.
type Map map[Category]time.Time

// IsRateLimited reports whether c, or every category, is limited at now.
func (m Map) IsRateLimited(c Category, now time.Time) bool {
	return m.Deadline(c, now).After(now)
}

// Deadline returns the latest of the deadline for c and the deadline for all
// categories. The zero time is returned when neither is in the future.
func (m Map) Deadline(c Category, now time.Time) time.Time {
	var deadline time.Time
	if d, ok := m[c]; ok && d.After(now) {
		deadline = d
	}
	if c != CategoryAll {
		if d, ok := m[CategoryAll]; ok && d.After(now) && d.After(deadline) {
			deadline = d
		}
	}
	return deadline
}

// Merge copies deadlines from other, keeping the later one when both maps
// know a category. A stored deadline is never moved backwards.
func (m Map) Merge(other Map) {
	for c, d := range other {
		if existing, ok := m[c]; !ok || d.After(existing) {
			m[c] = d
		}
	}
}

// FromResponse parses the rate limits carried by an HTTP response.
// The structured X-Sentry-Rate-Limits header wins; Retry-After is only
// consulted when it is absent.
func FromResponse(resp *http.Response, now time.Time) Map {
	if header := resp.Header.Get("X-Sentry-Rate-Limits"); header != "" {
		return parseXSentryRateLimits(header, now)
	}
	header := resp.Header.Get("Retry-After")
	if header == "" && resp.StatusCode != http.StatusTooManyRequests {
		return Map{}
	}
	return Map{CategoryAll: parseRetryAfter(header, now)}
}
