package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter is a Map shared between concurrent senders.
type Limiter struct {
	mu     sync.RWMutex
	limits Map
	now    func() time.Time
	logger *zap.Logger
}

// NewLimiter creates an empty limiter.
func NewLimiter(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		limits: make(Map),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the time source. Used by tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// IsRateLimited checks if the given category is currently rate limited.
func (l *Limiter) IsRateLimited(c Category) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.limits.IsRateLimited(c, l.now())
}

// DisabledUntil returns the time until which c is disabled, zero if it is not.
func (l *Limiter) DisabledUntil(c Category) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.limits.Deadline(c, l.now())
}

// Update merges the limits carried by resp.
func (l *Limiter) Update(resp *http.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits := FromResponse(resp, l.now())
	for c, d := range limits {
		l.logger.Warn("rate limit applied",
			zap.String("category", c.String()),
			zap.Time("disabled_until", d),
			zap.Int("status_code", resp.StatusCode))
	}
	l.limits.Merge(limits)
}

// Merge merges an already parsed map.
func (l *Limiter) Merge(limits Map) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits.Merge(limits)
}

// CleanupExpired removes expired rate limits.
func (l *Limiter) CleanupExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for c, d := range l.limits {
		if !d.After(now) {
			delete(l.limits, c)
		}
	}
}

// Status returns a copy of the current table.
func (l *Limiter) Status() map[string]time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()

	status := make(map[string]time.Time, len(l.limits))
	for c, d := range l.limits {
		status[c.String()] = d
	}
	return status
}
