package sentry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClientState tracks failed sends and decides whether the client may
// attempt another one. Shared by inline and background sends.
type ClientState struct {
	mu         sync.Mutex
	failures   int
	retryAfter time.Time

	base time.Duration
	max  time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// NewClientState creates a state that allows sending immediately.
func NewClientState(cfg BackoffConfig, logger *zap.Logger) *ClientState {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	return &ClientState{
		base:   cfg.Base,
		max:    cfg.Max,
		now:    time.Now,
		logger: logger,
	}
}

// ShouldTry reports whether a send may be attempted now.
func (s *ClientState) ShouldTry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.now().Before(s.retryAfter)
}

// Failure records a failed send and pushes retryAfter out by
// min(max, base * 2^(failures-1)).
func (s *ClientState) Failure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	backoff := s.backoff(s.failures)
	retryAfter := s.now().Add(backoff)
	if retryAfter.After(s.retryAfter) {
		s.retryAfter = retryAfter
	}

	s.logger.Debug("send failed, backing off",
		zap.Int("failures", s.failures),
		zap.Duration("backoff", backoff),
		zap.Time("retry_after", s.retryAfter))
}

// Success resets the state.
func (s *ClientState) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
	s.retryAfter = time.Time{}
}

// RetryAfter returns the time before which no send is attempted.
func (s *ClientState) RetryAfter() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryAfter
}

// Failures returns the number of consecutive failed sends.
func (s *ClientState) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failures
}

func (s *ClientState) backoff(failures int) time.Duration {
	backoff := s.base
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= s.max || backoff <= 0 {
			return s.max
		}
	}
	if backoff > s.max {
		return s.max
	}
	return backoff
}
