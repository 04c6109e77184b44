package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, headers map[string]string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: make(http.Header)}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestParseXSentryRateLimits(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("two clauses", func(t *testing.T) {
		limits := parseXSentryRateLimits("42:error:organization, 4711:transaction;security:project", now)

		assert.Equal(t, now.Add(42*time.Second), limits[CategoryError])
		assert.Equal(t, now.Add(4711*time.Second), limits[CategoryTransaction])
		assert.Equal(t, now.Add(4711*time.Second), limits[Category("security")])

		assert.True(t, limits.IsRateLimited(CategoryError, now.Add(41*time.Second)))
		assert.False(t, limits.IsRateLimited(CategoryError, now.Add(42*time.Second)))
		assert.True(t, limits.IsRateLimited(CategoryTransaction, now.Add(4000*time.Second)))
		assert.False(t, limits.IsRateLimited(CategorySession, now))
		assert.False(t, limits.IsRateLimited(CategoryMonitor, now))
	})

	t.Run("empty categories limit everything", func(t *testing.T) {
		limits := parseXSentryRateLimits("60::organization", now)

		require.Contains(t, limits, CategoryAll)
		assert.True(t, limits.IsRateLimited(CategoryError, now))
		assert.True(t, limits.IsRateLimited(CategoryMonitor, now))
	})

	t.Run("invalid seconds fall back to default", func(t *testing.T) {
		limits := parseXSentryRateLimits("soon:error", now)

		assert.Equal(t, now.Add(defaultRetryAfter), limits[CategoryError])
	})

	t.Run("duplicate category keeps longest", func(t *testing.T) {
		limits := parseXSentryRateLimits("10:error, 5:error", now)

		assert.Equal(t, now.Add(10*time.Second), limits[CategoryError])
	})
}

func TestFromResponse(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		status   int
		headers  map[string]string
		expected Map
	}{
		{
			name:     "no headers on success",
			status:   http.StatusOK,
			expected: Map{},
		},
		{
			name:     "retry after seconds",
			status:   http.StatusTooManyRequests,
			headers:  map[string]string{"Retry-After": "30"},
			expected: Map{CategoryAll: now.Add(30 * time.Second)},
		},
		{
			name:     "429 without headers",
			status:   http.StatusTooManyRequests,
			expected: Map{CategoryAll: now.Add(defaultRetryAfter)},
		},
		{
			name:   "structured header wins over retry after",
			status: http.StatusTooManyRequests,
			headers: map[string]string{
				"Retry-After":          "1000",
				"X-Sentry-Rate-Limits": "50:transaction",
			},
			expected: Map{CategoryTransaction: now.Add(50 * time.Second)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FromResponse(response(tt.status, tt.headers), now))
		})
	}
}

func TestLimiterNeverShrinks(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(nil)
	l.SetClock(func() time.Time { return now })

	l.Update(response(http.StatusTooManyRequests, map[string]string{"X-Sentry-Rate-Limits": "100:error"}))
	l.Update(response(http.StatusTooManyRequests, map[string]string{"X-Sentry-Rate-Limits": "10:error"}))
	assert.Equal(t, now.Add(100*time.Second), l.DisabledUntil(CategoryError))

	l.Update(response(http.StatusTooManyRequests, map[string]string{"X-Sentry-Rate-Limits": "200:error"}))
	assert.Equal(t, now.Add(200*time.Second), l.DisabledUntil(CategoryError))

	assert.True(t, l.IsRateLimited(CategoryError))
	assert.False(t, l.IsRateLimited(CategoryTransaction))
}

func TestLimiterCleanupExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewLimiter(nil)
	l.SetClock(func() time.Time { return now })
	l.Merge(Map{CategoryError: now.Add(time.Second), CategoryTransaction: now.Add(time.Hour)})

	now = now.Add(2 * time.Second)
	l.CleanupExpired()

	status := l.Status()
	assert.NotContains(t, status, "error")
	assert.Contains(t, status, "transaction")
}
