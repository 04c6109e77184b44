package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultRetryAfter is used when the server does not say how long to wait.
const defaultRetryAfter = 60 * time.Second

// parseXSentryRateLimits parses the X-Sentry-Rate-Limits header.
// Format: "retry_after:categories:scope:reason_code:namespaces", limits are
// comma separated and categories are semicolon separated.
func parseXSentryRateLimits(header string, now time.Time) Map {
	limits := make(Map)
	for _, limit := range strings.Split(header, ",") {
		limit = strings.TrimSpace(limit)
		if limit == "" {
			continue
		}
		parts := strings.Split(limit, ":")

		deadline := now.Add(parseSeconds(parts[0]))

		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			limits.Merge(Map{CategoryAll: deadline})
			continue
		}
		for _, category := range strings.Split(parts[1], ";") {
			limits.Merge(Map{normalizeCategory(category): deadline})
		}
	}
	return limits
}

// parseRetryAfter parses the Retry-After header, either delay seconds or an
// HTTP date.
func parseRetryAfter(header string, now time.Time) time.Time {
	header = strings.TrimSpace(header)
	if header == "" {
		return now.Add(defaultRetryAfter)
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds >= 0 {
		return now.Add(time.Duration(seconds * float64(time.Second)))
	}
	if date, err := http.ParseTime(header); err == nil {
		return date
	}
	return now.Add(defaultRetryAfter)
}

func parseSeconds(s string) time.Duration {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || seconds < 0 {
		return defaultRetryAfter
	}
	return time.Duration(seconds * float64(time.Second))
}
