package ratelimit

import "strings"

// Category classifies envelope items for rate limiting.
// The empty category CategoryAll applies to every item.
type Category string

const (
	CategoryAll         Category = ""
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySession     Category = "session"
	CategoryMonitor     Category = "monitor"
	CategoryStatsd      Category = "metric_bucket"
	CategoryAttachment  Category = "attachment"
	CategoryInternal    Category = "internal"
)

// String returns the category name, "all" for CategoryAll.
func (c Category) String() string {
	if c == CategoryAll {
		return "all"
	}
	return string(c)
}

// normalizeCategory maps aliases the server may send onto the categories
// used internally.
func normalizeCategory(category string) Category {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case "", "all":
		return CategoryAll
	case "default", "event":
		return CategoryError
	case "sessions":
		return CategorySession
	case "check_in":
		return CategoryMonitor
	case "statsd", "metric_bucket":
		return CategoryStatsd
	default:
		return Category(strings.ToLower(strings.TrimSpace(category)))
	}
}
