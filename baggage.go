package sentry

import (
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/baggage"
)

const (
	baggageHeader       = "baggage"
	sentryBaggagePrefix = "sentry-"
)

// Baggage holds the sentry- prefixed members of a W3C baggage header in
// insertion order, plus the third-party members to pass along untouched.
//
// Baggage received from an upstream service is frozen: its sentry values
// belong to the head of the trace and are propagated as received.
type Baggage struct {
	keys       []string
	items      map[string]string
	thirdParty []string
	mutable    bool
}

// NewBaggage creates an empty, mutable baggage.
func NewBaggage() *Baggage {
	return &Baggage{items: make(map[string]string), mutable: true}
}

// BaggageFromHeader parses an incoming baggage header. The result is frozen
// when the header carries at least one sentry member.
func BaggageFromHeader(header string) *Baggage {
	b := NewBaggage()

	for _, raw := range strings.Split(header, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		key, value, ok := parseBaggageMember(raw)
		if !ok {
			continue
		}
		if !strings.HasPrefix(key, sentryBaggagePrefix) {
			b.thirdParty = append(b.thirdParty, raw)
			continue
		}
		b.set(strings.TrimPrefix(key, sentryBaggagePrefix), value)
	}

	b.mutable = len(b.keys) == 0
	return b
}

// parseBaggageMember parses one list member. Members the W3C parser rejects
// (for example values with spaces) are split by hand.
func parseBaggageMember(raw string) (string, string, bool) {
	if parsed, err := baggage.Parse(raw); err == nil {
		members := parsed.Members()
		if len(members) == 1 {
			return members[0].Key(), members[0].Value(), true
		}
	}

	kv, _, _ := strings.Cut(raw, ";")
	key, value, ok := strings.Cut(kv, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	decoded, err := url.PathUnescape(strings.TrimSpace(value))
	if err != nil {
		decoded = strings.TrimSpace(value)
	}
	return key, decoded, true
}

// Get returns the value of a sentry key (without the sentry- prefix).
func (b *Baggage) Get(key string) (string, bool) {
	if b == nil {
		return "", false
	}
	v, ok := b.items[key]
	return v, ok
}

// Set stores key when the baggage is mutable. It reports whether the value was stored.
func (b *Baggage) Set(key, value string) bool {
	if !b.mutable {
		return false
	}
	b.set(key, value)
	return true
}

// setIfMissing fills in a key even on frozen baggage. Only used for values
// the head may have omitted but that are derived deterministically, like
// sample_rand.
func (b *Baggage) setIfMissing(key, value string) {
	if _, ok := b.items[key]; ok {
		return
	}
	b.set(key, value)
}

func (b *Baggage) set(key, value string) {
	if _, ok := b.items[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.items[key] = value
}

// Freeze makes the baggage immutable.
func (b *Baggage) Freeze() {
	b.mutable = false
}

// IsMutable reports whether sentry values may still be changed.
func (b *Baggage) IsMutable() bool {
	return b != nil && b.mutable
}

// Items returns a copy of the sentry values.
func (b *Baggage) Items() map[string]string {
	if b == nil {
		return nil
	}
	items := make(map[string]string, len(b.items))
	for k, v := range b.items {
		items[k] = v
	}
	return items
}

// Clone returns an independent copy with the same mutability.
func (b *Baggage) Clone() *Baggage {
	if b == nil {
		return nil
	}
	clone := &Baggage{
		keys:       append([]string(nil), b.keys...),
		items:      b.Items(),
		thirdParty: append([]string(nil), b.thirdParty...),
		mutable:    b.mutable,
	}
	return clone
}

// SentryItems serializes only the sentry members.
func (b *Baggage) SentryItems() string {
	parts := make([]string, 0, len(b.keys))
	for _, k := range b.keys {
		parts = append(parts, sentryBaggagePrefix+k+"="+escapeBaggageValue(b.items[k]))
	}
	return strings.Join(parts, ",")
}

// String serializes the baggage header: sentry members first, then the
// third-party members as received.
func (b *Baggage) String() string {
	if b == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if s := b.SentryItems(); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, b.thirdParty...)
	return strings.Join(parts, ",")
}

// escapeBaggageValue percent-encodes everything outside the W3C baggage-octet range.
func escapeBaggageValue(v string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c > 0x20 && c < 0x7f && c != '"' && c != ',' && c != ';' && c != '\\' && c != '%' {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}
