package sentry

import (
	"time"
)

const (
	defaultMaxBreadcrumbs = 100
	maxBreadcrumbs        = 100
)

// Breadcrumb specifies an application event that occurred before a Sentry event.
type Breadcrumb struct {
	Type      string         `json:"type,omitempty"`
	Category  string         `json:"category,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Level     Level          `json:"level,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BreadcrumbHint contains information that can be associated with a Breadcrumb.
type BreadcrumbHint map[string]any

// BreadcrumbBuffer is a fixed capacity, insertion ordered ring of breadcrumbs.
// The oldest breadcrumb is evicted first.
type BreadcrumbBuffer struct {
	buf   []*Breadcrumb
	start int
	size  int
}

// NewBreadcrumbBuffer creates a buffer holding at most capacity breadcrumbs.
func NewBreadcrumbBuffer(capacity int) *BreadcrumbBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &BreadcrumbBuffer{buf: make([]*Breadcrumb, capacity)}
}

// Capacity returns the maximum number of breadcrumbs held.
func (b *BreadcrumbBuffer) Capacity() int {
	return len(b.buf)
}

// Len returns the number of breadcrumbs held.
func (b *BreadcrumbBuffer) Len() int {
	return b.size
}

// Record appends crumb, evicting the oldest one when the buffer is full.
func (b *BreadcrumbBuffer) Record(crumb *Breadcrumb) {
	if len(b.buf) == 0 || crumb == nil {
		return
	}
	if b.size < len(b.buf) {
		b.buf[(b.start+b.size)%len(b.buf)] = crumb
		b.size++
		return
	}
	b.buf[b.start] = crumb
	b.start = (b.start + 1) % len(b.buf)
}

// Breadcrumbs returns the held breadcrumbs, oldest first.
func (b *BreadcrumbBuffer) Breadcrumbs() []*Breadcrumb {
	if b.size == 0 {
		return nil
	}
	out := make([]*Breadcrumb, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[(b.start+i)%len(b.buf)])
	}
	return out
}

// Clear drops all breadcrumbs.
func (b *BreadcrumbBuffer) Clear() {
	for i := range b.buf {
		b.buf[i] = nil
	}
	b.start, b.size = 0, 0
}

// Clone returns an independent copy. Breadcrumbs themselves are shared as
// they are not modified after being recorded.
func (b *BreadcrumbBuffer) Clone() *BreadcrumbBuffer {
	clone := &BreadcrumbBuffer{
		buf:   make([]*Breadcrumb, len(b.buf)),
		start: b.start,
		size:  b.size,
	}
	copy(clone.buf, b.buf)
	return clone
}
