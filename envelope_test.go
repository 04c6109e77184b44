package sentry

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

func TestEnvelopeSerialize(t *testing.T) {
	dsn, err := ParseDSN("https://public@sentry.example.com/42")
	require.NoError(t, err)

	event := NewEvent()
	event.EventID = "9ec79c33ec9942ab8353589fcb2e04dc"
	event.Message = "hello"
	event.dsc = BaggageFromHeader("sentry-trace_id=" + testTraceHex + ",sentry-public_key=public")

	envelope, err := NewEnvelopeFromEvent(event, dsn, SdkInfo{Name: SDKName, Version: SDKVersion})
	require.NoError(t, err)
	envelope.Header.SentAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	data, err := envelope.Serialize()
	require.NoError(t, err)

	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 4, "header, item header, payload and the trailing newline")
	assert.Empty(t, lines[3])

	var header map[string]any
	require.NoError(t, sonic.UnmarshalString(lines[0], &header))
	assert.Equal(t, "9ec79c33ec9942ab8353589fcb2e04dc", header["event_id"])
	assert.Equal(t, "https://public@sentry.example.com/42", header["dsn"])
	assert.Equal(t, "2024-01-02T03:04:05Z", header["sent_at"])
	assert.Equal(t, map[string]any{"trace_id": testTraceHex, "public_key": "public"}, header["trace"])

	var itemHeader map[string]any
	require.NoError(t, sonic.UnmarshalString(lines[1], &itemHeader))
	assert.Equal(t, "event", itemHeader["type"])
	assert.Equal(t, float64(len(lines[2])), itemHeader["length"])
	assert.Contains(t, lines[2], `"message":"hello"`)
}

func TestEnvelopeItemTypes(t *testing.T) {
	tests := []struct {
		eventType   string
		itemType    string
		category    ratelimit.Category
		contentType string
	}{
		{"", itemTypeEvent, ratelimit.CategoryError, ""},
		{transactionType, itemTypeTransaction, ratelimit.CategoryTransaction, ""},
		{checkInType, itemTypeCheckIn, ratelimit.CategoryMonitor, ""},
		{statsdType, itemTypeStatsd, ratelimit.CategoryStatsd, "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.itemType, func(t *testing.T) {
			event := NewEvent()
			event.Type = tt.eventType
			event.CheckIn = &CheckIn{MonitorSlug: "slug", Status: CheckInStatusOK}
			event.StatsdBatch = "a:1|c"

			envelope, err := NewEnvelopeFromEvent(event, nil, SdkInfo{})
			require.NoError(t, err)
			require.Len(t, envelope.Items, 1)
			assert.Equal(t, tt.itemType, envelope.Items[0].Type)
			assert.Equal(t, tt.contentType, envelope.Items[0].ContentType)
			assert.Equal(t, tt.category, envelope.Category())
			assert.Equal(t, tt.category, envelope.Items[0].Category())
		})
	}
}

func TestEnvelopeCheckInHasNoTraceHeader(t *testing.T) {
	event := NewEvent()
	event.Type = checkInType
	event.CheckIn = &CheckIn{MonitorSlug: "slug"}
	event.dsc = BaggageFromHeader("sentry-trace_id=" + testTraceHex)

	envelope, err := NewEnvelopeFromEvent(event, nil, SdkInfo{})
	require.NoError(t, err)
	assert.Nil(t, envelope.Header.Trace)
}

func TestEnvelopeClientReport(t *testing.T) {
	report := &clientreport.ClientReport{
		Timestamp: 1700000000,
		DiscardedEvents: []clientreport.DiscardedEvent{
			{Reason: clientreport.ReasonQueueOverflow, Category: ratelimit.CategoryError, Quantity: 3},
		},
	}

	envelope, err := NewClientReportEnvelope(report, nil, SdkInfo{})
	require.NoError(t, err)
	assert.False(t, envelope.HasPayload())
	assert.Equal(t, ratelimit.CategoryInternal, envelope.Category())
	assert.Contains(t, string(envelope.Items[0].Payload),
		`"discarded_events":[{"reason":"queue_overflow","category":"error","quantity":3}]`)

	event := NewEvent()
	envelope, err = NewEnvelopeFromEvent(event, nil, SdkInfo{})
	require.NoError(t, err)
	require.NoError(t, envelope.AddClientReport(report))
	assert.True(t, envelope.HasPayload())
	assert.Len(t, envelope.Items, 2)

	envelope.removeClientReport()
	require.Len(t, envelope.Items, 1)
	assert.Equal(t, itemTypeEvent, envelope.Items[0].Type)
}

func TestEnvelopeFilter(t *testing.T) {
	envelope := &Envelope{Items: []*EnvelopeItem{
		{Type: itemTypeEvent, category: ratelimit.CategoryError},
		{Type: itemTypeTransaction, category: ratelimit.CategoryTransaction},
		{Type: itemTypeClientReport, category: ratelimit.CategoryInternal},
	}}

	removed := envelope.filter(func(item *EnvelopeItem) bool {
		return item.category != ratelimit.CategoryError
	})
	require.Len(t, removed, 1)
	assert.Equal(t, itemTypeEvent, removed[0].Type)
	assert.Len(t, envelope.Items, 2)
	assert.Equal(t, ratelimit.CategoryTransaction, envelope.Category())
}
