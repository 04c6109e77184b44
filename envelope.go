package sentry

import (
	"bytes"
	"time"

	"github.com/bytedance/sonic"
	"github.com/roadrunner-server/errors"

	"github.com/your-org/roadrunner-sentry/internal/clientreport"
	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// Envelope item types.
const (
	itemTypeEvent        = "event"
	itemTypeTransaction  = "transaction"
	itemTypeCheckIn      = "check_in"
	itemTypeStatsd       = "statsd"
	itemTypeClientReport = "client_report"
)

// EnvelopeHeader is the first line of an envelope.
type EnvelopeHeader struct {
	EventID EventID           `json:"event_id,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
	DSN     string            `json:"dsn,omitempty"`
	Sdk     *SdkInfo          `json:"sdk,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// EnvelopeItem is one serialized payload of an envelope.
type EnvelopeItem struct {
	Type        string
	ContentType string
	Payload     []byte

	category ratelimit.Category
}

// Category returns the rate limit category of the item.
func (i *EnvelopeItem) Category() ratelimit.Category {
	return i.category
}

type envelopeItemHeader struct {
	Type        string `json:"type"`
	Length      int    `json:"length"`
	ContentType string `json:"content_type,omitempty"`
}

// Envelope is the multi-item container sent in one request. Payloads are
// serialized when the envelope is built, so later changes to the source
// event are not delivered.
type Envelope struct {
	Header EnvelopeHeader
	Items  []*EnvelopeItem
}

// NewEnvelopeFromEvent serializes event into a single-item envelope.
func NewEnvelopeFromEvent(event *Event, dsn *DSN, sdk SdkInfo) (*Envelope, error) {
	const op = errors.Op("sentry_envelope_from_event")

	item := &EnvelopeItem{category: event.category()}
	var err error

	switch event.Type {
	case transactionType:
		item.Type = itemTypeTransaction
		item.Payload, err = sonic.Marshal(event)
	case checkInType:
		item.Type = itemTypeCheckIn
		item.Payload, err = sonic.Marshal(event.CheckIn)
	case statsdType:
		item.Type = itemTypeStatsd
		item.ContentType = "text/plain"
		item.Payload = []byte(event.StatsdBatch)
	default:
		item.Type = itemTypeEvent
		item.Payload, err = sonic.Marshal(event)
	}
	if err != nil {
		return nil, errors.E(op, err)
	}

	envelope := &Envelope{
		Header: EnvelopeHeader{
			EventID: event.EventID,
			Sdk:     &sdk,
		},
		Items: []*EnvelopeItem{item},
	}
	if dsn != nil {
		envelope.Header.DSN = dsn.String()
	}
	if event.dsc != nil && (event.Type == transactionType || event.Type == "") {
		envelope.Header.Trace = event.dsc.Items()
	}

	return envelope, nil
}

// NewClientReportEnvelope wraps a client report into an envelope of its own.
func NewClientReportEnvelope(report *clientreport.ClientReport, dsn *DSN, sdk SdkInfo) (*Envelope, error) {
	envelope := &Envelope{Header: EnvelopeHeader{Sdk: &sdk}}
	if dsn != nil {
		envelope.Header.DSN = dsn.String()
	}
	if err := envelope.AddClientReport(report); err != nil {
		return nil, err
	}
	return envelope, nil
}

// AddClientReport appends report as a client_report item.
func (e *Envelope) AddClientReport(report *clientreport.ClientReport) error {
	const op = errors.Op("sentry_envelope_client_report")

	payload, err := sonic.Marshal(report)
	if err != nil {
		return errors.E(op, err)
	}
	e.Items = append(e.Items, &EnvelopeItem{
		Type:     itemTypeClientReport,
		Payload:  payload,
		category: ratelimit.CategoryInternal,
	})
	return nil
}

// removeClientReport drops the client_report item. Used when the envelope
// could not be delivered and the report goes back to the recorder.
func (e *Envelope) removeClientReport() {
	e.filter(func(item *EnvelopeItem) bool {
		return item.Type != itemTypeClientReport
	})
}

// HasPayload reports whether the envelope carries anything besides a client report.
func (e *Envelope) HasPayload() bool {
	for _, item := range e.Items {
		if item.Type != itemTypeClientReport {
			return true
		}
	}
	return false
}

// Category returns the category of the first payload item.
func (e *Envelope) Category() ratelimit.Category {
	for _, item := range e.Items {
		if item.Type != itemTypeClientReport {
			return item.category
		}
	}
	return ratelimit.CategoryInternal
}

// filter keeps the items for which keep returns true and returns the removed ones.
func (e *Envelope) filter(keep func(item *EnvelopeItem) bool) []*EnvelopeItem {
	var removed []*EnvelopeItem
	kept := e.Items[:0]
	for _, item := range e.Items {
		if keep(item) {
			kept = append(kept, item)
		} else {
			removed = append(removed, item)
		}
	}
	e.Items = kept
	return removed
}

// Serialize encodes the envelope: the header line, then a header line and a
// payload line per item.
func (e *Envelope) Serialize() ([]byte, error) {
	const op = errors.Op("sentry_envelope_serialize")

	header := e.Header
	if header.SentAt.IsZero() {
		header.SentAt = time.Now().UTC()
	}

	var buf bytes.Buffer
	line, err := sonic.Marshal(header)
	if err != nil {
		return nil, errors.E(op, err)
	}
	buf.Write(line)
	buf.WriteByte('\n')

	for _, item := range e.Items {
		line, err = sonic.Marshal(envelopeItemHeader{
			Type:        item.Type,
			Length:      len(item.Payload),
			ContentType: item.ContentType,
		})
		if err != nil {
			return nil, errors.E(op, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		buf.Write(item.Payload)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
