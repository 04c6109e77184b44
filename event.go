package sentry

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/your-org/roadrunner-sentry/internal/ratelimit"
)

// Level marks the severity of the event.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// EventID is a hexadecimal string representing a unique uuid4 for an Event.
type EventID string

// Event types that are not plain error events.
const (
	transactionType = "transaction"
	checkInType     = "check_in"
	statsdType      = "statsd"
)

func newEventID() EventID {
	return EventID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// User describes the user associated with an Event.
type User struct {
	ID        string            `json:"id,omitempty"`
	Email     string            `json:"email,omitempty"`
	IPAddress string            `json:"ip_address,omitempty"`
	Username  string            `json:"username,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u User) IsEmpty() bool {
	return u.ID == "" && u.Email == "" && u.IPAddress == "" && u.Username == "" && len(u.Data) == 0
}

// Request contains information on the HTTP request related to the event.
type Request struct {
	URL         string            `json:"url,omitempty"`
	Method      string            `json:"method,omitempty"`
	QueryString string            `json:"query_string,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// Mechanism describes how an exception was captured.
type Mechanism struct {
	Type        string `json:"type,omitempty"`
	Handled     *bool  `json:"handled,omitempty"`
	ExceptionID int    `json:"exception_id"`
	ParentID    *int   `json:"parent_id,omitempty"`
	IsGroup     bool   `json:"is_exception_group,omitempty"`
}

// Exception is one link of an exception chain.
type Exception struct {
	Type      string     `json:"type,omitempty"`
	Value     string     `json:"value,omitempty"`
	Module    string     `json:"module,omitempty"`
	Mechanism *Mechanism `json:"mechanism,omitempty"`
}

// SdkInfo identifies the client library.
type SdkInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// CheckInStatus is the status of a monitor check-in.
type CheckInStatus string

const (
	CheckInStatusInProgress CheckInStatus = "in_progress"
	CheckInStatusOK         CheckInStatus = "ok"
	CheckInStatusError      CheckInStatus = "error"
)

// CheckIn is a cron monitor check-in.
type CheckIn struct {
	ID          EventID       `json:"check_in_id"`
	MonitorSlug string        `json:"monitor_slug"`
	Status      CheckInStatus `json:"status"`
	Duration    float64       `json:"duration,omitempty"`
	Environment string        `json:"environment,omitempty"`
	Release     string        `json:"release,omitempty"`
}

// TransactionInfo carries the transaction name source.
type TransactionInfo struct {
	Source TransactionSource `json:"source,omitempty"`
}

// Event is the fundamental data structure that is sent to Sentry.
type Event struct {
	EventID     EventID                   `json:"event_id,omitempty"`
	Type        string                    `json:"type,omitempty"`
	Timestamp   time.Time                 `json:"timestamp"`
	Level       Level                     `json:"level,omitempty"`
	Message     string                    `json:"message,omitempty"`
	Logger      string                    `json:"logger,omitempty"`
	Platform    string                    `json:"platform,omitempty"`
	Exception   []Exception               `json:"exception,omitempty"`
	Breadcrumbs []*Breadcrumb             `json:"breadcrumbs,omitempty"`
	Tags        map[string]string         `json:"tags,omitempty"`
	Extra       map[string]any            `json:"extra,omitempty"`
	User        User                      `json:"user,omitempty"`
	Contexts    map[string]map[string]any `json:"contexts,omitempty"`
	Fingerprint []string                  `json:"fingerprint,omitempty"`
	Environment string                    `json:"environment,omitempty"`
	Release     string                    `json:"release,omitempty"`
	Dist        string                    `json:"dist,omitempty"`
	ServerName  string                    `json:"server_name,omitempty"`
	Request     *Request                  `json:"request,omitempty"`
	Sdk         SdkInfo                   `json:"sdk,omitempty"`

	Transaction     string           `json:"transaction,omitempty"`
	TransactionInfo *TransactionInfo `json:"transaction_info,omitempty"`
	StartTime       time.Time        `json:"start_timestamp,omitempty"`
	Spans           []*Span          `json:"spans,omitempty"`

	CheckIn *CheckIn `json:"-"`
	// StatsdBatch carries raw statsd lines for a metrics batch.
	StatsdBatch string `json:"-"`

	// dsc is the dynamic sampling context sent in the envelope header.
	dsc *Baggage
}

// NewEvent creates a new Event.
func NewEvent() *Event {
	return &Event{
		Contexts: make(map[string]map[string]any),
		Extra:    make(map[string]any),
		Tags:     make(map[string]string),
	}
}

// MarshalJSON omits the transaction-only fields from error events and the
// user when it is empty.
func (e *Event) MarshalJSON() ([]byte, error) {
	type event Event
	x := struct {
		*event
		Exception *exceptionValues `json:"exception,omitempty"`
		User      *User            `json:"user,omitempty"`
		StartTime *time.Time       `json:"start_timestamp,omitempty"`
	}{event: (*event)(e)}
	if len(e.Exception) > 0 {
		x.Exception = &exceptionValues{Values: e.Exception}
	}
	if !e.User.IsEmpty() {
		x.User = &e.User
	}
	if !e.StartTime.IsZero() {
		x.StartTime = &e.StartTime
	}
	return sonic.Marshal(x)
}

type exceptionValues struct {
	Values []Exception `json:"values"`
}

// category returns the rate limit category of the event.
func (e *Event) category() ratelimit.Category {
	switch e.Type {
	case transactionType:
		return ratelimit.CategoryTransaction
	case checkInType:
		return ratelimit.CategoryMonitor
	case statsdType:
		return ratelimit.CategoryStatsd
	default:
		return ratelimit.CategoryError
	}
}

// EventHint carries the original data an event was built from.
type EventHint struct {
	OriginalException error
	RecoveredPanic    any
	Data              map[string]any
}

// SetException builds the exception chain of the event from err, following
// errors.Unwrap up to maxErrorDepth links. The outermost error comes last.
func (e *Event) SetException(err error, maxErrorDepth int) {
	if err == nil {
		return
	}
	if maxErrorDepth <= 0 {
		maxErrorDepth = defaultMaxErrorDepth
	}

	var chain []Exception
	for i := 0; err != nil && i < maxErrorDepth; i++ {
		chain = append(chain, Exception{
			Type:  exceptionType(err),
			Value: err.Error(),
		})
		err = errors.Unwrap(err)
	}

	// Sentry expects the innermost cause first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if len(chain) > 1 {
		for i := range chain {
			m := &Mechanism{Type: "generic", ExceptionID: len(chain) - 1 - i}
			if m.ExceptionID > 0 {
				parent := m.ExceptionID - 1
				m.ParentID = &parent
			}
			chain[i].Mechanism = m
		}
	}
	e.Exception = chain
}

func exceptionType(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	if t.Kind() == reflect.Pointer && t.Elem().Name() != "" {
		return t.Elem().String()
	}
	if name := t.String(); name != "" {
		return name
	}
	return fmt.Sprintf("%T", err)
}
