package streambus

import (
	"encoding/json"
	"strconv"
	"time"
)

// Stream entry field names. They are part of the wire contract shared with
// every other producer and consumer of the store.
const (
	fieldBody     = "Body"
	fieldID       = "Id"
	fieldReplyTo  = "ReplyTo"
	fieldExpireAt = "ExpireAt" // unix milliseconds
	fieldLocale   = "Locale"
)

// Well-known store keys.
const (
	// ScheduledMessagesKey is the sorted set holding deferred messages, scored by delivery unix-ms.
	ScheduledMessagesKey = "SCHEDULED_MESSAGES"
	// DefaultDeadLetterSubject receives DeadLetter envelopes unless Config overrides it.
	DefaultDeadLetterSubject = "DEAD_LETTER"

	lockPrefix = "LOCK:"
	cronLock   = "CRON_LOCK"
)

// Envelope is the record appended to a subject stream. It is immutable once written.
type Envelope struct {
	// ID is the publisher-assigned message id (optional).
	ID string
	// Body is the codec-encoded payload.
	Body []byte
	// ReplyTo names the correlation channel a context-aware consumer replies on.
	ReplyTo string
	// ExpireAt is the absolute deadline after which the envelope is not delivered.
	ExpireAt time.Time
	// Locale is an optional caller locale forwarded to context-aware consumers.
	Locale string
}

// Expired reports whether the envelope carries a deadline that is before now.
func (e *Envelope) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}

// fields flattens the envelope into stream entry fields. Empty optional values are omitted.
func (e *Envelope) fields() map[string]string {
	vals := make(map[string]string, 5)
	vals[fieldBody] = string(e.Body)
	if e.ID != "" {
		vals[fieldID] = e.ID
	}
	if e.ReplyTo != "" {
		vals[fieldReplyTo] = e.ReplyTo
	}
	if !e.ExpireAt.IsZero() {
		vals[fieldExpireAt] = strconv.FormatInt(e.ExpireAt.UnixMilli(), 10)
	}
	if e.Locale != "" {
		vals[fieldLocale] = e.Locale
	}
	return vals
}

// envelopeFromFields rebuilds an Envelope from stream entry fields.
// The second result is false when the entry has no Body field.
func envelopeFromFields(vals map[string]string) (*Envelope, bool) {
	body, ok := vals[fieldBody]
	if !ok {
		return nil, false
	}
	env := &Envelope{
		ID:      vals[fieldID],
		Body:    []byte(body),
		ReplyTo: vals[fieldReplyTo],
		Locale:  vals[fieldLocale],
	}
	if raw := vals[fieldExpireAt]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			env.ExpireAt = time.UnixMilli(ms)
		}
	}
	return env, true
}

// Delivery is an envelope read back from a subject stream.
type Delivery struct {
	Subject  string
	EntryID  string
	Envelope *Envelope
}

// ScheduledMessage is the JSON member stored in the scheduled sorted set.
type ScheduledMessage struct {
	ID       string `json:"Id"`
	Body     string `json:"Body"`
	Subject  string `json:"Subject"`
	ReplyTo  string `json:"ReplyTo,omitempty"`
	ExpireAt int64  `json:"ExpireAt,omitempty"`
	Locale   string `json:"Locale,omitempty"`
}

func (s ScheduledMessage) envelope() *Envelope {
	env := &Envelope{
		ID:      s.ID,
		Body:    []byte(s.Body),
		ReplyTo: s.ReplyTo,
		Locale:  s.Locale,
	}
	if s.ExpireAt > 0 {
		env.ExpireAt = time.UnixMilli(s.ExpireAt)
	}
	return env
}

// DeadLetter is published on the dead-letter subject when a consumer fails.
type DeadLetter struct {
	OriginalSubject string
	OriginalPayload json.RawMessage
	Reason          string
}

// DeliveryToken locates a published message. EntryID is set when the message was
// appended to its stream; Schedule holds the stored member while it waits in the schedule.
type DeliveryToken struct {
	Subject  string
	EntryID  string
	Schedule string
}

// Scheduled reports whether the token points at a deferred message.
func (t DeliveryToken) Scheduled() bool { return t.Schedule != "" }

func (t DeliveryToken) String() string {
	if t.Scheduled() {
		return t.Schedule
	}
	return t.EntryID
}
