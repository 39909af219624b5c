package streambus

import "time"

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	// Scheduled: a message was stored for deferred delivery.
	Scheduled EventType = "scheduled"
	// Fired: the scheduler moved a due message onto its stream.
	Fired        EventType = "fired"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	DeadLettered EventType = "dead_lettered"
	// Dropped: an entry was skipped because it expired or could not be decoded.
	Dropped EventType = "dropped"
	Error   EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Subject   string
	Group     string
	Consumer  string
	MessageID string
	Duration  time.Duration
	Err       error

	// Internal: attached for async dispatch
	observers []Observer
}
