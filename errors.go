package streambus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("streambus: bus is closed")
	ErrInvalidSubject              = errors.New("streambus: subject must not be empty")
	ErrInvalidPayload              = errors.New("streambus: message must not be nil")
	ErrNoStoreConfigured           = errors.New("streambus: no store configured")
	ErrDefaultBusNotInitialized    = errors.New("streambus: default bus not initialized")
	ErrAlreadyRunning              = errors.New("streambus: bus is already running")
	ErrObserverPoolShutdownTimeout = errors.New("streambus: observer pool shutdown timeout")

	// ErrReplyTimeout is returned by Request when no reply arrives before the deadline.
	ErrReplyTimeout = errors.New("streambus: reply timeout")
	// ErrNoReplyChannel is returned by MessageContext.Reply when the envelope had no ReplyTo.
	ErrNoReplyChannel = errors.New("streambus: message has no reply channel")
	// ErrCannotParse is returned when a reply body cannot be decoded.
	ErrCannotParse = errors.New("streambus: cannot parse message body")
	// ErrMalformedEnvelope marks entries that cannot be decoded into the consumer type.
	ErrMalformedEnvelope = errors.New("streambus: malformed envelope")
	// ErrCannotHandleScheduled marks scheduled messages that are dropped without retry.
	ErrCannotHandleScheduled = errors.New("streambus: cannot handle scheduled message")

	// ErrCronUnsupported is returned by cron management when the store keeps no cron schedules.
	ErrCronUnsupported = errors.New("streambus: store does not support cron schedules")

	// ErrGroupNotFound must be returned (possibly wrapped) by Store.ReadGroup when
	// the consumer group does not exist.
	ErrGroupNotFound = errors.New("streambus: consumer group not found")
	// ErrLockNotAcquired is returned by Store.TryLock when another holder owns the key.
	ErrLockNotAcquired = errors.New("streambus: lock not acquired")
)

type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("streambus: unknown store: %s", e.name) }
