package streambus

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// PublishOptions tunes a single publish.
type PublishOptions struct {
	// Subject overrides the subject resolved from the message type.
	Subject string
	// MessageID is written as the envelope Id. Scheduled messages get a UUID when empty.
	MessageID string
	// ScheduledTime defers delivery. Times not in the future publish immediately.
	ScheduledTime time.Time
	// SessionID sets ReplyTo to the correlation channel {subject}_{SessionID}.
	SessionID string
	// ExpireAt drops the message for readers that see it after this instant.
	ExpireAt time.Time
	Locale   string
}

// Publish appends msg to the stream of its subject.
func (b *Bus) Publish(ctx context.Context, msg any) (DeliveryToken, error) {
	return b.PublishWithOptions(ctx, msg, PublishOptions{})
}

// PublishTo appends msg to an explicit subject.
func (b *Bus) PublishTo(ctx context.Context, subject string, msg any) (DeliveryToken, error) {
	if subject == "" {
		return DeliveryToken{}, ErrInvalidSubject
	}
	return b.PublishWithOptions(ctx, msg, PublishOptions{Subject: subject})
}

// PublishWithOptions publishes msg directly, or stores it for deferred delivery when
// opts.ScheduledTime is in the future.
func (b *Bus) PublishWithOptions(ctx context.Context, msg any, opts PublishOptions) (DeliveryToken, error) {
	if b.closed.Load() {
		return DeliveryToken{}, ErrBusClosed
	}
	if msg == nil {
		return DeliveryToken{}, ErrInvalidPayload
	}

	subject := opts.Subject
	if subject == "" {
		subject = b.registry.SubjectOf(msg)
	}
	if subject == "" {
		return DeliveryToken{}, ErrInvalidSubject
	}
	b.registry.learn(reflect.TypeOf(msg), subject)

	body, err := b.codec.Marshal(msg)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return DeliveryToken{}, fmt.Errorf("streambus: encode %s: %w", subject, err)
	}

	env := &Envelope{
		ID:       opts.MessageID,
		Body:     body,
		ExpireAt: opts.ExpireAt,
		Locale:   opts.Locale,
	}
	if opts.SessionID != "" {
		env.ReplyTo = replyChannel(subject, opts.SessionID)
	}

	if !opts.ScheduledTime.IsZero() && opts.ScheduledTime.After(b.clock.Now()) {
		return b.schedule(ctx, subject, env, opts.ScheduledTime)
	}
	return b.publishEnvelope(ctx, subject, env)
}

// publishEnvelope is the direct path: append, then wake readers on the subject channel.
func (b *Bus) publishEnvelope(ctx context.Context, subject string, env *Envelope) (DeliveryToken, error) {
	b.metrics.publishCount.Add(1)
	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Subject: subject, MessageID: env.ID})

	id, err := b.store.Append(ctx, subject, env.fields())

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{Type: PublishDone, Subject: subject, MessageID: id, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
		return DeliveryToken{}, fmt.Errorf("streambus: append %s: %w", subject, err)
	}

	if err := b.store.Notify(ctx, subject, id); err != nil {
		// readers still pick the entry up on their next wake-up
		b.logger.Warn().Err(err).Str("subject", subject).Str("entry_id", id).Msg("streambus: wake notification failed")
	}
	return DeliveryToken{Subject: subject, EntryID: id}, nil
}

func (b *Bus) schedule(ctx context.Context, subject string, env *Envelope, at time.Time) (DeliveryToken, error) {
	if env.ID == "" {
		env.ID = newID()
	}
	sm := ScheduledMessage{
		ID:      env.ID,
		Body:    string(env.Body),
		Subject: subject,
		ReplyTo: env.ReplyTo,
		Locale:  env.Locale,
	}
	if !env.ExpireAt.IsZero() {
		sm.ExpireAt = env.ExpireAt.UnixMilli()
	}
	member, err := json.Marshal(sm)
	if err != nil {
		return DeliveryToken{}, fmt.Errorf("streambus: encode scheduled %s: %w", subject, err)
	}
	if err := b.store.ScheduleAdd(ctx, ScheduledMessagesKey, string(member), float64(at.UnixMilli())); err != nil {
		b.metrics.errorCount.Add(1)
		return DeliveryToken{}, fmt.Errorf("streambus: schedule %s: %w", subject, err)
	}
	b.metrics.scheduleCount.Add(1)
	b.notifyAsync(Event{Type: Scheduled, Subject: subject, MessageID: env.ID})
	return DeliveryToken{Subject: subject, Schedule: string(member)}, nil
}

// Cancel withdraws a scheduled message. Tokens of direct publishes, and scheduled
// messages already handed to their stream, are left alone.
func (b *Bus) Cancel(ctx context.Context, token DeliveryToken) error {
	if !token.Scheduled() {
		return nil
	}
	if _, err := b.store.ScheduleRemove(ctx, ScheduledMessagesKey, token.Schedule); err != nil {
		return fmt.Errorf("streambus: cancel %s: %w", token.Subject, err)
	}
	return nil
}

func replyChannel(subject, session string) string {
	return subject + "_" + session
}

// newID returns a time-ordered UUID, falling back to a random one.
func newID() string {
	for i := 0; i < 10; i++ {
		if id, err := uuid.NewV7(); err == nil {
			return id.String()
		}
		time.Sleep(200 * time.Nanosecond)
	}
	return uuid.New().String()
}
