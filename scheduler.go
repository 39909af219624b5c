package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/trickstertwo/streambus/internal/backoff"
	"github.com/trickstertwo/xlog"
)

// scheduler moves due members of SCHEDULED_MESSAGES onto their subject streams.
// Any number of instances may run; per-message locks plus an exact-member
// removal make each message fire once.
type scheduler struct {
	bus     *Bus
	logger  *xlog.Logger
	cron    *cronRunner
	backoff *backoff.Exponential

	failures int
}

func newScheduler(b *Bus) *scheduler {
	s := &scheduler{
		bus:     b,
		logger:  b.logger.With(xlog.Str("component", "scheduler")),
		backoff: backoff.New(backoff.Config{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.2}),
	}
	if cs, ok := b.store.(CronStore); ok {
		s.cron = newCronRunner(b, cs)
	}
	return s
}

// run returns nil when ctx is cancelled and an error once consecutive store
// failures exceed MaxConsecutiveErrors.
func (s *scheduler) run(ctx context.Context) error {
	t := time.NewTicker(s.bus.cfg.PollInterval)
	defer t.Stop()
	for {
		err := s.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if ferr := s.fail(ctx, err); ferr != nil {
				return ferr
			}
			continue
		}
		s.failures = 0
		s.backoff.Reset()
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// tick fires up to ScheduleBatch due messages, then evaluates cron schedules.
// Per-schedule cron problems are logged; only store failures are returned.
func (s *scheduler) tick(ctx context.Context) error {
	for i := 0; i < s.bus.cfg.ScheduleBatch && ctx.Err() == nil; i++ {
		more, err := s.fireNext(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	if s.cron != nil && ctx.Err() == nil {
		if err := s.cron.tick(ctx); err != nil {
			return fmt.Errorf("cron: %w", err)
		}
	}
	return nil
}

func (s *scheduler) fail(ctx context.Context, err error) error {
	s.failures++
	s.bus.metrics.errorCount.Add(1)
	s.bus.notifyAsync(Event{Type: Error, Subject: ScheduledMessagesKey, Err: err})
	if s.failures > s.bus.cfg.MaxConsecutiveErrors {
		s.logger.Error().Err(err).Msg("streambus: scheduler giving up")
		return fmt.Errorf("streambus: scheduler: %w", err)
	}
	s.logger.Warn().Err(err).Msg("streambus: scheduler tick failed, backing off")
	s.backoff.Sleep(ctx.Done())
	return nil
}

// fireNext handles the head of the schedule. It reports whether the caller should
// look at the next member in the same tick.
func (s *scheduler) fireNext(ctx context.Context) (bool, error) {
	b := s.bus
	member, score, ok, err := b.store.ScheduleHead(ctx, ScheduledMessagesKey)
	if err != nil {
		return false, fmt.Errorf("peek schedule: %w", err)
	}
	if !ok || int64(score) > b.clock.Now().UnixMilli() {
		return false, nil
	}

	var sm ScheduledMessage
	if err := json.Unmarshal([]byte(member), &sm); err != nil || sm.ID == "" {
		// no id means no lock key; drop it so it cannot wedge the head
		if _, rerr := b.store.ScheduleRemove(ctx, ScheduledMessagesKey, member); rerr != nil {
			return false, fmt.Errorf("remove malformed member: %w", rerr)
		}
		s.logger.Warn().Err(ErrCannotHandleScheduled).Str("member", member).Msg("streambus: malformed scheduled message dropped")
		return true, nil
	}

	unlock, err := b.store.TryLock(ctx, lockPrefix+sm.ID, b.cfg.LockTTL)
	if errors.Is(err, ErrLockNotAcquired) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", sm.ID, err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.LockTTL)
		defer cancel()
		if uerr := unlock(uctx); uerr != nil {
			s.logger.Debug().Err(uerr).Str("id", sm.ID).Msg("streambus: unlock failed")
		}
	}()

	removed, err := b.store.ScheduleRemove(ctx, ScheduledMessagesKey, member)
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", sm.ID, err)
	}
	if !removed {
		// another instance fired or cancelled it between peek and lock
		return true, nil
	}

	err = s.deliver(ctx, sm)
	switch {
	case errors.Is(err, ErrCannotHandleScheduled):
		b.metrics.droppedCount.Add(1)
		b.notifyAsync(Event{Type: Dropped, Subject: sm.Subject, MessageID: sm.ID, Err: err})
		s.logger.Warn().Err(err).Str("id", sm.ID).Str("subject", sm.Subject).Msg("streambus: scheduled message dropped")
		return true, nil
	case err != nil:
		if aerr := b.store.ScheduleAdd(context.WithoutCancel(ctx), ScheduledMessagesKey, member, score); aerr != nil {
			s.logger.Error().Err(aerr).Str("id", sm.ID).Msg("streambus: scheduled message lost, re-add failed")
		}
		return false, err
	}
	b.metrics.firedCount.Add(1)
	b.notifyAsync(Event{Type: Fired, Subject: sm.Subject, MessageID: sm.ID})
	return true, nil
}

func (s *scheduler) deliver(ctx context.Context, sm ScheduledMessage) error {
	b := s.bus
	if sm.Subject == "" {
		return fmt.Errorf("%w: empty subject", ErrCannotHandleScheduled)
	}
	if sm.Body == "" || sm.Body == "null" {
		return fmt.Errorf("%w: null body on %s", ErrCannotHandleScheduled, sm.Subject)
	}
	t, ok := b.registry.Lookup(sm.Subject)
	if !ok {
		return fmt.Errorf("%w: no type registered for subject %s", ErrCannotHandleScheduled, sm.Subject)
	}
	// decode only to reject bodies the consumers could never read; the original
	// body is what gets appended
	if t != rawType {
		if err := b.codec.Unmarshal([]byte(sm.Body), reflect.New(t).Interface()); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCannotHandleScheduled, sm.Subject, err)
		}
	}
	_, err := b.publishEnvelope(ctx, sm.Subject, sm.envelope())
	return err
}
