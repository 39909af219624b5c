package streambus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/trickstertwo/xlog"
)

// cronRunner publishes an empty body on a schedule's subject for each cron
// occurrence, at most once across all instances.
type cronRunner struct {
	bus    *Bus
	store  CronStore
	logger *xlog.Logger
}

func newCronRunner(b *Bus, cs CronStore) *cronRunner {
	return &cronRunner{
		bus:    b,
		store:  cs,
		logger: b.logger.With(xlog.Str("component", "cron")),
	}
}

func (c *cronRunner) tick(ctx context.Context) error {
	b := c.bus
	unlock, err := b.store.TryLock(ctx, cronLock, b.cfg.LockTTL)
	if errors.Is(err, ErrLockNotAcquired) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", cronLock, err)
	}
	defer func() { _ = unlock(context.WithoutCancel(ctx)) }()

	schedules, err := c.store.CronSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list cron schedules: %w", err)
	}
	now := b.clock.Now()
	for _, s := range schedules {
		if err := c.fire(ctx, s, now); err != nil {
			c.logger.Warn().Err(err).Str("cron", s.Name).Str("subject", s.Subject).Msg("streambus: cron schedule skipped")
		}
	}
	return nil
}

func (c *cronRunner) fire(ctx context.Context, s CronSchedule, now time.Time) error {
	sched, err := cron.ParseStandard(s.Expression)
	if err != nil {
		return fmt.Errorf("parse %q: %w", s.Expression, err)
	}
	occ := latestOccurrence(sched, now, c.bus.cfg.CronWindow)
	if occ.IsZero() {
		return nil
	}
	last, err := c.store.LastCronRun(ctx, s.Name)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if !last.Before(occ) {
		return nil
	}
	if err := c.store.RecordCronRun(ctx, s.Name, occ); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if _, err := c.bus.publishEnvelope(ctx, s.Subject, &Envelope{Body: []byte("{}")}); err != nil {
		return err
	}
	c.logger.Info().Str("cron", s.Name).Str("subject", s.Subject).Msg("streambus: cron fired")
	return nil
}

// latestOccurrence returns the newest occurrence in (now-window, now], or zero.
func latestOccurrence(s cron.Schedule, now time.Time, window time.Duration) time.Time {
	var latest time.Time
	for t := s.Next(now.Add(-window)); !t.IsZero() && !t.After(now); t = s.Next(t) {
		latest = t
	}
	return latest
}

// SaveCron creates or replaces a cron schedule.
func (b *Bus) SaveCron(ctx context.Context, s CronSchedule) error {
	cs, ok := b.store.(CronStore)
	if !ok {
		return ErrCronUnsupported
	}
	if s.Name == "" {
		return errors.New("streambus: cron name must not be empty")
	}
	if s.Subject == "" {
		return ErrInvalidSubject
	}
	if _, err := cron.ParseStandard(s.Expression); err != nil {
		return fmt.Errorf("streambus: cron %s: %w", s.Name, err)
	}
	return cs.SaveCronSchedule(ctx, s)
}

func (b *Bus) RemoveCron(ctx context.Context, name string) error {
	cs, ok := b.store.(CronStore)
	if !ok {
		return ErrCronUnsupported
	}
	return cs.RemoveCronSchedule(ctx, name)
}

func (b *Bus) Crons(ctx context.Context) ([]CronSchedule, error) {
	cs, ok := b.store.(CronStore)
	if !ok {
		return nil, ErrCronUnsupported
	}
	return cs.CronSchedules(ctx)
}
