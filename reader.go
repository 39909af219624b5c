package streambus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/trickstertwo/streambus/internal/backoff"
	"github.com/trickstertwo/xlog"
)

const (
	readPending = "0"
	readNew     = ">"
)

// reader drives one subject stream for this consumer:
// ensure group, catch up on pending and undelivered entries, then listen for wake-ups.
type reader struct {
	bus     *Bus
	disp    *dispatcher
	subject string
	logger  *xlog.Logger
	backoff *backoff.Exponential

	failures int

	mu       sync.Mutex
	inflight map[string]struct{}
}

func newReader(b *Bus, disp *dispatcher, subject string) *reader {
	return &reader{
		bus:      b,
		disp:     disp,
		subject:  subject,
		logger:   b.logger.With(xlog.Str("subject", subject), xlog.Str("group", b.cfg.ServiceName)),
		backoff:  backoff.New(backoff.Config{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.2}),
		inflight: make(map[string]struct{}),
	}
}

// run returns nil when ctx is cancelled and an error once failures exceed the limit.
func (r *reader) run(ctx context.Context) error {
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if ferr := r.fail(ctx, err); ferr != nil {
			return ferr
		}
	}
}

func (r *reader) listen(ctx context.Context) error {
	b := r.bus
	if err := b.store.CreateGroup(ctx, r.subject, b.cfg.ServiceName, b.cfg.GroupStart); err != nil {
		return fmt.Errorf("create group: %w", err)
	}

	// subscribe before catching up so entries appended meanwhile still wake us
	sub, err := b.store.Subscribe(ctx, r.subject)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Close() }()

	wake := make(chan struct{}, 1)
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		for range sub.Channel() {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	if err := r.drainPending(ctx); err != nil {
		return err
	}
	if err := r.drainNew(ctx); err != nil {
		return err
	}
	r.succeed()
	r.logger.Debug().Msg("streambus: reader caught up, listening")

	var backstop, claim <-chan time.Time
	if b.cfg.Backstop > 0 {
		t := time.NewTicker(b.cfg.Backstop)
		defer t.Stop()
		backstop = t.C
	}
	if b.cfg.ClaimMinIdle > 0 {
		t := time.NewTicker(b.cfg.ClaimInterval)
		defer t.Stop()
		claim = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return errors.New("subscription closed")
		case <-wake:
			if err := r.drainNew(ctx); err != nil {
				return err
			}
		case <-backstop:
			if err := r.drainNew(ctx); err != nil {
				return err
			}
		case <-claim:
			if err := r.claim(ctx); err != nil {
				return err
			}
		}
		r.succeed()
	}
}

// drainPending re-delivers entries this consumer read before but never acknowledged.
func (r *reader) drainPending(ctx context.Context) error {
	cursor := readPending
	for {
		entries, err := r.read(ctx, cursor)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		r.dispatchAll(ctx, entries)
		cursor = entries[len(entries)-1].ID
	}
}

// drainNew reads never-delivered entries until a read comes back empty.
func (r *reader) drainNew(ctx context.Context) error {
	for ctx.Err() == nil {
		entries, err := r.read(ctx, readNew)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		r.dispatchAll(ctx, entries)
	}
	return nil
}

func (r *reader) read(ctx context.Context, id string) ([]Entry, error) {
	b := r.bus
	q := ReadQuery{
		Stream:   r.subject,
		Group:    b.cfg.ServiceName,
		Consumer: b.cfg.Consumer,
		ID:       id,
		Count:    b.cfg.BatchSize,
	}
	entries, err := b.store.ReadGroup(ctx, q)
	if errors.Is(err, ErrGroupNotFound) {
		r.logger.Warn().Msg("streambus: consumer group vanished, recreating")
		if cerr := b.store.CreateGroup(ctx, r.subject, b.cfg.ServiceName, b.cfg.GroupStart); cerr != nil {
			return nil, fmt.Errorf("recreate group: %w", cerr)
		}
		entries, err = b.store.ReadGroup(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return entries, nil
}

func (r *reader) claim(ctx context.Context) error {
	b := r.bus
	entries, err := b.store.Claim(ctx, r.subject, b.cfg.ServiceName, b.cfg.Consumer, b.cfg.ClaimMinIdle, b.cfg.ClaimBatch)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if len(entries) > 0 {
		r.logger.Info().Float64("claimed", float64(len(entries))).Msg("streambus: claimed idle pending entries")
	}
	r.dispatchAll(ctx, entries)
	return nil
}

// dispatchAll hands entries to the dispatcher, skipping ids still being processed.
func (r *reader) dispatchAll(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		_, busy := r.inflight[e.ID]
		if !busy {
			r.inflight[e.ID] = struct{}{}
		}
		r.mu.Unlock()
		if busy {
			continue
		}
		id := e.ID
		r.disp.dispatch(ctx, r.subject, e, func() {
			r.mu.Lock()
			delete(r.inflight, id)
			r.mu.Unlock()
		})
	}
}

func (r *reader) succeed() {
	r.failures = 0
	r.backoff.Reset()
}

func (r *reader) fail(ctx context.Context, err error) error {
	r.failures++
	r.bus.metrics.errorCount.Add(1)
	r.bus.notifyAsync(Event{Type: Error, Subject: r.subject, Group: r.bus.cfg.ServiceName, Err: err})
	if r.failures > r.bus.cfg.MaxConsecutiveErrors {
		r.logger.Error().Err(err).Msg("streambus: reader giving up")
		return fmt.Errorf("streambus: reader %s: %w", r.subject, err)
	}
	r.logger.Warn().Err(err).Msg("streambus: reader error, backing off")
	r.backoff.Sleep(ctx.Done())
	return nil
}
