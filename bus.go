package streambus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/errgroup"
)

// Bus is the central Facade: it publishes onto subject streams and, while Run is
// active, feeds registered consumers and fires scheduled messages.
type Bus struct {
	store        Store
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	cfg          Config
	registry     *Registry
	consumers    *consumerIndex
	middlewares  []Middleware
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics
	running      atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	publishCount    atomic.Uint64
	scheduleCount   atomic.Uint64
	firedCount      atomic.Uint64
	consumeCount    atomic.Uint64
	ackCount        atomic.Uint64
	deadLetterCount atomic.Uint64
	droppedCount    atomic.Uint64
	errorCount      atomic.Uint64
	processingNs    atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Registry returns the subject registry shared by publisher, consumers and scheduler.
func (b *Bus) Registry() *Registry { return b.registry }

// Config returns the validated engine configuration.
func (b *Bus) Config() Config { return b.cfg }

// Subjects lists the subjects this bus consumes.
func (b *Bus) Subjects() []string {
	return append([]string(nil), b.consumers.subjects...)
}

// Run consumes every subject that has consumers and runs the scheduler until ctx is
// cancelled. In-flight dispatches finish before it returns. A reader that keeps
// failing ends Run with its error.
func (b *Bus) Run(ctx context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	disp := newDispatcher(b, b.consumers)
	g, gctx := errgroup.WithContext(ctx)
	for _, subject := range b.consumers.subjects {
		rd := newReader(b, disp, subject)
		g.Go(func() error { return rd.run(gctx) })
	}
	if !b.cfg.DisableScheduler {
		s := newScheduler(b)
		g.Go(func() error { return s.run(gctx) })
	}

	b.logger.Info().
		Str("consumer", b.cfg.Consumer).
		Str("subjects", strings.Join(b.consumers.subjects, ",")).
		Msg("streambus: running")

	err := g.Wait()
	disp.drain()
	if err != nil {
		b.logger.Error().Err(err).Msg("streambus: stopped")
		return err
	}
	b.logger.Info().Msg("streambus: stopped")
	return nil
}

// handlerContext is the context consumers run under. It is never cancelled by
// shutdown so in-flight work can finish.
func (b *Bus) handlerContext() context.Context { return b.baseCtx }

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Published:           b.metrics.publishCount.Load(),
		Scheduled:           b.metrics.scheduleCount.Load(),
		Fired:               b.metrics.firedCount.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		DeadLettered:        b.metrics.deadLetterCount.Load(),
		Dropped:             b.metrics.droppedCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       b.observerPool.Stats().Dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once closed and "degraded" while more than 5% of
// published plus consumed messages ended in an error.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}
	m := b.GetMetrics()
	h := HealthStatus{Status: "healthy", Metrics: m, Timestamp: now}
	if ops := m.Published + m.Consumed; ops > 0 && float64(m.Errors)/float64(ops) > 0.05 {
		h.Status = "degraded"
		h.Message = fmt.Sprintf("%d errors over %d operations", m.Errors, ops)
	}
	return h
}

// Close is idempotent. It flushes observers and closes the store; a running Run
// keeps going until its context ends.
func (b *Bus) Close(ctx context.Context) error {
	var errs []error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if err := b.observerPool.Close(5 * time.Second); err != nil {
			b.logger.Warn().Err(err).Msg("streambus: observer pool shutdown timeout")
			errs = append(errs, err)
		}
		if err := b.store.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("streambus: store close failed")
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// AddObserver registers obs for every later event.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver unregisters the first observer equal to obs.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	if i := slices.IndexFunc(b.observers, func(o Observer) bool { return o == obs }); i >= 0 {
		b.observers = slices.Delete(b.observers, i, i+1)
	}
}

// notifyAsync hands e to the observer pool without blocking the caller.
func (b *Bus) notifyAsync(e Event) {
	if b.closed.Load() {
		return
	}
	b.observersMu.RLock()
	defer b.observersMu.RUnlock()
	b.observerPool.Notify(e, b.observers)
}

// recordProcessingTime folds ns into an exponential moving average (alpha 0.2).
func (b *Bus) recordProcessingTime(ns int64) {
	for {
		cur := b.metrics.processingNs.Load()
		next := ns
		if cur != 0 {
			next = int64(0.2*float64(ns) + 0.8*float64(cur))
		}
		if b.metrics.processingNs.CompareAndSwap(cur, next) {
			return
		}
	}
}
