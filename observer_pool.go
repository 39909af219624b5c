package streambus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers events to observers on a few background goroutines.
// Notify never blocks: when the queue is full the event is counted as dropped.
type ObserverPool struct {
	queue   chan Event
	workers int
	stop    context.CancelFunc
	stopped <-chan struct{}
	wg      sync.WaitGroup

	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a queue of bufferSize
// events. They stop when ctx ends or Close is called.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}
	pctx, stop := context.WithCancel(ctx)
	op := &ObserverPool{
		queue:   make(chan Event, bufferSize),
		workers: workers,
		stop:    stop,
		stopped: pctx.Done(),
	}
	op.wg.Add(workers)
	for range workers {
		go op.loop()
	}
	return op
}

// Notify queues e for the given observers. The slice is copied.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || op.closed.Load() {
		return
	}
	e.observers = append([]Observer(nil), observers...)
	select {
	case op.queue <- e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) loop() {
	defer op.wg.Done()
	for {
		select {
		case e := <-op.queue:
			op.deliver(e)
		case <-op.stopped:
			// flush what is already queued
			for {
				select {
				case e := <-op.queue:
					op.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (op *ObserverPool) deliver(e Event) {
	for _, obs := range e.observers {
		if obs != nil {
			safeNotify(obs, e)
		}
	}
	op.processed.Add(1)
}

// safeNotify shields the pool from a panicking observer.
func safeNotify(obs Observer, e Event) {
	defer func() { _ = recover() }()
	obs.OnEvent(e)
}

// Close flushes queued events and waits up to timeout for the workers to exit.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.stop()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats reports queue telemetry.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
