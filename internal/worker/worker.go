// Package worker is a fixed-size goroutine pool fed by a bounded queue.
package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker: pool closed")

type Pool struct {
	size    int
	ch      chan job
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

// New starts size workers. Submit blocks once queue jobs are waiting.
func New(size int, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	p := &Pool{
		size:    size,
		ch:      make(chan job, queue),
		closing: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.ch {
				j.fn(j.ctx)
			}
		}()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Submit queues fn, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case p.ch <- job{ctx: ctx, fn: fn}:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs. Queued jobs still run; use Wait to drain them.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.closing)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.ch)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
