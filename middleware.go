package streambus

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig bounds in-place retries of a consumer before its failure is dead-lettered.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt (1-based). Nil retries at once.
	Backoff func(attempt int) time.Duration
	// RetryIf filters retryable errors. Nil retries every error.
	RetryIf func(err error) bool
	// Jitter adds a random wait in [0, Jitter) on top of Backoff.
	Jitter time.Duration
}

func (c RetryConfig) wait(attempt int) time.Duration {
	var d time.Duration
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	if c.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.Jitter)))
	}
	return d
}

// ExponentialBackoff doubles from initial per attempt, capped at max.
func ExponentialBackoff(initial, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := initial
		for i := 1; i < attempt && d < max; i++ {
			d *= 2
		}
		return min(d, max)
	}
}

// RetryMiddleware re-runs the consumer on the same delivery until it succeeds, the
// error is not retryable, attempts run out or ctx ends.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			for attempt := 1; ; attempt++ {
				err := next(ctx, d)
				if err == nil || attempt >= attempts || ctx.Err() != nil {
					return err
				}
				if cfg.RetryIf != nil && !cfg.RetryIf(err) {
					return err
				}
				if wait := cfg.wait(attempt); wait > 0 {
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return err
					case <-t.C:
					}
				}
			}
		}
	}
}

// TimeoutMiddleware fails a consumer with context.DeadlineExceeded once it runs past
// timeout. The consumer keeps its goroutine until it observes ctx.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	if timeout <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			res := make(chan error, 1)
			go func() { res <- RecoveryMiddleware()(next)(tctx, d) }()

			select {
			case err := <-res:
				return err
			case <-tctx.Done():
				return tctx.Err()
			}
		}
	}
}

// RecoveryMiddleware turns a consumer panic into a *PanicError. The dispatcher installs it innermost.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			return next(ctx, d)
		}
	}
}

// LoggingMiddleware logs each consumer run at debug level with the logger found in ctx.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, d *Delivery) error {
			l, ok := LoggerFromContext(ctx)
			if !ok {
				return next(ctx, d)
			}
			start := time.Now()
			err := next(ctx, d)
			ev := l.Debug()
			if err != nil {
				ev = l.Warn().Err(err)
			}
			ev.Str("subject", d.Subject).
				Str("entry_id", d.EntryID).
				Dur("dur", time.Since(start)).
				Msg("streambus: consumer done")
			return err
		}
	}
}

// PanicError wraps a value recovered from a consumer panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", e.Value) }

// Chain wraps h so that mws[0] runs outermost. Nil middlewares are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
