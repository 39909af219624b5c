package redisstream

import (
	"time"

	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the streambus.Bus construction when calling Use.
type Option func(*streambus.BusBuilder)

// WithConfig sets the engine configuration (service name, timings, pool size).
func WithConfig(cfg streambus.Config) Option {
	return func(b *streambus.BusBuilder) { b.WithConfig(cfg) }
}

// WithConsumers attaches the consumer registrations.
func WithConsumers(c *streambus.Consumers) Option {
	return func(b *streambus.BusBuilder) { b.WithConsumers(c) }
}

// WithRegistry shares a subject registry.
func WithRegistry(r *streambus.Registry) Option {
	return func(b *streambus.BusBuilder) { b.WithRegistry(r) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *streambus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *streambus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *streambus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...streambus.Middleware) Option {
	return func(b *streambus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *streambus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...streambus.Observer) Option {
	return func(b *streambus.BusBuilder) { b.WithObserver(obs...) }
}
