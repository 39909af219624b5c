package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus over a fresh in-memory store and sets it as the default.
//
// Example:
//
//	consumers := streambus.NewConsumers()
//	streambus.Handle(consumers, "audit", onOrder)
//	bus := memory.Use(memory.Config{},
//	    memory.WithConsumers(consumers),
//	    memory.WithLogger(logger),
//	)
//
// The returned bus is installed as the process-wide default.
func Use(cfg Config, opts ...Option) *streambus.Bus {
	bb := streambus.NewBusBuilder().
		WithStoreInstance(NewStore(cfg))

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	streambus.SetDefault(bus)
	return bus
}

// Option configures the streambus.Bus when calling Use.
type Option func(*streambus.BusBuilder)

// WithConfig sets the engine configuration.
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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *streambus.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...streambus.Middleware) Option {
	return func(b *streambus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets the ack timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *streambus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...streambus.Observer) Option {
	return func(b *streambus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *streambus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
