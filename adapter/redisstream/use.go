package redisstream

import (
	"fmt"

	"github.com/trickstertwo/streambus"
)

const StoreName = "redis-streams"

func init() {
	if err := streambus.RegisterStore(StoreName, func(cfg map[string]any) (streambus.Store, error) {
		return NewStore(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("streambus: failed to register store %q: %w", StoreName, err))
	}
}

// Use builds a Bus on Redis and sets it as the default Bus, then returns it.
// It panics when Redis is unreachable or the configuration is invalid.
func Use(cfg Config, opts ...Option) *streambus.Bus {
	bb := streambus.NewBusBuilder().
		WithStore(StoreName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	streambus.SetDefault(bus)
	return bus
}
