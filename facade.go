package streambus

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed with SetDefault or an adapter's Use.
func Default() (*Bus, error) {
	defaultBusMu.RLock()
	defer defaultBusMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("streambus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, msg any) (DeliveryToken, error) {
	b, err := Default()
	if err != nil {
		return DeliveryToken{}, err
	}
	return b.Publish(ctx, msg)
}

// PublishWithOptions is the Facade using the default bus.
func PublishWithOptions(ctx context.Context, msg any, opts PublishOptions) (DeliveryToken, error) {
	b, err := Default()
	if err != nil {
		return DeliveryToken{}, err
	}
	return b.PublishWithOptions(ctx, msg, opts)
}
