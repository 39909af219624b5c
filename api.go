package streambus

import "context"

// API represents the complete streambus surface for extensibility.
type API interface {
	Publish(ctx context.Context, msg any) (DeliveryToken, error)
	PublishTo(ctx context.Context, subject string, msg any) (DeliveryToken, error)
	PublishWithOptions(ctx context.Context, msg any, opts PublishOptions) (DeliveryToken, error)
	Cancel(ctx context.Context, token DeliveryToken) error
	Request(ctx context.Context, msg any, opts PublishOptions, ropts ReplyOptions) ([]byte, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API           = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)
