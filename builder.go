package streambus

import (
	"context"
	"slices"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	storeName string
	storeCfg  map[string]any
	storeInst Store

	codecName string
	codecInst Codec

	cfg       *Config
	registry  *Registry
	consumers *Consumers

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	observerWorkers int
	observerBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		observerWorkers: 4,
		observerBuffer:  1000,
	}
}

// WithStore selects a registered store adapter by name.
func (bb *BusBuilder) WithStore(name string, cfg map[string]any) *BusBuilder {
	bb.storeName = name
	bb.storeCfg = cfg
	return bb
}

// WithStoreInstance accepts a ready Store instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithStoreInstance(s Store) *BusBuilder {
	bb.storeInst = s
	return bb
}

func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.cfg = &cfg
	return bb
}

func (bb *BusBuilder) WithRegistry(r *Registry) *BusBuilder {
	bb.registry = r
	return bb
}

func (bb *BusBuilder) WithConsumers(c *Consumers) *BusBuilder {
	bb.consumers = c
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the asynchronous observer dispatch.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = buffer
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithAckTimeout overrides Config.AckTimeout.
func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var (
		st  Store
		err error
	)
	switch {
	case bb.storeInst != nil:
		st = bb.storeInst
	case bb.storeName != "":
		st, err = NewStore(bb.storeName, bb.storeCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoStoreConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	cfg := Defaults()
	if bb.cfg != nil {
		cfg = *bb.cfg
	}
	if bb.ackTimeout > 0 {
		cfg.AckTimeout = bb.ackTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	reg := bb.registry
	if reg == nil {
		reg = NewRegistry()
	}
	consumers := bb.consumers
	if consumers == nil {
		consumers = NewConsumers()
	}
	reg.register(typeOf[DeadLetter](), cfg.DeadLetterSubject, false)
	idx, err := consumers.build(reg)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		store:        st,
		codec:        cd,
		clock:        clk,
		logger:       lg.With(xlog.Str("service", cfg.ServiceName)),
		cfg:          cfg,
		registry:     reg,
		consumers:    idx,
		middlewares:  bb.middlewares,
		observerPool: NewObserverPool(context.Background(), bb.observerWorkers, bb.observerBuffer),
		metrics:      &busMetrics{},
	}
	b.baseCtx = InjectAll(context.Background(), cd, b.logger, clk)

	// a LoggingObserver is always attached, first, unless the caller brought one
	if !slices.ContainsFunc(bb.observers, func(o Observer) bool { _, ok := o.(LoggingObserver); return ok }) {
		b.AddObserver(LoggingObserver{Logger: b.logger})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
