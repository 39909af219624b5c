package streambus_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/streambus/adapter/memory"
)

type OrderPlaced struct {
	OrderID string
	Amount  int64
}

type PriceQuery struct {
	SKU string
}

func (PriceQuery) Subject() string { return "pricing.query" }

type PriceQuote struct {
	SKU   string
	Price int64
}

type Cleanup struct{}

// testConfig keeps the scheduler and readers snappy for tests.
func testConfig(service string) streambus.Config {
	cfg := streambus.ForService(service)
	cfg.PollInterval = 20 * time.Millisecond
	cfg.Backstop = 50 * time.Millisecond
	cfg.ReplyTimeout = 2 * time.Second
	return cfg
}

func newBus(t *testing.T, st *memory.Store, cfg streambus.Config, consumers *streambus.Consumers, opts ...func(*streambus.BusBuilder)) *streambus.Bus {
	t.Helper()
	bb := streambus.NewBusBuilder().
		WithStoreInstance(st).
		WithConfig(cfg).
		WithConsumers(consumers)
	for _, o := range opts {
		o(bb)
	}
	bus, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

// start runs bus in the background and stops it when the test ends.
func start(t *testing.T, bus *streambus.Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("bus did not stop")
		}
	})
}

// collector records every value a consumer sees.
type collector[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (c *collector[T]) handle(_ context.Context, v T) error {
	c.mu.Lock()
	c.seen = append(c.seen, v)
	c.mu.Unlock()
	return nil
}

func (c *collector[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *collector[T]) items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.seen...)
}

func TestPublishDeliversOncePerConsumer(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var audit, billing collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", audit.handle)
	streambus.Handle(consumers, "billing", billing.handle)

	bus := newBus(t, st, testConfig("orders-svc"), consumers)
	start(t, bus)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := bus.Publish(ctx, OrderPlaced{OrderID: "o", Amount: int64(i)})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return audit.len() == 5 && billing.len() == 5 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 5, audit.len())
	assert.Equal(t, 5, billing.len())
	require.Eventually(t, func() bool { return st.Pending("OrderPlaced", "orders-svc") == 0 }, time.Second, 10*time.Millisecond)
}

func TestCatchUpDeliversEarlierMessages(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "late", seen.handle)

	bus := newBus(t, st, testConfig("late-svc"), consumers)

	_, err := bus.Publish(context.Background(), OrderPlaced{OrderID: "before-start"})
	require.NoError(t, err)
	start(t, bus)

	require.Eventually(t, func() bool { return seen.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "before-start", seen.items()[0].OrderID)
}

func TestCompetingInstancesShareEntries(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var count atomic.Int32
	handler := func(context.Context, OrderPlaced) error { count.Add(1); return nil }

	var buses []*streambus.Bus
	for _, id := range []string{"a", "b"} {
		consumers := streambus.NewConsumers()
		streambus.Handle(consumers, "worker", handler)
		cfg := testConfig("workers")
		cfg.Consumer = "workers-" + id
		bus := newBus(t, st, cfg, consumers)
		buses = append(buses, bus)
		start(t, bus)
	}

	for i := 0; i < 20; i++ {
		_, err := buses[i%2].Publish(context.Background(), OrderPlaced{Amount: int64(i)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return count.Load() == 20 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(20), count.Load())
}

func TestSeparateServicesEachReceive(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var a, b collector[OrderPlaced]

	ca := streambus.NewConsumers()
	streambus.Handle(ca, "a", a.handle)
	busA := newBus(t, st, testConfig("service-a"), ca)
	start(t, busA)

	cb := streambus.NewConsumers()
	streambus.Handle(cb, "b", b.handle)
	busB := newBus(t, st, testConfig("service-b"), cb)
	start(t, busB)

	_, err := busA.Publish(context.Background(), OrderPlaced{OrderID: "shared"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.len() == 1 && b.len() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestScheduledMessageFiresOnceAcrossSchedulers(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", seen.handle)

	bus := newBus(t, st, testConfig("sched"), consumers)

	// a second scheduler-only instance on the same store
	other := newBus(t, st, testConfig("sched-peer"), nil)
	start(t, other)
	start(t, bus)

	token, err := bus.PublishWithOptions(context.Background(), OrderPlaced{OrderID: "later"}, streambus.PublishOptions{
		ScheduledTime: time.Now().Add(80 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.True(t, token.Scheduled())
	assert.Empty(t, token.EntryID)

	require.Eventually(t, func() bool { return seen.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, seen.len())
	assert.Equal(t, 0, st.ScheduleLen(streambus.ScheduledMessagesKey))
	assert.Equal(t, 1, st.Len("OrderPlaced"))
}

func TestPastScheduledTimePublishesImmediately(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	bus := newBus(t, st, testConfig("past"), nil)

	token, err := bus.PublishWithOptions(context.Background(), OrderPlaced{OrderID: "now"}, streambus.PublishOptions{
		ScheduledTime: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, token.Scheduled())
	assert.NotEmpty(t, token.EntryID)
	assert.Equal(t, 1, st.Len("OrderPlaced"))
}

func TestCancelScheduledMessage(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", seen.handle)
	bus := newBus(t, st, testConfig("cancel"), consumers)

	ctx := context.Background()
	token, err := bus.PublishWithOptions(ctx, OrderPlaced{OrderID: "never"}, streambus.PublishOptions{
		ScheduledTime: time.Now().Add(150 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Equal(t, 1, st.ScheduleLen(streambus.ScheduledMessagesKey))

	require.NoError(t, bus.Cancel(ctx, token))
	assert.Equal(t, 0, st.ScheduleLen(streambus.ScheduledMessagesKey))

	start(t, bus)
	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, seen.len())
}

func TestScheduledMessageForUnknownSubjectIsDropped(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	bus := newBus(t, st, testConfig("unknown"), nil)

	member, err := json.Marshal(streambus.ScheduledMessage{ID: "x1", Body: `{"a":1}`, Subject: "Nobody"})
	require.NoError(t, err)
	require.NoError(t, st.ScheduleAdd(context.Background(), streambus.ScheduledMessagesKey, string(member), 1))

	start(t, bus)
	require.Eventually(t, func() bool { return st.ScheduleLen(streambus.ScheduledMessagesKey) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, st.Len("Nobody"))
	require.Eventually(t, func() bool { return bus.GetMetrics().Dropped == 1 }, time.Second, 10*time.Millisecond)
}

func TestFailingConsumerIsDeadLettered(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var letters collector[streambus.DeadLetter]
	var okCalls atomic.Int32
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "broken", func(context.Context, OrderPlaced) error {
		return errors.New("card declined")
	})
	streambus.Handle(consumers, "fine", func(context.Context, OrderPlaced) error {
		okCalls.Add(1)
		return nil
	})
	streambus.Handle(consumers, "dlq", letters.handle)

	bus := newBus(t, st, testConfig("dlq"), consumers)
	start(t, bus)

	_, err := bus.Publish(context.Background(), OrderPlaced{OrderID: "o-9", Amount: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return letters.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, letters.len())
	assert.Equal(t, int32(1), okCalls.Load())

	dl := letters.items()[0]
	assert.Equal(t, "OrderPlaced", dl.OriginalSubject)
	assert.Contains(t, dl.Reason, "card declined")
	assert.JSONEq(t, `{"OrderID":"o-9","Amount":3}`, string(dl.OriginalPayload))

	require.Eventually(t, func() bool { return st.Pending("OrderPlaced", "dlq") == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), bus.GetMetrics().DeadLettered)
}

func TestPanickingConsumerIsDeadLettered(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "boom", func(context.Context, OrderPlaced) error {
		panic("nil map")
	})
	bus := newBus(t, st, testConfig("panics"), consumers)
	start(t, bus)

	_, err := bus.Publish(context.Background(), OrderPlaced{OrderID: "p"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return st.Len(streambus.DefaultDeadLetterSubject) == 1 }, 3*time.Second, 10*time.Millisecond)
	body := st.Entries(streambus.DefaultDeadLetterSubject)[0].Fields["Body"]
	var dl streambus.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(body), &dl))
	assert.Contains(t, dl.Reason, "nil map")
}

func TestFailingDeadLetterConsumerDoesNotRecurse(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var calls atomic.Int32
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "dlq", func(context.Context, streambus.DeadLetter) error {
		calls.Add(1)
		return errors.New("still broken")
	})
	bus := newBus(t, st, testConfig("dlq-loop"), consumers)
	start(t, bus)

	_, err := bus.Publish(context.Background(), streambus.DeadLetter{OriginalSubject: "X", OriginalPayload: json.RawMessage(`{}`), Reason: "r"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, st.Len(streambus.DefaultDeadLetterSubject))
}

func TestRequestReply(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	consumers := streambus.NewConsumers()
	streambus.HandleContext(consumers, "pricer", func(ctx context.Context, q PriceQuery, mc streambus.MessageContext) error {
		assert.Equal(t, "th-TH", mc.Locale())
		_, err := mc.Reply(ctx, PriceQuote{SKU: q.SKU, Price: 990})
		return err
	})
	bus := newBus(t, st, testConfig("pricing"), consumers)
	start(t, bus)

	quote, err := streambus.RequestResponse[PriceQuote](context.Background(), bus, PriceQuery{SKU: "sku-1"},
		streambus.PublishOptions{Locale: "th-TH"}, streambus.ReplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, PriceQuote{SKU: "sku-1", Price: 990}, quote)
}

func TestRequestTimesOut(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	bus := newBus(t, st, testConfig("silent"), nil)

	opts := streambus.PublishOptions{SessionID: "s-1"}
	begin := time.Now()
	_, err := bus.Request(context.Background(), PriceQuery{SKU: "x"}, opts, streambus.ReplyOptions{Timeout: 150 * time.Millisecond})
	require.ErrorIs(t, err, streambus.ErrReplyTimeout)
	assert.GreaterOrEqual(t, time.Since(begin), 150*time.Millisecond)
	assert.Zero(t, st.Subscribers("pricing.query_s-1"))
}

func TestReplyWithoutChannel(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	replied := make(chan error, 1)
	consumers := streambus.NewConsumers()
	streambus.HandleContext(consumers, "pricer", func(ctx context.Context, q PriceQuery, mc streambus.MessageContext) error {
		ok, err := mc.Reply(ctx, PriceQuote{})
		assert.False(t, ok)
		replied <- err
		return nil
	})
	bus := newBus(t, st, testConfig("noreply"), consumers)
	start(t, bus)

	_, err := bus.Publish(context.Background(), PriceQuery{SKU: "a"})
	require.NoError(t, err)
	select {
	case err := <-replied:
		assert.ErrorIs(t, err, streambus.ErrNoReplyChannel)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer not called")
	}
}

func TestExpiredMessageIsNotDelivered(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", seen.handle)
	bus := newBus(t, st, testConfig("expiry"), consumers)

	ctx := context.Background()
	_, err := bus.PublishWithOptions(ctx, OrderPlaced{OrderID: "stale"}, streambus.PublishOptions{ExpireAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	_, err = bus.PublishWithOptions(ctx, OrderPlaced{OrderID: "fresh"}, streambus.PublishOptions{ExpireAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	start(t, bus)

	require.Eventually(t, func() bool { return seen.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, seen.len())
	assert.Equal(t, "fresh", seen.items()[0].OrderID)
	require.Eventually(t, func() bool { return st.Pending("OrderPlaced", "expiry") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMalformedBodyIsDroppedAndAcked(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", seen.handle)
	bus := newBus(t, st, testConfig("garbage"), consumers)

	ctx := context.Background()
	_, err := st.Append(ctx, "OrderPlaced", map[string]string{"Id": "no-body"})
	require.NoError(t, err)
	_, err = st.Append(ctx, "OrderPlaced", map[string]string{"Body": "not json"})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, OrderPlaced{OrderID: "good"})
	require.NoError(t, err)
	start(t, bus)

	require.Eventually(t, func() bool { return seen.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return st.Pending("OrderPlaced", "garbage") == 0 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, st.Len(streambus.DefaultDeadLetterSubject))
}

func TestGroupIsRecreatedWhenDestroyed(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var seen collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", seen.handle)
	bus := newBus(t, st, testConfig("regroup"), consumers)
	start(t, bus)

	ctx := context.Background()
	_, err := bus.Publish(ctx, OrderPlaced{OrderID: "1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seen.len() == 1 }, 3*time.Second, 10*time.Millisecond)

	st.DestroyGroup("OrderPlaced", "regroup")
	_, err = bus.Publish(ctx, OrderPlaced{OrderID: "2"})
	require.NoError(t, err)

	// the recreated group starts from GroupStart so the first entry comes again
	require.Eventually(t, func() bool { return seen.len() >= 2 }, 3*time.Second, 10*time.Millisecond)
	ids := make(map[string]bool)
	for _, o := range seen.items() {
		ids[o.OrderID] = true
	}
	assert.True(t, ids["2"])
}

func TestCronFiresOncePerOccurrence(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var calls atomic.Int32
	consumers := streambus.NewConsumers()
	streambus.HandleSubject(consumers, "nightly.cleanup", "janitor", func(context.Context, Cleanup) error {
		calls.Add(1)
		return nil
	})
	cfg := testConfig("cron")
	// yearly schedule with a window wide enough to cover the last occurrence
	cfg.CronWindow = 367 * 24 * time.Hour
	bus := newBus(t, st, cfg, consumers)

	ctx := context.Background()
	require.NoError(t, bus.SaveCron(ctx, streambus.CronSchedule{Name: "yearly", Expression: "0 0 1 1 *", Subject: "nightly.cleanup"}))
	assert.Error(t, bus.SaveCron(ctx, streambus.CronSchedule{Name: "bad", Expression: "nope", Subject: "x"}))

	crons, err := bus.Crons(ctx)
	require.NoError(t, err)
	require.Len(t, crons, 1)

	peer := newBus(t, st, cfg, nil)
	start(t, peer)
	start(t, bus)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "{}", st.Entries("nightly.cleanup")[0].Fields["Body"])

	last, err := st.LastCronRun(ctx, "yearly")
	require.NoError(t, err)
	assert.Equal(t, time.January, last.Month())

	require.NoError(t, bus.RemoveCron(ctx, "yearly"))
	crons, err = bus.Crons(ctx)
	require.NoError(t, err)
	assert.Empty(t, crons)
}

func TestMiddlewareWrapsConsumers(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var attempts atomic.Int32
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "flaky", func(context.Context, OrderPlaced) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	bus := newBus(t, st, testConfig("retry"), consumers, func(bb *streambus.BusBuilder) {
		bb.WithMiddleware(streambus.RetryMiddleware(streambus.RetryConfig{
			MaxAttempts: 3,
			Backoff:     func(int) time.Duration { return time.Millisecond },
		}))
	})
	start(t, bus)

	_, err := bus.Publish(context.Background(), OrderPlaced{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, st.Len(streambus.DefaultDeadLetterSubject))
}

func TestObserversAndMetrics(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var acks atomic.Int32
	obs := streambus.ObserverFunc(func(e streambus.Event) {
		if e.Type == streambus.Ack {
			acks.Add(1)
		}
	})
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "audit", func(context.Context, OrderPlaced) error { return nil })
	bus := newBus(t, st, testConfig("metrics"), consumers, func(bb *streambus.BusBuilder) {
		bb.WithObserver(obs)
	})
	start(t, bus)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), OrderPlaced{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return acks.Load() == 3 }, 3*time.Second, 10*time.Millisecond)

	m := bus.GetMetrics()
	assert.Equal(t, uint64(3), m.Published)
	assert.Equal(t, uint64(3), m.Consumed)
	assert.Equal(t, uint64(3), m.Acked)
	assert.Equal(t, "healthy", bus.Health(context.Background()).Status)
}

func TestRunAndPublishLifecycle(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	bus := newBus(t, st, testConfig("lifecycle"), nil)
	start(t, bus)

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, bus.Run(context.Background()), streambus.ErrAlreadyRunning)

	_, err := bus.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, streambus.ErrInvalidPayload)
	_, err = bus.PublishTo(context.Background(), "", OrderPlaced{})
	assert.ErrorIs(t, err, streambus.ErrInvalidSubject)

	require.NoError(t, bus.Close(context.Background()))
	require.NoError(t, bus.Close(context.Background()))
	_, err = bus.Publish(context.Background(), OrderPlaced{})
	assert.ErrorIs(t, err, streambus.ErrBusClosed)
	assert.Equal(t, "unhealthy", bus.Health(context.Background()).Status)
}

func TestBuildRequiresStore(t *testing.T) {
	_, err := streambus.NewBusBuilder().Build()
	assert.ErrorIs(t, err, streambus.ErrNoStoreConfigured)

	_, err = streambus.NewBusBuilder().WithStore("nope", nil).Build()
	var unknown streambus.ErrUnknownStore
	assert.ErrorAs(t, err, &unknown)
}

func TestMemoryUseInstallsDefault(t *testing.T) {
	bus := memory.Use(memory.Config{}, memory.WithConfig(testConfig("facade")))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	got, err := streambus.Default()
	require.NoError(t, err)
	assert.Same(t, bus, got)

	token, err := streambus.Publish(context.Background(), OrderPlaced{OrderID: "via-default"})
	require.NoError(t, err)
	assert.Equal(t, "OrderPlaced", token.Subject)
}

func TestPublishToSideSubjectKeepsDefaultRoute(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var orders collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "billing", orders.handle)
	bus := newBus(t, st, testConfig("orders-svc"), consumers)
	start(t, bus)

	ctx := context.Background()
	side, err := bus.PublishTo(ctx, "audit.copy", OrderPlaced{OrderID: "copy"})
	require.NoError(t, err)
	assert.Equal(t, "audit.copy", side.Subject)

	tok, err := bus.Publish(ctx, OrderPlaced{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "OrderPlaced", tok.Subject)

	require.Eventually(t, func() bool { return orders.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "o-1", orders.items()[0].OrderID)
	assert.Equal(t, 1, st.Len("audit.copy"))
}

func TestCamelCodecRoundTripsThroughBus(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var got collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "billing", got.handle)
	bus := newBus(t, st, testConfig("orders-svc"), consumers, func(bb *streambus.BusBuilder) {
		bb.WithCodec("json-camel")
	})
	start(t, bus)

	sent := OrderPlaced{OrderID: "o-7", Amount: 42}
	_, err := bus.Publish(context.Background(), sent)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return got.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, sent, got.items()[0])

	entries := st.Entries("OrderPlaced")
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"orderID":"o-7","amount":42}`, entries[0].Fields["Body"])
}

var errStoreDown = errors.New("store down")

// flakyStore fails the operations whose error is set and delegates the rest.
type flakyStore struct {
	streambus.Store
	readErr error
	headErr error
}

func (s *flakyStore) ReadGroup(ctx context.Context, q streambus.ReadQuery) ([]streambus.Entry, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Store.ReadGroup(ctx, q)
}

func (s *flakyStore) ScheduleHead(ctx context.Context, key string) (string, float64, bool, error) {
	if s.headErr != nil {
		return "", 0, false, s.headErr
	}
	return s.Store.ScheduleHead(ctx, key)
}

// runToError builds a bus over st and waits for Run to give up.
func runToError(t *testing.T, st streambus.Store, cfg streambus.Config, consumers *streambus.Consumers) error {
	t.Helper()
	bus, err := streambus.NewBusBuilder().
		WithStoreInstance(st).
		WithConfig(cfg).
		WithConsumers(consumers).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, ctx.Err(), "run ended only because the test timed out")
		return err
	case <-time.After(8 * time.Second):
		t.Fatal("run kept going past the failure bound")
		return nil
	}
}

func TestSchedulerGivesUpAfterConsecutiveFailures(t *testing.T) {
	st := &flakyStore{Store: memory.NewStore(memory.Config{}), headErr: errStoreDown}
	cfg := testConfig("scheduler-only")
	cfg.MaxConsecutiveErrors = 2

	err := runToError(t, st, cfg, nil)
	require.ErrorIs(t, err, errStoreDown)
	assert.ErrorContains(t, err, "scheduler")
}

func TestReaderGivesUpAfterConsecutiveFailures(t *testing.T) {
	st := &flakyStore{Store: memory.NewStore(memory.Config{}), readErr: errStoreDown}
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "billing", func(context.Context, OrderPlaced) error { return nil })
	cfg := testConfig("orders-svc")
	cfg.DisableScheduler = true
	cfg.MaxConsecutiveErrors = 2

	err := runToError(t, st, cfg, consumers)
	require.ErrorIs(t, err, errStoreDown)
	assert.ErrorContains(t, err, "reader OrderPlaced")
}

func TestIdlePendingEntryIsClaimed(t *testing.T) {
	st := memory.NewStore(memory.Config{})
	var got collector[OrderPlaced]
	consumers := streambus.NewConsumers()
	streambus.Handle(consumers, "billing", got.handle)
	cfg := testConfig("orders-svc")
	cfg.ClaimMinIdle = 10 * time.Millisecond
	cfg.ClaimInterval = 20 * time.Millisecond
	bus := newBus(t, st, cfg, consumers)

	ctx := context.Background()
	_, err := bus.Publish(ctx, OrderPlaced{OrderID: "orphan"})
	require.NoError(t, err)

	// another instance read the entry and died before acking it
	require.NoError(t, st.CreateGroup(ctx, "OrderPlaced", "orders-svc", "0"))
	taken, err := st.ReadGroup(ctx, streambus.ReadQuery{Stream: "OrderPlaced", Group: "orders-svc", Consumer: "crashed-instance", ID: ">", Count: 10})
	require.NoError(t, err)
	require.Len(t, taken, 1)
	time.Sleep(20 * time.Millisecond)

	start(t, bus)
	require.Eventually(t, func() bool { return got.len() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "orphan", got.items()[0].OrderID)
	require.Eventually(t, func() bool { return st.Pending("OrderPlaced", "orders-svc") == 0 }, time.Second, 10*time.Millisecond)
}
