package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/streambus/internal/worker"
	"github.com/trickstertwo/xlog"
)

// dispatcher fans stream entries out to consumer routes on a bounded worker pool.
type dispatcher struct {
	bus      *Bus
	index    *consumerIndex
	pool     *worker.Pool
	inflight sync.WaitGroup
}

func newDispatcher(b *Bus, idx *consumerIndex) *dispatcher {
	return &dispatcher{
		bus:   b,
		index: idx,
		pool:  worker.New(b.cfg.Concurrency, b.cfg.QueueSize),
	}
}

// dispatch submits every route bound to subject and acknowledges the entry once
// all of them finished. It blocks while the pool queue is full. done runs after the
// entry is settled.
func (d *dispatcher) dispatch(ctx context.Context, subject string, e Entry, done func()) {
	b := d.bus
	logger := b.logger.With(xlog.Str("subject", subject), xlog.Str("entry_id", e.ID))

	env, ok := envelopeFromFields(e.Fields)
	if !ok {
		logger.Error().Err(ErrMalformedEnvelope).Msg("streambus: entry has no body, dropping")
		b.metrics.droppedCount.Add(1)
		b.notifyAsync(Event{Type: Dropped, Subject: subject, MessageID: e.ID, Err: ErrMalformedEnvelope})
		d.ack(subject, e.ID)
		done()
		return
	}
	del := &Delivery{Subject: subject, EntryID: e.ID, Envelope: env}

	if env.Expired(b.clock.Now()) {
		logger.Debug().Msg("streambus: message expired, skipping")
		b.metrics.droppedCount.Add(1)
		b.notifyAsync(Event{Type: Dropped, Subject: subject, MessageID: e.ID})
		d.ack(subject, e.ID)
		done()
		return
	}

	routes := d.index.routes(subject)
	var (
		wg        sync.WaitGroup
		abandoned atomic.Bool
	)
	for _, r := range routes {
		v, err := r.decode(b.codec, env.Body)
		if err != nil {
			err = fmt.Errorf("%w: %s into %s: %v", ErrMalformedEnvelope, subject, r.typ, err)
			logger.Error().Err(err).Str("consumer", r.name).Msg("streambus: cannot decode message, dropping")
			b.metrics.droppedCount.Add(1)
			b.notifyAsync(Event{Type: Dropped, Subject: subject, Consumer: r.name, MessageID: e.ID, Err: err})
			continue
		}
		wg.Add(1)
		err = d.pool.Submit(ctx, func(context.Context) {
			defer wg.Done()
			d.run(r, del, v)
		})
		if err != nil {
			wg.Done()
			abandoned.Store(true)
			logger.Warn().Err(err).Str("consumer", r.name).Msg("streambus: dispatch abandoned, entry stays pending")
		}
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer done()
		wg.Wait()
		if !abandoned.Load() {
			d.ack(subject, e.ID)
		}
	}()
}

// run invokes one route. Failures are dead-lettered and never returned.
func (d *dispatcher) run(r *route, del *Delivery, v any) {
	b := d.bus
	ctx := b.handlerContext()
	start := b.clock.Now()
	b.metrics.consumeCount.Add(1)
	b.notifyAsync(Event{Type: ConsumeStart, Subject: del.Subject, Group: b.cfg.ServiceName, Consumer: r.name, MessageID: del.EntryID})

	mc := messageContext{bus: b, d: del}
	base := RecoveryMiddleware()(func(ctx context.Context, _ *Delivery) error {
		return r.invoke(ctx, v, mc)
	})
	h := Chain(base, b.middlewares...)

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = &PanicError{Value: rec}
			}
		}()
		err = h(ctx, del)
	}()

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{
		Type:      ConsumeDone,
		Subject:   del.Subject,
		Group:     b.cfg.ServiceName,
		Consumer:  r.name,
		MessageID: del.EntryID,
		Duration:  duration,
		Err:       err,
	})
	if err != nil {
		b.metrics.errorCount.Add(1)
		msg := "streambus: consumer failed"
		if isPanic(err) {
			msg = "streambus: consumer panicked"
		}
		b.logger.Error().
			Err(err).
			Str("subject", del.Subject).
			Str("consumer", r.name).
			Str("entry_id", del.EntryID).
			Msg(msg)
		d.deadLetter(ctx, r, del, err)
	}
}

func (d *dispatcher) deadLetter(ctx context.Context, r *route, del *Delivery, cause error) {
	b := d.bus
	dlq := b.cfg.DeadLetterSubject
	if del.Subject == dlq {
		// a failing dead-letter consumer must not feed its own stream
		return
	}
	payload := json.RawMessage(del.Envelope.Body)
	if !json.Valid(payload) {
		raw, _ := json.Marshal(string(del.Envelope.Body))
		payload = raw
	}
	letter := DeadLetter{
		OriginalSubject: del.Subject,
		OriginalPayload: payload,
		Reason:          cause.Error(),
	}
	body, err := b.codec.Marshal(letter)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", del.Subject).Msg("streambus: cannot encode dead letter")
		return
	}
	if _, err := b.publishEnvelope(ctx, dlq, &Envelope{Body: body}); err != nil {
		b.logger.Error().Err(err).Str("subject", del.Subject).Msg("streambus: dead letter publish failed")
		return
	}
	b.metrics.deadLetterCount.Add(1)
	b.notifyAsync(Event{Type: DeadLettered, Subject: del.Subject, Consumer: r.name, MessageID: del.EntryID, Err: cause})
}

func (d *dispatcher) ack(subject, id string) {
	b := d.bus
	actx := context.Background()
	cancel := func() {}
	if b.cfg.AckTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.cfg.AckTimeout)
	}
	defer cancel()

	if err := b.store.Ack(actx, subject, b.cfg.ServiceName, id); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Subject: subject, MessageID: id, Err: err})
		b.logger.Warn().Err(err).Str("subject", subject).Str("entry_id", id).Msg("streambus: ack failed")
		return
	}
	b.metrics.ackCount.Add(1)
	b.notifyAsync(Event{Type: Ack, Subject: subject, Group: b.cfg.ServiceName, MessageID: id})
}

// drain stops accepting work and waits for in-flight entries to be acknowledged.
func (d *dispatcher) drain() {
	d.pool.Close()
	d.pool.Wait()
	d.inflight.Wait()
}

func isPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
