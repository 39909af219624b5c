package redisstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/streambus"
)

func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for Redis to confirm the subscription before returning, so a
// publish issued afterwards is never missed.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (streambus.Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisstream: subscribe: %w", err)
	}
	sub := &subscription{
		ps:   ps,
		ch:   make(chan streambus.Notification, 64),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel())
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan streambus.Notification
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) forward(in <-chan *redis.Message) {
	defer close(s.ch)
	for m := range in {
		select {
		case s.ch <- streambus.Notification{Channel: m.Channel, Payload: m.Payload}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Channel() <-chan streambus.Notification { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}
