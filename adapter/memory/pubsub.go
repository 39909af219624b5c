package memory

import (
	"context"
	"sync"

	"github.com/trickstertwo/streambus"
)

type subscription struct {
	store    *Store
	channels []string
	ch       chan streambus.Notification
	once     sync.Once
}

func (s *Store) Notify(ctx context.Context, channel, payload string) error {
	if s.closed.Load() {
		return errClosed
	}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	n := streambus.Notification{Channel: channel, Payload: payload}
	for sub := range s.subs[channel] {
		select {
		case sub.ch <- n:
		default:
		}
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, channels ...string) (streambus.Subscription, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		store:    s,
		channels: channels,
		ch:       make(chan streambus.Notification, s.cfg.SubscriberBuffer),
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, c := range channels {
		set, ok := s.subs[c]
		if !ok {
			set = make(map[*subscription]struct{})
			s.subs[c] = set
		}
		set[sub] = struct{}{}
	}
	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (s *Store) Subscribers(channel string) int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs[channel])
}

func (sub *subscription) Channel() <-chan streambus.Notification { return sub.ch }

func (sub *subscription) Close() error {
	sub.store.subMu.Lock()
	defer sub.store.subMu.Unlock()
	for _, c := range sub.channels {
		if set, ok := sub.store.subs[c]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(sub.store.subs, c)
			}
		}
	}
	sub.closeLocked()
	return nil
}

func (sub *subscription) closeLocked() {
	sub.once.Do(func() { close(sub.ch) })
}
