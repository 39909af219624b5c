package redisstream

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"

	"github.com/trickstertwo/streambus"
)

// TryLock makes a single redsync attempt on key.
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (streambus.UnlockFunc, error) {
	if key == "" {
		return nil, errors.New("redisstream: invalid lock key")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mutex := s.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		var errTaken *redsync.ErrTaken
		if errors.As(err, &errTaken) || errors.Is(err, redsync.ErrFailed) {
			return nil, streambus.ErrLockNotAcquired
		}
		return nil, err
	}
	return unlockFunc(mutex), nil
}

func unlockFunc(mutex *redsync.Mutex) streambus.UnlockFunc {
	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("redisstream: failed to unlock")
		}
		return nil
	}
}
