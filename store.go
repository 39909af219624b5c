package streambus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Entry is a single stream record.
type Entry struct {
	ID     string
	Fields map[string]string
}

// ReadQuery selects entries for a consumer inside a group.
// ID "0" reads the consumer's pending entries, ">" reads never-delivered ones.
type ReadQuery struct {
	Stream   string
	Group    string
	Consumer string
	ID       string
	Count    int
}

// Notification is a message received on a pub/sub channel.
type Notification struct {
	Channel string
	Payload string
}

// Subscription is an active channel subscription.
type Subscription interface {
	Channel() <-chan Notification
	Close() error
}

// UnlockFunc releases a lock obtained with Store.TryLock.
type UnlockFunc func(ctx context.Context) error

// Store is the Strategy interface over the shared stream store.
type Store interface {
	// Append adds an entry to stream and returns its id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// CreateGroup creates the group, creating the stream when missing. An existing group is not an error.
	CreateGroup(ctx context.Context, stream, group, start string) error
	// ReadGroup reads without blocking. It returns an error matching ErrGroupNotFound when the group is gone.
	ReadGroup(ctx context.Context, q ReadQuery) ([]Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	// Claim transfers entries idle for at least minIdle to consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	Notify(ctx context.Context, channel, payload string) error
	// Subscribe returns once the subscription is confirmed by the store.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	ScheduleAdd(ctx context.Context, key, member string, score float64) error
	// ScheduleHead returns the lowest scored member. ok is false when the set is empty.
	ScheduleHead(ctx context.Context, key string) (member string, score float64, ok bool, err error)
	// ScheduleRemove reports whether member was present.
	ScheduleRemove(ctx context.Context, key, member string) (bool, error)

	// TryLock makes a single attempt. A held key yields ErrLockNotAcquired.
	TryLock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)

	Close(ctx context.Context) error
}

// CronSchedule is a recurring trigger that publishes an empty body on Subject.
type CronSchedule struct {
	Name       string
	Expression string
	Subject    string
}

// CronStore is implemented by stores that persist cron schedules.
type CronStore interface {
	CronSchedules(ctx context.Context) ([]CronSchedule, error)
	SaveCronSchedule(ctx context.Context, s CronSchedule) error
	RemoveCronSchedule(ctx context.Context, name string) error
	// LastCronRun returns the newest recorded occurrence, zero when none.
	LastCronRun(ctx context.Context, name string) (time.Time, error)
	RecordCronRun(ctx context.Context, name string, at time.Time) error
}

// StoreFactory constructs stores from a config blob.
type StoreFactory func(cfg map[string]any) (Store, error)

var (
	storeRegistryMu sync.RWMutex
	storeRegistry   = map[string]StoreFactory{}
)

// RegisterStore registers a backend adapter.
func RegisterStore(name string, factory StoreFactory) error {
	if name == "" {
		return errors.New("store name must not be empty")
	}
	if factory == nil {
		return errors.New("store factory must not be nil")
	}
	storeRegistryMu.Lock()
	storeRegistry[name] = factory
	storeRegistryMu.Unlock()
	return nil
}

// NewStore constructs a store by name with config.
func NewStore(name string, cfg map[string]any) (Store, error) {
	storeRegistryMu.RLock()
	f, ok := storeRegistry[name]
	storeRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownStore{name: name}
	}
	return f(cfg)
}
