package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/streambus"
)

// Store implements streambus.Store and streambus.CronStore on Redis.
type Store struct {
	cfg    Config
	client *redis.Client
	rs     *redsync.Redsync
	owned  bool

	closeOnce sync.Once
}

var (
	_ streambus.Store     = (*Store)(nil)
	_ streambus.CronStore = (*Store)(nil)
)

// NewStore dials Redis and verifies the connection.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	s := NewStoreFromClient(client, cfg)
	s.owned = true
	return s, nil
}

// NewStoreFromClient wraps an existing client. Close leaves the client open.
func NewStoreFromClient(client *redis.Client, cfg Config) *Store {
	if cfg.CronHistoryLen < 1 {
		cfg.CronHistoryLen = Defaults().CronHistoryLen
	}
	return &Store{
		cfg:    cfg,
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
	}
}

// Client exposes the underlying Redis client.
func (s *Store) Client() *redis.Client { return s.client }

// Append adds an entry with XADD, trimming approximately when MaxLenApprox is set.
func (s *Store) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: vals,
	}
	if s.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.cfg.MaxLenApprox
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

func (s *Store) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadGroup issues a non-blocking XREADGROUP.
func (s *Store) ReadGroup(ctx context.Context, q streambus.ReadQuery) ([]streambus.Entry, error) {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: q.Consumer,
		Streams:  []string{q.Stream, q.ID},
		Count:    int64(max(1, q.Count)),
		Block:    -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapGroupErr(err)
	}
	var out []streambus.Entry
	for _, st := range res {
		out = append(out, toEntries(st.Messages)...)
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return mapGroupErr(s.client.XAck(ctx, stream, group, ids...).Err())
}

// Claim reassigns entries idle for at least minIdle, the way a crashed consumer's
// backlog is recovered: XPENDING to find them, XCLAIM to take them.
func (s *Store) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]streambus.Entry, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(max(1, count)),
		Idle:   minIdle,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapGroupErr(err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapGroupErr(err)
	}
	return toEntries(msgs), nil
}

// Close gracefully shuts down the store.
func (s *Store) Close(_ context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.owned {
			err = s.client.Close()
		}
	})
	return err
}

func toEntries(msgs []redis.XMessage) []streambus.Entry {
	out := make([]streambus.Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = asString(v)
		}
		out = append(out, streambus.Entry{ID: m.ID, Fields: fields})
	}
	return out
}

func mapGroupErr(err error) error {
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		return fmt.Errorf("redisstream: %v: %w", err, streambus.ErrGroupNotFound)
	}
	return err
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
