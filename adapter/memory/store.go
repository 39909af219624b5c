package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/xclock"
)

const StoreName = "memory"

func init() {
	if err := streambus.RegisterStore(StoreName, func(cfg map[string]any) (streambus.Store, error) {
		return NewStore(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("streambus/memory: failed to register store: %w", err))
	}
}

var errClosed = errors.New("memory store is closed")

// Config controls memory store behavior.
type Config struct {
	// SubscriberBuffer is the per-subscription channel size (default: 64).
	// Notifications to a full subscriber are dropped, like an unread pub/sub client.
	SubscriberBuffer int
	// HistoryLimit caps the recorded runs per cron schedule (default: 100).
	HistoryLimit int
	// Clock drives lock expiry and pending idle times (default: xclock.Default()).
	Clock xclock.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	return Config{
		SubscriberBuffer: max(1, getInt("subscriber_buffer", 64)),
		HistoryLimit:     max(1, getInt("history_limit", 100)),
	}
}

// Store implements streambus.Store in process memory (dev/testing).
// One Store may be shared by several buses to stand in for separate processes.
type Store struct {
	cfg   Config
	clock xclock.Clock

	mu        sync.Mutex
	streams   map[string]*stream
	schedules map[string]map[string]float64
	locks     map[string]lockEntry
	crons     map[string]streambus.CronSchedule
	cronRuns  map[string][]time.Time

	subMu  sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed atomic.Bool
}

var (
	_ streambus.Store     = (*Store)(nil)
	_ streambus.CronStore = (*Store)(nil)
)

type streamID struct {
	ms  int64
	seq int64
}

func (id streamID) String() string { return strconv.FormatInt(id.ms, 10) + "-" + strconv.FormatInt(id.seq, 10) }

func (id streamID) less(o streamID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

func parseID(s string) (streamID, bool) {
	ms, seq, found := strings.Cut(s, "-")
	a, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return streamID{}, false
	}
	var b int64
	if found {
		if b, err = strconv.ParseInt(seq, 10, 64); err != nil {
			return streamID{}, false
		}
	}
	return streamID{ms: a, seq: b}, true
}

type record struct {
	id     streamID
	fields map[string]string
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
}

type group struct {
	last    streamID
	pending map[streamID]*pendingEntry
}

type stream struct {
	records []record
	last    streamID
	groups  map[string]*group
}

type lockEntry struct {
	token   string
	expires time.Time
}

// NewStore creates a new in-memory store.
func NewStore(cfg Config) *Store {
	if cfg.SubscriberBuffer < 1 {
		cfg.SubscriberBuffer = 64
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 100
	}
	clk := cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Store{
		cfg:       cfg,
		clock:     clk,
		streams:   make(map[string]*stream),
		schedules: make(map[string]map[string]float64),
		locks:     make(map[string]lockEntry),
		crons:     make(map[string]streambus.CronSchedule),
		cronRuns:  make(map[string][]time.Time),
		subs:      make(map[string]map[*subscription]struct{}),
	}
}

func (s *Store) ensureStream(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

func (s *Store) Append(ctx context.Context, name string, fields map[string]string) (string, error) {
	if s.closed.Load() {
		return "", errClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureStream(name)
	id := streamID{ms: s.clock.Now().UnixMilli()}
	if !st.last.less(id) {
		id = streamID{ms: st.last.ms, seq: st.last.seq + 1}
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	st.records = append(st.records, record{id: id, fields: cp})
	st.last = id
	return id.String(), nil
}

func (s *Store) CreateGroup(ctx context.Context, name, grp, start string) error {
	if s.closed.Load() {
		return errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureStream(name)
	if _, ok := st.groups[grp]; ok {
		return nil
	}
	g := &group{pending: make(map[streamID]*pendingEntry)}
	switch start {
	case "$":
		g.last = st.last
	case "0", "":
	default:
		id, ok := parseID(start)
		if !ok {
			return fmt.Errorf("memory: invalid group start %q", start)
		}
		g.last = id
	}
	st.groups[grp] = g
	return nil
}

// DestroyGroup removes a consumer group, as XGROUP DESTROY would.
func (s *Store) DestroyGroup(name, grp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		delete(st.groups, grp)
	}
}

func (s *Store) ReadGroup(ctx context.Context, q streambus.ReadQuery) ([]streambus.Entry, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[q.Stream]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", q.Stream, q.Group, streambus.ErrGroupNotFound)
	}
	g, ok := st.groups[q.Group]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", q.Stream, q.Group, streambus.ErrGroupNotFound)
	}
	count := q.Count
	if count <= 0 {
		count = len(st.records)
	}
	now := s.clock.Now()

	var out []streambus.Entry
	if q.ID == ">" {
		for _, r := range st.records {
			if len(out) >= count {
				break
			}
			if !g.last.less(r.id) {
				continue
			}
			g.last = r.id
			g.pending[r.id] = &pendingEntry{consumer: q.Consumer, deliveredAt: now}
			out = append(out, toEntry(r))
		}
		return out, nil
	}

	after, ok := parseID(q.ID)
	if !ok {
		return nil, fmt.Errorf("memory: invalid read id %q", q.ID)
	}
	for _, r := range st.records {
		if len(out) >= count {
			break
		}
		p, pending := g.pending[r.id]
		if !pending || p.consumer != q.Consumer || !after.less(r.id) {
			continue
		}
		p.deliveredAt = now
		out = append(out, toEntry(r))
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, name, grp string, ids ...string) error {
	if s.closed.Load() {
		return errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	g, ok := st.groups[grp]
	if !ok {
		return fmt.Errorf("memory: %s/%s: %w", name, grp, streambus.ErrGroupNotFound)
	}
	for _, raw := range ids {
		if id, ok := parseID(raw); ok {
			delete(g.pending, id)
		}
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, name, grp, consumer string, minIdle time.Duration, count int) ([]streambus.Entry, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[name]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", name, grp, streambus.ErrGroupNotFound)
	}
	g, ok := st.groups[grp]
	if !ok {
		return nil, fmt.Errorf("memory: %s/%s: %w", name, grp, streambus.ErrGroupNotFound)
	}
	now := s.clock.Now()
	var out []streambus.Entry
	for _, r := range st.records {
		if count > 0 && len(out) >= count {
			break
		}
		p, pending := g.pending[r.id]
		if !pending || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		out = append(out, toEntry(r))
	}
	return out, nil
}

// Len returns the number of entries in a stream.
func (s *Store) Len(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		return len(st.records)
	}
	return 0
}

// Entries returns a copy of every entry in a stream.
func (s *Store) Entries(name string) []streambus.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]streambus.Entry, 0, len(st.records))
	for _, r := range st.records {
		out = append(out, toEntry(r))
	}
	return out
}

// Pending returns the number of delivered but unacknowledged entries of a group.
func (s *Store) Pending(name, grp string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		if g, ok := st.groups[grp]; ok {
			return len(g.pending)
		}
	}
	return 0
}

func toEntry(r record) streambus.Entry {
	cp := make(map[string]string, len(r.fields))
	for k, v := range r.fields {
		cp[k] = v
	}
	return streambus.Entry{ID: r.id.String(), Fields: cp}
}

func (s *Store) ScheduleAdd(ctx context.Context, key, member string, score float64) error {
	if s.closed.Load() {
		return errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.schedules[key]
	if !ok {
		set = make(map[string]float64)
		s.schedules[key] = set
	}
	set[member] = score
	return nil
}

func (s *Store) ScheduleHead(ctx context.Context, key string) (string, float64, bool, error) {
	if s.closed.Load() {
		return "", 0, false, errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.schedules[key]
	if len(set) == 0 {
		return "", 0, false, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		a, b := set[members[i]], set[members[j]]
		if a != b {
			return a < b
		}
		return members[i] < members[j]
	})
	return members[0], set[members[0]], true, nil
}

func (s *Store) ScheduleRemove(ctx context.Context, key, member string) (bool, error) {
	if s.closed.Load() {
		return false, errClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.schedules[key]
	if _, ok := set[member]; !ok {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

// ScheduleLen returns the number of members waiting under key.
func (s *Store) ScheduleLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules[key])
}

func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (streambus.UnlockFunc, error) {
	if s.closed.Load() {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if l, ok := s.locks[key]; ok && now.Before(l.expires) {
		return nil, streambus.ErrLockNotAcquired
	}
	token := uuid.NewString()
	s.locks[key] = lockEntry{token: token, expires: now.Add(ttl)}
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l, ok := s.locks[key]; ok && l.token == token {
			delete(s.locks, key)
			return nil
		}
		return errors.New("memory: lock no longer held")
	}, nil
}

func (s *Store) CronSchedules(ctx context.Context) ([]streambus.CronSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]streambus.CronSchedule, 0, len(s.crons))
	for _, c := range s.crons {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SaveCronSchedule(ctx context.Context, c streambus.CronSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crons[c.Name] = c
	return nil
}

func (s *Store) RemoveCronSchedule(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.crons, name)
	delete(s.cronRuns, name)
	return nil
}

func (s *Store) LastCronRun(ctx context.Context, name string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.cronRuns[name]
	if len(runs) == 0 {
		return time.Time{}, nil
	}
	return runs[len(runs)-1], nil
}

func (s *Store) RecordCronRun(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := append(s.cronRuns[name], at)
	if len(runs) > s.cfg.HistoryLimit {
		runs = runs[len(runs)-s.cfg.HistoryLimit:]
	}
	s.cronRuns[name] = runs
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, set := range s.subs {
		for sub := range set {
			sub.closeLocked()
		}
	}
	s.subs = make(map[string]map[*subscription]struct{})
	return nil
}
