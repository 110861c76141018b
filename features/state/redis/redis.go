// Package redis provides a Redis-backed state.Store for multi-instance
// deployments: status records live under workflow:<id> keys, running
// workflows are tracked in the workflow:active set, and lifecycle events
// fan out over workflow:events:<id> pub/sub channels. Events emitted on
// this instance are always delivered to local subscribers synchronously;
// pub/sub only adds cross-instance propagation.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/state"
)

const (
	keyPrefix    = "workflow:"
	activeKey    = "workflow:active"
	eventsPrefix = "workflow:events:"

	// DefaultRetention is the TTL applied to workflow records. Every write
	// refreshes it, so live workflows never expire mid-run.
	DefaultRetention = 7 * 24 * time.Hour
)

// Store is a Redis-backed state.Store. Safe for concurrent use.
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	origin    string // instance identifier used to drop echoed pub/sub events

	mu        sync.Mutex
	subs      map[string]map[int]state.Subscriber
	pubsubs   map[string]*redis.PubSub
	nextSubID int
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides the TTL applied to terminal records.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New constructs a Store over the given client. It pings the server to
// fail fast on bad configuration.
func New(ctx context.Context, rdb *redis.Client, opts ...Option) (*Store, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &Store{
		rdb:       rdb,
		retention: DefaultRetention,
		origin:    uuid.NewString(),
		subs:      make(map[string]map[int]state.Subscriber),
		pubsubs:   make(map[string]*redis.PubSub),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close shuts down the pub/sub listeners. The client is owned by the
// caller and left open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ps := range s.pubsubs {
		_ = ps.Close()
		delete(s.pubsubs, id)
	}
	return nil
}

func statusKey(id string) string { return keyPrefix + id }
func eventsKey(id string) string { return eventsPrefix + id }

// Create persists a new record, guarding against duplicate IDs with SETNX,
// and adds it to the active set.
func (s *Store) Create(ctx context.Context, st *state.Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", st.ID, err)
	}
	ok, err := s.rdb.SetNX(ctx, statusKey(st.ID), data, s.retention).Result()
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", st.ID, err)
	}
	if !ok {
		return fmt.Errorf("workflow %q already exists", st.ID)
	}
	if err := s.rdb.SAdd(ctx, activeKey, st.ID).Err(); err != nil {
		return fmt.Errorf("track workflow %s: %w", st.ID, err)
	}
	return nil
}

// Get returns the record, or (nil, nil) when the key is missing.
func (s *Store) Get(ctx context.Context, id string) (*state.Status, error) {
	data, err := s.rdb.Get(ctx, statusKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	var st state.Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &st, nil
}

// Update reads, mutates and writes back the record. Unknown IDs are a
// no-op and terminal records are never mutated. A record entering a
// terminal state leaves the active set and picks up the retention TTL.
func (s *Store) Update(ctx context.Context, id string, apply func(*state.Status)) error {
	st, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if st == nil || st.Terminal() {
		return nil
	}
	apply(st)
	st.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, statusKey(id), data, s.retention).Err(); err != nil {
		return fmt.Errorf("update workflow %s: %w", id, err)
	}
	if st.Terminal() {
		if err := s.rdb.SRem(ctx, activeKey, id).Err(); err != nil {
			log.Errorf(ctx, err, "workflow %s: failed to leave active set", id)
		}
	}
	return nil
}

// Delete removes the record and its active-set membership.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, statusKey(id)).Err(); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	if err := s.rdb.SRem(ctx, activeKey, id).Err(); err != nil {
		return fmt.Errorf("untrack workflow %s: %w", id, err)
	}
	return nil
}

// envelope is the pub/sub wire format. Origin lets instances drop the echo
// of their own publishes, since local delivery already happened.
type envelope struct {
	Origin string      `json:"origin"`
	Event  state.Event `json:"event"`
}

// Emit delivers the event to local subscribers synchronously, then
// publishes it for other instances. Publish failures are logged, not
// returned: local delivery is the guarantee, propagation is best effort.
func (s *Store) Emit(ctx context.Context, ev state.Event) error {
	s.deliverLocal(ctx, ev)

	data, err := json.Marshal(envelope{Origin: s.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	if err := s.rdb.Publish(ctx, eventsKey(ev.WorkflowID), data).Err(); err != nil {
		log.Errorf(ctx, err, "workflow %s: publish %s failed", ev.WorkflowID, ev.Type)
	}
	return nil
}

func (s *Store) deliverLocal(ctx context.Context, ev state.Event) {
	s.mu.Lock()
	fns := make([]state.Subscriber, 0, len(s.subs[ev.WorkflowID]))
	for _, fn := range s.subs[ev.WorkflowID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		deliver(ctx, fn, ev)
	}
}

func deliver(ctx context.Context, fn state.Subscriber, ev state.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, fmt.Errorf("panic: %v", r), "workflow %s: subscriber panicked on %s", ev.WorkflowID, ev.Type)
		}
	}()
	fn(ev)
}

// Subscribe registers fn for the workflow's events and starts the
// cross-instance listener for that workflow on first subscription. The
// returned cancel is idempotent; the listener stops when the last
// subscriber cancels.
func (s *Store) Subscribe(id string, fn state.Subscriber) func() {
	s.mu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]state.Subscriber)
	}
	sid := s.nextSubID
	s.nextSubID++
	s.subs[id][sid] = fn
	if _, ok := s.pubsubs[id]; !ok {
		ps := s.rdb.Subscribe(context.Background(), eventsKey(id))
		s.pubsubs[id] = ps
		go s.listen(id, ps)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[id], sid)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
				if ps, ok := s.pubsubs[id]; ok {
					_ = ps.Close()
					delete(s.pubsubs, id)
				}
			}
		})
	}
}

// listen forwards cross-instance events to local subscribers, dropping the
// echo of this instance's own publishes.
func (s *Store) listen(id string, ps *redis.PubSub) {
	ctx := context.Background()
	for msg := range ps.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Errorf(ctx, err, "workflow %s: dropping malformed event", id)
			continue
		}
		if env.Origin == s.origin {
			continue
		}
		s.deliverLocal(ctx, env.Event)
	}
}

// List scans workflow:* keys and returns matching records newest first.
// The scan is not atomic: records created or expired mid-scan may be
// missed, which listing tolerates.
func (s *Store) List(ctx context.Context, f state.Filter) ([]*state.Status, error) {
	var out []*state.Status
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == activeKey || strings.HasPrefix(key, eventsPrefix) {
			continue
		}
		st, err := s.Get(ctx, strings.TrimPrefix(key, keyPrefix))
		if err != nil {
			return nil, err
		}
		if st == nil {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		out = append(out, st)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan workflows: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cleanup prunes active-set members whose record expired or went terminal
// without leaving the set (for example after an instance crash). Terminal
// records themselves expire through their TTL.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	ids, err := s.rdb.SMembers(ctx, activeKey).Result()
	if err != nil {
		return 0, fmt.Errorf("read active set: %w", err)
	}
	var n int
	for _, id := range ids {
		st, err := s.Get(ctx, id)
		if err != nil {
			return n, err
		}
		if st != nil && !st.Terminal() {
			continue
		}
		if err := s.rdb.SRem(ctx, activeKey, id).Err(); err != nil {
			return n, fmt.Errorf("prune workflow %s: %w", id, err)
		}
		n++
	}
	return n, nil
}
