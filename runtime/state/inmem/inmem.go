// Package inmem provides the default in-process Store. Records live in a
// map guarded by a mutex, subscribers are invoked synchronously, and a
// background sweeper prunes terminal records after a retention window.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/state"
)

const (
	// DefaultRetention is how long terminal records are kept before the
	// sweeper removes them.
	DefaultRetention = 7 * 24 * time.Hour

	// sweepInterval is how often the background sweeper runs.
	sweepInterval = time.Minute
)

// Store is an in-memory state.Store. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*state.Status
	subs      map[string]map[int]state.Subscriber
	nextSubID int
	retention time.Duration

	sweepOnce sync.Once
	stop      chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithRetention overrides how long terminal records are retained.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New constructs an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		records:   make(map[string]*state.Status),
		subs:      make(map[string]map[int]state.Subscriber),
		retention: DefaultRetention,
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweeper. It returns immediately; the
// sweeper stops when ctx is cancelled or Close is called. Calling Start
// more than once is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.sweepOnce.Do(func() {
		go s.sweep(ctx)
	})
}

// Close stops the sweeper.
func (s *Store) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return nil
}

func (s *Store) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			n, _ := s.Cleanup(ctx)
			if n > 0 {
				log.Printf(ctx, "pruned %d expired workflow records", n)
			}
		}
	}
}

// Create persists a new record. The stored copy is detached from the
// caller's value.
func (s *Store) Create(_ context.Context, st *state.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[st.ID]; ok {
		return fmt.Errorf("workflow %q already exists", st.ID)
	}
	s.records[st.ID] = clone(st)
	return nil
}

// Get returns a copy of the record, or (nil, nil) when unknown.
func (s *Store) Get(_ context.Context, id string) (*state.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return clone(st), nil
}

// Update applies the mutation under the write lock. Unknown IDs are a
// no-op and terminal records are never mutated.
func (s *Store) Update(_ context.Context, id string, apply func(*state.Status)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.records[id]
	if !ok {
		return nil
	}
	if st.Terminal() {
		return nil
	}
	apply(st)
	st.UpdatedAt = time.Now().UTC()
	return nil
}

// Delete removes the record and its subscribers.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.subs, id)
	return nil
}

// Emit invokes the workflow's subscribers synchronously. A panicking
// subscriber is recovered and logged so one bad listener cannot take down
// the driver goroutine.
func (s *Store) Emit(ctx context.Context, ev state.Event) error {
	s.mu.RLock()
	fns := make([]state.Subscriber, 0, len(s.subs[ev.WorkflowID]))
	for _, fn := range s.subs[ev.WorkflowID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		deliver(ctx, fn, ev)
	}
	return nil
}

func deliver(ctx context.Context, fn state.Subscriber, ev state.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, fmt.Errorf("panic: %v", r), "workflow %s: subscriber panicked on %s", ev.WorkflowID, ev.Type)
		}
	}()
	fn(ev)
}

// Subscribe registers fn for the workflow's events. The returned cancel
// is idempotent.
func (s *Store) Subscribe(id string, fn state.Subscriber) func() {
	s.mu.Lock()
	if s.subs[id] == nil {
		s.subs[id] = make(map[int]state.Subscriber)
	}
	sid := s.nextSubID
	s.nextSubID++
	s.subs[id][sid] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[id], sid)
			if len(s.subs[id]) == 0 {
				delete(s.subs, id)
			}
		})
	}
}

// List returns matching records newest first.
func (s *Store) List(_ context.Context, f state.Filter) ([]*state.Status, error) {
	s.mu.RLock()
	out := make([]*state.Status, 0, len(s.records))
	for _, st := range s.records {
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		out = append(out, clone(st))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cleanup removes terminal records whose last update is older than the
// retention window.
func (s *Store) Cleanup(_ context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, st := range s.records {
		if !st.Terminal() {
			continue
		}
		if st.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			delete(s.subs, id)
			n++
		}
	}
	return n, nil
}

// Reset drops all records and subscribers. Test hook.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*state.Status)
	s.subs = make(map[string]map[int]state.Subscriber)
}

// clone returns a copy of st detached from the original's Steps slice.
// Input, Result and error payloads are shared; callers treat them as
// immutable once stored.
func clone(st *state.Status) *state.Status {
	cp := *st
	cp.Steps = make([]state.StepState, len(st.Steps))
	copy(cp.Steps, st.Steps)
	if st.Error != nil {
		e := *st.Error
		cp.Error = &e
	}
	return &cp
}
