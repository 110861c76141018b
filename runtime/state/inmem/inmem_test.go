package inmem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismgate/prism/runtime/state"
	"github.com/prismgate/prism/runtime/state/inmem"
)

func newStatus(id string) *state.Status {
	return state.NewStatus(id, "demo", "hello", []state.StepState{
		{Index: 0, Name: "generate", Category: "text", Status: state.StepPending},
	})
}

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	st := newStatus("wf-1")
	require.NoError(t, s.Create(ctx, st))

	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "wf-1", got.ID)
	assert.Equal(t, state.StatePending, got.Status)
	assert.Len(t, got.Steps, 1)

	// Mutating the returned copy must not touch the stored record.
	got.Steps[0].Status = state.StepFailed
	again, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, state.StepPending, again.Steps[0].Status)
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	require.NoError(t, s.Create(ctx, newStatus("wf-1")))
	require.Error(t, s.Create(ctx, newStatus("wf-1")))
}

func TestGetUnknownIsNilNil(t *testing.T) {
	s := inmem.New()
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	require.NoError(t, s.Create(ctx, newStatus("wf-1")))

	require.NoError(t, s.Update(ctx, "wf-1", func(st *state.Status) {
		st.Status = state.StateRunning
		st.Steps[0].Status = state.StepRunning
	}))
	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, state.StateRunning, got.Status)
	assert.Equal(t, state.StepRunning, got.Steps[0].Status)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestUpdateUnknownIsNoop(t *testing.T) {
	s := inmem.New()
	called := false
	require.NoError(t, s.Update(context.Background(), "missing", func(*state.Status) { called = true }))
	assert.False(t, called)
}

func TestUpdateTerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	require.NoError(t, s.Create(ctx, newStatus("wf-1")))
	now := time.Now().UTC()
	require.NoError(t, s.Update(ctx, "wf-1", func(st *state.Status) {
		st.Status = state.StateCompleted
		st.Result = "done"
		st.CompletedAt = &now
	}))

	require.NoError(t, s.Update(ctx, "wf-1", func(st *state.Status) {
		st.Status = state.StateFailed
	}))
	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, state.StateCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestEmitAndSubscribe(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	var got []state.Event
	cancel := s.Subscribe("wf-1", func(ev state.Event) { got = append(got, ev) })

	require.NoError(t, s.Emit(ctx, state.Event{Type: state.EventWorkflowStarted, WorkflowID: "wf-1"}))
	require.NoError(t, s.Emit(ctx, state.Event{Type: state.EventStepStarted, WorkflowID: "wf-2"}))
	require.Len(t, got, 1)
	assert.Equal(t, state.EventWorkflowStarted, got[0].Type)

	cancel()
	cancel() // idempotent
	require.NoError(t, s.Emit(ctx, state.Event{Type: state.EventWorkflowComplete, WorkflowID: "wf-1"}))
	assert.Len(t, got, 1)
}

func TestEmitRecoversPanickingSubscriber(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	var got int
	s.Subscribe("wf-1", func(state.Event) { panic("boom") })
	s.Subscribe("wf-1", func(state.Event) { got++ })

	require.NoError(t, s.Emit(ctx, state.Event{Type: state.EventWorkflowStarted, WorkflowID: "wf-1"}))
	assert.Equal(t, 1, got, "remaining subscribers still receive the event")
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()

	old := newStatus("wf-old")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, newStatus("wf-new")))
	require.NoError(t, s.Update(ctx, "wf-old", func(st *state.Status) { st.Status = state.StateRunning }))

	all, err := s.List(ctx, state.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "wf-new", all[0].ID, "newest first")

	running, err := s.List(ctx, state.Filter{Status: state.StateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf-old", running[0].ID)

	limited, err := s.List(ctx, state.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCleanupPrunesExpiredTerminal(t *testing.T) {
	ctx := context.Background()
	s := inmem.New(inmem.WithRetention(time.Minute))

	// A terminal record whose last update is past the retention window.
	done := newStatus("wf-done")
	past := time.Now().UTC().Add(-time.Hour)
	done.Status = state.StateCompleted
	done.UpdatedAt = past
	done.CompletedAt = &past
	require.NoError(t, s.Create(ctx, done))
	require.NoError(t, s.Create(ctx, newStatus("wf-live")))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := s.Get(ctx, "wf-done")
	require.NoError(t, err)
	assert.Nil(t, gone)
	live, err := s.Get(ctx, "wf-live")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	require.NoError(t, s.Create(ctx, newStatus("wf-1")))
	require.NoError(t, s.Delete(ctx, "wf-1"))
	require.NoError(t, s.Delete(ctx, "wf-1"))
	got, err := s.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
