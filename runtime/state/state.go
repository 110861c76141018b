// Package state defines the workflow status model shared by the workflow
// engine, the persistence backends and the HTTP layer: lifecycle states,
// per-step records, events and the Store contract. Backends live in
// subpackage inmem and in features/state/redis.
package state

import (
	"context"
	"time"
)

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	// StatePending is the state between submission and admission.
	StatePending WorkflowState = "pending"
	// StateQueued means the concurrency limit was reached and the workflow
	// waits in FIFO order.
	StateQueued WorkflowState = "queued"
	// StateRunning means the driver goroutine is executing steps.
	StateRunning WorkflowState = "running"
	// StateCompleted is the terminal success state.
	StateCompleted WorkflowState = "completed"
	// StateFailed is the terminal failure state.
	StateFailed WorkflowState = "failed"
)

// Terminal reports whether the state is final. Terminal workflows never
// transition again.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StepPhase is the lifecycle state of a single workflow step.
type StepPhase string

const (
	StepPending   StepPhase = "pending"
	StepRunning   StepPhase = "running"
	StepCompleted StepPhase = "completed"
	StepFailed    StepPhase = "failed"
	StepSkipped   StepPhase = "skipped"
)

type (
	// StepState records the progress of one step within a workflow run.
	StepState struct {
		// Index is the zero-based step position.
		Index int `json:"index"`
		// Name is the step name, unique within the workflow.
		Name string `json:"name"`
		// Category is the operation category the step dispatches to.
		Category string `json:"category"`
		// Status is the step lifecycle phase.
		Status StepPhase `json:"status"`
		// Service is the provider that served the step, set on completion.
		Service string `json:"service,omitempty"`
		// Result is the step output, set on completion.
		Result any `json:"result,omitempty"`
		// Error describes the step failure, set on failure.
		Error *ErrorInfo `json:"error,omitempty"`
		// StartedAt is when the step began executing.
		StartedAt *time.Time `json:"startedAt,omitempty"`
		// CompletedAt is when the step reached a terminal phase.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
		// DurationMS is the step wall-clock duration in milliseconds.
		DurationMS int64 `json:"durationMs,omitempty"`
	}

	// ErrorInfo is the structured failure attached to a failed workflow or
	// step.
	ErrorInfo struct {
		// Message is the human-readable failure description.
		Message string `json:"message"`
		// Code is the classification code.
		Code string `json:"code,omitempty"`
		// Step is the name of the failing step.
		Step string `json:"step,omitempty"`
		// Service is the provider that produced the failure.
		Service string `json:"service,omitempty"`
	}

	// Status is the full persisted record of a workflow run.
	Status struct {
		// ID is the workflow run identifier.
		ID string `json:"id"`
		// Name is the workflow definition name.
		Name string `json:"name"`
		// Status is the lifecycle state.
		Status WorkflowState `json:"status"`
		// CurrentStep is the zero-based index of the executing step.
		CurrentStep int `json:"currentStep"`
		// TotalSteps is the number of steps in the definition.
		TotalSteps int `json:"totalSteps"`
		// Steps records per-step progress, one entry per definition step.
		Steps []StepState `json:"steps"`
		// Input is the workflow input as submitted.
		Input any `json:"input,omitempty"`
		// Result is the final step's output, set on completion.
		Result any `json:"result,omitempty"`
		// Error describes the failure, set when Status is failed.
		Error *ErrorInfo `json:"error,omitempty"`
		// CreatedAt is the submission time.
		CreatedAt time.Time `json:"createdAt"`
		// UpdatedAt is the time of the last mutation.
		UpdatedAt time.Time `json:"updatedAt"`
		// CompletedAt is when the workflow reached a terminal state.
		CompletedAt *time.Time `json:"completedAt,omitempty"`
	}
)

// Terminal reports whether the workflow has reached a final state.
func (s *Status) Terminal() bool { return s.Status.Terminal() }

// EventType identifies a workflow lifecycle event.
type EventType string

const (
	EventWorkflowQueued   EventType = "workflow:queued"
	EventWorkflowStarted  EventType = "workflow:started"
	EventWorkflowComplete EventType = "workflow:complete"
	EventWorkflowFailed   EventType = "workflow:failed"
	EventStepStarted      EventType = "step:started"
	EventStepComplete     EventType = "step:complete"
	EventStepFailed       EventType = "step:failed"
	EventStepSkipped      EventType = "step:skipped"
)

// Terminal reports whether the event ends the workflow's event stream.
func (t EventType) Terminal() bool {
	return t == EventWorkflowComplete || t == EventWorkflowFailed
}

// Event is a workflow lifecycle notification delivered to subscribers.
type Event struct {
	// Type identifies the lifecycle transition.
	Type EventType `json:"type"`
	// WorkflowID is the workflow run the event belongs to.
	WorkflowID string `json:"workflowId"`
	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`
	// Data carries event-specific fields (step name, result, error, ...).
	Data map[string]any `json:"data,omitempty"`
}

// Subscriber receives events for a workflow. Subscribers must not block:
// stores invoke them synchronously on the emitting goroutine.
type Subscriber func(Event)

// Filter narrows a List call.
type Filter struct {
	// Status keeps only workflows in the given state when non-empty.
	Status WorkflowState
	// Limit caps the result length when positive.
	Limit int
}

// Store persists workflow status and fans out lifecycle events. Two
// implementations exist: the in-memory default and the Redis backend used
// for multi-instance deployments.
type Store interface {
	// Create persists a new status record. It fails if the ID already
	// exists.
	Create(ctx context.Context, st *Status) error

	// Get returns the status for the ID, or (nil, nil) when unknown.
	Get(ctx context.Context, id string) (*Status, error)

	// Update applies a mutation to the stored status under the store's
	// write lock. Unknown IDs are a silent no-op, and terminal workflows
	// are never mutated further. UpdatedAt is refreshed on every applied
	// mutation.
	Update(ctx context.Context, id string, apply func(*Status)) error

	// Delete removes the record. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id string) error

	// Emit delivers an event to the workflow's subscribers. Delivery to
	// local subscribers is guaranteed; cross-instance propagation is best
	// effort.
	Emit(ctx context.Context, ev Event) error

	// Subscribe registers fn for the workflow's events and returns an
	// idempotent cancel function.
	Subscribe(id string, fn Subscriber) (cancel func())

	// List returns statuses matching the filter, newest first by CreatedAt.
	List(ctx context.Context, f Filter) ([]*Status, error)

	// Cleanup removes expired records and returns how many were pruned.
	Cleanup(ctx context.Context) (int, error)
}

// NewStatus builds the initial status record for a submission, with one
// pending step entry per definition step.
func NewStatus(id, name string, input any, steps []StepState) *Status {
	now := time.Now().UTC()
	return &Status{
		ID:          id,
		Name:        name,
		Status:      StatePending,
		CurrentStep: 0,
		TotalSteps:  len(steps),
		Steps:       steps,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
