package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/provider"
	"github.com/prismgate/prism/runtime/state"
)

// Config tunes the workflow executor.
type Config struct {
	// MaxConcurrent bounds the number of workflows running at once.
	// Submissions beyond the bound wait in FIFO order. Defaults to 5.
	MaxConcurrent int
	// StepTimeout is the default per-step deadline. Defaults to 2 minutes.
	StepTimeout time.Duration
	// TotalTimeout is the default whole-run deadline. Defaults to 5
	// minutes.
	TotalTimeout time.Duration
	// Retry configures the provider failover loop.
	Retry provider.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 2 * time.Minute
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 5 * time.Minute
	}
	return c
}

// queued is a submission waiting for a concurrency slot.
type queued struct {
	id    string
	def   *Definition
	input any
}

// Executor runs workflow definitions: it admits submissions up to the
// concurrency bound, queues the rest FIFO, and drives each admitted
// workflow's steps sequentially through the provider failover layer,
// persisting progress to the store and emitting lifecycle events.
type Executor struct {
	cfg   Config
	store state.Store

	text      *provider.Executor[[]provider.ChatMessage, provider.ChunkStream]
	vision    *provider.Executor[[]provider.ChatMessage, provider.ChunkStream]
	image     *provider.Executor[provider.ImageInput, *provider.ImageResult]
	video     *provider.Executor[provider.VideoInput, *provider.VideoResult]
	audio     *provider.Executor[provider.AudioInput, *provider.AudioResult]
	embedding *provider.Executor[provider.EmbeddingInput, *provider.EmbeddingResult]

	mu      sync.Mutex
	defs    map[string]*Definition
	queue   []queued
	running int

	baseCtx context.Context
	wg      sync.WaitGroup

	tracer    trace.Tracer
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
}

// New constructs an executor over the given registry and store. ctx becomes
// the parent context of all driver goroutines; it should carry the process
// logger and stay alive until shutdown.
func New(ctx context.Context, reg *provider.Registry, store state.Store, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	meter := otel.Meter("prism/workflow")
	submitted, _ := meter.Int64Counter("prism.workflows.submitted")
	completed, _ := meter.Int64Counter("prism.workflows.completed")
	failed, _ := meter.Int64Counter("prism.workflows.failed")
	return &Executor{
		cfg:       cfg,
		store:     store,
		text:      provider.NewTextExecutor(reg, cfg.Retry),
		vision:    provider.NewVisionExecutor(reg, cfg.Retry),
		image:     provider.NewImageExecutor(reg, cfg.Retry),
		video:     provider.NewVideoExecutor(reg, cfg.Retry),
		audio:     provider.NewAudioExecutor(reg, cfg.Retry),
		embedding: provider.NewEmbeddingExecutor(reg, cfg.Retry),
		defs:      make(map[string]*Definition),
		baseCtx:   ctx,
		tracer:    otel.Tracer("prism/workflow"),
		submitted: submitted,
		completed: completed,
		failed:    failed,
	}
}

// RegisterDefinition makes a definition submittable by name. Registering
// the same name again replaces the previous definition.
func (e *Executor) RegisterDefinition(def *Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Name] = def
}

// Definitions returns the registered definitions sorted by name.
func (e *Executor) Definitions() []*Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Definition, 0, len(e.defs))
	for _, d := range e.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definition returns the named definition, if registered.
func (e *Executor) Definition(name string) (*Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.defs[name]
	return d, ok
}

// QueueDepth returns the number of submissions waiting for a slot.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// RunningCount returns the number of workflows currently executing.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Status returns the persisted status of a workflow run, or (nil, nil)
// when unknown.
func (e *Executor) Status(ctx context.Context, id string) (*state.Status, error) {
	return e.store.Get(ctx, id)
}

// List returns persisted workflow runs matching the filter.
func (e *Executor) List(ctx context.Context, f state.Filter) ([]*state.Status, error) {
	return e.store.List(ctx, f)
}

// Subscribe registers fn for a workflow's lifecycle events.
func (e *Executor) Subscribe(id string, fn state.Subscriber) func() {
	return e.store.Subscribe(id, fn)
}

// Submit creates a run of the named definition and either starts it
// immediately or queues it when the concurrency bound is reached. The
// returned status reflects the record at creation time (pending).
func (e *Executor) Submit(ctx context.Context, name string, input any) (*state.Status, error) {
	e.mu.Lock()
	def, ok := e.defs[name]
	e.mu.Unlock()
	if !ok {
		return nil, provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("unknown workflow %q", name))
	}

	id := uuid.NewString()
	steps := make([]state.StepState, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = state.StepState{
			Index:    i,
			Name:     s.Name,
			Category: string(s.Category),
			Status:   state.StepPending,
		}
	}
	st := state.NewStatus(id, name, input, steps)
	if err := e.store.Create(ctx, st); err != nil {
		return nil, err
	}
	e.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", name)))

	e.mu.Lock()
	if e.running < e.cfg.MaxConcurrent {
		e.running++
		e.mu.Unlock()
		e.launch(id, def, input)
		return st, nil
	}
	position := len(e.queue) + 1
	e.mu.Unlock()

	// Publish the queued state before the entry can be popped: if it were
	// appended first, a driver finishing concurrently could admit it and
	// emit workflow:started, and this write would then regress the status.
	_ = e.store.Update(ctx, id, func(s *state.Status) { s.Status = state.StateQueued })
	e.emit(ctx, state.EventWorkflowQueued, id, map[string]any{
		"name":     name,
		"position": position,
	})
	log.Printf(ctx, "workflow %s (%s) queued at position %d", id, name, position)

	e.mu.Lock()
	if e.running < e.cfg.MaxConcurrent {
		// A slot freed while the queued state was being published; admit
		// directly. The driver moves the status forward to running.
		e.running++
		e.mu.Unlock()
		e.launch(id, def, input)
		return st, nil
	}
	e.queue = append(e.queue, queued{id: id, def: def, input: input})
	e.mu.Unlock()
	return st, nil
}

// launch starts the driver goroutine for an admitted workflow. The caller
// must have already taken a running slot.
func (e *Executor) launch(id string, def *Definition, input any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(id, def, input)
		e.next()
	}()
}

// next frees the caller's running slot and admits the queue head, if any.
func (e *Executor) next() {
	e.mu.Lock()
	e.running--
	if len(e.queue) == 0 || e.running >= e.cfg.MaxConcurrent {
		e.mu.Unlock()
		return
	}
	q := e.queue[0]
	e.queue = e.queue[1:]
	e.running++
	e.mu.Unlock()
	e.launch(q.id, q.def, q.input)
}

// Wait blocks until all running drivers finish. Shutdown hook.
func (e *Executor) Wait() { e.wg.Wait() }

// drive executes the workflow's steps sequentially until all complete, one
// fails, or the total deadline expires.
func (e *Executor) drive(id string, def *Definition, input any) {
	total := def.TotalTimeout
	if total <= 0 {
		total = e.cfg.TotalTimeout
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, total)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", id),
			attribute.String("workflow.name", def.Name),
		))
	defer span.End()
	started := time.Now()

	_ = e.store.Update(ctx, id, func(s *state.Status) { s.Status = state.StateRunning })
	e.emit(ctx, state.EventWorkflowStarted, id, map[string]any{
		"name":       def.Name,
		"totalSteps": len(def.Steps),
	})
	log.Printf(ctx, "workflow %s (%s) started, %d steps", id, def.Name, len(def.Steps))

	wctx := newContext(id, def.Name, input)
	for i, step := range def.Steps {
		wctx.CurrentStep = i
		_ = e.store.Update(ctx, id, func(s *state.Status) { s.CurrentStep = i })

		if step.SkipIf != nil && step.SkipIf(wctx) {
			now := time.Now().UTC()
			_ = e.store.Update(ctx, id, func(s *state.Status) {
				s.Steps[i].Status = state.StepSkipped
				s.Steps[i].CompletedAt = &now
			})
			e.emit(ctx, state.EventStepSkipped, id, map[string]any{
				"step":   step.Name,
				"reason": "skip condition evaluated true",
			})
			continue
		}

		if err := e.runStep(ctx, wctx, id, def, i, step); err != nil {
			e.fail(ctx, id, def.Name, step, started, err)
			return
		}
	}

	result := finalResult(wctx, def)
	now := time.Now().UTC()
	_ = e.store.Update(ctx, id, func(s *state.Status) {
		s.Status = state.StateCompleted
		s.Result = result
		s.CompletedAt = &now
	})
	durationMS := time.Since(started).Milliseconds()
	e.emit(ctx, state.EventWorkflowComplete, id, map[string]any{
		"result":     result,
		"durationMs": durationMS,
	})
	e.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", def.Name)))
	log.Printf(ctx, "workflow %s (%s) completed in %dms", id, def.Name, durationMS)
}

// runStep resolves the step input, dispatches it to the step's category
// with a per-step deadline and records the outcome.
func (e *Executor) runStep(ctx context.Context, wctx *Context, id string, def *Definition, i int, step Step) error {
	startedAt := time.Now().UTC()
	_ = e.store.Update(ctx, id, func(s *state.Status) {
		s.Steps[i].Status = state.StepRunning
		s.Steps[i].StartedAt = &startedAt
	})
	e.emit(ctx, state.EventStepStarted, id, map[string]any{
		"step":     step.Name,
		"category": string(step.Category),
	})

	in, err := resolveInput(wctx, step)
	if err != nil {
		return err
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = def.StepTimeout
	}
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	result, service, err := e.dispatch(stepCtx, step.Category, in)
	cancel()
	if err != nil {
		return err
	}

	wctx.setResult(i, step.Name, result)
	now := time.Now().UTC()
	durationMS := now.Sub(startedAt).Milliseconds()
	_ = e.store.Update(ctx, id, func(s *state.Status) {
		s.Steps[i].Status = state.StepCompleted
		s.Steps[i].Service = service
		s.Steps[i].Result = result
		s.Steps[i].CompletedAt = &now
		s.Steps[i].DurationMS = durationMS
	})
	e.emit(ctx, state.EventStepComplete, id, map[string]any{
		"step":       step.Name,
		"service":    service,
		"durationMs": durationMS,
	})
	return nil
}

// resolveInput produces the step's input: the explicit transform when set,
// otherwise the step's static input, the previous result, or the workflow
// input, in that order.
func resolveInput(wctx *Context, step Step) (any, error) {
	raw := step.Input
	if raw == nil {
		if prev, err := wctx.PreviousResult(); err == nil {
			raw = prev
		} else {
			raw = wctx.Input
		}
	}
	if step.Transform == nil {
		return raw, nil
	}
	return step.Transform(raw, wctx)
}

// dispatch runs the category operation through the failover layer and
// normalizes the result. Text and vision streams are drained into strings
// under the step deadline.
func (e *Executor) dispatch(ctx context.Context, category provider.Category, in any) (any, string, error) {
	switch category {
	case provider.CategoryText, provider.CategoryVision:
		msgs, err := workflowChatMessages(in)
		if err != nil {
			return nil, "", err
		}
		ex := e.text
		if category == provider.CategoryVision {
			ex = e.vision
		}
		res, err := ex.Execute(ctx, msgs)
		if err != nil {
			return nil, "", err
		}
		text, err := provider.ReadAll(ctx, res.Value)
		if err != nil {
			return nil, "", provider.Classify(err, res.Service)
		}
		return text, res.Service, nil
	case provider.CategoryImage:
		v, ok := in.(provider.ImageInput)
		if !ok {
			coerced, err := InputToImageInput(in, nil)
			if err != nil {
				return nil, "", err
			}
			v = coerced.(provider.ImageInput)
		}
		res, err := e.image.Execute(ctx, v)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Service, nil
	case provider.CategoryVideo:
		v, ok := in.(provider.VideoInput)
		if !ok {
			prompt, sok := in.(string)
			if !sok {
				return nil, "", provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("cannot build video input from %T", in))
			}
			v = provider.VideoInput{Prompt: prompt}
		}
		res, err := e.video.Execute(ctx, v)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Service, nil
	case provider.CategoryAudio:
		v, ok := in.(provider.AudioInput)
		if !ok {
			text, sok := in.(string)
			if !sok {
				return nil, "", provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("cannot build audio input from %T", in))
			}
			v = provider.AudioInput{Input: text}
		}
		res, err := e.audio.Execute(ctx, v)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Service, nil
	case provider.CategoryEmbedding:
		v, ok := in.(provider.EmbeddingInput)
		if !ok {
			switch t := in.(type) {
			case string:
				v = provider.EmbeddingInput{Texts: []string{t}}
			case []string:
				v = provider.EmbeddingInput{Texts: t}
			default:
				return nil, "", provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("cannot build embedding input from %T", in))
			}
		}
		res, err := e.embedding.Execute(ctx, v)
		if err != nil {
			return nil, "", err
		}
		return res.Value, res.Service, nil
	default:
		return nil, "", provider.NewError(provider.CodeInvalidRequest, "", fmt.Sprintf("unknown category %q", category))
	}
}

func workflowChatMessages(in any) ([]provider.ChatMessage, error) {
	if msgs, ok := in.([]provider.ChatMessage); ok {
		return msgs, nil
	}
	return CoerceChatMessages(in)
}

// fail marks the workflow failed, attributing the failure to the step.
func (e *Executor) fail(ctx context.Context, id, name string, step Step, started time.Time, err error) {
	// The run context may already be past its deadline; the terminal state
	// must still persist.
	ctx = context.WithoutCancel(ctx)
	ce := provider.Classify(err, "")
	info := &state.ErrorInfo{
		Message: ce.Message,
		Code:    string(ce.Code),
		Step:    step.Name,
		Service: ce.Service,
	}
	now := time.Now().UTC()
	_ = e.store.Update(ctx, id, func(s *state.Status) {
		i := s.CurrentStep
		if i < len(s.Steps) {
			s.Steps[i].Status = state.StepFailed
			s.Steps[i].Error = info
			s.Steps[i].CompletedAt = &now
			if s.Steps[i].StartedAt != nil {
				s.Steps[i].DurationMS = now.Sub(*s.Steps[i].StartedAt).Milliseconds()
			}
		}
		s.Status = state.StateFailed
		s.Error = info
		s.CompletedAt = &now
	})
	e.emit(ctx, state.EventStepFailed, id, map[string]any{
		"step":  step.Name,
		"error": info,
	})
	e.emit(ctx, state.EventWorkflowFailed, id, map[string]any{
		"error":      info,
		"durationMs": time.Since(started).Milliseconds(),
	})
	e.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", name),
		attribute.String("code", string(ce.Code)),
	))
	log.Errorf(ctx, ce, "workflow %s (%s) failed at step %q", id, name, step.Name)
}

// finalResult returns the last produced step result, skipping over trailing
// skipped steps.
func finalResult(wctx *Context, def *Definition) any {
	for i := len(def.Steps) - 1; i >= 0; i-- {
		if v, ok := wctx.Result(i); ok {
			return v
		}
	}
	return nil
}

func (e *Executor) emit(ctx context.Context, t state.EventType, id string, data map[string]any) {
	_ = e.store.Emit(ctx, state.Event{
		Type:       t,
		WorkflowID: id,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}
