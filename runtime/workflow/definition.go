// Package workflow implements multi-step AI pipelines: declarative
// definitions built with a fluent builder, per-step input transforms, and a
// bounded-concurrency executor that drives steps sequentially through the
// provider failover layer while persisting progress and emitting lifecycle
// events.
package workflow

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/prismgate/prism/runtime/provider"
)

type (
	// SkipFunc decides at run time whether a step should be skipped. It sees
	// the workflow context with all prior results.
	SkipFunc func(wctx *Context) bool

	// Step is one unit of work within a workflow definition.
	Step struct {
		// Name identifies the step within the workflow.
		Name string
		// Category is the provider category the step dispatches to.
		Category provider.Category
		// Input is the static step input. Ignored when Transform is set.
		Input any
		// Transform derives the step input from the workflow input and prior
		// results. When nil the step uses Input, falling back to the workflow
		// input.
		Transform TransformFunc
		// Timeout overrides the executor's per-step timeout when positive.
		Timeout time.Duration
		// SkipIf marks the step skipped without consuming a provider call.
		SkipIf SkipFunc
	}

	// Definition is an immutable description of a workflow.
	Definition struct {
		// Name identifies the definition in the registry and in submissions.
		Name string
		// Description is a human-readable summary surfaced by the HTTP API.
		Description string
		// Steps is the ordered step list. Always at least one entry.
		Steps []Step
		// TotalTimeout bounds the whole run when positive.
		TotalTimeout time.Duration
		// StepTimeout is the default per-step timeout when positive.
		StepTimeout time.Duration
	}
)

// Builder assembles a Definition through chained calls. Builders are not
// safe for concurrent use; build the definition once at startup.
type Builder struct {
	def Definition
}

// NewBuilder starts a definition with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{def: Definition{Name: name}}
}

// Description sets the human-readable summary.
func (b *Builder) Description(d string) *Builder {
	b.def.Description = d
	return b
}

// Step appends a step to the definition.
func (b *Builder) Step(s Step) *Builder {
	b.def.Steps = append(b.def.Steps, s)
	return b
}

// TotalTimeout bounds the whole workflow run.
func (b *Builder) TotalTimeout(d time.Duration) *Builder {
	b.def.TotalTimeout = d
	return b
}

// StepTimeout sets the default per-step timeout.
func (b *Builder) StepTimeout(d time.Duration) *Builder {
	b.def.StepTimeout = d
	return b
}

// Build validates and returns the definition. A definition needs a name,
// at least one step, a valid category on every step and a name on every
// step. Duplicate step names keep the last occurrence addressable by name;
// a warning is logged since that is usually a definition bug.
func (b *Builder) Build(ctx context.Context) (*Definition, error) {
	if b.def.Name == "" {
		return nil, fmt.Errorf("workflow definition requires a name")
	}
	if len(b.def.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q requires at least one step", b.def.Name)
	}
	seen := make(map[string]bool, len(b.def.Steps))
	for i, s := range b.def.Steps {
		if s.Name == "" {
			return nil, fmt.Errorf("workflow %q: step %d has no name", b.def.Name, i)
		}
		if !s.Category.Valid() {
			return nil, fmt.Errorf("workflow %q: step %q has invalid category %q", b.def.Name, s.Name, s.Category)
		}
		if seen[s.Name] {
			log.Printf(ctx, "workflow %q: duplicate step name %q, by-name lookups resolve to the last occurrence", b.def.Name, s.Name)
		}
		seen[s.Name] = true
	}
	def := b.def
	def.Steps = make([]Step, len(b.def.Steps))
	copy(def.Steps, b.def.Steps)
	return &def, nil
}
