package workflow

import "fmt"

// Context carries the run-time state a transform or skip predicate can see:
// the workflow identity, the submitted input and the results of completed
// steps. It is owned by the driver goroutine and never shared across
// goroutines, so it needs no locking.
type Context struct {
	// WorkflowID is the run identifier.
	WorkflowID string
	// WorkflowName is the definition name.
	WorkflowName string
	// Input is the input as submitted.
	Input any
	// CurrentStep is the zero-based index of the executing step.
	CurrentStep int

	results map[int]any
	byName  map[string]any
}

func newContext(id, name string, input any) *Context {
	return &Context{
		WorkflowID:   id,
		WorkflowName: name,
		Input:        input,
		results:      make(map[int]any),
		byName:       make(map[string]any),
	}
}

// Result returns the result of the step at the given index.
func (c *Context) Result(index int) (any, bool) {
	v, ok := c.results[index]
	return v, ok
}

// ResultByName returns the result of the named step. With duplicate step
// names the last completed occurrence wins.
func (c *Context) ResultByName(name string) (any, bool) {
	v, ok := c.byName[name]
	return v, ok
}

// PreviousResult returns the result of the step immediately before the
// current one. It fails for the first step and when the previous step was
// skipped.
func (c *Context) PreviousResult() (any, error) {
	if c.CurrentStep == 0 {
		return nil, fmt.Errorf("step %d has no previous step", c.CurrentStep)
	}
	v, ok := c.results[c.CurrentStep-1]
	if !ok {
		return nil, fmt.Errorf("step %d produced no result", c.CurrentStep-1)
	}
	return v, nil
}

func (c *Context) setResult(index int, name string, v any) {
	c.results[index] = v
	c.byName[name] = v
}
