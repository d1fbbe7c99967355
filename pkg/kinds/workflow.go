package kinds

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Outcome tells the poller whether to keep polling after a step.
type Outcome int

const (
	// Continue runs the next step, or waits for the next tick after the last one.
	Continue Outcome = iota

	// Stop ends the poller. No further steps run.
	Stop
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StepContext carries data between the steps of one tick.
type StepContext struct {
	RunID  string
	Tick   int
	Logger zerolog.Logger

	values map[string]interface{}
}

// NewStepContext creates the context of one tick.
func NewStepContext(runID string, tick int, logger zerolog.Logger) *StepContext {
	return &StepContext{
		RunID:  runID,
		Tick:   tick,
		Logger: logger,
		values: make(map[string]interface{}),
	}
}

// Set stores a value for later steps.
func (sc *StepContext) Set(key string, value interface{}) {
	sc.values[key] = value
}

// Get returns a value stored by an earlier step.
func (sc *StepContext) Get(key string) (interface{}, bool) {
	v, ok := sc.values[key]
	return v, ok
}

// Step is one unit of a polling workflow.
type Step func(ctx context.Context, sc *StepContext) (Outcome, error)

// FailFunc records a fatal polling error on the run.
type FailFunc func(ctx context.Context, cause error) error

// Workflow is the ordered list of steps a poller runs on every tick.
type Workflow struct {
	Name  string
	RunID string
	Steps []Step
	Fail  FailFunc
}

// Validate checks that the workflow can be run.
func (w *Workflow) Validate() error {
	if w == nil {
		return fmt.Errorf("workflow is nil")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", w.Name)
	}
	for i, s := range w.Steps {
		if s == nil {
			return fmt.Errorf("workflow %s step %d is nil", w.Name, i)
		}
	}
	return nil
}
