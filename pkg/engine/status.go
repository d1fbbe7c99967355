package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the lifecycle state of a run (and of other stored entities).
type State string

const (
	// StateNone is the sentinel for a missing or unrecognized stored state.
	// It is never persisted; entity builders turn it into StateCreated.
	StateNone State = "NONE"

	// StateCreated is the initial state of every run.
	StateCreated State = "CREATED"

	// StateBuilt indicates the runtime produced the final run spec.
	StateBuilt State = "BUILT"

	// StateRunning indicates the runnable was handed to an external engine.
	StateRunning State = "RUNNING"

	// StateCompleted indicates the external engine reported success.
	StateCompleted State = "COMPLETED"

	// StateFailed indicates the run failed during build, dispatch or execution.
	StateFailed State = "FAILED"

	// StateDeleted indicates the run was deleted before dispatch.
	StateDeleted State = "DELETED"
)

// transitions is the forward-only run state graph.
var transitions = map[State][]State{
	StateCreated: {StateBuilt, StateFailed, StateDeleted},
	StateBuilt:   {StateRunning, StateFailed, StateDeleted},
	StateRunning: {StateCompleted, StateFailed},
}

// ParseState normalizes a stored state value. Unknown values map to StateNone.
func ParseState(value string) State {
	s := State(strings.ToUpper(strings.TrimSpace(value)))
	if s.Validate() != nil {
		return StateNone
	}
	return s
}

// IsTerminal returns true if no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeleted
}

// IsActive returns true if the run is waiting for, or being executed by, an engine.
func (s State) IsActive() bool {
	return s == StateBuilt || s == StateRunning
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate checks if the state is a persisted run state.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateBuilt, StateRunning,
		StateCompleted, StateFailed, StateDeleted:
		return nil
	default:
		return fmt.Errorf("invalid run state: %s", s)
	}
}

// String implements fmt.Stringer.
func (s State) String() string {
	return string(s)
}

// Transition validates a state change for the given run.
func Transition(runID string, from, to State) error {
	if !from.CanTransitionTo(to) {
		return NewInvalidTransitionError(runID, from, to)
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
// An empty value decodes to StateNone.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" || str == string(StateNone) {
		*s = StateNone
		return nil
	}
	*s = State(str)
	return s.Validate()
}

// EntityType names the entity a spec or accessor belongs to.
type EntityType string

const (
	EntityFunction EntityType = "FUNCTION"
	EntityTask     EntityType = "TASK"
	EntityRun      EntityType = "RUN"
	EntityWorkflow EntityType = "WORKFLOW"
)

// Validate checks if the entity type is known.
func (e EntityType) Validate() error {
	switch e {
	case EntityFunction, EntityTask, EntityRun, EntityWorkflow:
		return nil
	default:
		return fmt.Errorf("invalid entity type: %s", e)
	}
}

// JobState is the normalized state reported by an external engine.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateError     JobState = "error"
)

// ParseJobState normalizes an engine-reported state string.
// The second return value is false for anything the engine should not report.
func ParseJobState(value string) (JobState, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending", "queued", "created", "submitted":
		return JobStatePending, true
	case "running", "active", "started":
		return JobStateRunning, true
	case "completed", "succeeded", "success", "done":
		return JobStateCompleted, true
	case "failed", "failure":
		return JobStateFailed, true
	case "error", "aborted":
		return JobStateError, true
	default:
		return "", false
	}
}

// IsTerminal returns true if the engine will not change this job state again.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateError
}
