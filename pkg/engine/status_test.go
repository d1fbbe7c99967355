package engine

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateBuilt, true},
		{StateCreated, StateFailed, true},
		{StateCreated, StateDeleted, true},
		{StateCreated, StateRunning, false},
		{StateBuilt, StateRunning, true},
		{StateBuilt, StateCreated, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateDeleted, false},
		{StateRunning, StateBuilt, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateRunning, false},
		{StateDeleted, StateCreated, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: CanTransitionTo = %v, want %v", tt.from, tt.to, got, tt.want)
		}

		err := Transition("run-1", tt.from, tt.to)
		if tt.want && err != nil {
			t.Errorf("%s -> %s: Transition error = %v", tt.from, tt.to, err)
		}
		if !tt.want && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: Transition error = %v, want ErrInvalidTransition", tt.from, tt.to, err)
		}
	}
}

func TestStateClassification(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateDeleted} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	for _, s := range []State{StateBuilt, StateRunning} {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s should be active and not terminal", s)
		}
	}
	if StateCreated.IsActive() || StateCreated.IsTerminal() {
		t.Error("CREATED should be neither active nor terminal")
	}
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"CREATED":   StateCreated,
		" running ": StateRunning,
		"completed": StateCompleted,
		"":          StateNone,
		"NONE":      StateNone,
		"SUSPENDED": StateNone,
	}
	for in, want := range tests {
		if got := ParseState(in); got != want {
			t.Errorf("ParseState(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StateBuilt)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"BUILT"` {
		t.Errorf("Marshal() = %s", data)
	}

	var s State
	if err := json.Unmarshal([]byte(`""`), &s); err != nil || s != StateNone {
		t.Errorf("Unmarshal(\"\") = %s, %v; want NONE", s, err)
	}
	if err := json.Unmarshal([]byte(`"PAUSED"`), &s); err == nil {
		t.Error("Unmarshal(PAUSED) should fail")
	}
}

func TestParseJobState(t *testing.T) {
	tests := []struct {
		in   string
		want JobState
		ok   bool
	}{
		{"queued", JobStatePending, true},
		{"Running", JobStateRunning, true},
		{"succeeded", JobStateCompleted, true},
		{"FAILED", JobStateFailed, true},
		{"aborted", JobStateError, true},
		{"", "", false},
		{"paused", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseJobState(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseJobState(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}

	if JobStateRunning.IsTerminal() || !JobStateError.IsTerminal() {
		t.Error("unexpected JobState.IsTerminal result")
	}
}

func TestRunCloneIsIndependent(t *testing.T) {
	run := &Run{ID: "r1", Spec: map[string]interface{}{"task_id": "t1"}}
	run.SetStatus(StatusHandle, "h1")

	c := run.Clone()
	c.Spec["task_id"] = "t2"
	c.SetStatus(StatusHandle, "h2")

	if run.Spec["task_id"] != "t1" || run.Handle() != "h1" {
		t.Errorf("original run changed: spec=%v handle=%s", run.Spec, run.Handle())
	}
	if c.Handle() != "h2" {
		t.Errorf("clone handle = %s, want h2", c.Handle())
	}
}
