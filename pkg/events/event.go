// Package events is the in-process event bus that decouples run creation
// from dispatch and polling.
package events

import (
	"time"
)

// Event types.
const (
	// TypeRunReady is published once a run is BUILT and its runnable exists.
	TypeRunReady = "run.ready"

	// TypeRunStateChanged is published after every persisted state transition.
	TypeRunStateChanged = "run.state_changed"

	// TypeRunPollFailed is published when a poll tick fails.
	TypeRunPollFailed = "run.poll_failed"
)

// Data keys carried by run events.
const (
	DataFrom      = "from"
	DataTo        = "to"
	DataRunnable  = "runnable"
	DataError     = "error"
	DataTransient = "transient"
)

// Event is a message on the bus. Events with the same RunID are delivered in
// publish order.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Handler processes one event. It runs on a bus worker goroutine.
type Handler func(ev Event)

// Filter selects events for a SubscribeAll handler.
type Filter func(ev Event) bool

// FilterByType allows only the given event types.
func FilterByType(types ...string) Filter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(ev Event) bool {
		return set[ev.Type]
	}
}

// FilterByRunID allows only the events of one run.
func FilterByRunID(runID string) Filter {
	return func(ev Event) bool {
		return ev.RunID == runID
	}
}
