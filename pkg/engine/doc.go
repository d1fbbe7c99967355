// Package engine provides the core types and interfaces of the runplane
// orchestrator.
//
// # Core Domain Types
//
//   - Function: registered user code with a kind-specific spec
//   - Task: a function bound to an execution kind (job, build, transform)
//   - Run: one execution attempt of a task
//   - Runnable: the opaque descriptor handed to an external engine
//   - JobStatus: the normalized status an engine reports for a runnable
//
// # Run States
//
// Runs only move forward:
//
//	CREATED -> BUILT -> RUNNING -> COMPLETED
//	   |         |         |
//	   +---------+---------+-----> FAILED
//	   |         |
//	   +---------+---------------> DELETED
//
// Transition rejects any other edge with an INVALID_TRANSITION conflict.
//
// # Error Classification
//
// Every failure that crosses a package boundary is an *EngineError with a
// class and a code. The class drives retry decisions:
//
//   - transient, throttled: the poller retries on its next tick
//   - conflict: a duplicate id or a state change that lost a race
//   - permanent: the run cannot make progress
//
// errors.Is matches an *EngineError against the exported sentinels by class
// and code:
//
//	if errors.Is(err, engine.ErrDuplicateRun) {
//	    // ...
//	}
//
// # Interfaces
//
// Repository persists functions, tasks and runs. EngineClient talks to one
// external execution engine; implementations live under pkg/engines.
package engine
