package engine

import (
	"context"
)

// FunctionRepository persists functions.
type FunctionRepository interface {
	GetFunction(ctx context.Context, id string) (*Function, error)
	SaveFunction(ctx context.Context, fn *Function) error
	FunctionExists(ctx context.Context, id string) (bool, error)
	DeleteFunction(ctx context.Context, id string) error
}

// TaskRepository persists tasks.
type TaskRepository interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, task *Task) error
	TaskExists(ctx context.Context, id string) (bool, error)
	DeleteTask(ctx context.Context, id string) error
}

// RunRepository persists runs.
type RunRepository interface {
	// GetRun returns an ErrNotFound-coded error when the run does not exist.
	GetRun(ctx context.Context, id string) (*Run, error)

	// SaveRun inserts or replaces the run record.
	SaveRun(ctx context.Context, run *Run) error

	RunExists(ctx context.Context, id string) (bool, error)
	DeleteRun(ctx context.Context, id string) error

	// ListRunsByState returns runs in any of the given states.
	ListRunsByState(ctx context.Context, states ...State) ([]*Run, error)
}

// Repository groups the three entity repositories.
type Repository interface {
	FunctionRepository
	TaskRepository
	RunRepository
}

// EngineClient talks to one external execution engine.
// Implementations classify failures: NewExternalEngineError for conditions
// worth retrying, NewExternalEngineFatalError when the engine reports an error.
type EngineClient interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Submit hands a runnable to the engine and returns its initial status.
	Submit(ctx context.Context, runnable *Runnable) (*JobStatus, error)

	// Status polls the engine for the job behind handle.
	Status(ctx context.Context, handle string) (*JobStatus, error)

	// Cancel asks the engine to stop the job behind handle.
	Cancel(ctx context.Context, handle string) error
}
