// Package simulated is an in-process engine. Jobs advance from pending to
// running to a terminal state as they are polled, which makes it useful for
// local development and for exercising the orchestrator without a cluster.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/engine"
)

// Behavior scripts how a simulated job ends.
type Behavior string

const (
	// BehaviorComplete finishes the job successfully.
	BehaviorComplete Behavior = "complete"

	// BehaviorFail reports the job as failed once it has run.
	BehaviorFail Behavior = "fail"

	// BehaviorMalformed answers every status poll with an empty payload.
	BehaviorMalformed Behavior = "malformed"

	// BehaviorDrop fails every status poll as if the engine were unreachable.
	BehaviorDrop Behavior = "drop"
)

// ParameterBehavior is the run parameter that selects a Behavior when no
// script was registered for the run.
const ParameterBehavior = "simulate"

// Config sets the pace of simulated jobs.
type Config struct {
	// PendingPolls is the number of polls a job reports pending.
	PendingPolls int `yaml:"pending_polls" json:"pending_polls" validate:"min=0"`

	// RunningPolls is the number of polls a job reports running.
	RunningPolls int `yaml:"running_polls" json:"running_polls" validate:"min=0"`

	// FailMessage is reported by jobs scripted to fail.
	FailMessage string `yaml:"fail_message" json:"fail_message"`
}

// DefaultConfig returns a short pending and running phase.
func DefaultConfig() Config {
	return Config{
		PendingPolls: 1,
		RunningPolls: 2,
		FailMessage:  "simulated failure",
	}
}

// Job is the engine-side record of a submitted runnable.
type Job struct {
	Handle    string
	Runnable  *engine.Runnable
	Behavior  Behavior
	Polls     int
	Cancelled bool
}

// Engine implements engine.EngineClient in memory.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	jobs    map[string]*Job
	scripts map[string]Behavior
	logger  zerolog.Logger
}

// New creates a simulated engine.
func New(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		jobs:    make(map[string]*Job),
		scripts: make(map[string]Behavior),
		logger:  logger.With().Str("component", "simulated-engine").Logger(),
	}
}

// Script sets the behavior of the job that will run runID.
func (e *Engine) Script(runID string, b Behavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[runID] = b
}

func (e *Engine) Name() string { return "simulated" }

// Submit registers a job. Resubmitting the same runnable returns the
// existing job.
func (e *Engine) Submit(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewExternalEngineError("submit interrupted", err)
	}
	if runnable == nil || runnable.RunID == "" {
		return nil, engine.NewExternalEngineFatalError("runnable has no run id", nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	handle := "sim-" + runnable.ID
	if job, ok := e.jobs[handle]; ok {
		return e.status(job), nil
	}

	job := &Job{Handle: handle, Runnable: runnable, Behavior: e.behaviorFor(runnable)}
	e.jobs[handle] = job
	e.logger.Debug().
		Str("handle", handle).
		Str("run_id", runnable.RunID).
		Str("behavior", string(job.Behavior)).
		Msg("Job submitted")

	return &engine.JobStatus{State: engine.JobStatePending, Handle: handle, Message: "queued"}, nil
}

func (e *Engine) behaviorFor(r *engine.Runnable) Behavior {
	if b, ok := e.scripts[r.RunID]; ok {
		return b
	}
	if params, ok := r.Payload["parameters"].(map[string]interface{}); ok {
		if b, ok := params[ParameterBehavior].(string); ok && b != "" {
			return Behavior(b)
		}
	}
	return BehaviorComplete
}

// Status advances the job by one poll and reports its state.
func (e *Engine) Status(ctx context.Context, handle string) (*engine.JobStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, engine.NewExternalEngineError("status interrupted", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[handle]
	if !ok {
		return nil, engine.NewExternalEngineFatalError(fmt.Sprintf("unknown job %s", handle), nil)
	}
	job.Polls++

	switch job.Behavior {
	case BehaviorDrop:
		return nil, engine.NewExternalEngineError("engine did not respond", nil).WithResource(handle)
	case BehaviorMalformed:
		return &engine.JobStatus{Handle: handle, Raw: map[string]interface{}{"garbage": true}}, nil
	}
	return e.status(job), nil
}

func (e *Engine) status(job *Job) *engine.JobStatus {
	st := &engine.JobStatus{
		Handle: job.Handle,
		Raw:    map[string]interface{}{"polls": job.Polls},
	}
	switch {
	case job.Cancelled:
		st.State = engine.JobStateError
		st.Message = "cancelled"
	case job.Polls <= e.cfg.PendingPolls:
		st.State = engine.JobStatePending
		st.Message = "queued"
	case job.Polls <= e.cfg.PendingPolls+e.cfg.RunningPolls:
		st.State = engine.JobStateRunning
		st.Message = "running"
	case job.Behavior == BehaviorFail:
		st.State = engine.JobStateFailed
		st.Message = e.cfg.FailMessage
	default:
		st.State = engine.JobStateCompleted
		st.Message = "completed"
	}
	return st
}

// Cancel marks the job cancelled. Cancelling an unknown job is an error.
func (e *Engine) Cancel(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[handle]
	if !ok {
		return engine.NewExternalEngineFatalError(fmt.Sprintf("unknown job %s", handle), nil)
	}
	job.Cancelled = true
	return nil
}

// Job returns a copy of the job behind handle.
func (e *Engine) Job(handle string) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.jobs[handle]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Handles lists the handles of every submitted job.
func (e *Engine) Handles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.jobs))
	for h := range e.jobs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
