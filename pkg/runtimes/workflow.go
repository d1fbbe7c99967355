package runtimes

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/runstate"
)

const stepStatus = "status"

// StatusWorkflow polls an engine for the job behind a run and reconciles
// the run state with what the engine reports. Steps: fetchStatus, reconcile,
// notify.
type StatusWorkflow struct {
	client engine.EngineClient
	runs   *runstate.Manager
	logger zerolog.Logger
}

// NewStatusWorkflow creates the workflow factory for runs executed by client.
func NewStatusWorkflow(client engine.EngineClient, runs *runstate.Manager, logger zerolog.Logger) *StatusWorkflow {
	return &StatusWorkflow{
		client: client,
		runs:   runs,
		logger: logger.With().Str("component", "status-workflow").Logger(),
	}
}

// Build implements kinds.WorkflowFactory.
func (w *StatusWorkflow) Build(run *engine.Run) (*kinds.Workflow, error) {
	if run == nil || run.ID == "" {
		return nil, engine.NewValidationError("workflow needs a persisted run", nil)
	}
	id := run.ID
	return &kinds.Workflow{
		Name:  "status:" + w.client.Name(),
		RunID: id,
		Steps: []kinds.Step{
			w.fetchStatus(id),
			w.reconcile(id),
			w.notify(id),
		},
		Fail: w.fail(id),
	}, nil
}

func (w *StatusWorkflow) fetchStatus(id string) kinds.Step {
	return func(ctx context.Context, sc *kinds.StepContext) (kinds.Outcome, error) {
		run, err := w.runs.Get(ctx, id)
		if err != nil {
			if engine.IsNotFound(err) {
				return kinds.Stop, nil
			}
			return kinds.Continue, engine.NewTransientError("reading run", err).WithResource(id)
		}
		if run.State.IsTerminal() {
			return kinds.Stop, nil
		}
		if run.State != engine.StateRunning {
			return kinds.Continue, engine.NewExternalEngineError(
				fmt.Sprintf("run is %s, waiting for dispatch", run.State), nil).WithResource(id)
		}

		handle := run.Handle()
		if handle == "" {
			return kinds.Continue, engine.NewExternalEngineFatalError("running run has no engine handle", nil).
				WithResource(id)
		}

		status, err := w.client.Status(ctx, handle)
		if err != nil {
			return kinds.Continue, classify("status request failed", err)
		}
		if status == nil || status.State == "" {
			return kinds.Continue, engine.NewExternalEngineError("empty status payload", nil).WithResource(id)
		}

		sc.Logger.Debug().
			Str("handle", handle).
			Str("job_state", string(status.State)).
			Msg("Fetched job status")
		sc.Set(stepStatus, status)
		return kinds.Continue, nil
	}
}

func (w *StatusWorkflow) reconcile(id string) kinds.Step {
	return func(ctx context.Context, sc *kinds.StepContext) (kinds.Outcome, error) {
		v, ok := sc.Get(stepStatus)
		if !ok {
			return kinds.Continue, nil
		}
		status := v.(*engine.JobStatus)
		record := func(run *engine.Run) error {
			run.SetStatus(engine.StatusJobState, string(status.State))
			if status.Message != "" {
				run.SetStatus(engine.StatusMessage, status.Message)
			}
			if status.Raw != nil {
				run.SetStatus(engine.StatusRaw, status.Raw)
			}
			return nil
		}

		switch status.State {
		case engine.JobStatePending, engine.JobStateRunning:
			_, err := w.runs.Update(ctx, id, record)
			return kinds.Continue, err
		case engine.JobStateCompleted:
			_, err := w.runs.Transition(ctx, id, engine.StateCompleted, record)
			if err != nil && errors.Is(err, engine.ErrInvalidTransition) {
				return kinds.Stop, nil
			}
			return kinds.Continue, err
		case engine.JobStateFailed, engine.JobStateError:
			msg := status.Message
			if msg == "" {
				msg = "engine reported " + string(status.State)
			}
			return kinds.Continue, engine.NewExternalEngineFatalError(msg, nil).
				WithResource(id).
				WithDetail(engine.StatusJobState, string(status.State))
		default:
			return kinds.Continue, engine.NewExternalEngineError(
				fmt.Sprintf("unrecognized job state %q", status.State), nil).WithResource(id)
		}
	}
}

func (w *StatusWorkflow) notify(id string) kinds.Step {
	return func(ctx context.Context, sc *kinds.StepContext) (kinds.Outcome, error) {
		run, err := w.runs.Get(ctx, id)
		if err != nil {
			return kinds.Continue, engine.NewTransientError("reading run", err).WithResource(id)
		}
		if run.State.IsTerminal() {
			sc.Logger.Info().Str("state", run.State.String()).Msg("Run finished")
			return kinds.Stop, nil
		}
		return kinds.Continue, nil
	}
}

func (w *StatusWorkflow) fail(id string) kinds.FailFunc {
	return func(ctx context.Context, cause error) error {
		_, err := w.runs.Transition(ctx, id, engine.StateFailed, func(run *engine.Run) error {
			run.SetStatus(engine.StatusReason, cause.Error())
			return nil
		})
		if errors.Is(err, engine.ErrInvalidTransition) {
			w.logger.Debug().Str("run_id", id).Msg("Run already terminal, failure not recorded")
			return nil
		}
		return err
	}
}
