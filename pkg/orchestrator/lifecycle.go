package orchestrator

import (
	"context"
	"fmt"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/poller"
)

// ReasonCancelled is the status reason of a cancelled run.
const ReasonCancelled = "cancelled"

// CancelRun stops the run's poller and moves the run to FAILED with reason
// "cancelled". A job already submitted is cancelled at the engine. Terminal
// runs are returned unchanged.
func (o *Orchestrator) CancelRun(ctx context.Context, id string) (*engine.Run, error) {
	if err := o.pollers.Stop(ctx, poller.Name(id)); err != nil {
		return nil, err
	}

	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}

	if run.State == engine.StateRunning && o.client != nil && run.Handle() != "" {
		if err := o.client.Cancel(ctx, run.Handle()); err != nil {
			o.logger.Warn().Err(err).Str("run_id", id).Msg("Engine refused cancellation")
		}
	}

	cancelled, err := o.runs.Transition(ctx, id, engine.StateFailed, func(r *engine.Run) error {
		r.SetStatus(engine.StatusReason, ReasonCancelled)
		return nil
	})
	if err != nil {
		if engine.IsConflict(err) {
			return o.runs.Get(ctx, id)
		}
		return nil, err
	}

	o.logger.Info().Str("run_id", id).Msg("Run cancelled")
	return cancelled, nil
}

// DeleteRun stops the run's poller, marks a CREATED or BUILT run DELETED,
// cancels a RUNNING one, and removes the record.
func (o *Orchestrator) DeleteRun(ctx context.Context, id string) error {
	if err := o.pollers.Stop(ctx, poller.Name(id)); err != nil {
		return err
	}

	run, err := o.runs.Get(ctx, id)
	if err != nil {
		return err
	}

	switch run.State {
	case engine.StateRunning:
		if _, err := o.CancelRun(ctx, id); err != nil {
			return err
		}
	case engine.StateCreated, engine.StateBuilt:
		if _, err := o.runs.Transition(ctx, id, engine.StateDeleted, nil); err != nil && !engine.IsConflict(err) {
			return err
		}
	}

	err = o.runs.WithLock(id, func() error {
		return o.repo.DeleteRun(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	o.logger.Info().Str("run_id", id).Msg("Run deleted")
	return nil
}

// Recover re-publishes run.ready for every BUILT or RUNNING run so their
// dispatch and polling resume after a restart. It returns the number of
// runs recovered.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	runs, err := o.repo.ListRunsByState(ctx, engine.StateBuilt, engine.StateRunning)
	if err != nil {
		return 0, fmt.Errorf("list in-flight runs: %w", err)
	}

	recovered := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		data := map[string]interface{}{}
		if run.State == engine.StateBuilt {
			runnable, err := o.runnableOf(run)
			if err != nil {
				o.logger.Error().Err(err).Str("run_id", run.ID).Msg("Cannot package recovered run")
				o.failRun(ctx, run.ID, err)
				continue
			}
			data[events.DataRunnable] = runnable
		}

		if err := o.bus.Publish(ctx, events.Event{
			Type:    events.TypeRunReady,
			Source:  "recovery",
			RunID:   run.ID,
			Message: "recovered " + run.State.String(),
			Data:    data,
		}); err != nil {
			return recovered, err
		}
		recovered++
	}

	o.logger.Info().Int("runs", recovered).Msg("In-flight runs recovered")
	return recovered, nil
}

func (o *Orchestrator) runnableOf(run *engine.Run) (*engine.Runnable, error) {
	acc, err := o.accessors.ForRun(run)
	if err != nil {
		return nil, err
	}
	rt, err := o.runtimes.Get(acc.Runtime())
	if err != nil {
		return nil, err
	}
	return rt.Run(run)
}

// Close stops every poller. The bus is owned by the caller.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.pollers.StopAll(ctx)
}
