package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/poller"
)

// Dispatcher handles run.ready. Events of one run are delivered in order on
// one bus worker, so a duplicate event always sees the state written by the
// first one.
type Dispatcher struct {
	o      *Orchestrator
	logger zerolog.Logger
}

// Handle submits a BUILT run and starts its poller. A RUNNING run only gets
// its poller started, which is how pollers resume after a restart.
func (d *Dispatcher) Handle(ev events.Event) {
	ctx, span := d.o.tracer.Start(context.Background(), "orchestrator.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", ev.RunID))

	logger := d.logger.With().Str("run_id", ev.RunID).Logger()
	if err := d.dispatch(ctx, ev, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Dispatch failed")
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev events.Event, logger zerolog.Logger) error {
	o := d.o
	run, err := o.runs.Get(ctx, ev.RunID)
	if err != nil {
		if engine.IsNotFound(err) {
			logger.Debug().Msg("Run vanished before dispatch")
			return nil
		}
		return err
	}

	switch run.State {
	case engine.StateBuilt:
		runnable, _ := ev.Data[events.DataRunnable].(*engine.Runnable)
		if runnable == nil {
			return d.failRun(ctx, run.ID, engine.NewValidationError("run.ready carries no runnable", nil))
		}
		run, err = d.submit(ctx, run, runnable, logger)
		if err != nil || run == nil {
			return err
		}
	case engine.StateRunning:
	default:
		logger.Debug().Str("state", run.State.String()).Msg("Run not dispatchable, skipping")
		return nil
	}

	return d.startPoller(run, logger)
}

// submit hands the runnable to the publisher of its framework and moves the
// run to RUNNING. It returns a nil run when dispatch ended without a poller.
func (d *Dispatcher) submit(ctx context.Context, run *engine.Run, runnable *engine.Runnable, logger zerolog.Logger) (*engine.Run, error) {
	o := d.o
	publisher, err := o.kinds.Publishers.Get(kinds.PublisherKey(runnable.Framework))
	if err != nil {
		return nil, d.failRun(ctx, run.ID, err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	status, err := publisher.Publish(submitCtx, runnable)
	cancel()
	if err != nil {
		return nil, d.failRun(ctx, run.ID, fmt.Errorf("submit to engine: %w", err))
	}

	running, err := o.runs.Transition(ctx, run.ID, engine.StateRunning, func(r *engine.Run) error {
		r.SetStatus(engine.StatusHandle, status.Handle)
		r.SetStatus(engine.StatusJobState, string(status.State))
		if o.client != nil {
			r.SetStatus(engine.StatusEngine, o.client.Name())
		}
		if status.Message != "" {
			r.SetStatus(engine.StatusMessage, status.Message)
		}
		return nil
	})
	if err != nil {
		if engine.IsConflict(err) {
			// Cancelled or deleted while the engine accepted the job.
			logger.Warn().Str("handle", status.Handle).Msg("Run left BUILT during submit, cancelling engine job")
			d.cancelJob(ctx, status.Handle, logger)
			return nil, nil
		}
		return nil, err
	}

	logger.Info().
		Str("handle", status.Handle).
		Str("framework", runnable.Framework).
		Msg("Run submitted")
	return running, nil
}

func (d *Dispatcher) startPoller(run *engine.Run, logger zerolog.Logger) error {
	o := d.o
	acc, err := o.accessors.ForRun(run)
	if err != nil {
		return err
	}
	factory, err := o.kinds.Workflows.Get(kinds.WorkflowKey(acc.Runtime(), acc.TaskKind()))
	if err != nil {
		return err
	}
	wf, err := factory.Build(run)
	if err != nil {
		return err
	}

	started, err := o.pollers.StartOne(poller.Name(run.ID), wf, o.interval)
	if errors.Is(err, poller.ErrStopping) {
		logger.Debug().Msg("Poller is stopping, not restarting it")
		return nil
	}
	if err != nil {
		return err
	}
	if started {
		logger.Debug().Str("workflow", wf.Name).Msg("Poller started")
	}
	return nil
}

func (d *Dispatcher) failRun(ctx context.Context, id string, cause error) error {
	d.o.failRun(ctx, id, cause)
	return cause
}

func (d *Dispatcher) cancelJob(ctx context.Context, handle string, logger zerolog.Logger) {
	if d.o.client == nil || handle == "" {
		return
	}
	if err := d.o.client.Cancel(ctx, handle); err != nil {
		logger.Warn().Err(err).Str("handle", handle).Msg("Failed to cancel engine job")
	}
}
