// Package orchestrator creates runs, dispatches them to external engines and
// owns their lifecycle operations (cancel, delete, recover after restart).
//
// CreateRun validates and persists a run, builds it through its runtime and
// publishes run.ready. Dispatch happens on the event bus: the Dispatcher
// submits the runnable, moves the run to RUNNING and starts the poller that
// reconciles the run with the engine.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/runplane/runplane/pkg/accessors"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/poller"
	"github.com/runplane/runplane/pkg/runstate"
	"github.com/runplane/runplane/pkg/runtimes"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/urn"
)

// Admitter decides whether a resolved run may be created.
type Admitter interface {
	AdmitRun(ctx context.Context, run *engine.Run, task *engine.Task, fn *engine.Function) error
}

// Recorder observes created runs.
type Recorder interface {
	RecordRunCreated(kind string, local bool)
}

// Bus is the part of the event bus the orchestrator uses.
type Bus interface {
	Publish(ctx context.Context, ev events.Event) error
	Subscribe(eventType string, handler events.Handler)
}

// Deps are the collaborators of an Orchestrator. Engine is optional; without
// it cancellation does not reach the external engine.
type Deps struct {
	Repo      engine.Repository
	Specs     *specs.Registry
	Accessors *accessors.Registry
	Runtimes  *runtimes.Registry
	Kinds     *kinds.Registries
	Runs      *runstate.Manager
	Bus       Bus
	Pollers   *poller.Service
	Engine    engine.EngineClient
	Logger    zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdmitter sets the admission policy check.
func WithAdmitter(a Admitter) Option {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithRecorder sets the run creation recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithPollInterval sets the interval of the pollers started at dispatch.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithSubmitTimeout bounds a single engine submission.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.submitTimeout = d
		}
	}
}

// WithIDGenerator replaces the generator of run ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator implements the run lifecycle.
type Orchestrator struct {
	repo      engine.Repository
	specs     *specs.Registry
	accessors *accessors.Registry
	runtimes  *runtimes.Registry
	kinds     *kinds.Registries
	runs      *runstate.Manager
	bus       Bus
	pollers   *poller.Service
	client    engine.EngineClient

	admitter Admitter
	recorder Recorder
	tracer   trace.Tracer
	logger   zerolog.Logger

	interval      time.Duration
	submitTimeout time.Duration
	newID         func() string
	now           func() time.Time

	dispatcher *Dispatcher
}

// New creates an orchestrator and subscribes its dispatcher to run.ready.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Repo == nil || deps.Specs == nil || deps.Accessors == nil || deps.Runtimes == nil ||
		deps.Kinds == nil || deps.Runs == nil || deps.Bus == nil || deps.Pollers == nil {
		return nil, fmt.Errorf("orchestrator: incomplete dependencies")
	}

	o := &Orchestrator{
		repo:          deps.Repo,
		specs:         deps.Specs,
		accessors:     deps.Accessors,
		runtimes:      deps.Runtimes,
		kinds:         deps.Kinds,
		runs:          deps.Runs,
		bus:           deps.Bus,
		pollers:       deps.Pollers,
		client:        deps.Engine,
		tracer:        otel.Tracer("runplane/orchestrator"),
		logger:        deps.Logger.With().Str("component", "orchestrator").Logger(),
		interval:      poller.DefaultConfig().Interval,
		submitTimeout: 30 * time.Second,
		newID:         uuid.NewString,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.dispatcher = &Dispatcher{o: o, logger: o.logger.With().Str("handler", "dispatcher").Logger()}
	o.bus.Subscribe(events.TypeRunReady, o.dispatcher.Handle)
	return o, nil
}

// CreateRun validates, resolves and persists a run. A local run is stored in
// its initial state and returned. Any other run is built, stored as BUILT and
// announced with run.ready; CreateRun does not wait for the engine. When the
// announcement fails the run stays BUILT and the error is returned.
func (o *Orchestrator) CreateRun(ctx context.Context, run *engine.Run) (*engine.Run, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CreateRun")
	defer span.End()

	created, rt, err := o.createRun(ctx, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("run.id", created.ID),
		attribute.String("run.kind", created.Kind),
		attribute.String("run.state", created.State.String()),
	)

	local := created.State != engine.StateBuilt
	if o.recorder != nil {
		o.recorder.RecordRunCreated(created.Kind, local)
	}
	logger := o.logger.With().Str("run_id", created.ID).Str("task", created.Task).Logger()
	if local {
		logger.Info().Msg("Local run created")
		return created, nil
	}
	o.publishTransition(ctx, created, engine.StateCreated)

	runnable, err := rt.Run(created)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to package run")
		o.failRun(ctx, created.ID, err)
		return nil, err
	}

	if err := o.bus.Publish(ctx, events.Event{
		Type:   events.TypeRunReady,
		Source: "orchestrator",
		RunID:  created.ID,
		Data:   map[string]interface{}{events.DataRunnable: runnable},
	}); err != nil {
		// The run stays BUILT; Recover re-publishes it on the next start.
		logger.Error().Err(err).Msg("Failed to publish run.ready")
		err = engine.NewRunNotPublishedError(created.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Info().Str("runnable_id", runnable.ID).Msg("Run built")
	return created, nil
}

func (o *Orchestrator) createRun(ctx context.Context, run *engine.Run) (*engine.Run, runtimes.Runtime, error) {
	if run == nil {
		return nil, nil, engine.NewValidationError("run is required", nil)
	}
	in := run.Clone()

	spec, err := o.specs.CreateSpec(in.Kind, engine.EntityRun, in.Spec)
	if err != nil {
		return nil, nil, err
	}
	runSpec, ok := spec.(*specs.RunSpec)
	if !ok {
		return nil, nil, engine.NewTypeMismatchError("*specs.RunSpec", spec)
	}
	if in.ID == "" {
		in.ID = o.newID()
	}

	var rt runtimes.Runtime
	err = o.runs.WithLock(in.ID, func() error {
		exists, err := o.repo.RunExists(ctx, in.ID)
		if err != nil {
			return err
		}
		if exists {
			return engine.NewDuplicateRunError(in.ID)
		}

		task, fn, ref, err := o.resolve(ctx, runSpec.TaskID)
		if err != nil {
			return err
		}
		runRef, err := urn.BuildRun(ref.ForTask(task.Kind))
		if err != nil {
			return err
		}
		in.TaskID = task.ID
		in.Project = ref.Project
		in.Task = runRef
		runSpec.Task = runRef
		in.Spec = runSpec.ToMap()

		if o.admitter != nil {
			if err := o.admitter.AdmitRun(ctx, in, task, fn); err != nil {
				return err
			}
		}

		acc, err := o.accessors.ForRun(in)
		if err != nil {
			return err
		}
		in.State = accessors.DefaultState(acc)
		if in.State != engine.StateCreated {
			return engine.NewValidationError(fmt.Sprintf("a new run cannot start in state %s", in.State), nil).
				WithResource(in.ID)
		}
		now := o.now()
		in.Created, in.Updated = now, now

		if acc.LocalExecution() {
			return o.repo.SaveRun(ctx, in)
		}

		rt, err = o.runtimes.Get(ref.Runtime)
		if err != nil {
			return err
		}
		built, err := o.build(rt, fn, task, runSpec)
		if err != nil {
			return err
		}
		if err := engine.Transition(in.ID, in.State, engine.StateBuilt); err != nil {
			return err
		}
		in.Spec = built.ToMap()
		in.State = engine.StateBuilt
		return o.repo.SaveRun(ctx, in)
	})
	if err != nil {
		return nil, nil, err
	}
	return in, rt, nil
}

// resolve loads the task of a run, decodes its function reference and loads
// the function, whose id is the reference's version segment.
func (o *Orchestrator) resolve(ctx context.Context, taskID string) (*engine.Task, *engine.Function, urn.TaskRef, error) {
	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil, urn.TaskRef{}, engine.NewTaskNotFoundError(taskID, err)
		}
		return nil, nil, urn.TaskRef{}, err
	}

	tacc, err := o.accessors.ForTask(task)
	if err != nil {
		return nil, nil, urn.TaskRef{}, err
	}
	ref, err := urn.ParseTask(tacc.Function())
	if err != nil {
		return nil, nil, urn.TaskRef{}, err
	}
	if ref.Task != "" && ref.Task != task.Kind {
		return nil, nil, urn.TaskRef{}, engine.NewValidationError(
			fmt.Sprintf("task %s is a %s task, its function reference names %s", task.ID, task.Kind, ref.Task), nil)
	}

	fn, err := o.repo.GetFunction(ctx, ref.Version)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, nil, urn.TaskRef{}, engine.NewFunctionNotFoundError(ref.Version, err)
		}
		return nil, nil, urn.TaskRef{}, err
	}
	return task, fn, ref, nil
}

func (o *Orchestrator) build(rt runtimes.Runtime, fn *engine.Function, task *engine.Task, run *specs.RunSpec) (specs.Spec, error) {
	if !runtimes.Supports(rt, task.Kind) {
		return nil, engine.NewUnknownKindError(task.Kind, engine.EntityTask)
	}
	fnSpec, err := o.specs.CreateSpec(fn.Kind, engine.EntityFunction, fn.Spec)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", fn.ID, err)
	}
	taskSpec, err := o.specs.CreateSpec(task.Kind, engine.EntityTask, task.Spec)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return rt.Build(fnSpec, taskSpec, run, task.Kind)
}

// GetRun returns the stored run.
func (o *Orchestrator) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	return o.runs.Get(ctx, id)
}

// publishTransition announces a transition persisted outside runstate.Manager.
func (o *Orchestrator) publishTransition(ctx context.Context, run *engine.Run, from engine.State) {
	err := o.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:   events.TypeRunStateChanged,
		Source: "orchestrator",
		RunID:  run.ID,
		Data: map[string]interface{}{
			events.DataFrom: string(from),
			events.DataTo:   string(run.State),
		},
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to publish state change")
	}
}

// failRun moves a run to FAILED, recording cause as the reason. Runs that are
// already terminal are left alone.
func (o *Orchestrator) failRun(ctx context.Context, id string, cause error) {
	_, err := o.runs.Transition(context.WithoutCancel(ctx), id, engine.StateFailed, func(run *engine.Run) error {
		run.SetStatus(engine.StatusReason, cause.Error())
		return nil
	})
	if err != nil && !engine.IsConflict(err) {
		o.logger.Error().Err(err).Str("run_id", id).Msg("Failed to mark run as failed")
	}
}
