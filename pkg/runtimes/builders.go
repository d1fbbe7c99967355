package runtimes

import (
	"context"
	"fmt"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/urn"
)

// TaskBuilder validates a task against its function and normalizes its spec
// before the task is persisted. One instance serves each task kind.
type TaskBuilder struct {
	taskKind  string
	specs     *specs.Registry
	functions engine.FunctionRepository
	runtimes  *Registry
	cfg       Config
}

// NewTaskBuilder creates the builder of taskKind.
func NewTaskBuilder(taskKind string, specReg *specs.Registry, functions engine.FunctionRepository, runtimes *Registry, cfg Config) *TaskBuilder {
	return &TaskBuilder{
		taskKind:  taskKind,
		specs:     specReg,
		functions: functions,
		runtimes:  runtimes,
		cfg:       cfg,
	}
}

// Build returns a copy of task with the project taken from its function
// reference and the spec rewritten through the spec registry.
func (b *TaskBuilder) Build(ctx context.Context, task *engine.Task) (*engine.Task, error) {
	if task.Kind != b.taskKind {
		return nil, engine.NewTypeMismatchError(b.taskKind+" task", task.Kind)
	}

	spec, err := b.specs.CreateSpec(task.Kind, engine.EntityTask, task.Spec)
	if err != nil {
		return nil, err
	}

	ref, err := urn.ParseTask(functionRef(spec))
	if err != nil {
		return nil, err
	}
	if ref.Task != "" && ref.Task != task.Kind {
		return nil, engine.NewValidationError(
			fmt.Sprintf("function reference names task kind %q, task is %q", ref.Task, task.Kind), nil).
			WithResource(task.ID)
	}

	rt, err := b.runtimes.Get(ref.Runtime)
	if err != nil {
		return nil, err
	}
	if !Supports(rt, task.Kind) {
		return nil, engine.NewValidationError(
			fmt.Sprintf("runtime %s cannot execute %s tasks", rt.Kind(), task.Kind), nil).
			WithResource(task.ID)
	}

	fn, err := b.functions.GetFunction(ctx, ref.Version)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewFunctionNotFoundError(ref.Version, err)
		}
		return nil, fmt.Errorf("failed to load function %s: %w", ref.Version, err)
	}
	if fn.Kind != ref.Runtime || fn.Project != ref.Project {
		return nil, engine.NewValidationError(
			fmt.Sprintf("function %s is a %s function of project %s", fn.ID, fn.Kind, fn.Project), nil).
			WithResource(task.ID)
	}

	if build, ok := spec.(*specs.BuildTaskSpec); ok && build.TargetImage == "" {
		build.TargetImage = defaultTargetImage(b.cfg.Registry, ref)
	}

	out := *task
	out.Project = ref.Project
	out.Spec = spec.ToMap()
	return &out, nil
}

// functionRef returns the function reference carried by a task spec.
func functionRef(spec specs.Spec) string {
	switch s := spec.(type) {
	case *specs.BuildTaskSpec:
		return s.Function
	case *specs.JobTaskSpec:
		return s.Function
	case *specs.TransformTaskSpec:
		return s.Function
	default:
		f, _ := spec.ToMap()["function"].(string)
		return f
	}
}
