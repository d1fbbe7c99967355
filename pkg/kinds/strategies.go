package kinds

import (
	"context"

	"github.com/runplane/runplane/pkg/engine"
)

// Builder normalizes a task before it is persisted.
type Builder interface {
	Build(ctx context.Context, task *engine.Task) (*engine.Task, error)
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, task *engine.Task) (*engine.Task, error)

func (f BuilderFunc) Build(ctx context.Context, task *engine.Task) (*engine.Task, error) {
	return f(ctx, task)
}

// Publisher hands a runnable to the engine serving its framework.
type Publisher interface {
	Publish(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error)

func (f PublisherFunc) Publish(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	return f(ctx, runnable)
}

// WorkflowFactory builds the polling workflow of a run.
type WorkflowFactory interface {
	Build(run *engine.Run) (*Workflow, error)
}

// WorkflowFactoryFunc adapts a function to WorkflowFactory.
type WorkflowFactoryFunc func(run *engine.Run) (*Workflow, error)

func (f WorkflowFactoryFunc) Build(run *engine.Run) (*Workflow, error) {
	return f(run)
}

// Registries bundles the three dispatch tables.
type Registries struct {
	Builders   *Registry[Builder]
	Publishers *Registry[Publisher]
	Workflows  *Registry[WorkflowFactory]
}

// NewRegistries creates empty dispatch tables.
func NewRegistries() *Registries {
	return &Registries{
		Builders:   NewRegistry[Builder]("builder"),
		Publishers: NewRegistry[Publisher]("publisher"),
		Workflows:  NewRegistry[WorkflowFactory]("workflow"),
	}
}

// Freeze makes all tables read-only.
func (r *Registries) Freeze() {
	r.Builders.Freeze()
	r.Publishers.Freeze()
	r.Workflows.Freeze()
}

// BuilderKey keys a builder by task kind.
func BuilderKey(taskKind string) Key {
	return Key{Kind: taskKind}
}

// PublisherKey keys a publisher by framework.
func PublisherKey(framework string) Key {
	return Key{Kind: framework}
}

// WorkflowKey keys a workflow factory by (runtime, task kind).
func WorkflowKey(runtime, taskKind string) Key {
	return Key{Namespace: runtime, Kind: taskKind}
}
