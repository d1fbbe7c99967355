package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/accessors"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/specs"
)

// Catalog registers functions and tasks.
type Catalog struct {
	repo      engine.Repository
	specs     *specs.Registry
	accessors *accessors.Registry
	builders  *kinds.Registry[kinds.Builder]
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCatalog creates a catalog writing to repo.
func NewCatalog(repo engine.Repository, specReg *specs.Registry, accReg *accessors.Registry, builders *kinds.Registry[kinds.Builder], logger zerolog.Logger) *Catalog {
	return &Catalog{
		repo:      repo,
		specs:     specReg,
		accessors: accReg,
		builders:  builders,
		logger:    logger.With().Str("component", "catalog").Logger(),
		now:       time.Now,
	}
}

// SaveFunction validates the function spec and stores the function. Saving
// an existing id replaces it and keeps its creation time.
func (c *Catalog) SaveFunction(ctx context.Context, fn *engine.Function) (*engine.Function, error) {
	if fn == nil || fn.ID == "" {
		return nil, engine.NewValidationError("function id is required", nil)
	}
	if fn.Project == "" {
		return nil, engine.NewValidationError("function project is required", nil).WithResource(fn.ID)
	}

	spec, err := c.specs.CreateSpec(fn.Kind, engine.EntityFunction, fn.Spec)
	if err != nil {
		return nil, fmt.Errorf("function %s: %w", fn.ID, err)
	}

	out := *fn
	out.Spec = spec.ToMap()
	acc, err := c.accessors.CreateAccessor(out.Kind, engine.EntityFunction, out.Fields())
	if err != nil {
		return nil, err
	}
	out.State = accessors.DefaultState(acc)
	c.stamp(&out.Created, &out.Updated, func() (time.Time, error) {
		prev, err := c.repo.GetFunction(ctx, out.ID)
		if err != nil {
			return time.Time{}, err
		}
		return prev.Created, nil
	})

	if err := c.repo.SaveFunction(ctx, &out); err != nil {
		return nil, err
	}
	event := c.logger.Info().Str("function_id", out.ID).Str("kind", out.Kind)
	if sum, ok := acc.(accessors.Summarizer); ok {
		event = event.Fields(sum.Summary())
	}
	event.Msg("Function saved")
	return &out, nil
}

// SaveTask validates the task through the builder of its kind and stores it.
func (c *Catalog) SaveTask(ctx context.Context, task *engine.Task) (*engine.Task, error) {
	if task == nil || task.ID == "" {
		return nil, engine.NewValidationError("task id is required", nil)
	}

	builder, err := c.builders.Get(kinds.BuilderKey(task.Kind))
	if err != nil {
		return nil, err
	}
	out, err := builder.Build(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}

	acc, err := c.accessors.ForTask(out)
	if err != nil {
		return nil, err
	}
	out.State = accessors.DefaultState(acc)
	c.stamp(&out.Created, &out.Updated, func() (time.Time, error) {
		prev, err := c.repo.GetTask(ctx, out.ID)
		if err != nil {
			return time.Time{}, err
		}
		return prev.Created, nil
	})

	if err := c.repo.SaveTask(ctx, out); err != nil {
		return nil, err
	}
	c.logger.Info().Str("task_id", out.ID).Str("kind", out.Kind).Str("project", out.Project).Msg("Task saved")
	return out, nil
}

// GetFunction returns a stored function.
func (c *Catalog) GetFunction(ctx context.Context, id string) (*engine.Function, error) {
	return c.repo.GetFunction(ctx, id)
}

// GetTask returns a stored task.
func (c *Catalog) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	return c.repo.GetTask(ctx, id)
}

// stamp sets the update time and keeps the creation time of a replaced record.
func (c *Catalog) stamp(created, updated *time.Time, previous func() (time.Time, error)) {
	now := c.now()
	*updated = now
	if prev, err := previous(); err == nil && !prev.IsZero() {
		*created = prev
		return
	}
	*created = now
}
