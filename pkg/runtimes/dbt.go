package runtimes

import (
	"fmt"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/urn"
)

type dbtView struct {
	SQL     string            `json:"sql"`
	Source  *specs.SourceSpec `json:"source"`
	Profile string            `json:"profile"`

	Env       []specs.EnvVar   `json:"env"`
	Resources *specs.Resources `json:"resources"`

	Inputs     map[string]interface{} `json:"inputs"`
	Outputs    map[string]interface{} `json:"outputs"`
	Parameters map[string]interface{} `json:"parameters"`
}

// DbtRuntime runs SQL transforms with dbt.
type DbtRuntime struct {
	cfg Config
}

// NewDbtRuntime creates the dbt runtime.
func NewDbtRuntime(cfg Config) *DbtRuntime {
	return &DbtRuntime{cfg: cfg}
}

func (r *DbtRuntime) Kind() string { return specs.KindDbt }

func (r *DbtRuntime) TaskKinds() []string {
	return []string{specs.KindTransform}
}

// Build merges a dbt function with a transform task and a run request.
func (r *DbtRuntime) Build(fn, task, run specs.Spec, taskKind string) (specs.Spec, error) {
	if taskKind != specs.KindTransform {
		return nil, engine.NewUnknownKindError(taskKind, engine.EntityTask)
	}
	if _, ok := fn.(*specs.DbtFunctionSpec); !ok {
		return nil, engine.NewTypeMismatchError("*specs.DbtFunctionSpec", fn)
	}
	if _, ok := task.(*specs.TransformTaskSpec); !ok {
		return nil, engine.NewTypeMismatchError("*specs.TransformTaskSpec", task)
	}
	if _, ok := run.(*specs.RunSpec); !ok {
		return nil, engine.NewTypeMismatchError("*specs.RunSpec", run)
	}

	return merge(fn, task, run)
}

// Run packages a built transform run.
func (r *DbtRuntime) Run(run *engine.Run) (*engine.Runnable, error) {
	ref, err := urn.ParseRun(run.Task)
	if err != nil {
		return nil, err
	}
	if ref.Task != specs.KindTransform {
		return nil, engine.NewUnknownKindError(ref.Task, engine.EntityTask)
	}

	var view dbtView
	if err := decode(run.Spec, &view); err != nil {
		return nil, err
	}
	if view.SQL == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("transform %s has no sql", ref.Function), nil).WithResource(run.ID)
	}

	payload := map[string]interface{}{
		"sql": view.SQL,
	}
	putIfSet(payload, "profile", view.Profile)
	putIfSet(payload, "parameters", view.Parameters)
	putIfSet(payload, "inputs", view.Inputs)
	putIfSet(payload, "outputs", view.Outputs)
	if view.Source != nil {
		payload["source"] = map[string]interface{}{
			"source":  view.Source.Source,
			"handler": view.Source.Handler,
		}
	}

	return &engine.Runnable{
		ID:        runnableID(run.ID, FrameworkDbt),
		RunID:     run.ID,
		Framework: FrameworkDbt,
		Project:   run.Project,
		Task:      run.Task,
		Image:     r.cfg.DbtImage,
		Command:   []string{"dbt", "run"},
		Args:      []string{"--project-dir", "/workspace", "--profiles-dir", "/workspace"},
		Env: envMap(view.Env, map[string]string{
			"RUNPLANE_RUN_ID":  run.ID,
			"RUNPLANE_PROJECT": run.Project,
		}),
		Resources: resourcesMap(view.Resources),
		Payload:   payload,
	}, nil
}
