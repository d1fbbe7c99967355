package runtimes

import (
	"fmt"
	"strings"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/urn"
)

// Frameworks, the keys of the publisher registry.
const (
	FrameworkJob   = "job"
	FrameworkBuild = "build"
	FrameworkDbt   = "dbt"
)

// jobView is the merged run spec as the job runtime reads it.
type jobView struct {
	Image        string            `json:"image"`
	Tag          string            `json:"tag"`
	Handler      string            `json:"handler"`
	Command      string            `json:"command"`
	Args         []string          `json:"args"`
	Requirements []string          `json:"requirements"`
	Build        *specs.BuildSpec  `json:"build"`
	Source       *specs.SourceSpec `json:"source"`

	NodeSelector map[string]string        `json:"node_selector"`
	Volumes      []map[string]interface{} `json:"volumes"`
	VolumeMounts []map[string]interface{} `json:"volume_mounts"`
	Env          []specs.EnvVar           `json:"env"`
	Resources    *specs.Resources         `json:"resources"`
	Secrets      []string                 `json:"secrets"`
	BackoffLimit *int                     `json:"backoff_limit"`

	Instructions []string `json:"instructions"`
	TargetImage  string   `json:"target_image"`

	Inputs     map[string]interface{} `json:"inputs"`
	Outputs    map[string]interface{} `json:"outputs"`
	Parameters map[string]interface{} `json:"parameters"`
}

func (v *jobView) imageRef() string {
	if v.Tag == "" {
		return v.Image
	}
	return v.Image + ":" + v.Tag
}

// JobRuntime runs container batch jobs and builds their images.
type JobRuntime struct {
	cfg Config
}

// NewJobRuntime creates the job runtime.
func NewJobRuntime(cfg Config) *JobRuntime {
	return &JobRuntime{cfg: cfg}
}

func (r *JobRuntime) Kind() string { return specs.KindJob }

func (r *JobRuntime) TaskKinds() []string {
	return []string{specs.KindJob, specs.KindBuild}
}

// Build merges a job function with a job or build task and a run request.
func (r *JobRuntime) Build(fn, task, run specs.Spec, taskKind string) (specs.Spec, error) {
	if _, ok := fn.(*specs.JobFunctionSpec); !ok {
		return nil, engine.NewTypeMismatchError("*specs.JobFunctionSpec", fn)
	}
	switch taskKind {
	case specs.KindJob:
		if _, ok := task.(*specs.JobTaskSpec); !ok {
			return nil, engine.NewTypeMismatchError("*specs.JobTaskSpec", task)
		}
	case specs.KindBuild:
		if _, ok := task.(*specs.BuildTaskSpec); !ok {
			return nil, engine.NewTypeMismatchError("*specs.BuildTaskSpec", task)
		}
	default:
		return nil, engine.NewUnknownKindError(taskKind, engine.EntityTask)
	}
	if _, ok := run.(*specs.RunSpec); !ok {
		return nil, engine.NewTypeMismatchError("*specs.RunSpec", run)
	}

	return merge(fn, task, run)
}

// Run packages a built job or build run.
func (r *JobRuntime) Run(run *engine.Run) (*engine.Runnable, error) {
	ref, err := urn.ParseRun(run.Task)
	if err != nil {
		return nil, err
	}

	var view jobView
	if err := decode(run.Spec, &view); err != nil {
		return nil, err
	}

	switch ref.Task {
	case specs.KindJob:
		return r.jobRunnable(run, ref, &view)
	case specs.KindBuild:
		return r.buildRunnable(run, ref, &view)
	default:
		return nil, engine.NewUnknownKindError(ref.Task, engine.EntityTask)
	}
}

func (r *JobRuntime) jobRunnable(run *engine.Run, ref urn.RunRef, view *jobView) (*engine.Runnable, error) {
	if view.Image == "" {
		return nil, engine.NewValidationError(fmt.Sprintf("job %s has no image", ref.Function), nil).WithResource(run.ID)
	}

	env := envMap(view.Env, map[string]string{
		"RUNPLANE_RUN_ID":  run.ID,
		"RUNPLANE_PROJECT": run.Project,
	})
	if view.Handler != "" {
		env["RUNPLANE_HANDLER"] = view.Handler
	}

	payload := map[string]interface{}{}
	putIfSet(payload, "parameters", view.Parameters)
	putIfSet(payload, "inputs", view.Inputs)
	putIfSet(payload, "outputs", view.Outputs)
	putIfSet(payload, "node_selector", view.NodeSelector)
	putIfSet(payload, "volume_mounts", view.VolumeMounts)
	putIfSet(payload, "secrets", view.Secrets)
	putIfSet(payload, "backoff_limit", view.BackoffLimit)

	return &engine.Runnable{
		ID:        runnableID(run.ID, FrameworkJob),
		RunID:     run.ID,
		Framework: FrameworkJob,
		Project:   run.Project,
		Task:      run.Task,
		Image:     view.imageRef(),
		Command:   strings.Fields(view.Command),
		Args:      view.Args,
		Env:       env,
		Resources: resourcesMap(view.Resources),
		Volumes:   view.Volumes,
		Payload:   payload,
	}, nil
}

func (r *JobRuntime) buildRunnable(run *engine.Run, ref urn.RunRef, view *jobView) (*engine.Runnable, error) {
	target := view.TargetImage
	if target == "" {
		target = defaultTargetImage(r.cfg.Registry, ref.TaskRef)
	}
	if target == "" {
		return nil, engine.NewValidationError("build task has no target image and no registry is configured", nil).WithResource(run.ID)
	}

	dockerfile, err := renderDockerfile(view)
	if err != nil {
		return nil, err
	}

	return &engine.Runnable{
		ID:        runnableID(run.ID, FrameworkBuild),
		RunID:     run.ID,
		Framework: FrameworkBuild,
		Project:   run.Project,
		Task:      run.Task,
		Image:     r.cfg.KanikoImage,
		Args:      kanikoArgs(target),
		Env:       envMap(view.Env, map[string]string{"RUNPLANE_RUN_ID": run.ID}),
		Resources: resourcesMap(view.Resources),
		Payload: map[string]interface{}{
			"dockerfile":   dockerfile,
			"target_image": target,
		},
	}, nil
}

// defaultTargetImage names the image a build pushes when the task does not.
func defaultTargetImage(registry string, ref urn.TaskRef) string {
	if registry == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s:%s", strings.TrimSuffix(registry, "/"), ref.Project, ref.Function, ref.Version)
}
