package runtimes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/specs"
)

func mustSpec(t *testing.T, reg *specs.Registry, kind string, entity engine.EntityType, raw map[string]interface{}) specs.Spec {
	t.Helper()
	s, err := reg.CreateSpec(kind, entity, raw)
	require.NoError(t, err)
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Registry = "registry.local/"
	return cfg
}

func TestJobBuildLaterLayersWin(t *testing.T) {
	reg := specs.NewDefaultRegistry()
	fn := mustSpec(t, reg, specs.KindJob, engine.EntityFunction, map[string]interface{}{
		"image":   "python",
		"tag":     "3.12",
		"command": "python main.py",
		"labels":  map[string]interface{}{"team": "ml"},
	})
	task := mustSpec(t, reg, specs.KindJob, engine.EntityTask, map[string]interface{}{
		"function": "job://proj1/train:v1",
		"tag":      "3.13",
		"env":      []interface{}{map[string]interface{}{"name": "A", "value": "1"}},
	})
	run := mustSpec(t, reg, specs.KindRun, engine.EntityRun, map[string]interface{}{
		"task_id":    "t1",
		"tag":        "3.14",
		"parameters": map[string]interface{}{"lr": 0.1},
	})

	built, err := NewJobRuntime(testConfig()).Build(fn, task, run, specs.KindJob)
	require.NoError(t, err)

	rs, ok := built.(*specs.RunSpec)
	require.True(t, ok)
	assert.Equal(t, "t1", rs.TaskID)
	assert.Equal(t, map[string]interface{}{"lr": 0.1}, rs.Parameters)

	m := built.ToMap()
	assert.Equal(t, "3.14", m["tag"])
	assert.Equal(t, "python", m["image"])
	assert.Equal(t, "job://proj1/train:v1", m["function"])
	assert.Equal(t, map[string]interface{}{"team": "ml"}, m["labels"])
}

func TestJobBuildIsPure(t *testing.T) {
	reg := specs.NewDefaultRegistry()
	fn := mustSpec(t, reg, specs.KindJob, engine.EntityFunction, map[string]interface{}{"image": "python"})
	task := mustSpec(t, reg, specs.KindJob, engine.EntityTask, map[string]interface{}{"function": "job://p/f:v1"})
	run := mustSpec(t, reg, specs.KindRun, engine.EntityRun, map[string]interface{}{"task_id": "t1"})

	rt := NewJobRuntime(testConfig())
	first, err := rt.Build(fn, task, run, specs.KindJob)
	require.NoError(t, err)
	second, err := rt.Build(fn, task, run, specs.KindJob)
	require.NoError(t, err)

	assert.Equal(t, first.ToMap(), second.ToMap())
	assert.Equal(t, map[string]interface{}{"image": "python"}, fn.ToMap())
}

func TestBuildTypeMismatch(t *testing.T) {
	reg := specs.NewDefaultRegistry()
	jobFn := mustSpec(t, reg, specs.KindJob, engine.EntityFunction, map[string]interface{}{"image": "python"})
	dbtFn := mustSpec(t, reg, specs.KindDbt, engine.EntityFunction, map[string]interface{}{"sql": "select 1"})
	jobTask := mustSpec(t, reg, specs.KindJob, engine.EntityTask, map[string]interface{}{"function": "job://p/f:v1"})
	transform := mustSpec(t, reg, specs.KindTransform, engine.EntityTask, map[string]interface{}{"function": "dbt://p/f:v1"})
	run := mustSpec(t, reg, specs.KindRun, engine.EntityRun, map[string]interface{}{"task_id": "t1"})

	_, err := NewJobRuntime(testConfig()).Build(dbtFn, jobTask, run, specs.KindJob)
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	_, err = NewJobRuntime(testConfig()).Build(jobFn, transform, run, specs.KindJob)
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	_, err = NewJobRuntime(testConfig()).Build(jobFn, jobTask, run, specs.KindTransform)
	assert.ErrorIs(t, err, engine.ErrUnknownKind)

	_, err = NewDbtRuntime(testConfig()).Build(jobFn, transform, run, specs.KindTransform)
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)

	_, err = NewDbtRuntime(testConfig()).Build(dbtFn, transform, jobTask, specs.KindTransform)
	assert.ErrorIs(t, err, engine.ErrTypeMismatch)
}

func TestJobRunnable(t *testing.T) {
	limit := 3
	run := &engine.Run{
		ID:      "r1",
		Project: "proj1",
		Task:    "job+job://proj1/train:v1",
		Spec: map[string]interface{}{
			"task_id":       "t1",
			"image":         "python",
			"tag":           "3.12",
			"command":       "python -m train",
			"handler":       "main:handler",
			"args":          []interface{}{"--epochs", "2"},
			"env":           []interface{}{map[string]interface{}{"name": "A", "value": "1"}},
			"resources":     map[string]interface{}{"cpu": "2"},
			"parameters":    map[string]interface{}{"lr": 0.1},
			"backoff_limit": limit,
		},
	}

	r, err := NewJobRuntime(testConfig()).Run(run)
	require.NoError(t, err)

	assert.Equal(t, FrameworkJob, r.Framework)
	assert.Equal(t, "r1", r.RunID)
	assert.Equal(t, "python:3.12", r.Image)
	assert.Equal(t, []string{"python", "-m", "train"}, r.Command)
	assert.Equal(t, []string{"--epochs", "2"}, r.Args)
	assert.Equal(t, "1", r.Env["A"])
	assert.Equal(t, "r1", r.Env["RUNPLANE_RUN_ID"])
	assert.Equal(t, "main:handler", r.Env["RUNPLANE_HANDLER"])
	assert.Equal(t, map[string]interface{}{"cpu": "2"}, r.Resources)
	assert.Equal(t, map[string]interface{}{"lr": 0.1}, r.Payload["parameters"])
	assert.Equal(t, 3, r.Payload["backoff_limit"])

	again, err := NewJobRuntime(testConfig()).Run(run)
	require.NoError(t, err)
	assert.Equal(t, r.ID, again.ID)
}

func TestJobRunnableRequiresImage(t *testing.T) {
	run := &engine.Run{ID: "r1", Task: "job+job://proj1/train:v1", Spec: map[string]interface{}{"task_id": "t1"}}
	_, err := NewJobRuntime(testConfig()).Run(run)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestBuildRunnable(t *testing.T) {
	run := &engine.Run{
		ID:      "r2",
		Project: "proj1",
		Task:    "job+build://proj1/train:v1",
		Spec: map[string]interface{}{
			"task_id":      "t1",
			"image":        "python",
			"tag":          "3.12",
			"command":      "python",
			"args":         []interface{}{"main.py"},
			"requirements": []interface{}{"numpy"},
			"build": map[string]interface{}{
				"commands":     []interface{}{"apt-get update"},
				"requirements": []interface{}{"pandas"},
			},
			"instructions": []interface{}{"ENV MODE=prod"},
		},
	}

	r, err := NewJobRuntime(testConfig()).Run(run)
	require.NoError(t, err)

	assert.Equal(t, FrameworkBuild, r.Framework)
	assert.Equal(t, DefaultConfig().KanikoImage, r.Image)
	assert.Equal(t, "registry.local/proj1/train:v1", r.Payload["target_image"])
	assert.Contains(t, r.Args, "--destination=registry.local/proj1/train:v1")

	want := "FROM python:3.12\n" +
		"RUN pip install --no-cache-dir numpy pandas\n" +
		"RUN apt-get update\n" +
		"ENV MODE=prod\n" +
		"ENTRYPOINT [\"python\",\"main.py\"]\n"
	assert.Equal(t, want, r.Payload["dockerfile"])
}

func TestBuildRunnableNeedsTarget(t *testing.T) {
	run := &engine.Run{
		ID:   "r2",
		Task: "job+build://proj1/train:v1",
		Spec: map[string]interface{}{"task_id": "t1", "image": "python"},
	}
	_, err := NewJobRuntime(DefaultConfig()).Run(run)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestDbtRunnable(t *testing.T) {
	run := &engine.Run{
		ID:      "r3",
		Project: "proj1",
		Task:    "dbt+transform://proj1/daily:v2",
		Spec: map[string]interface{}{
			"task_id": "t2",
			"sql":     "select 1",
			"profile": "warehouse",
			"source":  map[string]interface{}{"source": "git://repo", "handler": "models"},
		},
	}

	r, err := NewDbtRuntime(testConfig()).Run(run)
	require.NoError(t, err)

	assert.Equal(t, FrameworkDbt, r.Framework)
	assert.Equal(t, DefaultConfig().DbtImage, r.Image)
	assert.Equal(t, []string{"dbt", "run"}, r.Command)
	assert.Equal(t, "select 1", r.Payload["sql"])
	assert.Equal(t, "warehouse", r.Payload["profile"])
	assert.Equal(t, map[string]interface{}{"source": "git://repo", "handler": "models"}, r.Payload["source"])

	_, err = NewDbtRuntime(testConfig()).Run(&engine.Run{ID: "r4", Task: "dbt+job://p/f:v1"})
	assert.ErrorIs(t, err, engine.ErrUnknownKind)
}
