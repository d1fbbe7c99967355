// Package runtimes turns a function, a task and a run request into a final
// run spec and the runnable handed to an external engine. There is one
// Runtime per function kind.
package runtimes

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/specs"
)

// Config holds the runtime settings.
type Config struct {
	// DbtImage runs dbt transforms.
	DbtImage string `json:"dbt_image" yaml:"dbt_image" validate:"required"`

	// KanikoImage builds job images.
	KanikoImage string `json:"kaniko_image" yaml:"kaniko_image" validate:"required"`

	// Registry receives built images when a build task names no target.
	Registry string `json:"registry" yaml:"registry"`
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		DbtImage:    "ghcr.io/dbt-labs/dbt-postgres:1.8.2",
		KanikoImage: "gcr.io/kaniko-project/executor:v1.23.2",
	}
}

// Runtime builds and packages runs for one function kind.
type Runtime interface {
	// Kind is the function kind this runtime serves.
	Kind() string

	// TaskKinds lists the task kinds this runtime can execute.
	TaskKinds() []string

	// Build merges the function spec, the task overrides and the run request,
	// later wins, into the final run spec. It is pure.
	Build(fn, task, run specs.Spec, taskKind string) (specs.Spec, error)

	// Run produces the runnable of a built run.
	Run(run *engine.Run) (*engine.Runnable, error)
}

// Registry maps function kinds to runtimes.
type Registry struct {
	table *kinds.Registry[Runtime]
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{table: kinds.NewRegistry[Runtime]("runtime")}
}

// Register adds a runtime under its kind.
func (r *Registry) Register(rt Runtime) error {
	return r.table.Register(kinds.Key{Kind: rt.Kind()}, rt)
}

// Get returns the runtime of a function kind.
func (r *Registry) Get(kind string) (Runtime, error) {
	return r.table.Get(kinds.Key{Kind: kind})
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.table.Freeze()
}

// Supports reports whether rt executes taskKind.
func Supports(rt Runtime, taskKind string) bool {
	for _, k := range rt.TaskKinds() {
		if k == taskKind {
			return true
		}
	}
	return false
}

// merge layers the maps of fn, task and run into a fresh RunSpec.
func merge(fn, task, run specs.Spec) (*specs.RunSpec, error) {
	merged := make(map[string]interface{})
	for _, s := range []specs.Spec{fn, task, run} {
		for k, v := range s.ToMap() {
			merged[k] = v
		}
	}

	out := &specs.RunSpec{}
	if err := out.Configure(merged); err != nil {
		return nil, err
	}
	return out, nil
}

// decode re-reads a stored spec map into a view struct.
func decode(raw map[string]interface{}, out interface{}) error {
	if err := specs.Decode(raw, out); err != nil {
		return engine.NewValidationError("run spec does not match its runtime", err)
	}
	return nil
}

// runnableID is stable per run and framework, so a resubmission after a
// restart carries the same id.
func runnableID(runID, framework string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("runplane:%s:%s", framework, runID))).String()
}

func envMap(vars []specs.EnvVar, extra map[string]string) map[string]string {
	env := make(map[string]string, len(vars)+len(extra))
	for _, v := range vars {
		env[v.Name] = v.Value
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

func resourcesMap(r *specs.Resources) map[string]interface{} {
	if r.IsZero() {
		return nil
	}
	out := make(map[string]interface{}, 3)
	if r.CPU != "" {
		out["cpu"] = r.CPU
	}
	if r.Memory != "" {
		out["memory"] = r.Memory
	}
	if r.GPU != "" {
		out["gpu"] = r.GPU
	}
	return out
}

func putIfSet(m map[string]interface{}, key string, value interface{}) {
	switch v := value.(type) {
	case nil:
		return
	case string:
		if v == "" {
			return
		}
	case map[string]interface{}:
		if len(v) == 0 {
			return
		}
	case map[string]string:
		if len(v) == 0 {
			return
		}
	case []string:
		if len(v) == 0 {
			return
		}
	case []map[string]interface{}:
		if len(v) == 0 {
			return
		}
	case *int:
		if v == nil {
			return
		}
		m[key] = *v
		return
	}
	m[key] = value
}
