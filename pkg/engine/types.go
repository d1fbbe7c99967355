package engine

import (
	"time"
)

// Function is a registered piece of user code together with its kind-specific spec.
type Function struct {
	// ID is the unique identifier; function references carry it as their version segment.
	ID string `json:"id" yaml:"id"`

	// Kind selects the runtime (e.g. "job", "dbt").
	Kind string `json:"kind" yaml:"kind"`

	// Project owns the function.
	Project string `json:"project" yaml:"project"`

	// Name is the human-readable function name.
	Name string `json:"name" yaml:"name"`

	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec     map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`
	Extra    map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`

	State   State     `json:"state" yaml:"state"`
	Created time.Time `json:"created" yaml:"created"`
	Updated time.Time `json:"updated" yaml:"updated"`
}

// Task binds a function to an execution kind (job, build, transform) with overrides.
type Task struct {
	ID      string `json:"id" yaml:"id"`
	Kind    string `json:"kind" yaml:"kind"`
	Project string `json:"project" yaml:"project"`

	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Spec holds the task overrides; spec.function is the function reference.
	Spec  map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`

	State   State     `json:"state" yaml:"state"`
	Created time.Time `json:"created" yaml:"created"`
	Updated time.Time `json:"updated" yaml:"updated"`
}

// Run is one execution attempt of a task.
type Run struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`

	// Project is derived from the task's function reference, never trusted from input.
	Project string `json:"project" yaml:"project"`

	// TaskID is the id of the task this run executes.
	TaskID string `json:"task_id" yaml:"task_id"`

	// Task is the runtime+task reference string (see urn.RunRef).
	Task string `json:"task" yaml:"task"`

	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec     map[string]interface{} `json:"spec,omitempty" yaml:"spec,omitempty"`

	// Status holds engine feedback (handle, message, last raw payload).
	Status map[string]interface{} `json:"status,omitempty" yaml:"status,omitempty"`
	Extra  map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`

	State   State     `json:"state" yaml:"state"`
	Created time.Time `json:"created" yaml:"created"`
	Updated time.Time `json:"updated" yaml:"updated"`
}

// Status keys written by the dispatcher and the polling workflows.
const (
	StatusHandle   = "handle"
	StatusMessage  = "message"
	StatusEngine   = "engine"
	StatusJobState = "job_state"
	StatusRaw      = "raw"
	StatusReason   = "reason"
)

// Handle returns the engine handle recorded on the run, if any.
func (r *Run) Handle() string {
	if r.Status == nil {
		return ""
	}
	h, _ := r.Status[StatusHandle].(string)
	return h
}

// SetStatus sets a status field, allocating the map on first use.
func (r *Run) SetStatus(key string, value interface{}) {
	if r.Status == nil {
		r.Status = make(map[string]interface{})
	}
	r.Status[key] = value
}

// Clone returns a copy of the run whose maps can be mutated independently.
func (r *Run) Clone() *Run {
	c := *r
	c.Metadata = cloneMap(r.Metadata)
	c.Spec = cloneMap(r.Spec)
	c.Status = cloneMap(r.Status)
	c.Extra = cloneMap(r.Extra)
	return &c
}

// Fields returns the raw stored representation that accessors read.
func (r *Run) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":       r.ID,
		"kind":     r.Kind,
		"project":  r.Project,
		"task_id":  r.TaskID,
		"task":     r.Task,
		"metadata": cloneMap(r.Metadata),
		"spec":     cloneMap(r.Spec),
		"status":   cloneMap(r.Status),
		"extra":    cloneMap(r.Extra),
		"state":    string(r.State),
	}
}

// Fields returns the raw stored representation that accessors read.
func (t *Task) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":       t.ID,
		"kind":     t.Kind,
		"project":  t.Project,
		"metadata": cloneMap(t.Metadata),
		"spec":     cloneMap(t.Spec),
		"extra":    cloneMap(t.Extra),
		"state":    string(t.State),
	}
}

// Fields returns the raw stored representation that accessors read.
func (f *Function) Fields() map[string]interface{} {
	return map[string]interface{}{
		"id":       f.ID,
		"kind":     f.Kind,
		"project":  f.Project,
		"name":     f.Name,
		"metadata": cloneMap(f.Metadata),
		"spec":     cloneMap(f.Spec),
		"extra":    cloneMap(f.Extra),
		"state":    string(f.State),
	}
}

// Runnable is the opaque execution descriptor handed to an external engine.
type Runnable struct {
	// ID identifies this descriptor; a run produces exactly one.
	ID string `json:"id"`

	RunID string `json:"run_id"`

	// Framework selects the publisher (e.g. "job", "build", "dbt").
	Framework string `json:"framework"`

	Project string `json:"project"`
	Task    string `json:"task"`

	Image   string            `json:"image,omitempty"`
	Command []string          `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Resources map[string]interface{}   `json:"resources,omitempty"`
	Volumes   []map[string]interface{} `json:"volumes,omitempty"`

	// Payload carries framework-specific data (sql, dockerfile, parameters).
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// JobStatus is the normalized status payload returned by an engine client.
type JobStatus struct {
	State   JobState               `json:"state"`
	Handle  string                 `json:"handle"`
	Message string                 `json:"message,omitempty"`
	Raw     map[string]interface{} `json:"raw,omitempty"`
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
