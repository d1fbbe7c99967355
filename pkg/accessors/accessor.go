// Package accessors provides read-only, kind-aware views over the raw stored
// representation of functions, tasks and runs.
package accessors

import (
	"fmt"
	"sort"
	"sync"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/urn"
)

// FieldAccessor reads normalized fields from a raw entity map.
type FieldAccessor interface {
	Kind() string
	Project() string

	// State returns engine.StateNone when the state is missing or unrecognized.
	State() engine.State

	Field(name string) (interface{}, bool)
	Fields() map[string]interface{}
}

// RunAccessor adds the run-specific fields.
type RunAccessor interface {
	FieldAccessor

	// Runtime is the function kind taken from the run's task reference.
	Runtime() string

	// TaskKind is the action of the run's task reference.
	TaskKind() string

	TaskURN() string
	LocalExecution() bool
	Handle() string
}

// TaskAccessor adds the task-specific fields.
type TaskAccessor interface {
	FieldAccessor
	Function() string
}

// Constructor builds an accessor over a raw entity map.
type Constructor func(raw map[string]interface{}) FieldAccessor

type key struct {
	kind   string
	entity engine.EntityType
}

// Registry maps (kind, entity type) to an accessor constructor.
type Registry struct {
	mu           sync.RWMutex
	constructors map[key]Constructor
	fallbacks    map[engine.EntityType]Constructor
}

// NewRegistry creates a registry with the generic fallbacks for every entity type.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[key]Constructor),
		fallbacks: map[engine.EntityType]Constructor{
			engine.EntityFunction: func(raw map[string]interface{}) FieldAccessor { return newBase(raw) },
			engine.EntityTask:     func(raw map[string]interface{}) FieldAccessor { return &taskAccessor{base: newBase(raw)} },
			engine.EntityRun:      func(raw map[string]interface{}) FieldAccessor { return &runAccessor{base: newBase(raw)} },
			engine.EntityWorkflow: func(raw map[string]interface{}) FieldAccessor { return newBase(raw) },
		},
	}
}

// Register adds a constructor for (kind, entity).
func (r *Registry) Register(kind string, entity engine.EntityType, c Constructor) error {
	if err := entity.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{kind: kind, entity: entity}
	if _, exists := r.constructors[k]; exists {
		return fmt.Errorf("accessor %s/%s already registered", entity, kind)
	}
	r.constructors[k] = c
	return nil
}

// CreateAccessor returns the accessor for (kind, entity) over raw. Unregistered
// kinds get the generic accessor of the entity type.
func (r *Registry) CreateAccessor(kind string, entity engine.EntityType, raw map[string]interface{}) (FieldAccessor, error) {
	r.mu.RLock()
	c, ok := r.constructors[key{kind: kind, entity: entity}]
	if !ok {
		c, ok = r.fallbacks[entity]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, engine.NewUnknownKindError(kind, entity)
	}
	return c(raw), nil
}

// ForRun returns the run accessor of a run.
func (r *Registry) ForRun(run *engine.Run) (RunAccessor, error) {
	a, err := r.CreateAccessor(run.Kind, engine.EntityRun, run.Fields())
	if err != nil {
		return nil, err
	}
	ra, ok := a.(RunAccessor)
	if !ok {
		return nil, engine.NewTypeMismatchError("RunAccessor", a)
	}
	return ra, nil
}

// ForTask returns the task accessor of a task.
func (r *Registry) ForTask(task *engine.Task) (TaskAccessor, error) {
	a, err := r.CreateAccessor(task.Kind, engine.EntityTask, task.Fields())
	if err != nil {
		return nil, err
	}
	ta, ok := a.(TaskAccessor)
	if !ok {
		return nil, engine.NewTypeMismatchError("TaskAccessor", a)
	}
	return ta, nil
}

// DefaultState resolves the NONE sentinel to the initial run state.
func DefaultState(a FieldAccessor) engine.State {
	if s := a.State(); s != engine.StateNone {
		return s
	}
	return engine.StateCreated
}

type base struct {
	raw map[string]interface{}
}

func newBase(raw map[string]interface{}) *base {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return &base{raw: raw}
}

func (b *base) Kind() string    { return b.str("kind") }
func (b *base) Project() string { return b.str("project") }

func (b *base) State() engine.State {
	return engine.ParseState(b.str("state"))
}

func (b *base) Field(name string) (interface{}, bool) {
	v, ok := b.raw[name]
	return v, ok
}

// Fields returns a shallow copy of the raw map.
func (b *base) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(b.raw))
	for k, v := range b.raw {
		out[k] = v
	}
	return out
}

func (b *base) str(name string) string {
	s, _ := b.raw[name].(string)
	return s
}

func (b *base) section(name string) map[string]interface{} {
	m, _ := b.raw[name].(map[string]interface{})
	return m
}

type runAccessor struct {
	*base
}

func (a *runAccessor) TaskURN() string {
	if s := a.str("task"); s != "" {
		return s
	}
	s, _ := a.section("spec")["task"].(string)
	return s
}

func (a *runAccessor) ref() urn.RunRef {
	ref, err := urn.ParseRun(a.TaskURN())
	if err != nil {
		return urn.RunRef{}
	}
	return ref
}

func (a *runAccessor) Runtime() string  { return a.ref().Runtime }
func (a *runAccessor) TaskKind() string { return a.ref().Task }

func (a *runAccessor) LocalExecution() bool {
	v, _ := a.section("spec")["local_execution"].(bool)
	return v
}

func (a *runAccessor) Handle() string {
	h, _ := a.section("status")[engine.StatusHandle].(string)
	return h
}

type taskAccessor struct {
	*base
}

func (a *taskAccessor) Function() string {
	s, _ := a.section("spec")["function"].(string)
	return s
}

// Kinds lists the explicitly registered kinds of an entity type.
func (r *Registry) Kinds(entity engine.EntityType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []string
	for k := range r.constructors {
		if k.entity == entity {
			kinds = append(kinds, k.kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
