package specs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/runplane/runplane/pkg/engine"
)

// Factory returns a new, unconfigured spec.
type Factory func() Spec

type registryKey struct {
	kind   string
	entity engine.EntityType
}

// Registry maps (kind, entity type) to a spec factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
	schemas   *SchemaSet
}

// NewRegistry creates an empty registry. schemas may be nil.
func NewRegistry(schemas *SchemaSet) *Registry {
	return &Registry{
		factories: make(map[registryKey]Factory),
		schemas:   schemas,
	}
}

// Register adds a factory for (kind, entity). Registering a key twice fails.
func (r *Registry) Register(kind string, entity engine.EntityType, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("spec kind is required")
	}
	if err := entity.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("spec factory for %s/%s is nil", entity, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{kind: kind, entity: entity}
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("spec %s/%s already registered", entity, kind)
	}
	r.factories[key] = factory
	return nil
}

// MustRegister is Register for process start-up; it panics on error.
func (r *Registry) MustRegister(kind string, entity engine.EntityType, factory Factory) {
	if err := r.Register(kind, entity, factory); err != nil {
		panic(err)
	}
}

// Has reports whether a spec is registered for (kind, entity).
func (r *Registry) Has(kind string, entity engine.EntityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[registryKey{kind: kind, entity: entity}]
	return ok
}

// CreateSpec materializes raw as the spec registered for (kind, entity).
func (r *Registry) CreateSpec(kind string, entity engine.EntityType, raw map[string]interface{}) (Spec, error) {
	r.mu.RLock()
	factory, ok := r.factories[registryKey{kind: kind, entity: entity}]
	r.mu.RUnlock()

	if !ok {
		return nil, engine.NewUnknownKindError(kind, entity)
	}

	if r.schemas != nil {
		if err := r.schemas.Validate(kind, entity, raw); err != nil {
			return nil, err
		}
	}

	spec := factory()
	if err := spec.Configure(raw); err != nil {
		return nil, fmt.Errorf("%s %s spec: %w", kind, entity, err)
	}
	return spec, nil
}

// Kinds lists the kinds registered for an entity type, sorted.
func (r *Registry) Kinds(entity engine.EntityType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0)
	for key := range r.factories {
		if key.entity == entity {
			kinds = append(kinds, key.kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
