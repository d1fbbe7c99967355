// Package kinds holds the kind dispatch registries: builders, publishers and
// workflow factories, each keyed by (namespace, kind) and filled once at
// process start.
package kinds

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/runplane/runplane/pkg/engine"
)

// Key identifies a strategy. Namespace is the platform or runtime, Kind the
// task or framework kind. Either may be empty when a registry uses one axis.
type Key struct {
	Namespace string
	Kind      string
}

// String formats the key as namespace/kind.
func (k Key) String() string {
	if k.Namespace == "" {
		return k.Kind
	}
	return k.Namespace + "/" + k.Kind
}

// Registry is a table of strategies of type S.
type Registry[S any] struct {
	name    string
	mu      sync.Mutex
	entries map[Key]S
	frozen  atomic.Bool
}

// NewRegistry creates an empty registry. name appears in lookup errors.
func NewRegistry[S any](name string) *Registry[S] {
	return &Registry[S]{
		name:    name,
		entries: make(map[Key]S),
	}
}

// Register adds a strategy. Duplicate keys and writes after Freeze fail.
func (r *Registry[S]) Register(key Key, strategy S) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("%s registry is frozen", r.name)
	}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%s strategy %q already registered", r.name, key)
	}
	r.entries[key] = strategy
	return nil
}

// Freeze makes the registry read-only. Lookups after Freeze take no lock.
func (r *Registry[S]) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

// Get returns the strategy for key or a StrategyNotFound error.
func (r *Registry[S]) Get(key Key) (S, error) {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	s, ok := r.entries[key]
	if !ok {
		var zero S
		return zero, engine.NewStrategyNotFoundError(r.name, key.String())
	}
	return s, nil
}

// Keys lists the registered keys, sorted.
func (r *Registry[S]) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Name returns the registry name.
func (r *Registry[S]) Name() string {
	return r.name
}
