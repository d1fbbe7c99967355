package stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/runplane/runplane/pkg/engine"
)

// MemoryStore implements Store in process memory. Records are copied on
// the way in and out so callers never share maps with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	functions map[string]*engine.Function
	tasks     map[string]*engine.Task
	runs      map[string]*engine.Run
	events    []*RunEvent
	nextEvent int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		functions: make(map[string]*engine.Function),
		tasks:     make(map[string]*engine.Task),
		runs:      make(map[string]*engine.Run),
	}
}

func (s *MemoryStore) Init(context.Context) error    { return nil }
func (s *MemoryStore) Close() error                  { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func (s *MemoryStore) SaveFunction(_ context.Context, fn *engine.Function) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *fn
	c.Metadata = copyMap(fn.Metadata)
	c.Spec = copyMap(fn.Spec)
	c.Extra = copyMap(fn.Extra)
	s.functions[fn.ID] = &c
	return nil
}

func (s *MemoryStore) GetFunction(_ context.Context, id string) (*engine.Function, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[id]
	if !ok {
		return nil, engine.NewNotFoundError(engine.EntityFunction, id)
	}
	c := *fn
	c.Metadata = copyMap(fn.Metadata)
	c.Spec = copyMap(fn.Spec)
	c.Extra = copyMap(fn.Extra)
	return &c, nil
}

func (s *MemoryStore) FunctionExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.functions[id]
	return ok, nil
}

func (s *MemoryStore) DeleteFunction(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.functions[id]; !ok {
		return engine.NewNotFoundError(engine.EntityFunction, id)
	}
	delete(s.functions, id)
	return nil
}

func (s *MemoryStore) SaveTask(_ context.Context, task *engine.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *task
	c.Metadata = copyMap(task.Metadata)
	c.Spec = copyMap(task.Spec)
	c.Extra = copyMap(task.Extra)
	s.tasks[task.ID] = &c
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*engine.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, engine.NewNotFoundError(engine.EntityTask, id)
	}
	c := *task
	c.Metadata = copyMap(task.Metadata)
	c.Spec = copyMap(task.Spec)
	c.Extra = copyMap(task.Extra)
	return &c, nil
}

func (s *MemoryStore) TaskExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[id]
	return ok, nil
}

func (s *MemoryStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return engine.NewNotFoundError(engine.EntityTask, id)
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run *engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*engine.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, engine.NewNotFoundError(engine.EntityRun, id)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) RunExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[id]
	return ok, nil
}

func (s *MemoryStore) DeleteRun(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return engine.NewNotFoundError(engine.EntityRun, id)
	}
	delete(s.runs, id)
	return nil
}

func (s *MemoryStore) ListRunsByState(_ context.Context, states ...engine.State) ([]*engine.Run, error) {
	want := make(map[engine.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []*engine.Run{}
	for _, run := range s.runs {
		if want[run.State] {
			runs = append(runs, run.Clone())
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].Created.Equal(runs[j].Created) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].Created.Before(runs[j].Created)
	})
	return runs, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEvent++
	event.ID = s.nextEvent
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c := *event
	s.events = append(s.events, &c)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, runID string, limit, offset int) ([]*RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*RunEvent{}
	skipped := 0
	for _, ev := range s.events {
		if ev.RunID != runID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
