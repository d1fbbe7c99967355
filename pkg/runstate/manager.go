// Package runstate serializes every write to a run record. All state
// transitions go through Manager so concurrent writers (dispatcher, pollers,
// cancellation) cannot interleave a read-modify-write on the same run.
package runstate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
)

// Publisher is the part of the event bus the manager needs.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Recorder observes persisted transitions.
type Recorder interface {
	RecordRunTransition(from, to string)
}

// Mutator edits a run under its lock. Returning an error aborts the write.
type Mutator func(run *engine.Run) error

// Manager owns the run repository writes.
type Manager struct {
	repo     engine.RunRepository
	bus      Publisher
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	locks keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder sets the transition recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. bus may be nil, then no events are published.
func NewManager(repo engine.RunRepository, bus Publisher, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "runstate").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get reads the current run record.
func (m *Manager) Get(ctx context.Context, id string) (*engine.Run, error) {
	return m.repo.GetRun(ctx, id)
}

// WithLock runs fn while holding the lock of run id.
func (m *Manager) WithLock(id string, fn func() error) error {
	unlock := m.locks.lock(id)
	defer unlock()
	return fn()
}

// Transition moves run id to state to. Under the run lock it re-reads the
// record, validates the edge, applies mutate and saves. If ctx is already
// done nothing is written.
func (m *Manager) Transition(ctx context.Context, id string, to engine.State, mutate Mutator) (*engine.Run, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	run, err := m.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	from := run.State
	if err := engine.Transition(id, from, to); err != nil {
		return run, err
	}

	next := run.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return run, err
		}
	}
	next.State = to
	next.Updated = m.now()

	if err := ctx.Err(); err != nil {
		return run, err
	}
	if err := m.repo.SaveRun(ctx, next); err != nil {
		return run, err
	}

	m.logger.Info().
		Str("run_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Run state changed")

	if m.recorder != nil {
		m.recorder.RecordRunTransition(string(from), string(to))
	}
	m.publish(ctx, next, from)
	return next, nil
}

// Update applies mutate without changing the state. Terminal runs are not
// modified; the current record is returned as is.
func (m *Manager) Update(ctx context.Context, id string, mutate Mutator) (*engine.Run, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	run, err := m.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}

	next := run.Clone()
	if err := mutate(next); err != nil {
		return run, err
	}
	next.State = run.State
	next.Updated = m.now()

	if err := ctx.Err(); err != nil {
		return run, err
	}
	if err := m.repo.SaveRun(ctx, next); err != nil {
		return run, err
	}
	return next, nil
}

func (m *Manager) publish(ctx context.Context, run *engine.Run, from engine.State) {
	if m.bus == nil {
		return
	}

	err := m.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:   events.TypeRunStateChanged,
		Source: "runstate",
		RunID:  run.ID,
		Data: map[string]interface{}{
			events.DataFrom: string(from),
			events.DataTo:   string(run.State),
		},
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to publish state change")
	}
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
