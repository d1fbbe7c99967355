package runstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/stores"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) snapshot() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

type transitionRecorder struct {
	mu    sync.Mutex
	edges []string
}

func (r *transitionRecorder) RecordRunTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, from+"->"+to)
}

func setup(t *testing.T, state engine.State) (*Manager, *stores.MemoryStore, *capturePublisher, *transitionRecorder) {
	t.Helper()
	store := stores.NewMemoryStore()
	require.NoError(t, store.SaveRun(context.Background(), &engine.Run{ID: "r1", Kind: "job", State: state}))

	pub := &capturePublisher{}
	rec := &transitionRecorder{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManager(store, pub, zerolog.Nop(), WithRecorder(rec), WithClock(func() time.Time { return fixed }))
	return m, store, pub, rec
}

func TestTransitionPersistsAndPublishes(t *testing.T) {
	m, store, pub, rec := setup(t, engine.StateBuilt)

	run, err := m.Transition(context.Background(), "r1", engine.StateRunning, func(r *engine.Run) error {
		r.SetStatus(engine.StatusHandle, "h-1")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, run.State)

	stored, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, stored.State)
	assert.Equal(t, "h-1", stored.Handle())
	assert.Equal(t, 2026, stored.Updated.Year())

	evs := pub.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRunStateChanged, evs[0].Type)
	assert.Equal(t, "BUILT", evs[0].Data[events.DataFrom])
	assert.Equal(t, "RUNNING", evs[0].Data[events.DataTo])
	assert.Equal(t, []string{"BUILT->RUNNING"}, rec.edges)
}

func TestTransitionRejectsBackwardsAndTerminal(t *testing.T) {
	tests := []struct {
		from engine.State
		to   engine.State
	}{
		{engine.StateRunning, engine.StateBuilt},
		{engine.StateCompleted, engine.StateFailed},
		{engine.StateFailed, engine.StateRunning},
		{engine.StateRunning, engine.StateDeleted},
		{engine.StateCreated, engine.StateRunning},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m, store, pub, _ := setup(t, tt.from)

			_, err := m.Transition(context.Background(), "r1", tt.to, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, engine.ErrInvalidTransition))

			stored, _ := store.GetRun(context.Background(), "r1")
			assert.Equal(t, tt.from, stored.State)
			assert.Empty(t, pub.snapshot())
		})
	}
}

func TestTransitionSkipsWriteWhenContextDone(t *testing.T) {
	m, store, pub, _ := setup(t, engine.StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Transition(ctx, "r1", engine.StateCompleted, nil)
	assert.ErrorIs(t, err, context.Canceled)

	stored, _ := store.GetRun(context.Background(), "r1")
	assert.Equal(t, engine.StateRunning, stored.State)
	assert.Empty(t, pub.snapshot())
}

func TestMutatorErrorAborts(t *testing.T) {
	m, store, _, _ := setup(t, engine.StateBuilt)
	boom := errors.New("boom")

	_, err := m.Transition(context.Background(), "r1", engine.StateRunning, func(*engine.Run) error { return boom })
	assert.ErrorIs(t, err, boom)

	stored, _ := store.GetRun(context.Background(), "r1")
	assert.Equal(t, engine.StateBuilt, stored.State)
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	m, _, pub, _ := setup(t, engine.StateRunning)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, to := range []engine.State{engine.StateCompleted, engine.StateFailed, engine.StateCompleted, engine.StateFailed} {
		wg.Add(1)
		go func(to engine.State) {
			defer wg.Done()
			if _, err := m.Transition(context.Background(), "r1", to, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, pub.snapshot(), 1)
}

func TestUpdateKeepsStateAndIgnoresTerminal(t *testing.T) {
	m, store, _, _ := setup(t, engine.StateRunning)

	_, err := m.Update(context.Background(), "r1", func(r *engine.Run) error {
		r.State = engine.StateCompleted
		r.SetStatus(engine.StatusMessage, "step 3/10")
		return nil
	})
	require.NoError(t, err)

	stored, _ := store.GetRun(context.Background(), "r1")
	assert.Equal(t, engine.StateRunning, stored.State)
	assert.Equal(t, "step 3/10", stored.Status[engine.StatusMessage])

	_, err = m.Transition(context.Background(), "r1", engine.StateFailed, nil)
	require.NoError(t, err)

	_, err = m.Update(context.Background(), "r1", func(r *engine.Run) error {
		r.SetStatus(engine.StatusMessage, "late")
		return nil
	})
	require.NoError(t, err)
	stored, _ = store.GetRun(context.Background(), "r1")
	assert.Equal(t, "step 3/10", stored.Status[engine.StatusMessage])
}

func TestMissingRun(t *testing.T) {
	m, _, _, _ := setup(t, engine.StateBuilt)
	_, err := m.Transition(context.Background(), "nope", engine.StateRunning, nil)
	assert.True(t, engine.IsNotFound(err))
}

func TestWithLockSerializes(t *testing.T) {
	m, _, _, _ := setup(t, engine.StateBuilt)

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock("r1", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Empty(t, m.locks.locks)
}
