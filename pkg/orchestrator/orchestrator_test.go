package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/accessors"
	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/kinds"
	"github.com/runplane/runplane/pkg/policy"
	"github.com/runplane/runplane/pkg/poller"
	"github.com/runplane/runplane/pkg/runstate"
	"github.com/runplane/runplane/pkg/runtimes"
	"github.com/runplane/runplane/pkg/specs"
	"github.com/runplane/runplane/pkg/stores"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeEngine reports the scripted job states in order, repeating the last.
type fakeEngine struct {
	mu      sync.Mutex
	script  []engine.JobState
	message string
	polls   map[string]int
	submits []*engine.Runnable
	cancels []string
}

func newFakeEngine(script ...engine.JobState) *fakeEngine {
	return &fakeEngine{script: script, polls: make(map[string]int)}
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Submit(_ context.Context, r *engine.Runnable) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, r)
	return &engine.JobStatus{State: engine.JobStatePending, Handle: "job-" + r.RunID}, nil
}

func (f *fakeEngine) Status(_ context.Context, handle string) (*engine.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.polls[handle]
	f.polls[handle] = n + 1
	if n >= len(f.script) {
		n = len(f.script) - 1
	}
	return &engine.JobStatus{State: f.script[n], Handle: handle, Message: f.message}, nil
}

func (f *fakeEngine) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, handle)
	return nil
}

func (f *fakeEngine) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeEngine) pollCount(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[handle]
}

type transitionLog struct {
	mu    sync.Mutex
	edges map[string][]string
}

func (l *transitionLog) handle(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges[ev.RunID] = append(l.edges[ev.RunID], ev.Data[events.DataFrom].(string)+"->"+ev.Data[events.DataTo].(string))
}

func (l *transitionLog) of(runID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.edges[runID]...)
}

type harness struct {
	store   *stores.MemoryStore
	bus     *events.Bus
	pollers *poller.Service
	engine  *fakeEngine
	orch    *Orchestrator
	catalog *Catalog
	log     *transitionLog
}

func newHarness(t *testing.T, fake *fakeEngine, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithBus(t, fake, nil, opts...)
}

// newHarnessWithBus lets wrap replace the bus the orchestrator publishes on.
func newHarnessWithBus(t *testing.T, fake *fakeEngine, wrap func(*events.Bus) Bus, opts ...Option) *harness {
	t.Helper()
	logger := zerolog.Nop()

	store := stores.NewMemoryStore()
	bus := events.NewBus(events.DefaultConfig(), logger, nil)
	runs := runstate.NewManager(store, bus, logger)
	pollers := poller.NewService(poller.Config{Interval: 10 * time.Millisecond, MaxTransientErrors: 5}, logger,
		poller.WithPublisher(bus))

	specReg := specs.NewDefaultRegistry()
	accReg := accessors.NewDefaultRegistry()
	rts := runtimes.NewRegistry()
	regs := kinds.NewRegistries()
	require.NoError(t, runtimes.RegisterDefaults(rts, regs, runtimes.Deps{
		Config:    runtimes.DefaultConfig(),
		Specs:     specReg,
		Functions: store,
		Client:    fake,
		Runs:      runs,
		Logger:    logger,
	}))
	regs.Freeze()
	rts.Freeze()

	log := &transitionLog{edges: make(map[string][]string)}
	bus.SubscribeAll(log.handle, events.FilterByType(events.TypeRunStateChanged))

	var orchBus Bus = bus
	if wrap != nil {
		orchBus = wrap(bus)
	}

	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	orch, err := New(Deps{
		Repo:      store,
		Specs:     specReg,
		Accessors: accReg,
		Runtimes:  rts,
		Kinds:     regs,
		Runs:      runs,
		Bus:       orchBus,
		Pollers:   pollers,
		Engine:    fake,
		Logger:    logger,
	}, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
		_ = bus.Shutdown(ctx)
	})

	h := &harness{
		store:   store,
		bus:     bus,
		pollers: pollers,
		engine:  fake,
		orch:    orch,
		catalog: NewCatalog(store, specReg, accReg, regs.Builders, logger),
		log:     log,
	}
	h.seed(t)
	return h
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.catalog.SaveFunction(ctx, &engine.Function{
		ID:      "v1",
		Kind:    specs.KindJob,
		Project: "proj1",
		Name:    "train",
		Spec:    map[string]interface{}{"image": "python", "tag": "3.12", "command": "python train.py"},
	})
	require.NoError(t, err)
	_, err = h.catalog.SaveTask(ctx, &engine.Task{
		ID:   "t1",
		Kind: specs.KindJob,
		Spec: map[string]interface{}{"function": "job://proj1/train:v1"},
	})
	require.NoError(t, err)
}

func (h *harness) waitForState(t *testing.T, id string, want engine.State) *engine.Run {
	t.Helper()
	var run *engine.Run
	require.Eventually(t, func() bool {
		r, err := h.store.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		run = r
		return r.State == want
	}, waitFor, tick, "run %s never reached %s", id, want)
	return run
}

func newRun(id string, spec map[string]interface{}) *engine.Run {
	if spec == nil {
		spec = map[string]interface{}{}
	}
	spec["task_id"] = "t1"
	return &engine.Run{ID: id, Kind: specs.KindRun, Spec: spec}
}

func TestCreateRunDispatchesAndCompletes(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateRunning, engine.JobStateCompleted))

	created, err := h.orch.CreateRun(context.Background(), newRun("r1", map[string]interface{}{
		"parameters": map[string]interface{}{"epochs": 3},
	}))
	require.NoError(t, err)
	assert.Equal(t, engine.StateBuilt, created.State)
	assert.Equal(t, "proj1", created.Project)
	assert.Equal(t, "t1", created.TaskID)
	assert.Equal(t, "job+job://proj1/train:v1", created.Task)
	assert.Equal(t, "python", created.Spec["image"])

	done := h.waitForState(t, "r1", engine.StateCompleted)
	assert.Equal(t, "job-r1", done.Handle())
	assert.Equal(t, "fake", done.Status[engine.StatusEngine])
	assert.Equal(t, 1, h.engine.submitCount())

	require.Eventually(t, func() bool { return len(h.log.of("r1")) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"CREATED->BUILT", "BUILT->RUNNING", "RUNNING->COMPLETED"}, h.log.of("r1"))

	require.Eventually(t, func() bool { return !h.pollers.Running(poller.Name("r1")) }, waitFor, tick)

	h.engine.mu.Lock()
	runnable := h.engine.submits[0]
	h.engine.mu.Unlock()
	assert.Equal(t, runtimes.FrameworkJob, runnable.Framework)
	assert.Equal(t, "python:3.12", runnable.Image)
	assert.Equal(t, map[string]interface{}{"epochs": int64(3)}, runnable.Payload["parameters"])
}

type rejectingBus struct {
	*events.Bus
	reject string
}

func (b rejectingBus) Publish(ctx context.Context, ev events.Event) error {
	if ev.Type == b.reject {
		return errors.New("bus closed")
	}
	return b.Bus.Publish(ctx, ev)
}

func TestCreateRunReturnsUnpublishedError(t *testing.T) {
	h := newHarnessWithBus(t, newFakeEngine(engine.JobStateCompleted), func(b *events.Bus) Bus {
		return rejectingBus{Bus: b, reject: events.TypeRunReady}
	})

	created, err := h.orch.CreateRun(context.Background(), newRun("r1", nil))
	require.Error(t, err)
	assert.Nil(t, created)
	assert.ErrorIs(t, err, engine.ErrRunNotPublished)
	assert.True(t, engine.IsTransient(err))

	stored, err := h.store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateBuilt, stored.State)
	assert.False(t, h.pollers.Running(poller.Name("r1")))
	assert.Equal(t, 0, h.engine.submitCount())
}

func TestCreateRunGeneratesID(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted), WithIDGenerator(func() string { return "generated" }))

	created, err := h.orch.CreateRun(context.Background(), newRun("", nil))
	require.NoError(t, err)
	assert.Equal(t, "generated", created.ID)
	h.waitForState(t, "generated", engine.StateCompleted)
}

func TestCreateRunDuplicate(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateRunning))

	_, err := h.orch.CreateRun(context.Background(), newRun("r1", nil))
	require.NoError(t, err)

	_, err = h.orch.CreateRun(context.Background(), newRun("r1", nil))
	assert.ErrorIs(t, err, engine.ErrDuplicateRun)
}

func TestCreateRunLocal(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted))

	created, err := h.orch.CreateRun(context.Background(), newRun("local", map[string]interface{}{"local_execution": true}))
	require.NoError(t, err)
	assert.Equal(t, engine.StateCreated, created.State)
	assert.Equal(t, "job+job://proj1/train:v1", created.Task)

	time.Sleep(50 * time.Millisecond)
	stored, err := h.store.GetRun(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCreated, stored.State)
	assert.False(t, h.pollers.Running(poller.Name("local")))
	assert.Zero(t, h.engine.submitCount())
}

func TestCreateRunRejectsWithoutPersisting(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted))
	ctx := context.Background()

	require.NoError(t, h.store.SaveTask(ctx, &engine.Task{
		ID:   "orphan",
		Kind: specs.KindJob,
		Spec: map[string]interface{}{"function": "job://proj1/train:missing"},
	}))
	require.NoError(t, h.store.SaveTask(ctx, &engine.Task{
		ID:   "bad-ref",
		Kind: specs.KindJob,
		Spec: map[string]interface{}{"function": "job//proj1"},
	}))

	cases := []struct {
		name string
		run  *engine.Run
		want error
	}{
		{"unknown run kind", &engine.Run{ID: "x1", Kind: "spark", Spec: map[string]interface{}{"task_id": "t1"}}, engine.ErrUnknownKind},
		{"missing task id", &engine.Run{ID: "x2", Kind: specs.KindRun}, engine.ErrValidation},
		{"task not found", &engine.Run{ID: "x3", Kind: specs.KindRun, Spec: map[string]interface{}{"task_id": "nope"}}, engine.ErrTaskNotFound},
		{"function not found", &engine.Run{ID: "x4", Kind: specs.KindRun, Spec: map[string]interface{}{"task_id": "orphan"}}, engine.ErrFunctionNotFound},
		{"malformed reference", &engine.Run{ID: "x5", Kind: specs.KindRun, Spec: map[string]interface{}{"task_id": "bad-ref"}}, engine.ErrMalformedIdentifier},
		{"non-initial state", &engine.Run{ID: "x6", Kind: specs.KindRun, State: engine.StateRunning, Spec: map[string]interface{}{"task_id": "t1"}}, engine.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orch.CreateRun(ctx, tc.run)
			assert.ErrorIs(t, err, tc.want)

			exists, err := h.store.RunExists(ctx, tc.run.ID)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
	assert.Zero(t, h.engine.submitCount())
}

func TestCreateRunPolicyDenied(t *testing.T) {
	admitter, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted), WithAdmitter(admitter))
	ctx := context.Background()

	// Stored directly: the catalog would reject the project mismatch.
	require.NoError(t, h.store.SaveFunction(ctx, &engine.Function{
		ID: "v2", Kind: specs.KindJob, Project: "other", Name: "train",
		Spec: map[string]interface{}{"image": "python"}, State: engine.StateCreated,
	}))
	require.NoError(t, h.store.SaveTask(ctx, &engine.Task{
		ID: "t2", Kind: specs.KindJob, Project: "proj1",
		Spec: map[string]interface{}{"function": "job://proj1/train:v2"}, State: engine.StateCreated,
	}))

	_, err = h.orch.CreateRun(ctx, &engine.Run{ID: "denied", Kind: specs.KindRun, Spec: map[string]interface{}{"task_id": "t2"}})
	assert.ErrorIs(t, err, engine.ErrPolicyDenied)

	exists, err := h.store.RunExists(ctx, "denied")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = h.orch.CreateRun(ctx, newRun("allowed", nil))
	require.NoError(t, err)
	h.waitForState(t, "allowed", engine.StateCompleted)
}

func TestEngineFailureFailsRun(t *testing.T) {
	fake := newFakeEngine(engine.JobStateRunning, engine.JobStateFailed)
	fake.message = "OOMKilled"
	h := newHarness(t, fake)

	_, err := h.orch.CreateRun(context.Background(), newRun("r1", nil))
	require.NoError(t, err)

	failed := h.waitForState(t, "r1", engine.StateFailed)
	assert.Contains(t, failed.Status[engine.StatusReason], "OOMKilled")
	require.Eventually(t, func() bool { return !h.pollers.Running(poller.Name("r1")) }, waitFor, tick)
}

func TestDuplicateReadyEventSubmitsOnce(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateRunning))
	ctx := context.Background()

	_, err := h.orch.CreateRun(ctx, newRun("r1", nil))
	require.NoError(t, err)
	h.waitForState(t, "r1", engine.StateRunning)

	stored, err := h.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	runnable, err := h.orch.runnableOf(stored)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.bus.Publish(ctx, events.Event{
			Type:  events.TypeRunReady,
			RunID: "r1",
			Data:  map[string]interface{}{events.DataRunnable: runnable},
		}))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.engine.submitCount())
	assert.True(t, h.pollers.Running(poller.Name("r1")))
}

func TestCancelRunStopsPollingAndWrites(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateRunning))
	ctx := context.Background()

	_, err := h.orch.CreateRun(ctx, newRun("r1", nil))
	require.NoError(t, err)
	h.waitForState(t, "r1", engine.StateRunning)
	require.Eventually(t, func() bool { return h.engine.pollCount("job-r1") > 1 }, waitFor, tick)

	cancelled, err := h.orch.CancelRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, cancelled.State)
	assert.Equal(t, ReasonCancelled, cancelled.Status[engine.StatusReason])
	assert.False(t, h.pollers.Running(poller.Name("r1")))

	polls := h.engine.pollCount("job-r1")
	time.Sleep(60 * time.Millisecond)

	stored, err := h.store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, stored.State)
	assert.True(t, stored.Updated.Equal(cancelled.Updated), "run was written after cancellation")
	assert.Equal(t, polls, h.engine.pollCount("job-r1"))

	h.engine.mu.Lock()
	assert.Equal(t, []string{"job-r1"}, h.engine.cancels)
	h.engine.mu.Unlock()

	again, err := h.orch.CancelRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateFailed, again.State)
}

func TestDeleteRun(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateRunning))
	ctx := context.Background()

	_, err := h.orch.CreateRun(ctx, newRun("local", map[string]interface{}{"local_execution": true}))
	require.NoError(t, err)
	require.NoError(t, h.orch.DeleteRun(ctx, "local"))

	_, err = h.store.GetRun(ctx, "local")
	assert.True(t, engine.IsNotFound(err))
	require.Eventually(t, func() bool {
		edges := h.log.of("local")
		return len(edges) == 1 && edges[0] == "CREATED->DELETED"
	}, waitFor, tick)

	_, err = h.orch.CreateRun(ctx, newRun("remote", nil))
	require.NoError(t, err)
	h.waitForState(t, "remote", engine.StateRunning)
	require.NoError(t, h.orch.DeleteRun(ctx, "remote"))

	_, err = h.store.GetRun(ctx, "remote")
	assert.True(t, engine.IsNotFound(err))
	assert.False(t, h.pollers.Running(poller.Name("remote")))

	assert.True(t, engine.IsNotFound(h.orch.DeleteRun(ctx, "remote")))
}

func TestRecoverResumesInFlightRuns(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.store.SaveRun(ctx, &engine.Run{
		ID: "built", Kind: specs.KindRun, Project: "proj1", TaskID: "t1", Task: "job+job://proj1/train:v1",
		Spec:  map[string]interface{}{"task_id": "t1", "image": "python"},
		State: engine.StateBuilt, Created: now, Updated: now,
	}))
	require.NoError(t, h.store.SaveRun(ctx, &engine.Run{
		ID: "running", Kind: specs.KindRun, Project: "proj1", TaskID: "t1", Task: "job+job://proj1/train:v1",
		Spec:   map[string]interface{}{"task_id": "t1", "image": "python"},
		Status: map[string]interface{}{engine.StatusHandle: "job-running"},
		State:  engine.StateRunning, Created: now, Updated: now,
	}))

	n, err := h.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.waitForState(t, "built", engine.StateCompleted)
	h.waitForState(t, "running", engine.StateCompleted)
	assert.Equal(t, 1, h.engine.submitCount())
}

func TestCatalogRejectsInvalidEntities(t *testing.T) {
	h := newHarness(t, newFakeEngine(engine.JobStateCompleted))
	ctx := context.Background()

	_, err := h.catalog.SaveFunction(ctx, &engine.Function{ID: "f", Kind: "spark", Project: "p"})
	assert.ErrorIs(t, err, engine.ErrUnknownKind)

	_, err = h.catalog.SaveFunction(ctx, &engine.Function{ID: "f", Kind: specs.KindDbt, Project: "p", Spec: map[string]interface{}{}})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = h.catalog.SaveTask(ctx, &engine.Task{ID: "t", Kind: "spark"})
	assert.ErrorIs(t, err, engine.ErrStrategyNotFound)

	_, err = h.catalog.SaveTask(ctx, &engine.Task{
		ID: "t", Kind: specs.KindJob, Spec: map[string]interface{}{"function": "job://proj2/train:v1"},
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	task, err := h.catalog.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "proj1", task.Project)
	assert.Equal(t, engine.StateCreated, task.State)
	assert.False(t, task.Created.IsZero())
}
