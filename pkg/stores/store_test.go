package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/runplane/runplane/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

// forEachStore runs fn against every backend that needs no external service
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func testRun(id string, state engine.State, created time.Time) *engine.Run {
	return &engine.Run{
		ID:       id,
		Kind:     "job",
		Project:  "proj1",
		TaskID:   "task-1",
		Task:     "job+job://proj1/train:v1",
		Metadata: map[string]interface{}{"owner": "alice"},
		Spec:     map[string]interface{}{"task_id": "task-1", "parameters": map[string]interface{}{"epochs": float64(3)}},
		State:    state,
		Created:  created,
		Updated:  created,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"functions", "tasks", "runs", "run_events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestConfigValidation tests constructor argument checks
func TestConfigValidation(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := NewPostgresStore(Config{}); err == nil {
		t.Error("expected error for missing dsn")
	}
	if _, err := New(Config{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected in-memory pool pinned to 1 connection, got %d", store.cfg.MaxOpenConns)
	}
}

// TestRebind tests placeholder rewriting
func TestRebind(t *testing.T) {
	query := "SELECT id FROM runs WHERE state IN (?, ?) AND id = ?"

	if got := sqliteDialect.rebind(query); got != query {
		t.Errorf("sqlite rebind changed query: %s", got)
	}

	want := "SELECT id FROM runs WHERE state IN ($1, $2) AND id = $3"
	if got := postgresDialect.rebind(query); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// TestRunCRUD tests Run persistence on every backend
func TestRunCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)
		run := testRun("run-001", engine.StateBuilt, now)

		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}

		got, err := store.GetRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.State != engine.StateBuilt {
			t.Errorf("expected state BUILT, got %s", got.State)
		}
		if got.Task != run.Task || got.TaskID != run.TaskID || got.Project != run.Project {
			t.Errorf("run fields not preserved: %+v", got)
		}
		params, _ := got.Spec["parameters"].(map[string]interface{})
		if params["epochs"] != float64(3) {
			t.Errorf("nested spec not preserved: %v", got.Spec)
		}
		if got.Status != nil {
			t.Errorf("expected nil status, got %v", got.Status)
		}

		// Upsert
		got.State = engine.StateRunning
		got.SetStatus(engine.StatusHandle, "h-1")
		if err := store.SaveRun(ctx, got); err != nil {
			t.Fatalf("failed to update run: %v", err)
		}

		updated, err := store.GetRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if updated.State != engine.StateRunning || updated.Handle() != "h-1" {
			t.Errorf("update not applied: state=%s handle=%s", updated.State, updated.Handle())
		}

		exists, err := store.RunExists(ctx, "run-001")
		if err != nil || !exists {
			t.Errorf("expected run to exist: %v", err)
		}

		if err := store.DeleteRun(ctx, "run-001"); err != nil {
			t.Fatalf("failed to delete run: %v", err)
		}

		_, err = store.GetRun(ctx, "run-001")
		if !engine.IsNotFound(err) {
			t.Errorf("expected not found after delete, got %v", err)
		}

		if err := store.DeleteRun(ctx, "run-001"); !errors.Is(err, engine.ErrNotFound) {
			t.Errorf("expected not found deleting twice, got %v", err)
		}
	})
}

// TestListRunsByState tests state filtering and ordering
func TestListRunsByState(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Second)

		runs := []*engine.Run{
			testRun("r1", engine.StateRunning, base.Add(2*time.Second)),
			testRun("r2", engine.StateBuilt, base.Add(1*time.Second)),
			testRun("r3", engine.StateCompleted, base),
			testRun("r4", engine.StateCreated, base),
		}
		for _, r := range runs {
			if err := store.SaveRun(ctx, r); err != nil {
				t.Fatalf("failed to save run: %v", err)
			}
		}

		active, err := store.ListRunsByState(ctx, engine.StateBuilt, engine.StateRunning)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(active) != 2 {
			t.Fatalf("expected 2 active runs, got %d", len(active))
		}
		if active[0].ID != "r2" || active[1].ID != "r1" {
			t.Errorf("expected oldest first, got %s, %s", active[0].ID, active[1].ID)
		}

		none, err := store.ListRunsByState(ctx)
		if err != nil || len(none) != 0 {
			t.Errorf("expected empty result for no states, got %d (%v)", len(none), err)
		}
	})
}

// TestFunctionAndTaskCRUD tests the catalog entities
func TestFunctionAndTaskCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		fn := &engine.Function{
			ID:      "v1",
			Kind:    "job",
			Project: "proj1",
			Name:    "train",
			Spec:    map[string]interface{}{"image": "python", "tag": "3.11"},
			State:   engine.StateCreated,
			Created: now,
			Updated: now,
		}
		if err := store.SaveFunction(ctx, fn); err != nil {
			t.Fatalf("failed to save function: %v", err)
		}

		gotFn, err := store.GetFunction(ctx, "v1")
		if err != nil {
			t.Fatalf("failed to get function: %v", err)
		}
		if gotFn.Name != "train" || gotFn.Spec["image"] != "python" {
			t.Errorf("function not preserved: %+v", gotFn)
		}

		task := &engine.Task{
			ID:      "task-1",
			Kind:    "job",
			Project: "proj1",
			Spec:    map[string]interface{}{"function": "job://proj1/train:v1"},
			State:   engine.StateCreated,
			Created: now,
			Updated: now,
		}
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task: %v", err)
		}

		gotTask, err := store.GetTask(ctx, "task-1")
		if err != nil {
			t.Fatalf("failed to get task: %v", err)
		}
		if gotTask.Spec["function"] != "job://proj1/train:v1" {
			t.Errorf("task spec not preserved: %v", gotTask.Spec)
		}

		if ok, _ := store.TaskExists(ctx, "task-2"); ok {
			t.Error("unexpected task-2")
		}
		if ok, _ := store.FunctionExists(ctx, "v1"); !ok {
			t.Error("expected function v1")
		}

		if err := store.DeleteTask(ctx, "task-1"); err != nil {
			t.Errorf("failed to delete task: %v", err)
		}
		if err := store.DeleteFunction(ctx, "v1"); err != nil {
			t.Errorf("failed to delete function: %v", err)
		}
		if _, err := store.GetFunction(ctx, "v1"); !engine.IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})
}

// TestRunEvents tests the append-only event log
func TestRunEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		for _, to := range []string{"BUILT", "RUNNING", "COMPLETED"} {
			ev := &RunEvent{RunID: "run-1", Type: "run.state_changed", ToState: to}
			if err := store.AppendEvent(ctx, ev); err != nil {
				t.Fatalf("failed to append event: %v", err)
			}
			if ev.ID == 0 {
				t.Error("expected event id to be assigned")
			}
		}
		if err := store.AppendEvent(ctx, &RunEvent{RunID: "run-2", Type: "run.ready"}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}

		events, err := store.ListEvents(ctx, "run-1", 10, 0)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		if events[0].ToState != "BUILT" || events[2].ToState != "COMPLETED" {
			t.Errorf("events out of order: %s .. %s", events[0].ToState, events[2].ToState)
		}

		page, err := store.ListEvents(ctx, "run-1", 1, 1)
		if err != nil {
			t.Fatalf("failed to list events: %v", err)
		}
		if len(page) != 1 || page[0].ToState != "RUNNING" {
			t.Errorf("unexpected page: %+v", page)
		}
	})
}
