package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// PostgreSQL driver
	_ "github.com/jackc/pgx/v5/stdlib"
	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/runplane/runplane/pkg/engine"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type dialect struct {
	name       string
	driverName string
	migrations string
}

var (
	sqliteDialect   = dialect{name: "sqlite", driverName: "sqlite", migrations: "migrations/sqlite"}
	postgresDialect = dialect{name: "postgres", driverName: "pgx", migrations: "migrations/postgres"}
)

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.name != postgresDialect.name {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements Store on database/sql
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	dsn     string
	cfg     Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	applyPoolDefaults(&cfg)

	// An in-memory database exists per connection, so the pool is pinned to one.
	dsn := cfg.Path
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", cfg.Path)
	}

	return &SQLStore{
		dialect: sqliteDialect,
		dsn:     dsn,
		cfg:     cfg,
	}, nil
}

// NewPostgresStore creates a new PostgreSQL store instance
func NewPostgresStore(cfg Config) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	applyPoolDefaults(&cfg)

	return &SQLStore{
		dialect: postgresDialect,
		dsn:     cfg.DSN,
		cfg:     cfg,
	}, nil
}

func applyPoolDefaults(cfg *Config) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

// Init opens the connection pool and verifies it.
func (s *SQLStore) Init(ctx context.Context) error {
	db, err := sql.Open(s.dialect.driverName, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, s.dialect.migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch s.dialect.name {
	case postgresDialect.name:
		driver, err = migratepgx.WithInstance(s.db, &migratepgx.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, s.dialect.name, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", table, err)
	}
	return n > 0, nil
}

func (s *SQLStore) delete(ctx context.Context, table string, entity engine.EntityType, id string) error {
	result, err := s.exec(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return engine.NewNotFoundError(entity, id)
	}

	return nil
}

// SaveFunction inserts or replaces a function
func (s *SQLStore) SaveFunction(ctx context.Context, fn *engine.Function) error {
	metadata, spec, extra, err := encodeMaps(fn.Metadata, fn.Spec, fn.Extra)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO functions (id, kind, project, name, metadata, spec, extra, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			project = excluded.project,
			name = excluded.name,
			metadata = excluded.metadata,
			spec = excluded.spec,
			extra = excluded.extra,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err = s.exec(ctx, query,
		fn.ID,
		fn.Kind,
		fn.Project,
		fn.Name,
		metadata,
		spec,
		extra,
		string(fn.State),
		fn.Created,
		fn.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save function: %w", err)
	}

	return nil
}

// GetFunction retrieves a function by ID
func (s *SQLStore) GetFunction(ctx context.Context, id string) (*engine.Function, error) {
	query := `
		SELECT id, kind, project, name, metadata, spec, extra, state, created_at, updated_at
		FROM functions
		WHERE id = ?
	`

	fn := &engine.Function{}
	var metadata, spec, extra sql.NullString
	var state string
	err := s.queryRow(ctx, query, id).Scan(
		&fn.ID,
		&fn.Kind,
		&fn.Project,
		&fn.Name,
		&metadata,
		&spec,
		&extra,
		&state,
		&fn.Created,
		&fn.Updated,
	)

	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(engine.EntityFunction, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get function: %w", err)
	}

	if fn.Metadata, fn.Spec, fn.Extra, err = decodeMaps(metadata, spec, extra); err != nil {
		return nil, err
	}
	fn.State = engine.ParseState(state)
	return fn, nil
}

// FunctionExists reports whether a function with id is stored
func (s *SQLStore) FunctionExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "functions", id)
}

// DeleteFunction deletes a function by ID
func (s *SQLStore) DeleteFunction(ctx context.Context, id string) error {
	return s.delete(ctx, "functions", engine.EntityFunction, id)
}

// SaveTask inserts or replaces a task
func (s *SQLStore) SaveTask(ctx context.Context, task *engine.Task) error {
	metadata, spec, extra, err := encodeMaps(task.Metadata, task.Spec, task.Extra)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (id, kind, project, metadata, spec, extra, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			project = excluded.project,
			metadata = excluded.metadata,
			spec = excluded.spec,
			extra = excluded.extra,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err = s.exec(ctx, query,
		task.ID,
		task.Kind,
		task.Project,
		metadata,
		spec,
		extra,
		string(task.State),
		task.Created,
		task.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID
func (s *SQLStore) GetTask(ctx context.Context, id string) (*engine.Task, error) {
	query := `
		SELECT id, kind, project, metadata, spec, extra, state, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	task := &engine.Task{}
	var metadata, spec, extra sql.NullString
	var state string
	err := s.queryRow(ctx, query, id).Scan(
		&task.ID,
		&task.Kind,
		&task.Project,
		&metadata,
		&spec,
		&extra,
		&state,
		&task.Created,
		&task.Updated,
	)

	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(engine.EntityTask, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	if task.Metadata, task.Spec, task.Extra, err = decodeMaps(metadata, spec, extra); err != nil {
		return nil, err
	}
	task.State = engine.ParseState(state)
	return task, nil
}

// TaskExists reports whether a task with id is stored
func (s *SQLStore) TaskExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "tasks", id)
}

// DeleteTask deletes a task by ID
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	return s.delete(ctx, "tasks", engine.EntityTask, id)
}

// SaveRun inserts or replaces a run
func (s *SQLStore) SaveRun(ctx context.Context, run *engine.Run) error {
	metadata, spec, extra, err := encodeMaps(run.Metadata, run.Spec, run.Extra)
	if err != nil {
		return err
	}
	status, err := encodeMap(run.Status)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO runs (id, kind, project, task_id, task, metadata, spec, status, extra, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			project = excluded.project,
			task_id = excluded.task_id,
			task = excluded.task,
			metadata = excluded.metadata,
			spec = excluded.spec,
			status = excluded.status,
			extra = excluded.extra,
			state = excluded.state,
			updated_at = excluded.updated_at
	`

	_, err = s.exec(ctx, query,
		run.ID,
		run.Kind,
		run.Project,
		run.TaskID,
		run.Task,
		metadata,
		spec,
		status,
		extra,
		string(run.State),
		run.Created,
		run.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

const runColumns = `id, kind, project, task_id, task, metadata, spec, status, extra, state, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var metadata, spec, status, extra sql.NullString
	var state string
	err := row.Scan(
		&run.ID,
		&run.Kind,
		&run.Project,
		&run.TaskID,
		&run.Task,
		&metadata,
		&spec,
		&status,
		&extra,
		&state,
		&run.Created,
		&run.Updated,
	)
	if err != nil {
		return nil, err
	}

	if run.Metadata, run.Spec, run.Extra, err = decodeMaps(metadata, spec, extra); err != nil {
		return nil, err
	}
	if run.Status, err = decodeMap(status); err != nil {
		return nil, err
	}
	run.State = engine.ParseState(state)
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.queryRow(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(engine.EntityRun, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// RunExists reports whether a run with id is stored
func (s *SQLStore) RunExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, "runs", id)
}

// DeleteRun deletes a run by ID
func (s *SQLStore) DeleteRun(ctx context.Context, id string) error {
	return s.delete(ctx, "runs", engine.EntityRun, id)
}

// ListRunsByState lists runs in any of the given states, oldest first
func (s *SQLStore) ListRunsByState(ctx context.Context, states ...engine.State) ([]*engine.Run, error) {
	if len(states) == 0 {
		return []*engine.Run{}, nil
	}

	placeholders := make([]string, len(states))
	args := make([]interface{}, len(states))
	for i, st := range states {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	query := `SELECT ` + runColumns + ` FROM runs WHERE state IN (` + strings.Join(placeholders, ", ") + `) ORDER BY created_at ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendEvent appends an event to the run event log
func (s *SQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	query := `
		INSERT INTO run_events (run_id, type, from_state, to_state, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	err := s.queryRow(ctx, query,
		event.RunID,
		event.Type,
		event.FromState,
		event.ToState,
		event.Message,
		event.Details,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves the events of a run, oldest first
func (s *SQLStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error) {
	query := `
		SELECT id, run_id, type, from_state, to_state, message, details, timestamp
		FROM run_events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*RunEvent{}
	for rows.Next() {
		event := &RunEvent{}
		var from, to, message sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&from,
			&to,
			&message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.FromState = from.String
		event.ToState = to.String
		event.Message = message.String
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func encodeMap(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func encodeMaps(metadata, spec, extra map[string]interface{}) (m, s, e sql.NullString, err error) {
	if m, err = encodeMap(metadata); err != nil {
		return
	}
	if s, err = encodeMap(spec); err != nil {
		return
	}
	e, err = encodeMap(extra)
	return
}

func decodeMap(col sql.NullString) (map[string]interface{}, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(col.String), &m); err != nil {
		return nil, fmt.Errorf("failed to decode column: %w", err)
	}
	return m, nil
}

func decodeMaps(metadata, spec, extra sql.NullString) (m, s, e map[string]interface{}, err error) {
	if m, err = decodeMap(metadata); err != nil {
		return
	}
	if s, err = decodeMap(spec); err != nil {
		return
	}
	e, err = decodeMap(extra)
	return
}
