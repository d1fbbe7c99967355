package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/runplane/runplane/pkg/engine"
)

// Driver selects the persistence backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverMemory   Driver = "memory"
)

// Config holds store configuration
type Config struct {
	Driver Driver `json:"driver" yaml:"driver" validate:"omitempty,oneof=sqlite postgres memory"`

	// Path is the SQLite database file, or ":memory:".
	Path string `json:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `json:"dsn" yaml:"dsn"`

	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`
}

// RunEvent is an append-only record of something that happened to a run
type RunEvent struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Message   string    `json:"message,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence layer: the entity repositories plus lifecycle
// and the run event log.
type Store interface {
	engine.Repository

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Event log
	AppendEvent(ctx context.Context, event *RunEvent) error
	ListEvents(ctx context.Context, runID string, limit, offset int) ([]*RunEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// New creates the store selected by cfg.Driver. The store is not initialized.
func New(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverPostgres:
		return NewPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
