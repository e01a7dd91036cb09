package stores

import (
	"context"
	"database/sql"

	"github.com/metasim/metasim/pkg/engine"
)

// ListOptions filters and pages ListExperiments.
type ListOptions struct {
	// Name keeps experiments with this name when set.
	Name string

	// Status keeps experiments with this status when set.
	Status engine.ExperimentStatus

	// Limit caps the number of rows; 0 means 50.
	Limit int

	Offset int
}

// Store defines the interface for the history persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Experiment operations
	RecordExperiment(ctx context.Context, rec *engine.ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (*engine.ExperimentRecord, error)
	ListExperiments(ctx context.Context, opts ListOptions) ([]*engine.ExperimentRecord, error)
	DeleteExperiment(ctx context.Context, id string) error

	// Event operations
	Publish(ctx context.Context, event *engine.Event) error
	GetEvents(ctx context.Context, experimentID string, limit, offset int) ([]*engine.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store                 = (*SQLiteStore)(nil)
	_ engine.Recorder       = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)
