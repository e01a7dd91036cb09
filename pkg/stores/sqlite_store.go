package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/metasim/metasim/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 50

// ErrNotFound is returned when an experiment does not exist.
var ErrNotFound = errors.New("experiment not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
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
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// RecordExperiment inserts or updates an experiment. When rec.Results is non-nil the
// stored results are replaced by it.
func (s *SQLiteStore) RecordExperiment(ctx context.Context, rec *engine.ExperimentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("experiment id is required")
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	query := `
		INSERT INTO experiments (
			id, name, status, backend, nb_inputs, nb_replicates,
			started_at, completed_at, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			backend = excluded.backend,
			nb_inputs = excluded.nb_inputs,
			nb_replicates = excluded.nb_replicates,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		string(rec.Status),
		string(rec.Backend),
		rec.NbInputs,
		rec.NbReplicates,
		rec.StartedAt.UTC(),
		nullTime(rec.CompletedAt),
		rec.Error,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record experiment: %w", err)
	}

	if rec.Results != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM experiment_results WHERE experiment_id = ?`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear results: %w", err)
		}
		for id, value := range rec.Results {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode result %s: %w", id, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO experiment_results (experiment_id, output_id, kind, value) VALUES (?, ?, ?, ?)`,
				rec.ID, id, value.Kind.String(), string(data))
			if err != nil {
				return fmt.Errorf("failed to store result %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit experiment: %w", err)
	}
	return nil
}

const experimentColumns = `id, name, status, backend, nb_inputs, nb_replicates, started_at, completed_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*engine.ExperimentRecord, error) {
	rec := &engine.ExperimentRecord{}
	var status, backend string
	var completed sql.NullTime
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&status,
		&backend,
		&rec.NbInputs,
		&rec.NbReplicates,
		&rec.StartedAt,
		&completed,
		&rec.Error,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = engine.ExperimentStatus(status)
	rec.Backend = engine.ParallelType(backend)
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// GetExperiment retrieves an experiment and its results by ID
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*engine.ExperimentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	rec, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT output_id, value FROM experiment_results WHERE experiment_id = ? ORDER BY output_id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outputID, data string
		if err := rows.Scan(&outputID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		var v engine.Value
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to decode result %s: %w", outputID, err)
		}
		if rec.Results == nil {
			rec.Results = make(map[string]engine.Value)
		}
		rec.Results[outputID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return rec, nil
}

// ListExperiments lists experiments without their results, newest first.
func (s *SQLiteStore) ListExperiments(ctx context.Context, opts ListOptions) ([]*engine.ExperimentRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		WHERE (? = '' OR name = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	status := string(opts.Status)
	rows, err := s.db.QueryContext(ctx, query, opts.Name, opts.Name, status, status, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	records := []*engine.ExperimentRecord{}
	for rows.Next() {
		rec, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating experiments: %w", err)
	}

	return records, nil
}

// DeleteExperiment deletes an experiment, its results and its events.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return tx.Commit()
}

// Publish appends a progress event to the log
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	var details sql.NullString
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	level := event.Level
	if level == "" {
		level = "info"
	}

	query := `
		INSERT INTO events (event_id, experiment_id, type, output_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ExperimentID,
		string(event.Type),
		event.OutputID,
		level,
		event.Message,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves the events of one experiment in publication order
func (s *SQLiteStore) GetEvents(ctx context.Context, experimentID string, limit, offset int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT event_id, experiment_id, type, output_id, level, message, details, timestamp
		FROM events
		WHERE experiment_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, experimentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var eventType string
		var details sql.NullString
		err := rows.Scan(
			&event.ID,
			&event.ExperimentID,
			&eventType,
			&event.OutputID,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
