package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/devkiln/kiln/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db          *sql.DB
	path        string
	busyTimeout time.Duration
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a store; call Init and Migrate before use.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	return &SQLiteStore{path: cfg.Path, busyTimeout: cfg.BusyTimeout}, nil
}

// OpenSQLite creates, initializes and migrates a store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(SQLiteConfig{Path: path})
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

// Init opens the database connection with WAL journaling and full syncs.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate",
		s.path, s.busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return storageError("open", err)
	}

	// Every connection to :memory: is a separate database.
	if s.path == MemoryPath {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return storageError("open", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return storageError("migrate", errors.New("database not initialized"))
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return storageError("migrate", fmt.Errorf("failed to create migration source: %w", err))
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return storageError("migrate", fmt.Errorf("failed to create database driver: %w", err))
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return storageError("migrate", fmt.Errorf("failed to create migration instance: %w", err))
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return storageError("migrate", fmt.Errorf("failed to run migrations: %w", err))
	}
	return nil
}

// Append inserts an event row. The latest phase is read inside the same
// immediate transaction as the insert.
func (s *SQLiteStore) Append(ctx context.Context, ev *engine.Event, check CheckFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("append", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	prev := string(engine.PhaseNotRequested)
	err = tx.QueryRowContext(ctx, `
		SELECT phase FROM events
		WHERE target = ? AND extension = ?
		ORDER BY timestamp DESC, seq DESC
		LIMIT 1
	`, ev.Target, ev.Extension).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storageError("append", fmt.Errorf("failed to read latest phase: %w", err))
	}
	if check != nil {
		if err := check(engine.Phase(prev)); err != nil {
			return err
		}
	}
	ev.Previous = engine.Phase(prev)

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM events`).Scan(&last); err != nil {
		return storageError("append", fmt.Errorf("failed to read last timestamp: %w", err))
	}
	if last.Valid && ev.Timestamp.UnixNano() <= last.Int64 {
		ev.Timestamp = time.Unix(0, last.Int64+1).UTC()
	}

	query := `
		INSERT INTO events (id, run_id, target, extension, phase, previous, timestamp,
			version, checksum, duration_ns, error, error_code, output, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := tx.ExecContext(ctx, query,
		ev.ID,
		ev.RunID,
		ev.Target,
		ev.Extension,
		string(ev.Phase),
		string(ev.Previous),
		ev.Timestamp.UnixNano(),
		ev.Version,
		ev.Checksum,
		int64(ev.Duration),
		ev.Error,
		ev.ErrorCode,
		ev.Output,
		ev.Reason,
	)
	if err != nil {
		return storageError("append", fmt.Errorf("failed to append event: %w", err))
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return storageError("append", fmt.Errorf("failed to get event sequence: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return storageError("append", fmt.Errorf("failed to commit event: %w", err))
	}
	ev.Seq = seq
	return nil
}

// Events returns matching events ordered by timestamp then sequence.
func (s *SQLiteStore) Events(ctx context.Context, filter Filter) ([]engine.Event, error) {
	query := `
		SELECT seq, id, run_id, target, extension, phase, previous, timestamp,
			version, checksum, duration_ns, error, error_code, output, reason
		FROM events
		WHERE (? = '' OR target = ?)
		  AND (? = '' OR extension = ?)
		  AND (? = '' OR run_id = ?)
		  AND seq > ?
		ORDER BY timestamp ASC, seq ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Target, filter.Target,
		filter.Extension, filter.Extension,
		filter.RunID, filter.RunID,
		filter.AfterSeq,
	)
	if err != nil {
		return nil, storageError("query", fmt.Errorf("failed to get events: %w", err))
	}
	defer rows.Close()

	var events []engine.Event
	for rows.Next() {
		var (
			ev         engine.Event
			phase      string
			previous   string
			nanos      int64
			durationNS int64
		)
		err := rows.Scan(
			&ev.Seq,
			&ev.ID,
			&ev.RunID,
			&ev.Target,
			&ev.Extension,
			&phase,
			&previous,
			&nanos,
			&ev.Version,
			&ev.Checksum,
			&durationNS,
			&ev.Error,
			&ev.ErrorCode,
			&ev.Output,
			&ev.Reason,
		)
		if err != nil {
			return nil, storageError("query", fmt.Errorf("failed to scan event: %w", err))
		}
		ev.Phase = engine.Phase(phase)
		ev.Previous = engine.Phase(previous)
		ev.Timestamp = time.Unix(0, nanos).UTC()
		ev.Duration = time.Duration(durationNS)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, storageError("query", fmt.Errorf("error iterating events: %w", err))
	}
	return events, nil
}

// LastTimestamp returns the newest event timestamp.
func (s *SQLiteStore) LastTimestamp(ctx context.Context) (time.Time, error) {
	var nanos sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM events`).Scan(&nanos); err != nil {
		return time.Time{}, storageError("query", err)
	}
	if !nanos.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return storageError("ping", errors.New("database not initialized"))
	}
	return s.db.PingContext(ctx)
}

func storageError(op string, err error) error {
	return engine.NewStorageError("ledger storage failure", err).WithOperation(op)
}
