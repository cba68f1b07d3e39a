package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

const (
	defaultBusyTimeout  = 5 * time.Second
	defaultWriteRetries = 3
)

// Options configures the SQLite store
type Options struct {
	BusyTimeout  time.Duration
	WriteRetries uint
}

// Store persists agents, agent states, schedule rules and action history in SQLite
type Store struct {
	logger  *zap.Logger
	db      *sql.DB
	retries uint
}

// Open opens or creates the database at path
func Open(path string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.WriteRetries == 0 {
		opts.WriteRetries = defaultWriteRetries
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		logger:  logger.Named("store"),
		db:      db,
		retries: opts.WriteRetries,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			template TEXT NOT NULL,
			config TEXT NOT NULL,
			status TEXT NOT NULL,
			capabilities TEXT,
			metrics TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_name ON agents(name);

		CREATE TABLE IF NOT EXISTS agent_states (
			agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
			persistent_data TEXT NOT NULL,
			runtime_data TEXT NOT NULL,
			last_checkpoint DATETIME NOT NULL,
			version INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS schedule_rules (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			schedule TEXT NOT NULL,
			action TEXT NOT NULL,
			active INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			last_triggered DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_rules_agent_id ON schedule_rules(agent_id);

		CREATE TABLE IF NOT EXISTS action_history (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			action_type TEXT NOT NULL,
			input TEXT,
			output TEXT,
			status TEXT NOT NULL,
			error TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			duration INTEGER,
			memory_used INTEGER,
			data_processed INTEGER,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_action_history_agent_id ON action_history(agent_id);
		CREATE INDEX IF NOT EXISTS idx_action_history_created_at ON action_history(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks
func (s *Store) DB() *sql.DB {
	return s.db
}

// write runs fn, retrying while SQLite reports the database busy or locked
func (s *Store) write(ctx context.Context, op string, fn func() error) error {
	var permanent error
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(s.retries),
		retry.DelayType(retry.BackOffDelay),
	)

	err := r.Do(func() error {
		err := fn()
		if err != nil && !isBusy(err) {
			permanent = err
			return nil
		}
		if err != nil {
			s.logger.Debug("Database busy, retrying", zap.String("op", op), zap.Error(err))
		}
		return err
	})
	if permanent != nil {
		err = permanent
	}
	if err != nil {
		return fmt.Errorf("failed to %s: %w: %w", op, model.ErrPersistence, err)
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func readErr(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrPersistence, err)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
