package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// SQLConnector stores resources as rows of a key/value table
type SQLConnector struct {
	logger *zap.Logger
	name   string
	db     *sql.DB
}

// NewSQLConnector creates the connector table on db if needed
func NewSQLConnector(logger *zap.Logger, name string, db *sql.DB) (*SQLConnector, error) {
	c := &SQLConnector{
		logger: logger.Named("sql-connector"),
		name:   name,
		db:     db,
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS connector_data (
			connector TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (connector, key)
		)`); err != nil {
		return nil, fmt.Errorf("failed to create connector table: %w", err)
	}

	return c, nil
}

func (c *SQLConnector) Name() string {
	return c.name
}

// Read returns the value stored under key
func (c *SQLConnector) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM connector_data WHERE connector = ? AND key = ?`,
		c.name, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", c.name, key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return value, nil
}

// Write upserts the value stored under key
func (c *SQLConnector) Write(ctx context.Context, key string, data []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO connector_data (connector, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connector, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		c.name, key, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}

	c.logger.Debug("Stored value",
		zap.String("key", key),
		zap.Int("bytes", len(data)))
	return nil
}

// keys lists the stored keys, ordered by key
func (c *SQLConnector) keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT key FROM connector_data WHERE connector = ? ORDER BY key`, c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return keys, nil
}
