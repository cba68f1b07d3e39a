package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// ActionRecord is a finished action together with its resource usage
type ActionRecord struct {
	Action             *model.AgentAction `json:"action"`
	Duration           time.Duration      `json:"duration"`
	MemoryUsedBytes    uint64             `json:"memory_used_bytes"`
	DataProcessedBytes int64              `json:"data_processed_bytes"`
}

// InsertAction appends a history record. Records are immutable: inserting an
// id that already exists leaves the stored record untouched.
func (s *Store) InsertAction(ctx context.Context, action *model.AgentAction, result *model.ExecutionResult) error {
	actionType, err := json.Marshal(action.Type)
	if err != nil {
		return fmt.Errorf("failed to marshal action type: %w", err)
	}

	var duration int64
	var memoryUsed uint64
	var dataProcessed int64
	if result != nil {
		duration = int64(result.Duration)
		memoryUsed = result.MemoryUsedBytes
		dataProcessed = result.DataProcessedBytes
	}

	return s.write(ctx, "insert action record", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO action_history (
				id, agent_id, action_type, input, output, status, error, attempt,
				duration, memory_used, data_processed, created_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			action.ID,
			action.AgentID,
			string(actionType),
			nullString(string(action.Input)),
			nullString(string(action.Output)),
			action.Status.String(),
			nullString(action.Error),
			action.Attempt,
			duration,
			int64(memoryUsed),
			dataProcessed,
			action.CreatedAt.UTC(),
			nullTime(action.StartedAt),
			nullTime(action.CompletedAt),
		)
		return err
	})
}

// ListActions returns the newest limit records of an agent, newest first.
// A limit of zero or less returns all records.
func (s *Store) ListActions(ctx context.Context, agentID string, limit int) ([]*ActionRecord, error) {
	query := `
		SELECT id, agent_id, action_type, input, output, status, error, attempt,
			duration, memory_used, data_processed, created_at, started_at, completed_at
		FROM action_history
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("list action history", err)
	}
	defer rows.Close()

	var records []*ActionRecord
	for rows.Next() {
		record, err := scanAction(rows)
		if err != nil {
			return nil, readErr("scan action record", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate action history", err)
	}
	return records, nil
}

// CountActions counts history records of one agent, or of all agents when agentID is empty
func (s *Store) CountActions(ctx context.Context, agentID string) (int, error) {
	query := `SELECT COUNT(*) FROM action_history`
	var args []interface{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, readErr("count action history", err)
	}
	return count, nil
}

// DeleteActionsBefore deletes records created before the cutoff and returns how many were removed
func (s *Store) DeleteActionsBefore(ctx context.Context, before time.Time) (int64, error) {
	var affected int64
	err := s.write(ctx, "delete action history", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM action_history WHERE created_at < ?`, before.UTC())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Deleted old action history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

func scanAction(row scanner) (*ActionRecord, error) {
	action := &model.AgentAction{}
	record := &ActionRecord{Action: action}

	var actionType, status string
	var input, output, errorStr sql.NullString
	var duration, memoryUsed, dataProcessed sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&action.ID,
		&action.AgentID,
		&actionType,
		&input,
		&output,
		&status,
		&errorStr,
		&action.Attempt,
		&duration,
		&memoryUsed,
		&dataProcessed,
		&action.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(actionType), &action.Type); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action type: %w", err)
	}
	action.Status = parseActionStatus(status)
	action.CreatedAt = action.CreatedAt.UTC()
	if input.Valid && input.String != "" {
		action.Input = json.RawMessage(input.String)
	}
	if output.Valid && output.String != "" {
		action.Output = json.RawMessage(output.String)
	}
	if errorStr.Valid {
		action.Error = errorStr.String
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		action.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		action.CompletedAt = &t
	}
	if duration.Valid {
		record.Duration = time.Duration(duration.Int64)
	}
	if memoryUsed.Valid {
		record.MemoryUsedBytes = uint64(memoryUsed.Int64)
	}
	if dataProcessed.Valid {
		record.DataProcessedBytes = dataProcessed.Int64
	}

	return record, nil
}

func parseActionStatus(v string) model.ActionStatus {
	prefix := string(model.ActionFailed) + ": "
	if len(v) > len(prefix) && v[:len(prefix)] == prefix {
		return model.ActionStatus{Kind: model.ActionFailed, Reason: v[len(prefix):]}
	}
	return model.ActionStatus{Kind: model.ActionStatusKind(v)}
}
