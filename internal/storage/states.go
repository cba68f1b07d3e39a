package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/t77yq/agentspace/internal/model"
)

// SaveState upserts the state row of an agent in a single statement, so a
// failed write leaves the previously committed version in place.
func (s *Store) SaveState(ctx context.Context, state *model.AgentState) error {
	return s.write(ctx, "save agent state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_states (agent_id, persistent_data, runtime_data, last_checkpoint, version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				persistent_data = excluded.persistent_data,
				runtime_data = excluded.runtime_data,
				last_checkpoint = excluded.last_checkpoint,
				version = excluded.version`,
			state.AgentID,
			string(state.PersistentData),
			string(state.RuntimeData),
			state.LastCheckpoint.UTC(),
			state.Version,
		)
		return err
	})
}

// LoadState returns nil without error when the agent has no state
func (s *Store) LoadState(ctx context.Context, agentID string) (*model.AgentState, error) {
	var state model.AgentState
	var persistent, runtime string

	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, persistent_data, runtime_data, last_checkpoint, version
		FROM agent_states
		WHERE agent_id = ?`, agentID).Scan(
		&state.AgentID,
		&persistent,
		&runtime,
		&state.LastCheckpoint,
		&state.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, readErr("load agent state", err)
	}

	state.PersistentData = []byte(persistent)
	state.RuntimeData = []byte(runtime)
	state.LastCheckpoint = state.LastCheckpoint.UTC()
	return &state, nil
}

// DeleteState removes the state row of an agent
func (s *Store) DeleteState(ctx context.Context, agentID string) error {
	return s.write(ctx, "delete agent state", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_states WHERE agent_id = ?`, agentID)
		return err
	})
}

// CountStates returns the number of stored agent states
func (s *Store) CountStates(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_states`).Scan(&count); err != nil {
		return 0, readErr("count agent states", err)
	}
	return count, nil
}
