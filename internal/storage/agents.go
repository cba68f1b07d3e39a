package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/t77yq/agentspace/internal/model"
)

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	Status model.StatusKind
	Query  string
	Limit  int
}

// AgentStatistics counts persisted agents by status
type AgentStatistics struct {
	Total   int `json:"total"`
	Draft   int `json:"draft"`
	Ready   int `json:"ready"`
	Running int `json:"running"`
	Paused  int `json:"paused"`
	Stopped int `json:"stopped"`
	Errored int `json:"errored"`
}

const agentColumns = `id, name, description, template, config, status, capabilities, metrics, created_at, updated_at`

// UpsertAgent inserts or replaces the agent row
func (s *Store) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	template, err := json.Marshal(agent.Template)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	config, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	metrics, err := json.Marshal(agent.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	return s.write(ctx, "upsert agent", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				template = excluded.template,
				config = excluded.config,
				status = excluded.status,
				capabilities = excluded.capabilities,
				metrics = excluded.metrics,
				updated_at = excluded.updated_at`,
			agent.ID,
			agent.Name,
			agent.Description,
			string(template),
			string(config),
			agent.Status.String(),
			string(capabilities),
			string(metrics),
			agent.CreatedAt.UTC(),
			agent.UpdatedAt.UTC(),
		)
		return err
	})
}

// GetAgent returns nil without error when the agent does not exist
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, readErr("get agent", err)
	}
	return agent, nil
}

// ListAgents returns agents ordered by creation time
func (s *Store) ListAgents(ctx context.Context, filter AgentFilter) ([]*model.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var where []string
	var args []interface{}

	if filter.Status != "" {
		if filter.Status == model.StatusError {
			where = append(where, "status LIKE ?")
			args = append(args, string(model.StatusError)+"%")
		} else {
			where = append(where, "status = ?")
			args = append(args, string(filter.Status))
		}
	}
	if filter.Query != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		pattern := "%" + filter.Query + "%"
		args = append(args, pattern, pattern)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("list agents", err)
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, readErr("scan agent", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate agents", err)
	}
	return agents, nil
}

// DeleteAgent removes the agent together with its state, rules and history
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	return s.write(ctx, "delete agent", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
		return err
	})
}

// AgentStatistics counts agents by status
func (s *Store) AgentStatistics(ctx context.Context) (*AgentStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, readErr("count agents", err)
	}
	defer rows.Close()

	stats := &AgentStatistics{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, readErr("scan agent count", err)
		}
		parsed, err := model.ParseAgentStatus(status)
		if err != nil {
			continue
		}
		stats.Total += count
		switch parsed.Kind {
		case model.StatusDraft:
			stats.Draft += count
		case model.StatusReady:
			stats.Ready += count
		case model.StatusRunning:
			stats.Running += count
		case model.StatusPaused:
			stats.Paused += count
		case model.StatusStopped:
			stats.Stopped += count
		case model.StatusError:
			stats.Errored += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate agent counts", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*model.Agent, error) {
	var agent model.Agent
	var description, capabilities, metrics sql.NullString
	var template, config, status string

	err := row.Scan(
		&agent.ID,
		&agent.Name,
		&description,
		&template,
		&config,
		&status,
		&capabilities,
		&metrics,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	agent.Description = description.String
	if err := json.Unmarshal([]byte(template), &agent.Template); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	if err := json.Unmarshal([]byte(config), &agent.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if agent.Status, err = model.ParseAgentStatus(status); err != nil {
		return nil, err
	}
	if capabilities.Valid && capabilities.String != "" {
		if err := json.Unmarshal([]byte(capabilities.String), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &agent.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	agent.UpdatedAt = agent.UpdatedAt.UTC()
	return &agent, nil
}
