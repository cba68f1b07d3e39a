package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t77yq/agentspace/internal/model"
)

// SaveRule upserts a schedule rule. The computed next trigger is not stored;
// it is recomputed when the rule is loaded into the scheduler.
func (s *Store) SaveRule(ctx context.Context, rule *model.ScheduleRule) error {
	schedule, err := json.Marshal(rule.Schedule)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule: %w", err)
	}
	action, err := json.Marshal(rule.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal action template: %w", err)
	}

	return s.write(ctx, "save schedule rule", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedule_rules (id, agent_id, name, schedule, action, active, created_at, last_triggered)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				schedule = excluded.schedule,
				action = excluded.action,
				active = excluded.active,
				last_triggered = excluded.last_triggered`,
			rule.ID,
			rule.AgentID,
			rule.Name,
			string(schedule),
			string(action),
			rule.Active,
			rule.CreatedAt.UTC(),
			nullTime(rule.LastTriggered),
		)
		return err
	})
}

// MarkRuleTriggered records a fire time. A rule deleted in the meantime stays
// deleted, and no other column is touched.
func (s *Store) MarkRuleTriggered(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, "mark schedule rule triggered", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE schedule_rules SET last_triggered = ? WHERE id = ?`, at.UTC(), id)
		return err
	})
}

// DeleteRule removes a schedule rule
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.write(ctx, "delete schedule rule", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM schedule_rules WHERE id = ?`, id)
		return err
	})
}

// ListRules returns every stored rule, oldest first
func (s *Store) ListRules(ctx context.Context) ([]*model.ScheduleRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, name, schedule, action, active, created_at, last_triggered
		FROM schedule_rules
		ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, readErr("list schedule rules", err)
	}
	defer rows.Close()

	var rules []*model.ScheduleRule
	for rows.Next() {
		rule := &model.ScheduleRule{}
		var schedule, action string
		var lastTriggered sql.NullTime

		if err := rows.Scan(
			&rule.ID,
			&rule.AgentID,
			&rule.Name,
			&schedule,
			&action,
			&rule.Active,
			&rule.CreatedAt,
			&lastTriggered,
		); err != nil {
			return nil, readErr("scan schedule rule", err)
		}
		if err := json.Unmarshal([]byte(schedule), &rule.Schedule); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule: %w", err)
		}
		if err := json.Unmarshal([]byte(action), &rule.Action); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action template: %w", err)
		}
		rule.CreatedAt = rule.CreatedAt.UTC()
		if lastTriggered.Valid {
			t := lastTriggered.Time.UTC()
			rule.LastTriggered = &t
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, readErr("iterate schedule rules", err)
	}
	return rules, nil
}
