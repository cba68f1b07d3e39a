package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// AddScheduleRule registers and persists a rule for a registered agent.
// rule.NextTrigger is set to the first computed trigger.
func (o *Orchestrator) AddScheduleRule(ctx context.Context, rule *model.ScheduleRule) error {
	return o.do(ctx, "add_rule", func() error {
		if _, _, err := o.lookup(rule.AgentID); err != nil {
			return err
		}
		if err := o.scheduler.AddRule(rule); err != nil {
			return err
		}
		if err := o.store.SaveRule(ctx, rule); err != nil {
			if rerr := o.scheduler.RemoveRule(rule.ID); rerr != nil {
				o.logger.Warn("Failed to drop unsaved rule", zap.String("rule_id", rule.ID), zap.Error(rerr))
			}
			return fmt.Errorf("failed to persist schedule rule %s: %w", rule.ID, err)
		}
		if added, err := o.scheduler.Rule(rule.ID); err == nil {
			rule.NextTrigger = added.NextTrigger
		}

		o.announceRule(rule, model.MessageTriggerCreated)
		return nil
	})
}

// RemoveScheduleRule deletes a rule from the scheduler and the store
func (o *Orchestrator) RemoveScheduleRule(ctx context.Context, id string) error {
	return o.do(ctx, "remove_rule", func() error {
		rule, err := o.scheduler.Rule(id)
		if err != nil {
			return err
		}
		if err := o.store.DeleteRule(ctx, id); err != nil {
			return fmt.Errorf("failed to delete schedule rule %s: %w", id, err)
		}
		if err := o.scheduler.RemoveRule(id); err != nil {
			return err
		}

		o.announceRule(rule, model.MessageTriggerDeleted)
		return nil
	})
}

// SetScheduleRuleActive enables or disables a rule
func (o *Orchestrator) SetScheduleRuleActive(ctx context.Context, id string, active bool) error {
	return o.do(ctx, "set_rule_active", func() error {
		if err := o.scheduler.SetActive(id, active); err != nil {
			return err
		}
		rule, err := o.scheduler.Rule(id)
		if err != nil {
			return err
		}
		if err := o.store.SaveRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to persist schedule rule %s: %w", id, err)
		}
		return nil
	})
}

// ScheduleRules returns the agent's rules
func (o *Orchestrator) ScheduleRules(agentID string) []*model.ScheduleRule {
	return o.scheduler.RulesFor(agentID)
}

// DispatchScheduled hands a fired rule's action to the agent and announces
// the trigger
func (o *Orchestrator) DispatchScheduled(ctx context.Context, rule *model.ScheduleRule, action *model.AgentAction) error {
	if err := o.ExecuteAction(ctx, action); err != nil {
		return err
	}

	if rule.LastTriggered != nil {
		if err := o.store.MarkRuleTriggered(ctx, rule.ID, *rule.LastTriggered); err != nil {
			o.logger.Warn("Failed to persist rule trigger time",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
		}
	}

	payload, _ := json.Marshal(map[string]string{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"action_id": action.ID,
	})
	o.publish(model.NewBroadcast(rule.AgentID, model.TypeOf(model.MessageTriggerFired), payload))
	return nil
}

func (o *Orchestrator) announceRule(rule *model.ScheduleRule, kind model.MessageKind) {
	payload, err := json.Marshal(rule)
	if err != nil {
		return
	}
	o.publish(model.NewBroadcast(rule.AgentID, model.TypeOf(kind), payload))
}
