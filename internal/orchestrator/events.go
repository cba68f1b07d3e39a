package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// handleResult runs on executor workers for every finished action
func (o *Orchestrator) handleResult(action *model.AgentAction, result *model.ExecutionResult) {
	o.processed.Add(1)
	rss := o.tools.Resources.RSS()

	o.mu.Lock()
	agent, ok := o.agents[action.AgentID]
	maxRetries := 0
	if ok {
		agent.Metrics.Record(result, time.Now())
		if rss > 0 {
			agent.Metrics.MemoryUsageMB = float64(rss) / (1024 * 1024)
		}
		maxRetries = agent.Config.RetryAttempts
	}
	o.mu.Unlock()

	if !ok || !o.opts.AutoRetry || o.stopping.Load() {
		return
	}
	if action.Status.Kind == model.ActionFailed {
		o.retries.HandleResult(action, result, maxRetries)
	}
}

// handleFault moves an agent whose results cannot be persisted to the error
// status and stops its executor
func (o *Orchestrator) handleFault(agentID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), faultTimeout)
	defer cancel()

	err := o.do(ctx, "fault", func() error {
		agent, exec, err := o.lookup(agentID)
		if err != nil {
			return err
		}
		if !agent.Status.CanTransitionTo(model.StatusError) {
			return nil
		}

		exec.Stop()

		status := model.ErrorStatus(cause.Error())
		if err := o.setStatus(ctx, agentID, status); err != nil {
			// the store is what failed, keep the status in memory
			o.mu.Lock()
			if a, ok := o.agents[agentID]; ok {
				a.Status = status
				a.UpdatedAt = time.Now().UTC()
			}
			o.mu.Unlock()
		}

		o.logger.Error("Agent faulted",
			zap.String("agent_id", agentID),
			zap.Error(cause))
		o.announce(agentID, model.MessageAgentError)
		return nil
	})
	if err != nil {
		o.logger.Warn("Failed to handle agent fault",
			zap.String("agent_id", agentID),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// pump forwards action requests from the agent's inbox to its executor
func (o *Orchestrator) pump(ctx context.Context, agentID string, inbox <-chan model.InterAgentMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			o.deliver(ctx, agentID, msg)
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, agentID string, msg model.InterAgentMessage) {
	switch msg.Type.Kind {
	case model.MessageActionRequested, model.MessageTaskDelegation:
		var tmpl model.ActionTemplate
		if err := json.Unmarshal(msg.Payload, &tmpl); err != nil {
			o.logger.Warn("Ignoring malformed action request",
				zap.String("agent_id", agentID),
				zap.String("from", msg.From),
				zap.Error(err))
			return
		}

		action := tmpl.Instantiate(agentID)
		if err := o.ExecuteAction(ctx, action); err != nil {
			o.logger.Warn("Failed to execute requested action",
				zap.String("agent_id", agentID),
				zap.String("from", msg.From),
				zap.Stringer("type", action.Type),
				zap.Error(err))
		}
	default:
		o.logger.Debug("Message received",
			zap.String("agent_id", agentID),
			zap.String("from", msg.From),
			zap.Stringer("type", msg.Type))
	}
}

// announce broadcasts a lifecycle event for the agent
func (o *Orchestrator) announce(agentID string, kind model.MessageKind) {
	o.mu.RLock()
	status := ""
	if agent, ok := o.agents[agentID]; ok {
		status = agent.Status.String()
	}
	o.mu.RUnlock()

	payload, _ := json.Marshal(map[string]string{"agent_id": agentID, "status": status})
	o.publish(model.NewBroadcast(agentID, model.TypeOf(kind), payload))
}

func (o *Orchestrator) publish(msg model.InterAgentMessage) {
	if err := o.bus.Send(msg); err != nil {
		o.logger.Debug("Failed to publish event",
			zap.Stringer("type", msg.Type),
			zap.Error(err))
	}
}
