package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/executor"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/storage"
)

// RegisterAgent validates and persists a new agent in the Ready status. An
// invalid agent is rejected before anything is stored.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	if err := agent.Validate(); err != nil {
		return nil, err
	}

	var registered *model.Agent
	err := o.do(ctx, "register", func() error {
		a := agent.Clone()
		if a.ID == "" {
			a.ID = uuid.New().String()
		}

		o.mu.RLock()
		_, exists := o.agents[a.ID]
		o.mu.RUnlock()
		if exists {
			return fmt.Errorf("%w: agent %s is already registered", model.ErrValidation, a.ID)
		}

		now := time.Now().UTC()
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
		a.Status = model.AgentStatus{Kind: model.StatusReady}

		exec, err := o.newExecutor(a)
		if err != nil {
			return err
		}
		if err := o.store.UpsertAgent(ctx, a); err != nil {
			return fmt.Errorf("failed to persist agent %s: %w", a.ID, err)
		}
		if _, err := o.states.CreateState(ctx, a.ID); err != nil {
			o.rollback(a.ID)
			return fmt.Errorf("failed to create state for agent %s: %w", a.ID, err)
		}
		if err := o.install(a, exec); err != nil {
			o.rollback(a.ID)
			return err
		}

		o.logger.Info("Agent registered",
			zap.String("agent_id", a.ID),
			zap.String("name", a.Name),
			zap.String("template", string(a.Template.Kind)))

		registered = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

// StartAgent starts the agent's executor. Starting a paused agent resumes it.
func (o *Orchestrator) StartAgent(ctx context.Context, id string) error {
	return o.do(ctx, "start", func() error {
		agent, exec, err := o.lookup(id)
		if err != nil {
			return err
		}
		if _, err := agent.Status.TransitionTo(model.AgentStatus{Kind: model.StatusRunning}); err != nil {
			return err
		}

		if agent.Status.Kind == model.StatusPaused {
			exec.Resume()
		} else {
			exec.Start()
		}
		if err := o.setStatus(ctx, id, model.AgentStatus{Kind: model.StatusRunning}); err != nil {
			return err
		}

		o.announce(id, model.MessageAgentStarted)
		return nil
	})
}

// StopAgent cancels the agent's in-flight and queued actions
func (o *Orchestrator) StopAgent(ctx context.Context, id string) error {
	return o.do(ctx, "stop", func() error {
		agent, exec, err := o.lookup(id)
		if err != nil {
			return err
		}
		if _, err := agent.Status.TransitionTo(model.AgentStatus{Kind: model.StatusStopped}); err != nil {
			return err
		}

		exec.Stop()
		if err := o.setStatus(ctx, id, model.AgentStatus{Kind: model.StatusStopped}); err != nil {
			return err
		}

		o.announce(id, model.MessageAgentStopped)
		return nil
	})
}

// PauseAgent holds queued actions until the agent is resumed. In-flight
// actions run to completion.
func (o *Orchestrator) PauseAgent(ctx context.Context, id string) error {
	return o.do(ctx, "pause", func() error {
		agent, exec, err := o.lookup(id)
		if err != nil {
			return err
		}
		if _, err := agent.Status.TransitionTo(model.AgentStatus{Kind: model.StatusPaused}); err != nil {
			return err
		}

		exec.Pause()
		if err := o.setStatus(ctx, id, model.AgentStatus{Kind: model.StatusPaused}); err != nil {
			return err
		}

		o.announce(id, model.MessageAgentPaused)
		return nil
	})
}

func (o *Orchestrator) ResumeAgent(ctx context.Context, id string) error {
	return o.do(ctx, "resume", func() error {
		agent, exec, err := o.lookup(id)
		if err != nil {
			return err
		}
		if agent.Status.Kind != model.StatusPaused {
			return fmt.Errorf("%w: agent %s is %s, not paused", model.ErrInvalidTransition, id, agent.Status)
		}

		exec.Resume()
		if err := o.setStatus(ctx, id, model.AgentStatus{Kind: model.StatusRunning}); err != nil {
			return err
		}

		o.announce(id, model.MessageAgentResumed)
		return nil
	})
}

// RestartAgent replaces the agent's executor with a fresh running one. It is
// the way out of the error status.
func (o *Orchestrator) RestartAgent(ctx context.Context, id string) error {
	return o.do(ctx, "restart", func() error {
		agent, old, err := o.lookup(id)
		if err != nil {
			return err
		}

		old.Stop()
		exec, err := o.newExecutor(agent)
		if err != nil {
			return err
		}
		o.execMu.Lock()
		o.executors[id] = exec
		o.execMu.Unlock()
		exec.Start()

		if err := o.setStatus(ctx, id, model.AgentStatus{Kind: model.StatusRunning}); err != nil {
			return err
		}

		o.logger.Info("Agent restarted",
			zap.String("agent_id", id),
			zap.String("previous_status", agent.Status.String()))
		o.announce(id, model.MessageAgentStarted)
		return nil
	})
}

// RemoveAgent stops the agent and deletes it with its state, rules and history
func (o *Orchestrator) RemoveAgent(ctx context.Context, id string) error {
	return o.do(ctx, "remove", func() error {
		_, exec, err := o.lookup(id)
		if err != nil {
			return err
		}
		exec.Stop()

		o.uninstall(id)
		removed := o.scheduler.RemoveRulesFor(id)

		if err := o.states.DeleteState(ctx, id); err != nil {
			return fmt.Errorf("failed to delete state of agent %s: %w", id, err)
		}
		if err := o.store.DeleteAgent(ctx, id); err != nil {
			return fmt.Errorf("failed to delete agent %s: %w", id, err)
		}

		o.logger.Info("Agent removed",
			zap.String("agent_id", id),
			zap.Int("rules_removed", removed))
		return nil
	})
}

// ExecuteAction submits an action to its agent's executor. The agent must be
// running or paused; a paused agent queues the action.
func (o *Orchestrator) ExecuteAction(ctx context.Context, action *model.AgentAction) error {
	if o.stopping.Load() {
		return fmt.Errorf("orchestrator is stopping: %w", model.ErrNotRunning)
	}

	var exec *executor.Executor
	err := o.do(ctx, "execute", func() error {
		agent, e, err := o.lookup(action.AgentID)
		if err != nil {
			return err
		}
		if !agent.Status.AcceptsActions() {
			return fmt.Errorf("agent %s is %s: %w", action.AgentID, agent.Status, model.ErrNotRunning)
		}
		exec = e
		return nil
	})
	if err != nil {
		return err
	}

	// submitted outside the loop since a full queue blocks
	return exec.ExecuteAction(ctx, action)
}

// recoverAgents rebuilds the agent table from the store. Running agents are
// restarted and paused agents are restarted paused.
func (o *Orchestrator) recoverAgents(ctx context.Context) error {
	agents, err := o.store.ListAgents(ctx, storage.AgentFilter{})
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if agent.Status.Kind == model.StatusDraft {
			continue
		}
		exec, err := o.newExecutor(agent)
		if err != nil {
			o.logger.Warn("Skipping agent with invalid configuration",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
			continue
		}

		st, err := o.states.LoadState(ctx, agent.ID)
		if err != nil {
			return err
		}
		if st == nil {
			if _, err := o.states.CreateState(ctx, agent.ID); err != nil {
				return err
			}
		}

		if err := o.install(agent, exec); err != nil {
			return err
		}
		switch agent.Status.Kind {
		case model.StatusRunning:
			exec.Start()
		case model.StatusPaused:
			exec.Start()
			exec.Pause()
		}
	}

	rules, err := o.store.ListRules(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, rule := range rules {
		if _, _, err := o.lookup(rule.AgentID); err != nil {
			continue
		}
		if err := o.scheduler.AddRule(rule); err != nil {
			o.logger.Warn("Failed to load schedule rule",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
			continue
		}
		loaded++
	}

	if len(agents) > 0 {
		o.logger.Info("Recovered agents",
			zap.Int("agents", len(agents)),
			zap.Int("rules", loaded))
	}
	return nil
}

func (o *Orchestrator) newExecutor(agent *model.Agent) (*executor.Executor, error) {
	agentID := agent.ID
	hooks := executor.Hooks{
		OnResult: o.handleResult,
		OnFault: func(err error) {
			go o.handleFault(agentID, err)
		},
	}
	return executor.New(agentID, agent.Config, o.tools, o.bus, o.states,
		executor.Options{QueueSize: o.opts.QueueSize}, hooks, o.metrics, o.logger)
}

// install adds the agent to the tables and connects its inbox
func (o *Orchestrator) install(agent *model.Agent, exec *executor.Executor) error {
	inbox, err := o.bus.Register(agent.ID)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.agents[agent.ID] = agent
	o.mu.Unlock()

	o.execMu.Lock()
	o.executors[agent.ID] = exec
	o.pumps[agent.ID] = cancel
	o.execMu.Unlock()

	go o.pump(pctx, agent.ID, inbox)
	return nil
}

func (o *Orchestrator) uninstall(id string) {
	o.bus.Unregister(id)

	o.execMu.Lock()
	if cancel, ok := o.pumps[id]; ok {
		cancel()
		delete(o.pumps, id)
	}
	delete(o.executors, id)
	o.execMu.Unlock()

	o.mu.Lock()
	delete(o.agents, id)
	o.mu.Unlock()
}

// rollback removes a partially registered agent
func (o *Orchestrator) rollback(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.states.DeleteState(ctx, id); err != nil {
		o.logger.Warn("Failed to roll back agent state", zap.String("agent_id", id), zap.Error(err))
	}
	if err := o.store.DeleteAgent(ctx, id); err != nil {
		o.logger.Warn("Failed to roll back agent", zap.String("agent_id", id), zap.Error(err))
	}
}

// lookup returns a copy of the agent and its executor
func (o *Orchestrator) lookup(id string) (*model.Agent, *executor.Executor, error) {
	o.mu.RLock()
	agent, ok := o.agents[id]
	var snapshot *model.Agent
	if ok {
		snapshot = agent.Clone()
	}
	o.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("agent %s: %w", id, model.ErrNotRegistered)
	}

	exec, ok := o.executor(id)
	if !ok {
		return nil, nil, fmt.Errorf("agent %s has no executor: %w", id, model.ErrNotRegistered)
	}
	return snapshot, exec, nil
}

// setStatus persists the new status before updating the table
func (o *Orchestrator) setStatus(ctx context.Context, id string, status model.AgentStatus) error {
	o.mu.RLock()
	agent, ok := o.agents[id]
	var snapshot *model.Agent
	if ok {
		snapshot = agent.Clone()
	}
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", id, model.ErrNotRegistered)
	}

	snapshot.Status = status
	snapshot.UpdatedAt = time.Now().UTC()
	if err := o.store.UpsertAgent(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist agent %s: %w", id, err)
	}

	o.mu.Lock()
	agent.Status = status
	agent.UpdatedAt = snapshot.UpdatedAt
	o.mu.Unlock()

	o.logger.Info("Agent status changed",
		zap.String("agent_id", id),
		zap.String("status", status.String()))
	return nil
}
