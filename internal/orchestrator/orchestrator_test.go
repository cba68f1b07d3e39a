package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/executor"
	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/messaging"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/scheduler"
	"github.com/t77yq/agentspace/internal/state"
	"github.com/t77yq/agentspace/internal/storage"
	"github.com/t77yq/agentspace/internal/testutil"
)

// flakyStore fails action history writes while fail is set
type flakyStore struct {
	*storage.Store
	fail atomic.Bool
}

func (s *flakyStore) InsertAction(ctx context.Context, action *model.AgentAction, result *model.ExecutionResult) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.Store.InsertAction(ctx, action, result)
}

type env struct {
	orch   *Orchestrator
	store  *flakyStore
	states *state.Manager
	bus    *messaging.Bus
	custom *handler.CustomRegistry
}

func newEnv(t *testing.T, store *storage.Store, opts Options) *env {
	t.Helper()

	logger := zap.NewNop()
	e := &env{
		store:  &flakyStore{Store: store},
		custom: handler.NewCustomRegistry(),
	}

	states, err := state.NewManager(e.store, state.Options{}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(states.Close)
	e.states = states

	e.bus = messaging.NewBus(messaging.Options{}, nil, nil, logger)
	if opts.Scheduler.TickInterval == 0 {
		opts.Scheduler.TickInterval = 10 * time.Millisecond
	}
	e.orch = New(e.store, states, e.bus, executor.Toolkit{Custom: e.custom}, opts, nil, logger)

	require.NoError(t, e.orch.Start(context.Background()))
	t.Cleanup(func() {
		e.orch.Stop(context.Background())
	})
	return e
}

func newAgent(name string) *model.Agent {
	agent := model.NewAgent(name, model.AgentTemplate{Kind: model.TemplateCustom})
	agent.Config.TimeoutSeconds = 5
	agent.Config.MaxConcurrentActions = 2
	return agent
}

func (e *env) register(t *testing.T, name string, start bool) *model.Agent {
	t.Helper()
	agent, err := e.orch.RegisterAgent(context.Background(), newAgent(name))
	require.NoError(t, err)
	if start {
		require.NoError(t, e.orch.StartAgent(context.Background(), agent.ID))
	}
	return agent
}

func waitFor(t *testing.T, sub *messaging.Subscription, kind model.MessageKind) model.InterAgentMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-sub.C:
			if msg.Type.Kind == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s message received", kind)
		}
	}
}

func TestRegisterAgent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})

	t.Run("Valid Agent Is Ready", func(t *testing.T) {
		agent, err := e.orch.RegisterAgent(ctx, newAgent("writer"))
		require.NoError(t, err)
		assert.Equal(t, model.StatusReady, agent.Status.Kind)

		stored, err := e.store.GetAgent(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusReady, stored.Status.Kind)

		st, err := e.states.LoadState(ctx, agent.ID)
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, int64(1), st.Version)
	})

	t.Run("Duplicate Id", func(t *testing.T) {
		agent := e.register(t, "twin", false)
		dup := newAgent("twin")
		dup.ID = agent.ID
		_, err := e.orch.RegisterAgent(ctx, dup)
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	invalid := map[string]func(a *model.Agent){
		"Empty Name":       func(a *model.Agent) { a.Name = " " },
		"Zero Timeout":     func(a *model.Agent) { a.Config.TimeoutSeconds = 0 },
		"Zero Concurrency": func(a *model.Agent) { a.Config.MaxConcurrentActions = 0 },
	}
	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			agent := newAgent("invalid")
			mutate(agent)

			_, err := e.orch.RegisterAgent(ctx, agent)
			assert.ErrorIs(t, err, model.ErrValidation)

			stored, err := e.store.GetAgent(ctx, agent.ID)
			require.NoError(t, err)
			assert.Nil(t, stored)
		})
	}
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})
	agent := e.register(t, "lifecycle", false)

	action := func() *model.AgentAction {
		return model.NewAction(agent.ID, model.Custom("noop"), nil)
	}
	e.custom.Register("noop", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	assert.ErrorIs(t, e.orch.ExecuteAction(ctx, action()), model.ErrNotRunning)
	assert.ErrorIs(t, e.orch.ResumeAgent(ctx, agent.ID), model.ErrInvalidTransition)

	require.NoError(t, e.orch.StartAgent(ctx, agent.ID))
	assert.Equal(t, Status{Total: 1, Running: 1}, withoutCounters(e.orch.Status()))
	require.NoError(t, e.orch.ExecuteAction(ctx, action()))

	require.NoError(t, e.orch.PauseAgent(ctx, agent.ID))
	assert.Equal(t, 1, e.orch.Status().Paused)
	require.NoError(t, e.orch.ExecuteAction(ctx, action()), "paused agents queue actions")

	require.NoError(t, e.orch.ResumeAgent(ctx, agent.ID))
	require.NoError(t, e.orch.StopAgent(ctx, agent.ID))
	assert.Equal(t, 1, e.orch.Status().Stopped)
	assert.ErrorIs(t, e.orch.ExecuteAction(ctx, action()), model.ErrNotRunning)
	assert.ErrorIs(t, e.orch.PauseAgent(ctx, agent.ID), model.ErrInvalidTransition)

	require.NoError(t, e.orch.RestartAgent(ctx, agent.ID))
	got, err := e.orch.Agent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status.Kind)

	stored, err := e.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, stored.Status.Kind)

	require.NoError(t, e.orch.RemoveAgent(ctx, agent.ID))
	assert.ErrorIs(t, e.orch.StartAgent(ctx, agent.ID), model.ErrNotRegistered)
	assert.ErrorIs(t, e.orch.ExecuteAction(ctx, action()), model.ErrNotRegistered)
	stored, err = e.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Equal(t, 0, e.orch.Status().Total)
}

func withoutCounters(st Status) Status {
	st.ActionsProcessed = 0
	st.Uptime = 0
	return st
}

func TestExecuteActionEndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})
	e.custom.Register("double", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(input, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})
	agent := e.register(t, "calculator", true)

	sub, err := e.bus.SubscribeBroadcast()
	require.NoError(t, err)
	defer sub.Unsubscribe()

	action := model.NewAction(agent.ID, model.Custom("double"), json.RawMessage(`21`))
	require.NoError(t, e.orch.ExecuteAction(ctx, action))

	msg := waitFor(t, sub, model.MessageActionCompleted)
	var event model.ActionEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &event))
	assert.Equal(t, action.ID, event.Action.ID)
	assert.JSONEq(t, `42`, string(event.Result.Output))

	history, err := e.states.ActionHistory(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionCompleted, history[0].Status.Kind)

	require.Eventually(t, func() bool {
		got, err := e.orch.Agent(agent.ID)
		return err == nil && got.Metrics.TotalExecutions == 1
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := e.orch.Agent(agent.ID)
	assert.Equal(t, uint64(1), got.Metrics.SuccessfulExecutions)
	assert.NotNil(t, got.Metrics.LastExecution)
	assert.Equal(t, uint64(1), e.orch.Status().ActionsProcessed)

	t.Run("Unknown Agent", func(t *testing.T) {
		err := e.orch.ExecuteAction(ctx, model.NewAction("ghost", model.Custom("double"), nil))
		assert.ErrorIs(t, err, model.ErrNotRegistered)
	})

	t.Run("Action Requested Message", func(t *testing.T) {
		payload, _ := json.Marshal(model.ActionTemplate{Type: model.Custom("double"), Input: json.RawMessage(`5`)})
		require.NoError(t, e.bus.Send(model.NewDirectMessage("peer", agent.ID, model.TypeOf(model.MessageActionRequested), payload)))

		msg := waitFor(t, sub, model.MessageActionCompleted)
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.JSONEq(t, `10`, string(event.Result.Output))
	})
}

func TestScheduledActions(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})

	var calls atomic.Int32
	e.custom.Register("tick", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})
	agent := e.register(t, "ticker", true)

	sub, err := e.bus.SubscribeBroadcast()
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rule := model.NewScheduleRule(agent.ID, "every 50ms", model.Every(50*time.Millisecond),
		model.ActionTemplate{Type: model.Custom("tick")})
	require.NoError(t, e.orch.AddScheduleRule(ctx, rule))
	require.NotNil(t, rule.NextTrigger)

	waitFor(t, sub, model.MessageTriggerFired)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)

	stored, err := e.store.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	require.NoError(t, e.orch.SetScheduleRuleActive(ctx, rule.ID, false))
	assert.Empty(t, e.orch.Scheduler().ActiveRules())

	require.NoError(t, e.orch.RemoveScheduleRule(ctx, rule.ID))
	assert.Empty(t, e.orch.ScheduleRules(agent.ID))
	assert.ErrorIs(t, e.orch.RemoveScheduleRule(ctx, rule.ID), model.ErrNotFound)

	orphan := model.NewScheduleRule("ghost", "orphan", model.Every(time.Minute), model.ActionTemplate{Type: model.Custom("tick")})
	assert.ErrorIs(t, e.orch.AddScheduleRule(ctx, orphan), model.ErrNotRegistered)

	bad := model.NewScheduleRule(agent.ID, "bad", model.Cron("not a cron"), model.ActionTemplate{Type: model.Custom("tick")})
	assert.ErrorIs(t, e.orch.AddScheduleRule(ctx, bad), model.ErrSchedule)
}

func TestScheduledFireDoesNotRestoreRule(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})

	e.custom.Register("tick", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	agent := e.register(t, "ticker", true)
	fired := time.Now().UTC()

	t.Run("Removed", func(t *testing.T) {
		rule := model.NewScheduleRule(agent.ID, "hourly", model.Every(time.Hour),
			model.ActionTemplate{Type: model.Custom("tick")})
		require.NoError(t, e.orch.AddScheduleRule(ctx, rule))

		inFlight, err := e.orch.Scheduler().Rule(rule.ID)
		require.NoError(t, err)
		inFlight.LastTriggered = &fired

		require.NoError(t, e.orch.RemoveScheduleRule(ctx, rule.ID))
		action := model.NewAction(agent.ID, model.Custom("tick"), nil)
		require.NoError(t, e.orch.DispatchScheduled(ctx, inFlight, action))

		stored, err := e.store.ListRules(ctx)
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("Deactivated", func(t *testing.T) {
		rule := model.NewScheduleRule(agent.ID, "hourly", model.Every(time.Hour),
			model.ActionTemplate{Type: model.Custom("tick")})
		require.NoError(t, e.orch.AddScheduleRule(ctx, rule))

		inFlight, err := e.orch.Scheduler().Rule(rule.ID)
		require.NoError(t, err)
		inFlight.LastTriggered = &fired

		require.NoError(t, e.orch.SetScheduleRuleActive(ctx, rule.ID, false))
		action := model.NewAction(agent.ID, model.Custom("tick"), nil)
		require.NoError(t, e.orch.DispatchScheduled(ctx, inFlight, action))

		stored, err := e.store.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.False(t, stored[0].Active)
		require.NotNil(t, stored[0].LastTriggered)
		assert.WithinDuration(t, fired, *stored[0].LastTriggered, time.Second)
	})
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)

	first := newEnv(t, store, Options{})
	running := first.register(t, "running", true)
	paused := first.register(t, "paused", true)
	require.NoError(t, first.orch.PauseAgent(ctx, paused.ID))
	ready := first.register(t, "ready", false)
	rule := model.NewScheduleRule(running.ID, "hourly", model.Cron("@hourly"), model.ActionTemplate{Type: model.Custom("noop")})
	require.NoError(t, first.orch.AddScheduleRule(ctx, rule))
	require.NoError(t, first.orch.Stop(ctx))

	st, err := first.states.LoadState(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version, "stop checkpoints every agent")

	second := newEnv(t, store, Options{})
	assert.Equal(t, Status{Total: 3, Running: 1, Paused: 1, Ready: 1}, withoutCounters(second.orch.Status()))

	for id, want := range map[string]model.StatusKind{
		running.ID: model.StatusRunning,
		paused.ID:  model.StatusPaused,
		ready.ID:   model.StatusReady,
	} {
		got, err := second.orch.Agent(id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status.Kind)
	}
	assert.Len(t, second.orch.ScheduleRules(running.ID), 1)

	second.custom.Register("noop", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	require.NoError(t, second.orch.ExecuteAction(ctx, model.NewAction(running.ID, model.Custom("noop"), nil)))
	require.Eventually(t, func() bool {
		return second.orch.Status().ActionsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoppedOrchestratorRejects(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})
	agent := e.register(t, "agent", true)

	require.NoError(t, e.orch.Stop(ctx))
	assert.False(t, e.orch.IsRunning())

	err := e.orch.ExecuteAction(ctx, model.NewAction(agent.ID, model.Custom("x"), nil))
	assert.ErrorIs(t, err, model.ErrNotRunning)
	_, err = e.orch.RegisterAgent(ctx, newAgent("late"))
	assert.ErrorIs(t, err, model.ErrNotRunning)

	stored, err := e.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, stored.Status.Kind, "agents keep their status across shutdown")
}

func TestPersistenceFault(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{})
	e.custom.Register("noop", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	agent := e.register(t, "fragile", true)

	e.store.fail.Store(true)
	require.NoError(t, e.orch.ExecuteAction(ctx, model.NewAction(agent.ID, model.Custom("noop"), nil)))

	require.Eventually(t, func() bool {
		return e.orch.Status().Errored == 1
	}, 5*time.Second, 10*time.Millisecond)

	got, err := e.orch.Agent(agent.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Status.Message, "disk full")
	assert.ErrorIs(t, e.orch.ExecuteAction(ctx, model.NewAction(agent.ID, model.Custom("noop"), nil)), model.ErrNotRunning)

	e.store.fail.Store(false)
	require.NoError(t, e.orch.RestartAgent(ctx, agent.ID))
	assert.Equal(t, 1, e.orch.Status().Running)
}

func TestAutoRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testutil.NewStore(t), Options{
		AutoRetry: true,
		RetryStrategy: &scheduler.ExponentialBackoff{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   1,
		},
	})

	var calls atomic.Int32
	e.custom.Register("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`"ok"`), nil
	})
	agent := e.register(t, "retrying", true)

	require.NoError(t, e.orch.ExecuteAction(ctx, model.NewAction(agent.ID, model.Custom("flaky"), nil)))

	require.Eventually(t, func() bool {
		got, err := e.orch.Agent(agent.ID)
		return err == nil && got.Metrics.SuccessfulExecutions == 1
	}, 8*time.Second, 20*time.Millisecond)

	got, _ := e.orch.Agent(agent.ID)
	assert.Equal(t, uint64(2), got.Metrics.FailedExecutions)
	assert.Equal(t, int32(3), calls.Load())

	history, err := e.states.ActionHistory(ctx, agent.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}
