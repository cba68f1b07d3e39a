package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/testutil"
)

const agentID = "agent-1"

type finished struct {
	action *model.AgentAction
	result *model.ExecutionResult
}

type fakeResults struct {
	mu    sync.Mutex
	saved map[string]model.ActionStatusKind
}

func (f *fakeResults) SaveActionResult(_ context.Context, action *model.AgentAction, _ *model.ExecutionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[action.ID] = action.Status.Kind
	return nil
}

func (f *fakeResults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []model.InterAgentMessage
	err  error
}

func (f *fakeSender) Send(msg model.InterAgentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil && !msg.IsBroadcast() {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) kinds() []model.MessageKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.MessageKind
	for _, m := range f.sent {
		out = append(out, m.Type.Kind)
	}
	return out
}

type fakeTasks struct {
	rules []*model.ScheduleRule
}

func (f *fakeTasks) AddScheduleRule(_ context.Context, rule *model.ScheduleRule) error {
	f.rules = append(f.rules, rule)
	return nil
}

type harness struct {
	exec    *Executor
	results *fakeResults
	bus     *fakeSender
	done    chan finished
}

func newHarness(t *testing.T, cfg model.AgentConfig, tools Toolkit) *harness {
	t.Helper()

	h := &harness{
		results: &fakeResults{saved: make(map[string]model.ActionStatusKind)},
		bus:     &fakeSender{},
		done:    make(chan finished, 100),
	}
	hooks := Hooks{
		OnResult: func(action *model.AgentAction, result *model.ExecutionResult) {
			h.done <- finished{action: action, result: result}
		},
	}

	exec, err := New(agentID, cfg, tools, h.bus, h.results, Options{}, hooks, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)

	h.exec = exec
	return h
}

func (h *harness) wait(t *testing.T) finished {
	t.Helper()
	select {
	case f := <-h.done:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an action to finish")
		return finished{}
	}
}

func testConfig(maxConcurrent int) model.AgentConfig {
	cfg := model.DefaultAgentConfig()
	cfg.MaxConcurrentActions = maxConcurrent
	cfg.TimeoutSeconds = 5
	return cfg
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := model.DefaultAgentConfig()
	cfg.MaxConcurrentActions = 0

	_, err := New(agentID, cfg, Toolkit{}, nil, nil, Options{}, Hooks{}, nil, zap.NewNop())
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestExecuteAction(t *testing.T) {
	custom := handler.NewCustomRegistry()
	custom.Register("echo", func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	})
	h := newHarness(t, testConfig(2), Toolkit{Custom: custom})

	action := model.NewAction(agentID, model.Custom("echo"), json.RawMessage(`{"n":1}`))
	require.NoError(t, h.exec.ExecuteAction(context.Background(), action))

	f := h.wait(t)
	assert.Equal(t, action.ID, f.result.ActionID)
	assert.True(t, f.result.Success)
	assert.Equal(t, model.ActionCompleted, f.action.Status.Kind)
	assert.JSONEq(t, `{"n":1}`, string(f.action.Output))
	assert.Equal(t, int64(len(action.Input)), f.result.DataProcessedBytes)
	assert.NotNil(t, f.action.StartedAt)
	assert.NotNil(t, f.action.CompletedAt)

	assert.Equal(t, 1, h.results.count())
	assert.Contains(t, h.bus.kinds(), model.MessageActionCompleted)
}

func TestExecuteActionRejects(t *testing.T) {
	h := newHarness(t, testConfig(1), Toolkit{})

	t.Run("Foreign Agent", func(t *testing.T) {
		err := h.exec.ExecuteAction(context.Background(), model.NewAction("other", model.GenerateText(), nil))
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("Invalid Type", func(t *testing.T) {
		err := h.exec.ExecuteAction(context.Background(), model.NewAction(agentID, model.ActionType{Kind: model.ActionCustom}, nil))
		assert.ErrorIs(t, err, model.ErrValidation)
	})

	t.Run("Stopped", func(t *testing.T) {
		h.exec.Stop()
		err := h.exec.ExecuteAction(context.Background(), model.NewAction(agentID, model.GenerateText(), nil))
		assert.ErrorIs(t, err, model.ErrNotRunning)
	})
}

func TestExecutorConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	var current, peak atomic.Int32

	custom := handler.NewCustomRegistry()
	custom.Register("block", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer current.Add(-1)

		select {
		case <-release:
			return json.RawMessage(`"done"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h := newHarness(t, testConfig(2), Toolkit{Custom: custom})

	for i := 0; i < 6; i++ {
		require.NoError(t, h.exec.ExecuteAction(context.Background(), model.NewAction(agentID, model.Custom("block"), nil)))
	}

	require.Eventually(t, func() bool {
		return len(h.exec.ActiveActions()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.exec.ActiveActions(), 2)

	close(release)
	for i := 0; i < 6; i++ {
		f := h.wait(t)
		assert.True(t, f.result.Success)
	}
	assert.Equal(t, int32(2), peak.Load())
	assert.Empty(t, h.exec.ActiveActions())
}

func TestExecutorTimeout(t *testing.T) {
	cfg := testConfig(1)
	cfg.TimeoutSeconds = 1
	h := newHarness(t, cfg, Toolkit{Backend: testutil.HangingBackend()})

	started := time.Now()
	action := model.NewAction(agentID, model.GenerateText(), json.RawMessage(`{"prompt":"never"}`))
	require.NoError(t, h.exec.ExecuteAction(context.Background(), action))

	f := h.wait(t)
	elapsed := time.Since(started)

	assert.False(t, f.result.Success)
	assert.True(t, f.result.Retryable)
	assert.Contains(t, f.result.Error, "timed out")
	assert.Zero(t, f.result.DataProcessedBytes)
	assert.Equal(t, model.ActionFailed, f.action.Status.Kind)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Contains(t, h.bus.kinds(), model.MessageActionFailed)
}

func TestExecutorStopCancelsInFlight(t *testing.T) {
	custom := handler.NewCustomRegistry()
	custom.Register("wait", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, testConfig(3), Toolkit{Custom: custom})

	for i := 0; i < 4; i++ {
		require.NoError(t, h.exec.ExecuteAction(context.Background(), model.NewAction(agentID, model.Custom("wait"), json.RawMessage(`{"n":1}`))))
	}
	require.Eventually(t, func() bool {
		return len(h.exec.ActiveActions()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	h.exec.Stop()
	assert.Empty(t, h.exec.ActiveActions())
	assert.False(t, h.exec.IsRunning())

	for i := 0; i < 4; i++ {
		f := h.wait(t)
		assert.Equal(t, model.ActionCancelled, f.action.Status.Kind)
		assert.False(t, f.result.Retryable)
		assert.Zero(t, f.result.DataProcessedBytes)
	}
	assert.Equal(t, 4, h.results.count())
}

func TestExecutorPause(t *testing.T) {
	h := newHarness(t, testConfig(1), Toolkit{Backend: &testutil.FakeBackend{}})

	h.exec.Pause()
	action := model.NewAction(agentID, model.GenerateText(), json.RawMessage(`"hi"`))
	require.NoError(t, h.exec.ExecuteAction(context.Background(), action))

	select {
	case <-h.done:
		t.Fatal("paused executor ran an action")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Empty(t, h.exec.ActiveActions())

	h.exec.Resume()
	f := h.wait(t)
	assert.True(t, f.result.Success)
	assert.JSONEq(t, `{"text":"generated: hi"}`, string(f.result.Output))
}

func TestDispatch(t *testing.T) {
	memory := handler.NewMemoryConnector("mem")
	require.NoError(t, memory.Write(context.Background(), "greeting", []byte("hello")))
	tasks := &fakeTasks{}
	custom := handler.NewCustomRegistry()
	custom.Register("boom", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})

	tools := Toolkit{
		Connectors: handler.NewConnectorRegistry(memory),
		Processors: handler.NewDataProcessingHandler(zap.NewNop()),
		Custom:     custom,
		Tasks:      tasks,
		Resources:  NewResourceMonitor(zap.NewNop()),
	}
	h := newHarness(t, testConfig(1), tools)
	h.bus.err = model.ErrNotRegistered

	tests := []struct {
		name      string
		action    *model.AgentAction
		success   bool
		output    string
		retryable bool
		errIs     string
	}{
		{
			name:    "Read Plain Text",
			action:  model.NewAction(agentID, model.ReadData("mem", "greeting"), nil),
			success: true,
			output:  `{"content":"hello"}`,
		},
		{
			name:    "Write Content",
			action:  model.NewAction(agentID, model.WriteData("mem", "copy"), json.RawMessage(`{"content":"abc"}`)),
			success: true,
			output:  `{"bytes_written":3}`,
		},
		{
			name:   "Read Missing Key",
			action: model.NewAction(agentID, model.ReadData("mem", "missing"), nil),
			errIs:  "not found",
		},
		{
			name: "Process Filter",
			action: model.NewAction(agentID, model.ProcessData("filter"),
				json.RawMessage(`{"data":[{"n":1},{"n":5}],"params":{"field":"n","op":"gt","value":2}}`)),
			success: true,
			output:  `{"data":[{"n":5}],"count":1}`,
		},
		{
			name:   "Message To Unknown Agent",
			action: model.NewAction(agentID, model.SendMessage("ghost"), json.RawMessage(`{}`)),
			errIs:  model.ErrNotRegistered.Error(),
		},
		{
			name:   "No Backend",
			action: model.NewAction(agentID, model.GenerateText(), json.RawMessage(`{"prompt":"x"}`)),
			errIs:  model.ErrBackendUnavailable.Error(),
		},
		{
			name:   "No Email Handler",
			action: model.NewAction(agentID, model.SendEmail("a@example.com", "hi"), nil),
			errIs:  "no handler configured",
		},
		{
			name:      "Panicking Handler",
			action:    model.NewAction(agentID, model.Custom("boom"), nil),
			retryable: true,
			errIs:     "panicked",
		},
		{
			name: "Schedule Task",
			action: model.NewAction(agentID, model.ScheduleTask("*/5 * * * *"),
				json.RawMessage(`{"name":"poll","action":{"type":{"kind":"generate_text"},"input":"x"}}`)),
			success: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, h.exec.ExecuteAction(context.Background(), tt.action))
			f := h.wait(t)

			assert.Equal(t, tt.success, f.result.Success, f.result.Error)
			if tt.output != "" {
				assert.JSONEq(t, tt.output, string(f.result.Output))
			}
			if !tt.success {
				assert.Equal(t, tt.retryable, f.result.Retryable)
				assert.Contains(t, f.result.Error, tt.errIs)
			}
		})
	}

	data, err := memory.Read(context.Background(), "copy")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	require.Len(t, tasks.rules, 1)
	assert.Equal(t, "poll", tasks.rules[0].Name)
	assert.Equal(t, model.ActionGenerateText, tasks.rules[0].Action.Type.Kind)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, isRetryable(model.ErrValidation))
	assert.False(t, isRetryable(model.ErrBackendUnavailable))
	assert.True(t, isRetryable(model.ErrTimeout))
	assert.True(t, isRetryable(errors.New("connection reset")))

	fs, err := handler.NewFilesystemConnector(zap.NewNop(), "filesystem", t.TempDir())
	require.NoError(t, err)
	_, err = fs.Read(context.Background(), "../outside.txt")
	require.ErrorIs(t, err, handler.ErrOutsideBaseDir)
	assert.False(t, isRetryable(err))
}
