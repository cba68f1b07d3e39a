package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    StatusKind
		to      StatusKind
		allowed bool
	}{
		{StatusDraft, StatusReady, true},
		{StatusDraft, StatusRunning, false},
		{StatusReady, StatusRunning, true},
		{StatusReady, StatusPaused, false},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusReady, false},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusReady, false},
		{StatusStopped, StatusRunning, true},
		{StatusStopped, StatusPaused, false},
		{StatusStopped, StatusError, false},
		{StatusError, StatusReady, true},
		{StatusError, StatusPaused, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			from := AgentStatus{Kind: tt.from}
			assert.Equal(t, tt.allowed, from.CanTransitionTo(tt.to))

			next, err := from.TransitionTo(AgentStatus{Kind: tt.to})
			if tt.allowed {
				require.NoError(t, err)
				assert.Equal(t, tt.to, next.Kind)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, from, next)
			}
		})
	}
}

func TestAgentStatusString(t *testing.T) {
	for _, s := range []AgentStatus{
		{Kind: StatusRunning},
		{Kind: StatusError},
		ErrorStatus("disk full"),
	} {
		parsed, err := ParseAgentStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	assert.Equal(t, "error: disk full", ErrorStatus("disk full").String())

	_, err := ParseAgentStatus("sleeping")
	assert.ErrorIs(t, err, ErrValidation)

	assert.True(t, AgentStatus{Kind: StatusPaused}.AcceptsActions())
	assert.False(t, AgentStatus{Kind: StatusReady}.AcceptsActions())
}

func TestAgentValidate(t *testing.T) {
	agent := NewAgent("collector", AgentTemplate{Kind: TemplateCustom})
	require.NoError(t, agent.Validate())
	assert.Equal(t, StatusDraft, agent.Status.Kind)
	assert.Equal(t, 300*time.Second, agent.Config.Timeout())

	tests := []struct {
		name   string
		mutate func(a *Agent)
	}{
		{"Blank Name", func(a *Agent) { a.Name = "  " }},
		{"Zero Timeout", func(a *Agent) { a.Config.TimeoutSeconds = 0 }},
		{"Zero Concurrency", func(a *Agent) { a.Config.MaxConcurrentActions = 0 }},
		{"Negative Retries", func(a *Agent) { a.Config.RetryAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := agent.Clone()
			tt.mutate(a)
			assert.ErrorIs(t, a.Validate(), ErrValidation)
		})
	}
}

func TestAgentClone(t *testing.T) {
	agent := NewAgent("collector", AgentTemplate{Kind: TemplateCustom})
	agent.Config.Environment["REGION"] = "eu"
	agent.Capabilities = []AgentCapability{CapabilityReadFiles}

	c := agent.Clone()
	c.Config.Environment["REGION"] = "us"
	c.Capabilities[0] = CapabilitySendEmail

	assert.Equal(t, "eu", agent.Config.Environment["REGION"])
	assert.True(t, agent.HasCapability(CapabilityReadFiles))
	assert.False(t, agent.HasCapability(CapabilitySendEmail))
}

func TestMetricsRecord(t *testing.T) {
	var m AgentMetrics
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	m.Record(&ExecutionResult{Success: true, Duration: 100 * time.Millisecond, DataProcessedBytes: 10}, at)
	m.Record(&ExecutionResult{Success: false, Duration: 300 * time.Millisecond, MemoryUsedBytes: 2 << 20}, at.Add(time.Minute))

	assert.Equal(t, uint64(2), m.TotalExecutions)
	assert.Equal(t, uint64(1), m.SuccessfulExecutions)
	assert.Equal(t, uint64(1), m.FailedExecutions)
	assert.Equal(t, uint64(1), m.ErrorsEncountered)
	assert.Equal(t, uint64(2), m.ActionsPerformed)
	assert.InDelta(t, 200.0, m.AverageExecutionTimeMS, 0.001)
	assert.Equal(t, uint64(400), m.TotalRuntimeMS)
	assert.Equal(t, uint64(10), m.DataProcessedBytes)
	assert.InDelta(t, 2.0, m.MemoryUsageMB, 0.001)
	require.NotNil(t, m.LastExecution)
	assert.Equal(t, at.Add(time.Minute), *m.LastExecution)
}

func TestActionType(t *testing.T) {
	assert.NoError(t, GenerateText().Validate())
	assert.NoError(t, ReadData("memory", "k").Validate())
	assert.ErrorIs(t, ReadData("", "k").Validate(), ErrValidation)
	assert.ErrorIs(t, ActionType{Kind: "teleport"}.Validate(), ErrValidation)

	assert.True(t, RunWorkflow("wf").NeedsBackend())
	assert.False(t, Custom("x").NeedsBackend())
	assert.Equal(t, "custom(x)", Custom("x").String())
}

func TestActionRetryAndTemplate(t *testing.T) {
	action := NewAction("agent-1", ExecuteCommand("echo", "hi"), json.RawMessage(`{"a":1}`))
	action.Status = ActionStatus{Kind: ActionFailed, Reason: "boom"}

	next := action.Retry()
	assert.NotEqual(t, action.ID, next.ID)
	assert.Equal(t, 1, next.Attempt)
	assert.Equal(t, ActionPending, next.Status.Kind)
	next.Type.Args[0] = "bye"
	assert.Equal(t, "hi", action.Type.Args[0])

	assert.True(t, action.Status.IsTerminal())
	assert.Equal(t, "failed: boom", action.Status.String())

	tmpl := ActionTemplate{Type: Custom("noop"), Input: json.RawMessage(`1`)}
	a, b := tmpl.Instantiate("agent-1"), tmpl.Instantiate("agent-1")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "agent-1", a.AgentID)
	assert.JSONEq(t, `1`, string(a.Input))
}

func TestMessages(t *testing.T) {
	direct := NewDirectMessage("a", "b", TypeOf(MessageDataShared), nil)
	assert.False(t, direct.IsBroadcast())
	assert.NotEmpty(t, direct.ID)

	broadcast := NewBroadcast("a", TypeOf(MessageStatusUpdate), nil)
	assert.True(t, broadcast.IsBroadcast())

	assert.Equal(t, "Status Update", TypeOf(MessageStatusUpdate).String())
	assert.Equal(t, "Custom: ping", CustomType("ping").String())
	assert.Equal(t, "custom.ping", CustomType("ping").Key())
	assert.Equal(t, "status_update", TypeOf(MessageStatusUpdate).Key())
}

func TestTimeOfDay(t *testing.T) {
	assert.NoError(t, At(23, 59, 59).Validate())
	assert.ErrorIs(t, At(24, 0, 0).Validate(), ErrSchedule)
	assert.Equal(t, "07:05:00", At(7, 5, 0).String())
	assert.Equal(t, "daily at 07:05:00", Daily(At(7, 5, 0)).String())
}
