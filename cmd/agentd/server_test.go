package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/config"
	"github.com/t77yq/agentspace/internal/handler"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/orchestrator"
)

type fakeRuntime struct {
	running bool
	agents  []*model.Agent
}

func (f *fakeRuntime) IsRunning() bool { return f.running }

func (f *fakeRuntime) Status() orchestrator.Status {
	return orchestrator.Status{Total: len(f.agents), Running: len(f.agents)}
}

func (f *fakeRuntime) Agents() []*model.Agent { return f.agents }

func TestOpsRouter(t *testing.T) {
	agent := model.NewAgent("reporter", model.AgentTemplate{Kind: model.TemplateCustom})
	agent.Status = model.AgentStatus{Kind: model.StatusRunning}
	rs := &fakeRuntime{running: true, agents: []*model.Agent{agent}}

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	conns := handler.NewConnectorRegistry(handler.NewMemoryConnector("memory"), handler.NewMemoryConnector("cache"))
	srv := httptest.NewServer(newOpsRouter(rs, nil, conns, reg, zap.NewNop()))
	defer srv.Close()

	t.Run("Healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		rs.running = false
		defer func() { rs.running = true }()
		resp, err = http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("Status", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body statusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, 1, body.Runtime.Total)
		assert.Nil(t, body.System)
		assert.Equal(t, []string{"cache", "memory"}, body.Connectors)
		require.Len(t, body.Agents, 1)
		assert.Equal(t, agent.ID, body.Agents[0].ID)
		assert.Equal(t, "running", body.Agents[0].Status)
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestRuntimeLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  path: `+filepath.Join(dir, "agents.db")+`
connectors:
  filesystem_root: `+filepath.Join(dir, "files")+`
runtime:
  tick_interval: 50ms
metrics:
  sample_interval: 50ms
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	rt, err := buildRuntime(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx := t.Context()
	require.NoError(t, rt.start(ctx))
	assert.True(t, rt.orch.IsRunning())
	assert.Equal(t, []string{"filesystem", "memory"}, rt.conns.Names())

	agent, err := rt.orch.RegisterAgent(ctx, model.NewAgent("writer", model.AgentTemplate{Kind: model.TemplateCustom}))
	require.NoError(t, err)
	require.NoError(t, rt.orch.StartAgent(ctx, agent.ID))

	action := model.NewAction(agent.ID, model.WriteData("filesystem", "note.txt"), json.RawMessage(`{"content":"hello"}`))
	require.NoError(t, rt.orch.ExecuteAction(ctx, action))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "files", "note.txt"))
		return err == nil && string(data) == "hello"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := rt.collector.Last()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, rt.stop(ctx))

	// the agent survives a restart with its status
	rt, err = buildRuntime(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rt.start(ctx))
	defer rt.stop(ctx)

	restored, err := rt.orch.Agent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, restored.Status.Kind)
}
