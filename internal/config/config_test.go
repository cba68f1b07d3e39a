package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/agentspace/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "agentspace", cfg.App.Name)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, time.Second, cfg.Runtime.TickInterval)
	assert.Equal(t, 1000, cfg.Runtime.MaxHistory)
	assert.False(t, cfg.Runtime.AutoRetry)
	assert.Equal(t, uint(3), cfg.Storage.WriteRetries)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.False(t, cfg.NATS.Enabled)
	assert.False(t, cfg.Backend.Enabled())
	assert.Equal(t, 587, cfg.Email.Port)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
app:
  name: test-runtime
logger:
  level: debug
  format: console
runtime:
  tick_interval: 250ms
  auto_retry: true
storage:
  path: /tmp/agents.db
  retention_days: 7
backend:
  command: python3
  args: ["-u", "agent.py"]
  failure_threshold: 2
email:
  host: smtp.example.com
  from: runtime@example.com
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-runtime", cfg.App.Name)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Runtime.TickInterval)
	assert.True(t, cfg.Runtime.AutoRetry)
	assert.Equal(t, "/tmp/agents.db", cfg.Storage.Path)
	assert.Equal(t, 7, cfg.Storage.RetentionDays)

	require.True(t, cfg.Backend.Enabled())
	assert.Equal(t, []string{"-u", "agent.py"}, cfg.Backend.Process().Args)
	assert.Equal(t, uint32(2), cfg.Backend.Reliability().FailureThreshold)
	// defaults survive a partial section
	assert.Equal(t, 5, cfg.Backend.Burst)
	assert.Equal(t, "smtp.example.com", cfg.Email.Host)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "storage:\n  path: from-file.db\n")
	t.Setenv("AGENTSPACE_STORAGE_PATH", "from-env.db")
	t.Setenv("AGENTSPACE_RUNTIME_AUTO_RETRY", "true")
	t.Setenv("AGENTSPACE_NATS_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Storage.Path)
	assert.True(t, cfg.Runtime.AutoRetry)
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoadErrors(t *testing.T) {
	t.Run("Missing Explicit File", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	tests := []struct {
		name    string
		content string
	}{
		{"Bad Level", "logger:\n  level: loud\n"},
		{"Bad Format", "logger:\n  format: xml\n"},
		{"Zero Tick", "runtime:\n  tick_interval: 0s\n"},
		{"Negative Retention", "storage:\n  retention_days: -1\n"},
		{"Email Without Sender", "email:\n  host: smtp.example.com\n"},
		{"NATS Without URL", "nats:\n  enabled: true\n  url: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(LoggerConfig{Level: "warn", Format: format})
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(-1))
		assert.True(t, logger.Core().Enabled(1))
	}

	_, err := NewLogger(LoggerConfig{Level: "verbose"})
	require.Error(t, err)
}
