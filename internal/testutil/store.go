package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/storage"
)

// NewStore opens a sqlite store in a temporary directory that is closed when the test ends
func NewStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "agentspace.db"), storage.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// SeedAgent persists a ready agent so rows referencing it satisfy foreign keys
func SeedAgent(t *testing.T, store *storage.Store, name string) *model.Agent {
	t.Helper()

	agent := model.NewAgent(name, model.AgentTemplate{Kind: model.TemplateCustom})
	agent.Status = model.AgentStatus{Kind: model.StatusReady}
	require.NoError(t, store.UpsertAgent(context.Background(), agent))
	return agent
}
