package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/storage"
)

const defaultCacheEntries = 10000

// Store is the durable side of the state manager
type Store interface {
	// SaveState atomically upserts the state row of an agent
	SaveState(ctx context.Context, state *model.AgentState) error

	// LoadState returns nil without error when the agent has no state
	LoadState(ctx context.Context, agentID string) (*model.AgentState, error)

	// DeleteState removes the state row of an agent
	DeleteState(ctx context.Context, agentID string) error

	// CountStates returns the number of stored states
	CountStates(ctx context.Context) (int, error)

	// InsertAction appends an immutable action history record
	InsertAction(ctx context.Context, action *model.AgentAction, result *model.ExecutionResult) error

	// ListActions returns history records of an agent, newest first
	ListActions(ctx context.Context, agentID string, limit int) ([]*storage.ActionRecord, error)

	// CountActions counts history records, of all agents when agentID is empty
	CountActions(ctx context.Context, agentID string) (int, error)

	// DeleteActionsBefore deletes history records created before the cutoff
	DeleteActionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Options configures the state manager
type Options struct {
	CacheEntries int64
	Now          func() time.Time
}

// Statistics summarizes what the manager holds
type Statistics struct {
	States        int `json:"states"`
	ActionRecords int `json:"action_records"`
}

// Manager checkpoints agent state and action history. Every mutation is
// written to the store before the cache is touched.
type Manager struct {
	logger  *zap.Logger
	store   Store
	cache   *ristretto.Cache[string, *model.AgentState]
	metrics *metrics.Metrics
	now     func() time.Time

	// serializes load-modify-save sequences
	mu sync.Mutex
}

// NewManager creates a state manager over store
func NewManager(store Store, opts Options, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = defaultCacheEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New(nil)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *model.AgentState]{
		NumCounters: opts.CacheEntries * 10,
		MaxCost:     opts.CacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state cache: %w", err)
	}

	return &Manager{
		logger:  logger.Named("state-manager"),
		store:   store,
		cache:   cache,
		metrics: m,
		now:     opts.Now,
	}, nil
}

// Close releases the cache
func (m *Manager) Close() {
	m.cache.Close()
}

// CreateState initializes empty data at version 1 and persists it
func (m *Manager) CreateState(ctx context.Context, agentID string) (*model.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := model.NewAgentState(agentID, m.now())
	if err := m.persist(ctx, state); err != nil {
		return nil, err
	}

	m.logger.Debug("Agent state created", zap.String("agent_id", agentID))
	return state.Clone(), nil
}

// LoadState returns nil without error when the agent has no state
func (m *Manager) LoadState(ctx context.Context, agentID string) (*model.AgentState, error) {
	// a miss fills the cache, which must not race a concurrent persist
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.load(ctx, agentID)
	if err != nil || state == nil {
		return nil, err
	}
	return state.Clone(), nil
}

// SaveState upserts state. A version lower than the stored one is rejected.
func (m *Manager) SaveState(ctx context.Context, state *model.AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load(ctx, state.AgentID)
	if err != nil {
		return err
	}
	if current != nil && state.Version < current.Version {
		return fmt.Errorf("%w: state version %d is older than stored version %d",
			model.ErrValidation, state.Version, current.Version)
	}

	return m.persist(ctx, state.Clone())
}

// UpdatePersistentData replaces the durable data and bumps the version
func (m *Manager) UpdatePersistentData(ctx context.Context, agentID string, data json.RawMessage) (*model.AgentState, error) {
	return m.modify(ctx, agentID, func(s *model.AgentState) {
		s.PersistentData = append(json.RawMessage(nil), data...)
		s.Version++
	})
}

// UpdateRuntimeData replaces the runtime data without bumping the version
func (m *Manager) UpdateRuntimeData(ctx context.Context, agentID string, data json.RawMessage) (*model.AgentState, error) {
	return m.modify(ctx, agentID, func(s *model.AgentState) {
		s.RuntimeData = append(json.RawMessage(nil), data...)
	})
}

// CreateCheckpoint marks the current data as a known-good point
func (m *Manager) CreateCheckpoint(ctx context.Context, agentID string) (*model.AgentState, error) {
	return m.modify(ctx, agentID, func(s *model.AgentState) {
		s.Version++
		s.LastCheckpoint = m.now().UTC()
	})
}

// DeleteState removes the state of an agent from the store and the cache
func (m *Manager) DeleteState(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteState(ctx, agentID); err != nil {
		return err
	}
	m.cache.Del(agentID)
	return nil
}

// SaveActionResult appends the finished action to the history
func (m *Manager) SaveActionResult(ctx context.Context, action *model.AgentAction, result *model.ExecutionResult) error {
	if err := m.store.InsertAction(ctx, action, result); err != nil {
		return err
	}
	return nil
}

// ActionHistory returns the newest limit actions of an agent, newest first
func (m *Manager) ActionHistory(ctx context.Context, agentID string, limit int) ([]*model.AgentAction, error) {
	records, err := m.store.ListActions(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}

	actions := make([]*model.AgentAction, 0, len(records))
	for _, r := range records {
		actions = append(actions, r.Action)
	}
	return actions, nil
}

// CleanupOldActions deletes history older than days and returns the count removed
func (m *Manager) CleanupOldActions(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: days must not be negative", model.ErrValidation)
	}
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	return m.store.DeleteActionsBefore(ctx, cutoff)
}

// Statistics counts stored states and history records
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	states, err := m.store.CountStates(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := m.store.CountActions(ctx, "")
	if err != nil {
		return nil, err
	}
	return &Statistics{States: states, ActionRecords: actions}, nil
}

func (m *Manager) modify(ctx context.Context, agentID string, fn func(*model.AgentState)) (*model.AgentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("no state for agent %s: %w", agentID, model.ErrNotFound)
	}

	next := current.Clone()
	fn(next)
	if err := m.persist(ctx, next); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// load returns the cached pointer; callers must not mutate it and must hold m.mu
func (m *Manager) load(ctx context.Context, agentID string) (*model.AgentState, error) {
	if state, ok := m.cache.Get(agentID); ok {
		m.metrics.CacheHits.Inc()
		return state, nil
	}
	m.metrics.CacheMisses.Inc()

	state, err := m.store.LoadState(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		m.cache.Set(agentID, state, 1)
		m.cache.Wait()
	}
	return state, nil
}

// persist writes through to the store and only then replaces the cache entry.
// state must not be shared with callers.
func (m *Manager) persist(ctx context.Context, state *model.AgentState) error {
	if err := m.store.SaveState(ctx, state); err != nil {
		m.logger.Error("Failed to persist agent state",
			zap.String("agent_id", state.AgentID),
			zap.Error(err))
		return err
	}
	m.cache.Del(state.AgentID)
	m.cache.Set(state.AgentID, state, 1)
	m.cache.Wait()
	return nil
}
