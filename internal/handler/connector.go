package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/t77yq/agentspace/internal/model"
)

// Connector reads and writes named resources of one data source
type Connector interface {
	// Name is the symbolic name actions refer to
	Name() string

	// Read returns the resource stored under key
	Read(ctx context.Context, key string) ([]byte, error)

	// Write replaces the resource stored under key
	Write(ctx context.Context, key string, data []byte) error
}

// ConnectorRegistry resolves connectors by name
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewConnectorRegistry creates a registry holding the given connectors
func NewConnectorRegistry(connectors ...Connector) *ConnectorRegistry {
	r := &ConnectorRegistry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a connector
func (r *ConnectorRegistry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// Get returns the connector registered under name
func (r *ConnectorRegistry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("connector %q: %w", name, model.ErrNotFound)
	}
	return c, nil
}

// Names lists the registered connectors
func (r *ConnectorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MemoryConnector keeps resources in process memory
type MemoryConnector struct {
	name string

	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryConnector creates an empty in-memory connector
func NewMemoryConnector(name string) *MemoryConnector {
	return &MemoryConnector{
		name:  name,
		items: make(map[string][]byte),
	}
}

func (c *MemoryConnector) Name() string {
	return c.name
}

func (c *MemoryConnector) Read(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.items[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", c.name, key, model.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (c *MemoryConnector) Write(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = append([]byte(nil), data...)
	return nil
}
