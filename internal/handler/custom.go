package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/t77yq/agentspace/internal/model"
)

// CustomFunc performs a custom action
type CustomFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// CustomRegistry holds handlers for custom actions by name
type CustomRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CustomFunc
}

func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{handlers: make(map[string]CustomFunc)}
}

// Register adds or replaces a handler
func (r *CustomRegistry) Register(name string, fn CustomFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Run invokes the handler registered under name
func (r *CustomRegistry) Run(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("custom handler %q: %w", name, model.ErrNotFound)
	}
	return fn(ctx, input)
}
