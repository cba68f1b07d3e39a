package model

import (
	"encoding/json"
	"time"
)

var emptyObject = json.RawMessage(`{}`)

// AgentState is the checkpointed state of an agent. Version never decreases.
type AgentState struct {
	AgentID        string          `json:"agent_id"`
	PersistentData json.RawMessage `json:"persistent_data"`
	RuntimeData    json.RawMessage `json:"runtime_data"`
	LastCheckpoint time.Time       `json:"last_checkpoint"`
	Version        int64           `json:"version"`
}

// NewAgentState returns an empty state at version 1
func NewAgentState(agentID string, now time.Time) *AgentState {
	return &AgentState{
		AgentID:        agentID,
		PersistentData: append(json.RawMessage(nil), emptyObject...),
		RuntimeData:    append(json.RawMessage(nil), emptyObject...),
		LastCheckpoint: now.UTC(),
		Version:        1,
	}
}

// Clone returns a deep copy
func (s *AgentState) Clone() *AgentState {
	c := *s
	c.PersistentData = append(json.RawMessage(nil), s.PersistentData...)
	c.RuntimeData = append(json.RawMessage(nil), s.RuntimeData...)
	return &c
}
