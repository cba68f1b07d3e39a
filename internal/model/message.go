package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies the kind of inter-agent message
type MessageKind string

const (
	// Lifecycle
	MessageAgentStarted MessageKind = "agent_started"
	MessageAgentStopped MessageKind = "agent_stopped"
	MessageAgentPaused  MessageKind = "agent_paused"
	MessageAgentResumed MessageKind = "agent_resumed"
	MessageAgentError   MessageKind = "agent_error"

	// Actions
	MessageActionRequested MessageKind = "action_requested"
	MessageActionStarted   MessageKind = "action_started"
	MessageActionCompleted MessageKind = "action_completed"
	MessageActionFailed    MessageKind = "action_failed"

	// Data
	MessageDataUpdated   MessageKind = "data_updated"
	MessageDataRequested MessageKind = "data_requested"
	MessageDataShared    MessageKind = "data_shared"

	// Triggers
	MessageTriggerFired   MessageKind = "trigger_fired"
	MessageTriggerCreated MessageKind = "trigger_created"
	MessageTriggerDeleted MessageKind = "trigger_deleted"

	// Coordination
	MessageTaskDelegation  MessageKind = "task_delegation"
	MessageResourceRequest MessageKind = "resource_request"
	MessageResourceRelease MessageKind = "resource_release"
	MessageStatusUpdate    MessageKind = "status_update"

	MessageCustom MessageKind = "custom"
)

var messageNames = map[MessageKind]string{
	MessageAgentStarted:    "Agent Started",
	MessageAgentStopped:    "Agent Stopped",
	MessageAgentPaused:     "Agent Paused",
	MessageAgentResumed:    "Agent Resumed",
	MessageAgentError:      "Agent Error",
	MessageActionRequested: "Action Requested",
	MessageActionStarted:   "Action Started",
	MessageActionCompleted: "Action Completed",
	MessageActionFailed:    "Action Failed",
	MessageDataUpdated:     "Data Updated",
	MessageDataRequested:   "Data Requested",
	MessageDataShared:      "Data Shared",
	MessageTriggerFired:    "Trigger Fired",
	MessageTriggerCreated:  "Trigger Created",
	MessageTriggerDeleted:  "Trigger Deleted",
	MessageTaskDelegation:  "Task Delegation",
	MessageResourceRequest: "Resource Request",
	MessageResourceRelease: "Resource Release",
	MessageStatusUpdate:    "Status Update",
}

// MessageType is a message kind plus the name of a custom message
type MessageType struct {
	Kind MessageKind `json:"kind"`
	Name string      `json:"name,omitempty"`
}

// TypeOf returns the MessageType for a built-in kind
func TypeOf(kind MessageKind) MessageType {
	return MessageType{Kind: kind}
}

// CustomType returns a custom MessageType called name
func CustomType(name string) MessageType {
	return MessageType{Kind: MessageCustom, Name: name}
}

// String returns the display name
func (t MessageType) String() string {
	if t.Kind == MessageCustom {
		return "Custom: " + t.Name
	}
	if name, ok := messageNames[t.Kind]; ok {
		return name
	}
	return string(t.Kind)
}

// Key returns a stable identifier used for statistics and subjects
func (t MessageType) Key() string {
	if t.Kind == MessageCustom && t.Name != "" {
		return string(MessageCustom) + "." + t.Name
	}
	return string(t.Kind)
}

// InterAgentMessage is immutable once constructed. An empty To means broadcast.
type InterAgentMessage struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewDirectMessage builds a message for a single agent
func NewDirectMessage(from, to string, typ MessageType, payload json.RawMessage) InterAgentMessage {
	return InterAgentMessage{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewBroadcast builds a message for every broadcast subscriber
func NewBroadcast(from string, typ MessageType, payload json.RawMessage) InterAgentMessage {
	return NewDirectMessage(from, "", typ, payload)
}

// IsBroadcast reports whether the message has no target agent
func (m InterAgentMessage) IsBroadcast() bool {
	return m.To == ""
}

// ActionEvent is the payload of ActionCompleted and ActionFailed messages
type ActionEvent struct {
	Action *AgentAction     `json:"action"`
	Result *ExecutionResult `json:"result"`
}
