package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionKind identifies what an action does
type ActionKind string

const (
	ActionReadData       ActionKind = "read_data"
	ActionWriteData      ActionKind = "write_data"
	ActionProcessData    ActionKind = "process_data"
	ActionSendMessage    ActionKind = "send_message"
	ActionSendEmail      ActionKind = "send_email"
	ActionPostWebhook    ActionKind = "post_webhook"
	ActionGenerateText   ActionKind = "generate_text"
	ActionAnalyzeText    ActionKind = "analyze_text"
	ActionRunWorkflow    ActionKind = "run_workflow"
	ActionExecuteCommand ActionKind = "execute_command"
	ActionWatchFile      ActionKind = "watch_file"
	ActionScheduleTask   ActionKind = "schedule_task"
	ActionCustom         ActionKind = "custom"
)

// ActionType is a closed set of action variants. Target carries the
// variant's primary argument:
//
//	read_data, write_data   connector name (Key is the resource key)
//	process_data            processor name
//	send_message            receiving agent id
//	send_email              recipient (Key is the subject)
//	post_webhook            URL
//	run_workflow            workflow configuration
//	execute_command         command (Args are its arguments)
//	watch_file              path
//	schedule_task           cron expression
//	custom                  handler name
//
// generate_text and analyze_text take everything from the action input.
type ActionType struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
	Key    string     `json:"key,omitempty"`
	Args   []string   `json:"args,omitempty"`
}

func ReadData(connector, key string) ActionType {
	return ActionType{Kind: ActionReadData, Target: connector, Key: key}
}

func WriteData(connector, key string) ActionType {
	return ActionType{Kind: ActionWriteData, Target: connector, Key: key}
}

func ProcessData(processor string) ActionType {
	return ActionType{Kind: ActionProcessData, Target: processor}
}

func SendMessage(to string) ActionType {
	return ActionType{Kind: ActionSendMessage, Target: to}
}

func SendEmail(to, subject string) ActionType {
	return ActionType{Kind: ActionSendEmail, Target: to, Key: subject}
}

func PostWebhook(url string) ActionType {
	return ActionType{Kind: ActionPostWebhook, Target: url}
}

func GenerateText() ActionType {
	return ActionType{Kind: ActionGenerateText}
}

func AnalyzeText() ActionType {
	return ActionType{Kind: ActionAnalyzeText}
}

func RunWorkflow(config string) ActionType {
	return ActionType{Kind: ActionRunWorkflow, Target: config}
}

func ExecuteCommand(command string, args ...string) ActionType {
	return ActionType{Kind: ActionExecuteCommand, Target: command, Args: args}
}

func WatchFile(path string) ActionType {
	return ActionType{Kind: ActionWatchFile, Target: path}
}

func ScheduleTask(expression string) ActionType {
	return ActionType{Kind: ActionScheduleTask, Target: expression}
}

func Custom(name string) ActionType {
	return ActionType{Kind: ActionCustom, Target: name}
}

// NeedsBackend reports whether the action is performed by the action backend
func (t ActionType) NeedsBackend() bool {
	switch t.Kind {
	case ActionGenerateText, ActionAnalyzeText, ActionRunWorkflow:
		return true
	}
	return false
}

// Validate checks that the variant carries its required arguments
func (t ActionType) Validate() error {
	switch t.Kind {
	case ActionGenerateText, ActionAnalyzeText:
		return nil
	case ActionReadData, ActionWriteData, ActionProcessData, ActionSendMessage, ActionSendEmail,
		ActionPostWebhook, ActionRunWorkflow, ActionExecuteCommand, ActionWatchFile,
		ActionScheduleTask, ActionCustom:
		if t.Target == "" {
			return fmt.Errorf("%w: %s action requires a target", ErrValidation, t.Kind)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown action kind %q", ErrValidation, t.Kind)
}

func (t ActionType) String() string {
	if t.Target == "" {
		return string(t.Kind)
	}
	return fmt.Sprintf("%s(%s)", t.Kind, t.Target)
}

// ActionStatusKind is the phase of an action
type ActionStatusKind string

const (
	ActionPending   ActionStatusKind = "pending"
	ActionRunning   ActionStatusKind = "running"
	ActionCompleted ActionStatusKind = "completed"
	ActionFailed    ActionStatusKind = "failed"
	ActionCancelled ActionStatusKind = "cancelled"
)

// ActionStatus is the status of an action. Reason is only set when failed.
type ActionStatus struct {
	Kind   ActionStatusKind `json:"kind"`
	Reason string           `json:"reason,omitempty"`
}

// IsTerminal reports whether the action can no longer change
func (s ActionStatus) IsTerminal() bool {
	switch s.Kind {
	case ActionCompleted, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

func (s ActionStatus) String() string {
	if s.Kind == ActionFailed && s.Reason != "" {
		return string(ActionFailed) + ": " + s.Reason
	}
	return string(s.Kind)
}

// AgentAction is a single unit of work owned by exactly one agent
type AgentAction struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Type        ActionType      `json:"type"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      ActionStatus    `json:"status"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewAction creates a pending action for agentID
func NewAction(agentID string, actionType ActionType, input json.RawMessage) *AgentAction {
	return &AgentAction{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      actionType,
		Input:     input,
		Status:    ActionStatus{Kind: ActionPending},
		CreatedAt: time.Now().UTC(),
	}
}

// Retry returns a fresh pending copy of a for another attempt
func (a *AgentAction) Retry() *AgentAction {
	next := NewAction(a.AgentID, a.Type, a.Input)
	next.Type.Args = append([]string(nil), a.Type.Args...)
	next.Attempt = a.Attempt + 1
	return next
}

// ActionTemplate is an action blueprint that rules and delegations instantiate
type ActionTemplate struct {
	Type  ActionType      `json:"type"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Instantiate creates a new pending action for agentID
func (t ActionTemplate) Instantiate(agentID string) *AgentAction {
	typ := t.Type
	typ.Args = append([]string(nil), t.Type.Args...)
	return NewAction(agentID, typ, append(json.RawMessage(nil), t.Input...))
}

// ExecutionContext is the bookkeeping for one in-flight action
type ExecutionContext struct {
	ActionID    string            `json:"action_id"`
	AgentID     string            `json:"agent_id"`
	StartedAt   time.Time         `json:"started_at"`
	Timeout     time.Duration     `json:"timeout"`
	Attempt     int               `json:"attempt"`
	MaxRetries  int               `json:"max_retries"`
	Environment map[string]string `json:"environment,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Status      ActionStatus      `json:"status"`
}

// ExecutionResult is produced once per action, persisted and broadcast
type ExecutionResult struct {
	ActionID           string          `json:"action_id"`
	Success            bool            `json:"success"`
	Output             json.RawMessage `json:"output,omitempty"`
	Error              string          `json:"error,omitempty"`
	Retryable          bool            `json:"retryable"`
	Duration           time.Duration   `json:"duration"`
	MemoryUsedBytes    uint64          `json:"memory_used_bytes"`
	CPUPercent         float64         `json:"cpu_percent"`
	DataProcessedBytes int64           `json:"data_processed_bytes"`
	ResourcesAccessed  []string        `json:"resources_accessed,omitempty"`
}
