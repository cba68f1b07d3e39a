package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TemplateKind identifies the specialization of an agent
type TemplateKind string

const (
	TemplatePersonalAssistant   TemplateKind = "personal_assistant"
	TemplateResearchAssistant   TemplateKind = "research_assistant"
	TemplateProductivityManager TemplateKind = "productivity_manager"
	TemplateDataAnalyst         TemplateKind = "data_analyst"
	TemplateFinanceTracker      TemplateKind = "finance_tracker"
	TemplateHealthMonitor       TemplateKind = "health_monitor"
	TemplateContentCreator      TemplateKind = "content_creator"
	TemplateLearningCompanion   TemplateKind = "learning_companion"
	TemplateJournalAssistant    TemplateKind = "journal_assistant"
	TemplateDeveloperCompanion  TemplateKind = "developer_companion"
	TemplateSystemMonitor       TemplateKind = "system_monitor"
	TemplateDataCurator         TemplateKind = "data_curator"
	TemplateCustom              TemplateKind = "custom"
)

// AgentTemplate describes what kind of agent this is along with its
// template specific parameters, e.g. research domains or tracked categories.
type AgentTemplate struct {
	Kind       TemplateKind   `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ExecutionMode represents how an agent is driven
type ExecutionMode string

const (
	ExecutionModeSync        ExecutionMode = "sync"
	ExecutionModeAsync       ExecutionMode = "async"
	ExecutionModeScheduled   ExecutionMode = "scheduled"
	ExecutionModeEventDriven ExecutionMode = "event_driven"
)

// Priority represents the priority level of an agent
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// BackendConfig holds backend specific parameters for AI oriented actions
type BackendConfig struct {
	Runtime      string   `json:"runtime"`
	EntryPoint   string   `json:"entry_point,omitempty"`
	Script       string   `json:"script,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// AgentConfig controls how an agent's executor runs actions.
// It is immutable once an executor has been built from it.
type AgentConfig struct {
	Version              string            `json:"version"`
	ExecutionMode        ExecutionMode     `json:"execution_mode"`
	Priority             Priority          `json:"priority"`
	MaxConcurrentActions int               `json:"max_concurrent_actions"`
	TimeoutSeconds       int               `json:"timeout_seconds"`
	RetryAttempts        int               `json:"retry_attempts"`
	MemoryLimitMB        int               `json:"memory_limit_mb"`
	Environment          map[string]string `json:"environment,omitempty"`
	DataSources          []string          `json:"data_sources,omitempty"`
	Triggers             []string          `json:"triggers,omitempty"`
	Permissions          []string          `json:"permissions,omitempty"`
	Backend              *BackendConfig    `json:"backend,omitempty"`
}

// DefaultAgentConfig returns the configuration new agents start from
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Version:              "1.0.0",
		ExecutionMode:        ExecutionModeAsync,
		Priority:             PriorityNormal,
		MaxConcurrentActions: 5,
		TimeoutSeconds:       300,
		RetryAttempts:        3,
		MemoryLimitMB:        256,
		Environment:          map[string]string{},
	}
}

// Timeout returns the per action deadline
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the executor bounds
func (c AgentConfig) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be greater than zero", ErrValidation)
	}
	if c.MaxConcurrentActions <= 0 {
		return fmt.Errorf("%w: max_concurrent_actions must be greater than zero", ErrValidation)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry_attempts must not be negative", ErrValidation)
	}
	return nil
}

// AgentCapability is a permission-like tag describing what an agent may do
type AgentCapability string

const (
	CapabilityReadFiles         AgentCapability = "read_files"
	CapabilityWriteFiles        AgentCapability = "write_files"
	CapabilityAccessDatabase    AgentCapability = "access_database"
	CapabilityAccessInternet    AgentCapability = "access_internet"
	CapabilitySendEmail         AgentCapability = "send_email"
	CapabilitySendNotifications AgentCapability = "send_notifications"
	CapabilityMakeAPICalls      AgentCapability = "make_api_calls"
	CapabilityWebhookReceiver   AgentCapability = "webhook_receiver"
	CapabilityTextGeneration    AgentCapability = "text_generation"
	CapabilityTextAnalysis      AgentCapability = "text_analysis"
	CapabilityImageAnalysis     AgentCapability = "image_analysis"
	CapabilityCodeGeneration    AgentCapability = "code_generation"
	CapabilityExecuteCommands   AgentCapability = "execute_commands"
	CapabilityFileSystemWatch   AgentCapability = "file_system_watch"
	CapabilityNetworkMonitoring AgentCapability = "network_monitoring"
	CapabilityProcessManagement AgentCapability = "process_management"
)

// AgentMetrics holds execution counters for an agent
type AgentMetrics struct {
	TotalExecutions        uint64             `json:"total_executions"`
	SuccessfulExecutions   uint64             `json:"successful_executions"`
	FailedExecutions       uint64             `json:"failed_executions"`
	AverageExecutionTimeMS float64            `json:"average_execution_time_ms"`
	LastExecution          *time.Time         `json:"last_execution,omitempty"`
	TotalRuntimeMS         uint64             `json:"total_runtime_ms"`
	MemoryUsageMB          float64            `json:"memory_usage_mb"`
	CPUUsagePercent        float64            `json:"cpu_usage_percent"`
	DataProcessedBytes     uint64             `json:"data_processed_bytes"`
	ActionsPerformed       uint64             `json:"actions_performed"`
	ErrorsEncountered      uint64             `json:"errors_encountered"`
	CustomMetrics          map[string]float64 `json:"custom_metrics,omitempty"`
}

// Record folds one execution result into the counters
func (m *AgentMetrics) Record(result *ExecutionResult, at time.Time) {
	m.TotalExecutions++
	m.ActionsPerformed++
	if result.Success {
		m.SuccessfulExecutions++
	} else {
		m.FailedExecutions++
		m.ErrorsEncountered++
	}

	ms := float64(result.Duration) / float64(time.Millisecond)
	m.AverageExecutionTimeMS += (ms - m.AverageExecutionTimeMS) / float64(m.TotalExecutions)
	m.TotalRuntimeMS += uint64(result.Duration / time.Millisecond)
	if result.DataProcessedBytes > 0 {
		m.DataProcessedBytes += uint64(result.DataProcessedBytes)
	}
	if result.MemoryUsedBytes > 0 {
		m.MemoryUsageMB = float64(result.MemoryUsedBytes) / (1024 * 1024)
	}
	if result.CPUPercent > 0 {
		m.CPUUsagePercent = result.CPUPercent
	}

	at = at.UTC()
	m.LastExecution = &at
}

// Agent is a configured, independently schedulable unit of automation
type Agent struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Template     AgentTemplate     `json:"template"`
	Config       AgentConfig       `json:"config"`
	Status       AgentStatus       `json:"status"`
	Capabilities []AgentCapability `json:"capabilities,omitempty"`
	Metrics      AgentMetrics      `json:"metrics"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// NewAgent creates a draft agent with the default configuration
func NewAgent(name string, template AgentTemplate) *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:        uuid.New().String(),
		Name:      name,
		Template:  template,
		Config:    DefaultAgentConfig(),
		Status:    AgentStatus{Kind: StatusDraft},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate enforces the registration contract
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: agent name must not be empty", ErrValidation)
	}
	return a.Config.Validate()
}

// HasCapability reports whether the agent carries the given capability
func (a *Agent) HasCapability(c AgentCapability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out of the orchestrator
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]AgentCapability(nil), a.Capabilities...)
	c.Config.Environment = cloneStrings(a.Config.Environment)
	c.Config.DataSources = append([]string(nil), a.Config.DataSources...)
	c.Config.Triggers = append([]string(nil), a.Config.Triggers...)
	c.Config.Permissions = append([]string(nil), a.Config.Permissions...)
	if a.Config.Backend != nil {
		b := *a.Config.Backend
		b.Requirements = append([]string(nil), a.Config.Backend.Requirements...)
		c.Config.Backend = &b
	}
	if a.Template.Parameters != nil {
		c.Template.Parameters = make(map[string]any, len(a.Template.Parameters))
		for k, v := range a.Template.Parameters {
			c.Template.Parameters[k] = v
		}
	}
	if a.Metrics.LastExecution != nil {
		t := *a.Metrics.LastExecution
		c.Metrics.LastExecution = &t
	}
	if a.Metrics.CustomMetrics != nil {
		c.Metrics.CustomMetrics = make(map[string]float64, len(a.Metrics.CustomMetrics))
		for k, v := range a.Metrics.CustomMetrics {
			c.Metrics.CustomMetrics[k] = v
		}
	}
	return &c
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
