package model

import (
	"fmt"
	"strings"
)

// StatusKind represents the lifecycle phase of an agent
type StatusKind string

const (
	StatusDraft   StatusKind = "draft"
	StatusReady   StatusKind = "ready"
	StatusRunning StatusKind = "running"
	StatusPaused  StatusKind = "paused"
	StatusStopped StatusKind = "stopped"
	StatusError   StatusKind = "error"
)

// AgentStatus is the lifecycle state of an agent. Message is only set
// for StatusError.
type AgentStatus struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
}

// ErrorStatus builds an error status carrying msg
func ErrorStatus(msg string) AgentStatus {
	return AgentStatus{Kind: StatusError, Message: msg}
}

var transitions = map[StatusKind][]StatusKind{
	StatusDraft:   {StatusReady, StatusError},
	StatusReady:   {StatusRunning, StatusStopped, StatusError},
	StatusRunning: {StatusPaused, StatusStopped, StatusError},
	StatusPaused:  {StatusRunning, StatusStopped, StatusError},
	StatusStopped: {StatusRunning, StatusReady},
	StatusError:   {StatusRunning, StatusStopped, StatusReady},
}

// CanTransitionTo reports whether the state machine allows moving to next
func (s AgentStatus) CanTransitionTo(next StatusKind) bool {
	for _, allowed := range transitions[s.Kind] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo returns the next status or ErrInvalidTransition
func (s AgentStatus) TransitionTo(next AgentStatus) (AgentStatus, error) {
	if !s.CanTransitionTo(next.Kind) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Kind, next.Kind)
	}
	return next, nil
}

// AcceptsActions reports whether new actions may be submitted. Paused
// agents queue actions until resumed.
func (s AgentStatus) AcceptsActions() bool {
	return s.Kind == StatusRunning || s.Kind == StatusPaused
}

func (s AgentStatus) String() string {
	if s.Kind == StatusError && s.Message != "" {
		return string(StatusError) + ": " + s.Message
	}
	return string(s.Kind)
}

// ParseAgentStatus is the inverse of AgentStatus.String
func ParseAgentStatus(v string) (AgentStatus, error) {
	if msg, ok := strings.CutPrefix(v, string(StatusError)+": "); ok {
		return ErrorStatus(msg), nil
	}
	switch kind := StatusKind(v); kind {
	case StatusDraft, StatusReady, StatusRunning, StatusPaused, StatusStopped, StatusError:
		return AgentStatus{Kind: kind}, nil
	}
	return AgentStatus{}, fmt.Errorf("%w: unknown agent status %q", ErrValidation, v)
}
