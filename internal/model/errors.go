package model

import "errors"

var (
	// ErrValidation is returned when an agent, action or rule is malformed
	ErrValidation = errors.New("validation failed")

	// ErrNotRunning is returned when an operation targets a stopped component
	ErrNotRunning = errors.New("not running")

	// ErrNotRegistered is returned when a message or action targets an unknown agent
	ErrNotRegistered = errors.New("agent not registered")

	// ErrTimeout is returned when an action exceeds its deadline
	ErrTimeout = errors.New("action timed out")

	// ErrBackendUnavailable is returned when an AI action has no backend configured
	ErrBackendUnavailable = errors.New("action backend unavailable")

	// ErrPersistence is returned when the durable store fails a read or write
	ErrPersistence = errors.New("persistence failure")

	// ErrSchedule is returned for malformed cron expressions or impossible calendar schedules
	ErrSchedule = errors.New("invalid schedule")

	// ErrNotFound is returned when a rule, state or record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an agent status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSendFailed is returned when a target inbox is closed or full
	ErrSendFailed = errors.New("send failed")
)
