package backend

import (
	"context"
	"encoding/json"
)

// Backend performs the AI oriented actions
type Backend interface {
	// GenerateText completes a prompt
	GenerateText(ctx context.Context, prompt string) (string, error)

	// AnalyzeText returns a structured analysis of text
	AnalyzeText(ctx context.Context, text string) (json.RawMessage, error)

	// RunWorkflow runs an external workflow described by config over input
	RunWorkflow(ctx context.Context, config string, input json.RawMessage) (json.RawMessage, error)
}
