package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
)

// FakeBackend is an action backend with overridable behavior. Unset
// functions echo their input.
type FakeBackend struct {
	GenerateFunc func(ctx context.Context, prompt string) (string, error)
	AnalyzeFunc  func(ctx context.Context, text string) (json.RawMessage, error)
	WorkflowFunc func(ctx context.Context, config string, input json.RawMessage) (json.RawMessage, error)

	calls atomic.Int64
}

// Calls returns the number of backend calls made
func (f *FakeBackend) Calls() int {
	return int(f.calls.Load())
}

func (f *FakeBackend) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	if f.GenerateFunc != nil {
		return f.GenerateFunc(ctx, prompt)
	}
	return "generated: " + prompt, nil
}

func (f *FakeBackend) AnalyzeText(ctx context.Context, text string) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.AnalyzeFunc != nil {
		return f.AnalyzeFunc(ctx, text)
	}
	words := len(strings.Fields(text))
	return json.Marshal(map[string]int{"words": words})
}

func (f *FakeBackend) RunWorkflow(ctx context.Context, config string, input json.RawMessage) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.WorkflowFunc != nil {
		return f.WorkflowFunc(ctx, config, input)
	}
	return input, nil
}

// HangingBackend blocks every call until its context ends
func HangingBackend() *FakeBackend {
	return &FakeBackend{
		GenerateFunc: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
		AnalyzeFunc: func(ctx context.Context, _ string) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		WorkflowFunc: func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}
