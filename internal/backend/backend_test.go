package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/testutil"
)

// TestHelperProcess is not a real test. It is re-executed by the process
// backend tests and behaves like a backend script.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	out := bufio.NewWriter(os.Stdout)
	reply := func(v any) {
		line, _ := json.Marshal(v)
		out.Write(append(line, '\n'))
		out.Flush()
	}

	reply(map[string]string{"type": "heartbeat"})
	fmt.Fprintln(out, "backend ready")
	out.Flush()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		var params struct {
			Prompt string          `json:"prompt"`
			Text   string          `json:"text"`
			Config string          `json:"config"`
			Input  json.RawMessage `json:"input"`
		}
		json.Unmarshal(req.Params, &params)

		reply(map[string]string{"type": "heartbeat"})

		switch req.Method {
		case "generate_text":
			reply(map[string]any{"id": req.ID, "result": "echo: " + params.Prompt})
		case "analyze_text":
			reply(map[string]any{"id": req.ID, "result": map[string]int{"length": len(params.Text)}})
		case "run_workflow":
			switch params.Config {
			case "hang":
			case "exit":
				os.Exit(3)
			case "bad":
				reply(map[string]any{"id": req.ID, "error": "unknown workflow"})
			default:
				reply(map[string]any{"id": req.ID, "result": params.Input})
			}
		}
	}
	os.Exit(0)
}

func startHelper(t *testing.T) *ProcessBackend {
	t.Helper()

	b, err := StartProcess(ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env:     []string{"GO_WANT_HELPER_PROCESS=1"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestProcessBackend(t *testing.T) {
	ctx := context.Background()
	b := startHelper(t)

	t.Run("Generate Text", func(t *testing.T) {
		text, err := b.GenerateText(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, "echo: hello", text)
	})

	t.Run("Analyze Text", func(t *testing.T) {
		out, err := b.AnalyzeText(ctx, "four")
		require.NoError(t, err)
		assert.JSONEq(t, `{"length":4}`, string(out))
	})

	t.Run("Run Workflow", func(t *testing.T) {
		out, err := b.RunWorkflow(ctx, "pipeline.yaml", json.RawMessage(`{"rows":2}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"rows":2}`, string(out))
	})

	t.Run("Remote Error", func(t *testing.T) {
		_, err := b.RunWorkflow(ctx, "bad", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown workflow")
		assert.NotErrorIs(t, err, model.ErrBackendUnavailable)
	})

	t.Run("Concurrent Calls Correlated", func(t *testing.T) {
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			go func(i int) {
				prompt := fmt.Sprintf("p%d", i)
				text, err := b.GenerateText(ctx, prompt)
				if err == nil && text != "echo: "+prompt {
					err = fmt.Errorf("got %q for %q", text, prompt)
				}
				errs <- err
			}(i)
		}
		for i := 0; i < 10; i++ {
			assert.NoError(t, <-errs)
		}
	})

	t.Run("Context Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := b.RunWorkflow(cctx, "hang", nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestProcessBackendExit(t *testing.T) {
	ctx := context.Background()
	b := startHelper(t)

	_, err := b.RunWorkflow(ctx, "exit", nil)
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)

	select {
	case <-b.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not report exit")
	}

	_, err = b.GenerateText(ctx, "after exit")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestStartProcessValidation(t *testing.T) {
	_, err := StartProcess(ProcessConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestReliableBackend(t *testing.T) {
	ctx := context.Background()
	failing := true
	fake := &testutil.FakeBackend{
		GenerateFunc: func(_ context.Context, prompt string) (string, error) {
			if failing {
				return "", errors.New("model overloaded")
			}
			return "ok: " + prompt, nil
		},
	}

	r := NewReliableBackend(fake, ReliableOptions{
		RequestsPerSecond: 1000,
		Burst:             100,
		FailureThreshold:  2,
		OpenTimeout:       100 * time.Millisecond,
	}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_, err := r.GenerateText(ctx, "x")
		require.Error(t, err)
		assert.NotErrorIs(t, err, model.ErrBackendUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, r.State())

	t.Run("Open Fails Fast", func(t *testing.T) {
		calls := fake.Calls()
		_, err := r.GenerateText(ctx, "x")
		assert.ErrorIs(t, err, model.ErrBackendUnavailable)
		assert.Equal(t, calls, fake.Calls())
	})

	t.Run("Recovers After Timeout", func(t *testing.T) {
		failing = false
		time.Sleep(150 * time.Millisecond)

		text, err := r.GenerateText(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, "ok: x", text)
		assert.Equal(t, gobreaker.StateClosed, r.State())
	})

	t.Run("Structured Results", func(t *testing.T) {
		out, err := r.AnalyzeText(ctx, "three short words")
		require.NoError(t, err)
		assert.JSONEq(t, `{"words":3}`, string(out))

		out, err = r.RunWorkflow(ctx, "flow", json.RawMessage(`[1,2]`))
		require.NoError(t, err)
		assert.JSONEq(t, `[1,2]`, string(out))
	})
}
