package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

const (
	maxLineBytes = 4 << 20
	closeTimeout = 5 * time.Second
)

// ProcessConfig describes the child process to run
type ProcessConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
	Env     []string `mapstructure:"env"`
}

// request and response are single lines of JSON on the child's stdin and stdout
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ID     string          `json:"id"`
	Type   string          `json:"type,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProcessBackend talks to a child process over line delimited JSON. Requests
// are correlated with responses by id; lines without an id, such as
// heartbeats, are ignored.
type ProcessBackend struct {
	logger *zap.Logger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	nextID atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan response
	exitErr error
	done    chan struct{}
}

// StartProcess launches the backend process
func StartProcess(cfg ProcessConfig, logger *zap.Logger) (*ProcessBackend, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: backend command is empty", model.ErrValidation)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open backend stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open backend stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend process: %w", err)
	}

	b := &ProcessBackend{
		logger:  logger.Named("process-backend"),
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
	go b.readLoop(stdout)

	b.logger.Info("Backend process started",
		zap.String("command", cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	return b, nil
}

func (b *ProcessBackend) GenerateText(ctx context.Context, prompt string) (string, error) {
	result, err := b.call(ctx, "generate_text", map[string]any{"prompt": prompt})
	if err != nil {
		return "", err
	}

	var text string
	if err := json.Unmarshal(result, &text); err == nil {
		return text, nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return "", fmt.Errorf("failed to decode generated text: %w", err)
	}
	return obj.Text, nil
}

func (b *ProcessBackend) AnalyzeText(ctx context.Context, text string) (json.RawMessage, error) {
	return b.call(ctx, "analyze_text", map[string]any{"text": text})
}

func (b *ProcessBackend) RunWorkflow(ctx context.Context, config string, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}
	return b.call(ctx, "run_workflow", map[string]any{"config": config, "input": input})
}

// Done is closed once the process has exited
func (b *ProcessBackend) Done() <-chan struct{} {
	return b.done
}

// Close closes the process stdin and waits for it to exit, killing it if it does not
func (b *ProcessBackend) Close() error {
	b.writeMu.Lock()
	err := b.stdin.Close()
	b.writeMu.Unlock()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		b.logger.Warn("Failed to close backend stdin", zap.Error(err))
	}

	select {
	case <-b.done:
	case <-time.After(closeTimeout):
		b.logger.Warn("Backend process did not exit, killing it")
		if err := b.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill backend process: %w", err)
		}
		<-b.done
	}
	return nil
}

func (b *ProcessBackend) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := strconv.FormatUint(b.nextID.Add(1), 10)
	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal backend request: %w", err)
	}
	line = append(line, '\n')

	ch := make(chan response, 1)
	b.mu.Lock()
	if b.exitErr != nil {
		err := b.exitErr
		b.mu.Unlock()
		return nil, err
	}
	b.pending[id] = ch
	b.mu.Unlock()

	b.writeMu.Lock()
	_, err = b.stdin.Write(line)
	b.writeMu.Unlock()
	if err != nil {
		b.forget(id)
		return nil, fmt.Errorf("%w: failed to write request: %v", model.ErrBackendUnavailable, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("backend %s failed: %s", method, resp.Error)
		}
		return resp.Result, nil
	case <-b.done:
		// the response may have raced the exit
		select {
		case resp := <-ch:
			if resp.Error != "" {
				return nil, fmt.Errorf("backend %s failed: %s", method, resp.Error)
			}
			return resp.Result, nil
		default:
		}
		b.mu.Lock()
		err := b.exitErr
		b.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		b.forget(id)
		return nil, ctx.Err()
	}
}

func (b *ProcessBackend) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *ProcessBackend) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		var resp response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			b.logger.Debug("Backend output", zap.ByteString("line", scanner.Bytes()))
			continue
		}
		if resp.ID == "" {
			if resp.Type != "heartbeat" {
				b.logger.Debug("Ignoring backend message without id", zap.String("type", resp.Type))
			}
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()
		if !ok {
			b.logger.Warn("Response for unknown request", zap.String("id", resp.ID))
			continue
		}
		ch <- resp
	}
	if err := scanner.Err(); err != nil {
		b.logger.Error("Failed to read backend output", zap.Error(err))
	}

	waitErr := b.cmd.Wait()

	b.mu.Lock()
	if waitErr != nil {
		b.exitErr = fmt.Errorf("%w: backend process exited: %v", model.ErrBackendUnavailable, waitErr)
	} else {
		b.exitErr = fmt.Errorf("%w: backend process exited", model.ErrBackendUnavailable)
	}
	b.pending = make(map[string]chan response)
	b.mu.Unlock()
	close(b.done)

	b.logger.Info("Backend process exited", zap.Error(waitErr))
}
