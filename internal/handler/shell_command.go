package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// CommandOutput is the output of an execute_command action
type CommandOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
}

// CommandHandler runs local processes
type CommandHandler struct {
	logger     *zap.Logger
	workingDir string
}

// NewCommandHandler creates a handler running commands in workingDir.
// An empty workingDir uses the runtime's current directory.
func NewCommandHandler(logger *zap.Logger, workingDir string) *CommandHandler {
	return &CommandHandler{
		logger:     logger.Named("command"),
		workingDir: workingDir,
	}
}

// Run executes command with args. env is layered over the runtime
// environment and stdin is fed to the process. A non-zero exit is an error
// that still carries the captured output.
func (h *CommandHandler) Run(ctx context.Context, command string, args []string, env map[string]string, stdin []byte) (*CommandOutput, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if h.workingDir != "" {
		cmd.Dir = h.workingDir
	}

	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, env[k]))
	}

	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Info("Executing command",
		zap.String("command", command),
		zap.Strings("args", args))

	err := cmd.Run()
	out := &CommandOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if ctx.Err() != nil {
			return out, fmt.Errorf("command execution interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(out.Stderr)
			if msg == "" {
				msg = exitErr.Error()
			}
			return out, fmt.Errorf("command exited with code %d: %s", out.ExitCode, msg)
		}
		return out, fmt.Errorf("failed to run command: %w", err)
	}

	return out, nil
}
