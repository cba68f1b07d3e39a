package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
)

const (
	DefaultQueueSize = 1000

	persistTimeout = 10 * time.Second
)

// ResultStore persists finished actions
type ResultStore interface {
	SaveActionResult(ctx context.Context, action *model.AgentAction, result *model.ExecutionResult) error
}

// Sender publishes messages on the bus
type Sender interface {
	Send(msg model.InterAgentMessage) error
}

// Hooks are called from worker goroutines after an action finished
type Hooks struct {
	// OnResult receives every terminal action with its result
	OnResult func(action *model.AgentAction, result *model.ExecutionResult)

	// OnFault is called when a result could not be persisted
	OnFault func(err error)
}

// Options configures an executor
type Options struct {
	QueueSize int
}

type inflight struct {
	action *model.AgentAction
	ctx    *model.ExecutionContext
	cancel context.CancelFunc
}

// Executor runs the actions of one agent with at most
// MaxConcurrentActions in flight. It takes ownership of submitted actions.
type Executor struct {
	logger  *zap.Logger
	agentID string
	config  model.AgentConfig
	tools   Toolkit
	bus     Sender
	results ResultStore
	metrics *metrics.Metrics
	hooks   Hooks

	sem   *semaphore.Weighted
	queue chan *model.AgentAction

	// held by submitters while they may still enqueue
	sendMu sync.RWMutex

	mu       sync.Mutex
	running  bool
	paused   bool
	resumed  chan struct{}
	stopCh   chan struct{}
	lifetime context.Context
	cancel   context.CancelFunc
	active   map[string]*inflight

	wg sync.WaitGroup
}

// New creates a stopped executor for an agent
func New(agentID string, config model.AgentConfig, tools Toolkit, bus Sender, results ResultStore,
	opts Options, hooks Hooks, m *metrics.Metrics, logger *zap.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if m == nil {
		m = metrics.New(nil)
	}

	resumed := make(chan struct{})
	close(resumed)

	return &Executor{
		logger:  logger.Named("executor").With(zap.String("agent_id", agentID)),
		agentID: agentID,
		config:  config,
		tools:   tools,
		bus:     bus,
		results: results,
		metrics: m,
		hooks:   hooks,
		sem:     semaphore.NewWeighted(int64(config.MaxConcurrentActions)),
		queue:   make(chan *model.AgentAction, opts.QueueSize),
		resumed: resumed,
		active:  make(map[string]*inflight),
	}, nil
}

// AgentID returns the owning agent
func (e *Executor) AgentID() string {
	return e.agentID
}

// Start launches the processing loop
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.lifetime, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(1)
	go e.loop(e.stopCh, e.lifetime)

	e.logger.Info("Executor started",
		zap.Int("max_concurrent_actions", e.config.MaxConcurrentActions),
		zap.Duration("timeout", e.config.Timeout()))
}

// Stop cancels every in-flight action, cancels everything still queued and
// waits for the workers to record their results
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.cancel()
	for id, in := range e.active {
		delete(e.active, id)
		in.cancel()
	}
	if e.paused {
		e.paused = false
		close(e.resumed)
	}
	e.mu.Unlock()

	// wait out submitters racing the stop
	e.sendMu.Lock()
	e.sendMu.Unlock()

	e.wg.Wait()

	for {
		select {
		case action := <-e.queue:
			e.finish(action, nil, nil, errCancelled, time.Now())
			continue
		default:
		}
		break
	}
	e.metrics.QueueDepth.WithLabelValues(e.agentID).Set(0)

	e.logger.Info("Executor stopped")
}

// IsRunning reports whether the executor accepts actions
func (e *Executor) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Pause stops dequeuing. Submitted actions stay queued and in-flight ones finish.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused || !e.running {
		return
	}
	e.paused = true
	e.resumed = make(chan struct{})
}

// Resume continues dequeuing after Pause
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.paused {
		return
	}
	e.paused = false
	close(e.resumed)
}

// ExecuteAction enqueues action. It blocks while the queue is full.
func (e *Executor) ExecuteAction(ctx context.Context, action *model.AgentAction) error {
	if action.AgentID != e.agentID {
		return fmt.Errorf("%w: action belongs to agent %s, not %s", model.ErrValidation, action.AgentID, e.agentID)
	}
	if err := action.Type.Validate(); err != nil {
		return err
	}

	e.sendMu.RLock()
	defer e.sendMu.RUnlock()

	e.mu.Lock()
	running, stopCh := e.running, e.stopCh
	e.mu.Unlock()
	if !running {
		return fmt.Errorf("executor for agent %s: %w", e.agentID, model.ErrNotRunning)
	}

	action.Status = model.ActionStatus{Kind: model.ActionPending}
	select {
	case e.queue <- action:
		e.metrics.QueueDepth.WithLabelValues(e.agentID).Set(float64(len(e.queue)))
		return nil
	case <-stopCh:
		return fmt.Errorf("executor for agent %s: %w", e.agentID, model.ErrNotRunning)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveActions returns a snapshot of the in-flight actions, oldest first
func (e *Executor) ActiveActions() []model.ExecutionContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]model.ExecutionContext, 0, len(e.active))
	for _, in := range e.active {
		c := *in.ctx
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// QueueLength returns the number of actions waiting for a permit
func (e *Executor) QueueLength() int {
	return len(e.queue)
}

func (e *Executor) loop(stopCh <-chan struct{}, lifetime context.Context) {
	defer e.wg.Done()

	for {
		var action *model.AgentAction
		select {
		case <-stopCh:
			return
		case action = <-e.queue:
		}
		e.metrics.QueueDepth.WithLabelValues(e.agentID).Set(float64(len(e.queue)))

		// a paused executor holds the dequeued action until resumed
		e.mu.Lock()
		resumed := e.resumed
		e.mu.Unlock()
		select {
		case <-stopCh:
			e.finish(action, nil, nil, errCancelled, time.Now())
			return
		case <-resumed:
		}

		if err := e.sem.Acquire(lifetime, 1); err != nil {
			e.finish(action, nil, nil, errCancelled, time.Now())
			return
		}

		if !e.begin(action, lifetime) {
			e.sem.Release(1)
			e.finish(action, nil, nil, errCancelled, time.Now())
			return
		}
	}
}

// begin registers the action as active and starts its worker
func (e *Executor) begin(action *model.AgentAction, lifetime context.Context) bool {
	actx, cancel := context.WithTimeout(lifetime, e.config.Timeout())
	started := time.Now().UTC()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		cancel()
		return false
	}
	action.Status = model.ActionStatus{Kind: model.ActionRunning}
	action.StartedAt = &started
	ec := &model.ExecutionContext{
		ActionID:    action.ID,
		AgentID:     e.agentID,
		StartedAt:   started,
		Timeout:     e.config.Timeout(),
		Attempt:     action.Attempt,
		MaxRetries:  e.config.RetryAttempts,
		Environment: snapshot(e.config.Environment),
		Input:       action.Input,
		Status:      action.Status,
	}
	e.active[action.ID] = &inflight{action: action, ctx: ec, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	e.metrics.ActiveActions.WithLabelValues(e.agentID).Inc()
	go e.work(actx, cancel, lifetime, action, ec)
	return true
}

func (e *Executor) work(actx context.Context, cancel context.CancelFunc, lifetime context.Context,
	action *model.AgentAction, ec *model.ExecutionContext) {
	defer e.wg.Done()
	defer cancel()

	sample := e.tools.Resources.Begin()
	out := e.runWithDeadline(actx, lifetime, action, ec)
	usage := sample.End()

	e.mu.Lock()
	_, stillActive := e.active[action.ID]
	delete(e.active, action.ID)
	e.mu.Unlock()

	e.sem.Release(1)
	e.metrics.ActiveActions.WithLabelValues(e.agentID).Dec()

	err := out.err
	if !stillActive {
		err = errCancelled
	}
	e.finish(action, &out, &usage, err, ec.StartedAt)
}

// runWithDeadline bounds dispatch by the action context. A handler that
// ignores cancellation is abandoned rather than waited for.
func (e *Executor) runWithDeadline(actx, lifetime context.Context, action *model.AgentAction, ec *model.ExecutionContext) outcome {
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Action handler panicked",
					zap.String("action_id", action.ID),
					zap.Any("panic", r))
				done <- outcome{err: fmt.Errorf("action handler panicked: %v", r)}
			}
		}()
		done <- e.dispatch(actx, lifetime, action, ec)
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			out.err = e.timeoutError()
		}
		return out
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return outcome{err: e.timeoutError()}
		}
		return outcome{err: errCancelled}
	}
}

func (e *Executor) timeoutError() error {
	return fmt.Errorf("%w after %s", model.ErrTimeout, e.config.Timeout())
}

var errCancelled = errors.New("action cancelled")

// finish records the terminal status, persists and publishes the result
func (e *Executor) finish(action *model.AgentAction, out *outcome, usage *Usage, err error, started time.Time) {
	completed := time.Now().UTC()
	action.CompletedAt = &completed

	result := &model.ExecutionResult{
		ActionID: action.ID,
		Duration: completed.Sub(started),
	}
	if action.StartedAt == nil {
		result.Duration = 0
	}
	if out != nil {
		result.Output = out.output
		result.ResourcesAccessed = out.resources
		result.DataProcessedBytes = out.processed
	}
	// handlers that do not count consume their whole input on success
	if err == nil && result.DataProcessedBytes == 0 {
		result.DataProcessedBytes = int64(len(action.Input))
	}
	if usage != nil {
		result.MemoryUsedBytes = usage.MemoryBytes
		result.CPUPercent = usage.CPUPercent
	}

	outcomeLabel := "completed"
	switch {
	case err == nil:
		action.Status = model.ActionStatus{Kind: model.ActionCompleted}
		action.Output = result.Output
		result.Success = true
	case errors.Is(err, errCancelled):
		outcomeLabel = "cancelled"
		action.Status = model.ActionStatus{Kind: model.ActionCancelled}
		action.Error = err.Error()
		result.Error = err.Error()
	default:
		outcomeLabel = "failed"
		if errors.Is(err, model.ErrTimeout) {
			outcomeLabel = "timeout"
		}
		action.Status = model.ActionStatus{Kind: model.ActionFailed, Reason: err.Error()}
		action.Output = result.Output
		action.Error = err.Error()
		result.Error = err.Error()
		result.Retryable = isRetryable(err)
	}

	e.metrics.ObserveAction(e.agentID, string(action.Type.Kind), outcomeLabel, result.Duration)

	if outcomeLabel == "completed" {
		e.logger.Debug("Action completed",
			zap.String("action_id", action.ID),
			zap.Stringer("type", action.Type),
			zap.Duration("duration", result.Duration))
	} else {
		e.logger.Warn("Action did not complete",
			zap.String("action_id", action.ID),
			zap.Stringer("type", action.Type),
			zap.String("status", action.Status.String()),
			zap.Duration("duration", result.Duration))
	}

	e.persist(action, result)
	e.publish(action, result)

	if e.hooks.OnResult != nil {
		e.hooks.OnResult(action, result)
	}
}

func (e *Executor) persist(action *model.AgentAction, result *model.ExecutionResult) {
	if e.results == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := e.results.SaveActionResult(ctx, action, result); err != nil {
		e.logger.Error("Failed to persist action result",
			zap.String("action_id", action.ID),
			zap.Error(err))
		if e.hooks.OnFault != nil {
			e.hooks.OnFault(fmt.Errorf("failed to persist result of action %s: %w", action.ID, err))
		}
	}
}

func (e *Executor) publish(action *model.AgentAction, result *model.ExecutionResult) {
	if e.bus == nil {
		return
	}

	kind := model.MessageActionCompleted
	if !result.Success {
		kind = model.MessageActionFailed
	}
	payload, err := json.Marshal(model.ActionEvent{Action: action, Result: result})
	if err != nil {
		e.logger.Error("Failed to marshal action event", zap.Error(err))
		return
	}

	if err := e.bus.Send(model.NewBroadcast(e.agentID, model.TypeOf(kind), payload)); err != nil {
		e.logger.Warn("Failed to publish action result",
			zap.String("action_id", action.ID),
			zap.Error(err))
	}
}

// isRetryable reports whether another attempt could succeed
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, model.ErrBackendUnavailable),
		errors.Is(err, model.ErrNotRegistered),
		errors.Is(err, model.ErrNotFound):
		return false
	}
	return true
}

func snapshot(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
