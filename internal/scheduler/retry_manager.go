package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given attempt
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Submitter re-invokes an action on its agent
type Submitter interface {
	ExecuteAction(ctx context.Context, action *model.AgentAction) error
}

type pendingRetry struct {
	action *model.AgentAction
	due    time.Time
}

// RetryManager resubmits failed retryable actions with backoff. Actions that
// used up their attempts are dropped and logged.
type RetryManager struct {
	logger    *zap.Logger
	submitter Submitter
	strategy  RetryStrategy
	interval  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingRetry
	stop    chan struct{}
	done    chan struct{}
}

// NewRetryManager creates a new retry manager
func NewRetryManager(submitter Submitter, strategy RetryStrategy, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		logger:    logger.Named("retry-manager"),
		submitter: submitter,
		strategy:  strategy,
		interval:  time.Second,
		now:       time.Now,
		pending:   make(map[string]*pendingRetry),
	}
}

// Start starts the retry loop
func (rm *RetryManager) Start(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stop != nil {
		return
	}
	rm.stop = make(chan struct{})
	rm.done = make(chan struct{})

	rm.logger.Info("Starting retry manager")
	go rm.retryLoop(ctx, rm.stop, rm.done)
}

// Stop stops the retry loop. Pending retries are discarded.
func (rm *RetryManager) Stop() {
	rm.mu.Lock()
	stop, done := rm.stop, rm.done
	rm.stop, rm.done = nil, nil
	rm.pending = make(map[string]*pendingRetry)
	rm.mu.Unlock()

	if stop == nil {
		return
	}
	rm.logger.Info("Stopping retry manager")
	close(stop)
	<-done
}

// HandleResult schedules another attempt when the result is a retryable
// failure and the action has attempts left. It reports whether a retry was scheduled.
func (rm *RetryManager) HandleResult(action *model.AgentAction, result *model.ExecutionResult, maxRetries int) bool {
	if result.Success || !result.Retryable {
		return false
	}

	if action.Attempt >= maxRetries {
		rm.logger.Warn("Action exhausted its retries",
			zap.String("action_id", action.ID),
			zap.String("agent_id", action.AgentID),
			zap.Int("attempts", action.Attempt+1),
			zap.String("error", result.Error))
		return false
	}

	next := action.Retry()
	due := rm.now().Add(rm.strategy.NextRetry(action.Attempt))

	rm.mu.Lock()
	rm.pending[next.ID] = &pendingRetry{action: next, due: due}
	rm.mu.Unlock()

	rm.logger.Info("Action scheduled for retry",
		zap.String("action_id", action.ID),
		zap.String("retry_id", next.ID),
		zap.Int("attempt", next.Attempt),
		zap.Time("due", due))

	return true
}

// Pending returns the number of retries waiting to be submitted
func (rm *RetryManager) Pending() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.pending)
}

func (rm *RetryManager) retryLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			rm.processRetries(ctx)
		}
	}
}

// processRetries submits every retry whose backoff has elapsed
func (rm *RetryManager) processRetries(ctx context.Context) {
	now := rm.now()

	var due []*model.AgentAction
	rm.mu.Lock()
	for id, p := range rm.pending {
		if !now.Before(p.due) {
			due = append(due, p.action)
			delete(rm.pending, id)
		}
	}
	rm.mu.Unlock()

	for _, action := range due {
		if err := rm.submitter.ExecuteAction(ctx, action); err != nil {
			rm.logger.Error("Failed to submit retry action",
				zap.String("action_id", action.ID),
				zap.String("agent_id", action.AgentID),
				zap.Error(err))
			continue
		}
		rm.logger.Info("Action retry submitted",
			zap.String("action_id", action.ID),
			zap.Int("attempt", action.Attempt))
	}
}
