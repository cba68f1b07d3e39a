package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/agentspace/internal/model"
)

// ReliableOptions configures rate limiting and the circuit breaker
type ReliableOptions struct {
	RequestsPerSecond float64
	Burst             int
	// consecutive failures that open the breaker
	FailureThreshold uint32
	// how long the breaker stays open before probing
	OpenTimeout time.Duration
}

func (o *ReliableOptions) setDefaults() {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
}

// ReliableBackend guards a backend with a rate limiter and a circuit breaker.
// While the breaker is open calls fail fast with ErrBackendUnavailable.
type ReliableBackend struct {
	logger  *zap.Logger
	next    Backend
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewReliableBackend(next Backend, opts ReliableOptions, logger *zap.Logger) *ReliableBackend {
	opts.setDefaults()
	logger = logger.Named("reliable-backend")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "action-backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &ReliableBackend{
		logger:  logger,
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
	}
}

// State reports the breaker state
func (r *ReliableBackend) State() gobreaker.State {
	return r.cb.State()
}

func (r *ReliableBackend) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := r.execute(ctx, func() (interface{}, error) {
		return r.next.GenerateText(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (r *ReliableBackend) AnalyzeText(ctx context.Context, text string) (json.RawMessage, error) {
	out, err := r.execute(ctx, func() (interface{}, error) {
		return r.next.AnalyzeText(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (r *ReliableBackend) RunWorkflow(ctx context.Context, config string, input json.RawMessage) (json.RawMessage, error) {
	out, err := r.execute(ctx, func() (interface{}, error) {
		return r.next.RunWorkflow(ctx, config, input)
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

func (r *ReliableBackend) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	out, err := r.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
		}
		return nil, err
	}
	return out, nil
}
