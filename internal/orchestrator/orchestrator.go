package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/executor"
	"github.com/t77yq/agentspace/internal/messaging"
	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
	"github.com/t77yq/agentspace/internal/scheduler"
	"github.com/t77yq/agentspace/internal/state"
	"github.com/t77yq/agentspace/internal/storage"
)

const (
	defaultCommandBuffer = 64
	faultTimeout         = 30 * time.Second
)

// Store is the durable table of agents and schedule rules
type Store interface {
	UpsertAgent(ctx context.Context, agent *model.Agent) error
	ListAgents(ctx context.Context, filter storage.AgentFilter) ([]*model.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	SaveRule(ctx context.Context, rule *model.ScheduleRule) error
	DeleteRule(ctx context.Context, id string) error
	MarkRuleTriggered(ctx context.Context, id string, at time.Time) error
	ListRules(ctx context.Context) ([]*model.ScheduleRule, error)
}

// Options configures the orchestrator
type Options struct {
	// AutoRetry resubmits retryable failures with backoff while the
	// attempt count is below the agent's retry_attempts
	AutoRetry     bool
	RetryStrategy scheduler.RetryStrategy

	QueueSize     int
	CommandBuffer int
	Scheduler     scheduler.Options
}

// Status summarizes the agent table
type Status struct {
	Total            int           `json:"total"`
	Running          int           `json:"running"`
	Paused           int           `json:"paused"`
	Errored          int           `json:"errored"`
	Ready            int           `json:"ready"`
	Stopped          int           `json:"stopped"`
	ActionsProcessed uint64        `json:"total_actions_processed"`
	Uptime           time.Duration `json:"uptime"`
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Orchestrator owns the agents and their executors. Lifecycle commands are
// serialized through a single command loop; status queries read the agent
// table directly.
type Orchestrator struct {
	logger    *zap.Logger
	store     Store
	states    *state.Manager
	bus       *messaging.Bus
	scheduler *scheduler.Scheduler
	retries   *scheduler.RetryManager
	tools     executor.Toolkit
	metrics   *metrics.Metrics
	opts      Options

	mu     sync.RWMutex
	agents map[string]*model.Agent

	execMu    sync.RWMutex
	executors map[string]*executor.Executor
	pumps     map[string]context.CancelFunc

	// serializes Start and Stop
	runMu   sync.Mutex
	running bool

	cmdMu     sync.RWMutex
	accepting bool
	commands  chan command
	loopStop  chan struct{}
	loopDone  chan struct{}

	startedAt atomic.Int64
	stopping  atomic.Bool
	processed atomic.Uint64
}

// New wires the orchestrator to its components. The toolkit's task
// scheduler is replaced by the orchestrator itself.
func New(store Store, states *state.Manager, bus *messaging.Bus, tools executor.Toolkit,
	opts Options, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if opts.CommandBuffer <= 0 {
		opts.CommandBuffer = defaultCommandBuffer
	}
	if opts.RetryStrategy == nil {
		opts.RetryStrategy = &scheduler.ExponentialBackoff{
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Multiplier:   2,
		}
	}
	if m == nil {
		m = metrics.New(nil)
	}

	o := &Orchestrator{
		logger:    logger.Named("orchestrator"),
		store:     store,
		states:    states,
		bus:       bus,
		metrics:   m,
		opts:      opts,
		agents:    make(map[string]*model.Agent),
		executors: make(map[string]*executor.Executor),
		pumps:     make(map[string]context.CancelFunc),
	}
	o.scheduler = scheduler.NewScheduler(scheduler.DispatcherFunc(o.DispatchScheduled), opts.Scheduler, m, logger)
	o.retries = scheduler.NewRetryManager(o, opts.RetryStrategy, logger)

	tools.Tasks = o
	o.tools = tools

	return o
}

// Scheduler exposes the rule scheduler for inspection
func (o *Orchestrator) Scheduler() *scheduler.Scheduler {
	return o.scheduler
}

// Start starts the bus and the command loop, recovers persisted agents and
// rules, and starts the scheduler
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.running {
		return nil
	}

	o.bus.Start()
	o.stopping.Store(false)

	if err := o.recoverAgents(ctx); err != nil {
		o.bus.Stop()
		return fmt.Errorf("failed to recover agents: %w", err)
	}

	o.cmdMu.Lock()
	o.commands = make(chan command, o.opts.CommandBuffer)
	o.loopStop = make(chan struct{})
	o.loopDone = make(chan struct{})
	o.accepting = true
	go o.loop(o.commands, o.loopStop, o.loopDone)
	o.cmdMu.Unlock()

	o.scheduler.Start(ctx)
	if o.opts.AutoRetry {
		o.retries.Start(ctx)
	}

	o.startedAt.Store(time.Now().UnixNano())
	o.running = true
	o.refreshGauges()

	o.logger.Info("Orchestrator started",
		zap.Int("agents", o.Status().Total),
		zap.Bool("auto_retry", o.opts.AutoRetry))
	return nil
}

// Stop stops every executor, then the scheduler, then the bus, and finally
// persists and checkpoints every agent. Scheduled fires racing the shutdown
// are rejected once stopping begins.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if !o.running {
		return nil
	}
	o.stopping.Store(true)
	o.running = false

	o.cmdMu.Lock()
	o.accepting = false
	o.cmdMu.Unlock()
	close(o.loopStop)
	<-o.loopDone

	if o.opts.AutoRetry {
		o.retries.Stop()
	}

	o.execMu.RLock()
	executors := make([]*executor.Executor, 0, len(o.executors))
	for _, exec := range o.executors {
		executors = append(executors, exec)
	}
	o.execMu.RUnlock()
	for _, exec := range executors {
		exec.Stop()
	}

	o.scheduler.Stop()

	o.execMu.Lock()
	for id, cancel := range o.pumps {
		cancel()
		delete(o.pumps, id)
	}
	o.execMu.Unlock()
	o.bus.Stop()

	var errs []error
	for _, agent := range o.Agents() {
		if err := o.store.UpsertAgent(ctx, agent); err != nil {
			errs = append(errs, fmt.Errorf("failed to save agent %s: %w", agent.ID, err))
			continue
		}
		if _, err := o.states.CreateCheckpoint(ctx, agent.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to checkpoint agent %s: %w", agent.ID, err))
		}
	}

	o.startedAt.Store(0)
	o.logger.Info("Orchestrator stopped",
		zap.Uint64("actions_processed", o.processed.Load()),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// IsRunning reports whether commands are accepted
func (o *Orchestrator) IsRunning() bool {
	o.cmdMu.RLock()
	defer o.cmdMu.RUnlock()
	return o.accepting
}

// Status counts agents by lifecycle status
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := Status{
		Total:            len(o.agents),
		ActionsProcessed: o.processed.Load(),
	}
	for _, agent := range o.agents {
		switch agent.Status.Kind {
		case model.StatusRunning:
			st.Running++
		case model.StatusPaused:
			st.Paused++
		case model.StatusError:
			st.Errored++
		case model.StatusReady:
			st.Ready++
		case model.StatusStopped:
			st.Stopped++
		}
	}

	if started := o.startedAt.Load(); started != 0 {
		st.Uptime = time.Since(time.Unix(0, started))
	}
	return st
}

// Agent returns a copy of the agent
func (o *Orchestrator) Agent(id string) (*model.Agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	agent, ok := o.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, model.ErrNotRegistered)
	}
	return agent.Clone(), nil
}

// Agents returns copies of all agents, oldest first
func (o *Orchestrator) Agents() []*model.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*model.Agent, 0, len(o.agents))
	for _, agent := range o.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveActions returns the in-flight actions of an agent
func (o *Orchestrator) ActiveActions(agentID string) ([]model.ExecutionContext, error) {
	exec, ok := o.executor(agentID)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, model.ErrNotRegistered)
	}
	return exec.ActiveActions(), nil
}

// do runs fn on the command loop and waits for its result
func (o *Orchestrator) do(ctx context.Context, name string, fn func() error) error {
	cmd := command{name: name, fn: fn, reply: make(chan error, 1)}

	o.cmdMu.RLock()
	if !o.accepting {
		o.cmdMu.RUnlock()
		return fmt.Errorf("orchestrator: %w", model.ErrNotRunning)
	}
	select {
	case o.commands <- cmd:
		o.cmdMu.RUnlock()
	case <-ctx.Done():
		o.cmdMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) loop(commands <-chan command, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			// nothing can be enqueued once accepting is cleared
			for {
				select {
				case cmd := <-commands:
					cmd.reply <- fmt.Errorf("orchestrator: %w", model.ErrNotRunning)
				default:
					return
				}
			}
		case cmd := <-commands:
			err := cmd.fn()
			if err != nil {
				o.logger.Debug("Command failed",
					zap.String("command", cmd.name),
					zap.Error(err))
			}
			cmd.reply <- err
			o.refreshGauges()
		}
	}
}

func (o *Orchestrator) executor(agentID string) (*executor.Executor, bool) {
	o.execMu.RLock()
	defer o.execMu.RUnlock()
	exec, ok := o.executors[agentID]
	return exec, ok
}

func (o *Orchestrator) refreshGauges() {
	st := o.Status()
	o.metrics.AgentsByStatus.WithLabelValues(string(model.StatusRunning)).Set(float64(st.Running))
	o.metrics.AgentsByStatus.WithLabelValues(string(model.StatusPaused)).Set(float64(st.Paused))
	o.metrics.AgentsByStatus.WithLabelValues(string(model.StatusError)).Set(float64(st.Errored))
	o.metrics.AgentsByStatus.WithLabelValues(string(model.StatusReady)).Set(float64(st.Ready))
	o.metrics.AgentsByStatus.WithLabelValues(string(model.StatusStopped)).Set(float64(st.Stopped))
}
