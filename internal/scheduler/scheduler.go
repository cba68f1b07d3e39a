package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
)

const DefaultTickInterval = time.Second

// Dispatcher hands a fired rule's action to the owning agent
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, rule *model.ScheduleRule, action *model.AgentAction) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(ctx context.Context, rule *model.ScheduleRule, action *model.AgentAction) error

func (f DispatcherFunc) DispatchScheduled(ctx context.Context, rule *model.ScheduleRule, action *model.AgentAction) error {
	return f(ctx, rule, action)
}

// Options configures the scheduler
type Options struct {
	TickInterval time.Duration
	Now          func() time.Time
}

// Statistics summarizes the rule table
type Statistics struct {
	TotalRules   int            `json:"total_rules"`
	ActiveRules  int            `json:"active_rules"`
	DormantRules int            `json:"dormant_rules"`
	ByKind       map[string]int `json:"by_kind"`
	TotalFires   uint64         `json:"total_fires"`
}

// Scheduler owns schedule rules and fires them from a tick loop
type Scheduler struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	interval   time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	rules map[string]*model.ScheduleRule
	fires uint64

	runMu   sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a scheduler that fires into dispatcher
func NewScheduler(dispatcher Dispatcher, opts Options, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Scheduler{
		logger:     logger.Named("scheduler"),
		dispatcher: dispatcher,
		metrics:    m,
		interval:   opts.TickInterval,
		now:        opts.Now,
		rules:      make(map[string]*model.ScheduleRule),
	}
}

// Start launches the tick loop
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)

	s.logger.Info("Scheduler started", zap.Duration("tick_interval", s.interval))
}

// Stop halts the tick loop and waits for an in-progress tick to finish
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.done

	s.logger.Info("Scheduler stopped")
}

// IsRunning reports whether the tick loop is active
func (s *Scheduler) IsRunning() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// AddRule validates the rule and computes its first trigger
func (s *Scheduler) AddRule(rule *model.ScheduleRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	rule = rule.Clone()
	if rule.Active {
		next, err := NextTrigger(rule.Schedule, s.now())
		if err != nil {
			return err
		}
		rule.NextTrigger = next
	} else {
		// inactive rules still reject malformed schedules up front
		if _, err := NextTrigger(rule.Schedule, s.now()); err != nil {
			return err
		}
		rule.NextTrigger = nil
	}

	s.mu.Lock()
	s.rules[rule.ID] = rule
	s.mu.Unlock()

	s.logger.Info("Added schedule rule",
		zap.String("rule_id", rule.ID),
		zap.String("agent_id", rule.AgentID),
		zap.String("name", rule.Name),
		zap.Stringer("schedule", rule.Schedule),
		zap.Timep("next_trigger", rule.NextTrigger))

	return nil
}

// UpdateRule replaces an existing rule and recomputes its next trigger
func (s *Scheduler) UpdateRule(rule *model.ScheduleRule) error {
	s.mu.RLock()
	_, ok := s.rules[rule.ID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schedule rule %s: %w", rule.ID, model.ErrNotFound)
	}
	return s.AddRule(rule)
}

// RemoveRule deletes a rule
func (s *Scheduler) RemoveRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("schedule rule %s: %w", id, model.ErrNotFound)
	}
	delete(s.rules, id)

	s.logger.Info("Removed schedule rule", zap.String("rule_id", id))
	return nil
}

// RemoveRulesFor deletes every rule of an agent and returns how many were removed
func (s *Scheduler) RemoveRulesFor(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rule := range s.rules {
		if rule.AgentID == agentID {
			delete(s.rules, id)
			removed++
		}
	}
	return removed
}

// SetActive enables or disables a rule. Enabling recomputes the next trigger.
func (s *Scheduler) SetActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("schedule rule %s: %w", id, model.ErrNotFound)
	}

	rule.Active = active
	if !active {
		rule.NextTrigger = nil
		return nil
	}

	next, err := NextTrigger(rule.Schedule, s.now())
	if err != nil {
		return err
	}
	rule.NextTrigger = next
	return nil
}

// Rule returns a copy of one rule
func (s *Scheduler) Rule(id string) (*model.ScheduleRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("schedule rule %s: %w", id, model.ErrNotFound)
	}
	return rule.Clone(), nil
}

// RulesFor returns copies of an agent's rules, oldest first
func (s *Scheduler) RulesFor(agentID string) []*model.ScheduleRule {
	return s.collect(func(r *model.ScheduleRule) bool { return r.AgentID == agentID })
}

// ActiveRules returns copies of every active rule, oldest first
func (s *Scheduler) ActiveRules() []*model.ScheduleRule {
	return s.collect(func(r *model.ScheduleRule) bool { return r.Active })
}

// Statistics summarizes the rule table
func (s *Scheduler) Statistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Statistics{
		TotalRules: len(s.rules),
		ByKind:     make(map[string]int),
		TotalFires: s.fires,
	}
	for _, rule := range s.rules {
		stats.ByKind[string(rule.Schedule.Kind)]++
		if !rule.Active {
			continue
		}
		stats.ActiveRules++
		if rule.NextTrigger == nil {
			stats.DormantRules++
		}
	}
	return stats
}

func (s *Scheduler) collect(match func(*model.ScheduleRule) bool) []*model.ScheduleRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rules []*model.ScheduleRule
	for _, rule := range s.rules {
		if match(rule) {
			rules = append(rules, rule.Clone())
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

type firing struct {
	rule   *model.ScheduleRule
	action *model.AgentAction
}

// Tick fires every active rule due at now. Each rule fires at most once and
// its next trigger is recomputed from now, so it strictly advances.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	now = now.UTC()

	var due []firing
	s.mu.Lock()
	for _, rule := range s.rules {
		if !rule.Active || rule.NextTrigger == nil || rule.NextTrigger.After(now) {
			continue
		}

		fired := now
		rule.LastTriggered = &fired

		next, err := NextTrigger(rule.Schedule, now)
		if err != nil {
			s.logger.Error("Failed to compute next trigger, rule disabled",
				zap.String("rule_id", rule.ID),
				zap.Stringer("schedule", rule.Schedule),
				zap.Error(err))
			s.metrics.ScheduleErrors.WithLabelValues("next_trigger").Inc()
			next = nil
		}
		rule.NextTrigger = next
		s.fires++

		due = append(due, firing{
			rule:   rule.Clone(),
			action: rule.Action.Instantiate(rule.AgentID),
		})
	}
	s.mu.Unlock()

	for _, f := range due {
		s.metrics.ScheduleFires.WithLabelValues(string(f.rule.Schedule.Kind)).Inc()

		if err := s.dispatcher.DispatchScheduled(ctx, f.rule, f.action); err != nil {
			s.logger.Error("Failed to dispatch scheduled action",
				zap.String("rule_id", f.rule.ID),
				zap.String("agent_id", f.rule.AgentID),
				zap.String("action_id", f.action.ID),
				zap.Error(err))
			s.metrics.ScheduleErrors.WithLabelValues("dispatch").Inc()
			continue
		}

		s.logger.Debug("Fired schedule rule",
			zap.String("rule_id", f.rule.ID),
			zap.String("action_id", f.action.ID),
			zap.Timep("next_trigger", f.rule.NextTrigger))
	}

	return len(due)
}

func validateRule(rule *model.ScheduleRule) error {
	if rule.ID == "" {
		return fmt.Errorf("%w: schedule rule requires an id", model.ErrValidation)
	}
	if rule.AgentID == "" {
		return fmt.Errorf("%w: schedule rule requires an agent id", model.ErrValidation)
	}
	if err := rule.Action.Type.Validate(); err != nil {
		return err
	}
	return nil
}
