package messaging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/metrics"
	"github.com/t77yq/agentspace/internal/model"
)

const (
	DefaultMaxHistory       = 1000
	DefaultInboxSize        = 100
	DefaultSubscriberBuffer = 1000
)

// Options configures the bus
type Options struct {
	MaxHistory       int
	InboxSize        int
	SubscriberBuffer int
}

func (o *Options) setDefaults() {
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = DefaultSubscriberBuffer
	}
}

// Relay mirrors bus traffic to an external transport
type Relay interface {
	Publish(msg model.InterAgentMessage) error
}

// Statistics summarizes the retained history
type Statistics struct {
	TotalMessages    int            `json:"total_messages"`
	RegisteredAgents int            `json:"registered_agents"`
	Subscribers      int            `json:"subscribers"`
	ByType           map[string]int `json:"by_type"`
	BySender         map[string]int `json:"by_sender"`
}

// Subscription receives every broadcast sent after it was created
type Subscription struct {
	C <-chan model.InterAgentMessage

	id  uint64
	ch  chan model.InterAgentMessage
	bus *Bus
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if _, ok := s.bus.subscribers[s.id]; ok {
		delete(s.bus.subscribers, s.id)
		close(s.ch)
	}
}

// Bus routes messages to agent inboxes and broadcast subscribers and keeps
// a bounded history of everything sent.
type Bus struct {
	logger  *zap.Logger
	opts    Options
	metrics *metrics.Metrics
	relay   Relay

	mu          sync.RWMutex
	running     bool
	inboxes     map[string]chan model.InterAgentMessage
	subscribers map[uint64]*Subscription
	nextSubID   uint64
	history     []model.InterAgentMessage
}

// NewBus creates a stopped bus. relay may be nil.
func NewBus(opts Options, relay Relay, m *metrics.Metrics, logger *zap.Logger) *Bus {
	opts.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Bus{
		logger:      logger.Named("message-bus"),
		opts:        opts,
		metrics:     m,
		relay:       relay,
		inboxes:     make(map[string]chan model.InterAgentMessage),
		subscribers: make(map[uint64]*Subscription),
	}
}

// Start allows registration and sending
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.running = true
	b.logger.Info("Message bus started")
}

// Stop closes every inbox and subscription. History is kept.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false

	for id, ch := range b.inboxes {
		close(ch)
		delete(b.inboxes, id)
	}
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.logger.Info("Message bus stopped")
}

// IsRunning reports whether the bus accepts messages
func (b *Bus) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Register creates the inbox for agentID. Registering an agent twice
// replaces its inbox and closes the old one.
func (b *Bus) Register(agentID string) (<-chan model.InterAgentMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil, fmt.Errorf("failed to register agent %s: %w", agentID, model.ErrNotRunning)
	}

	if old, ok := b.inboxes[agentID]; ok {
		close(old)
	}
	ch := make(chan model.InterAgentMessage, b.opts.InboxSize)
	b.inboxes[agentID] = ch

	b.logger.Debug("Agent registered", zap.String("agent_id", agentID))
	return ch, nil
}

// Unregister closes and removes the inbox of agentID
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.inboxes[agentID]; ok {
		close(ch)
		delete(b.inboxes, agentID)
		b.logger.Debug("Agent unregistered", zap.String("agent_id", agentID))
	}
}

// SubscribeBroadcast returns a subscription for broadcasts sent from now on
func (b *Bus) SubscribeBroadcast() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return nil, fmt.Errorf("failed to subscribe: %w", model.ErrNotRunning)
	}

	b.nextSubID++
	ch := make(chan model.InterAgentMessage, b.opts.SubscriberBuffer)
	sub := &Subscription{C: ch, id: b.nextSubID, ch: ch, bus: b}
	b.subscribers[sub.id] = sub
	return sub, nil
}

// Send records msg in history and delivers it. Direct messages fail when the
// target is unknown or its inbox is full. Broadcasts never fail; a lagging
// subscriber misses the message.
func (b *Bus) Send(msg model.InterAgentMessage) error {
	if err := b.deliver(msg); err != nil {
		return err
	}

	if b.relay != nil {
		if err := b.relay.Publish(msg); err != nil {
			b.logger.Warn("Failed to relay message",
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (b *Bus) deliver(msg model.InterAgentMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("failed to send message %s: %w", msg.ID, model.ErrNotRunning)
	}

	b.appendHistory(msg)

	if msg.IsBroadcast() {
		b.metrics.MessagesTotal.WithLabelValues(msg.Type.Key(), "broadcast").Inc()
		for _, sub := range b.subscribers {
			select {
			case sub.ch <- msg:
			default:
				b.metrics.DroppedMessages.Inc()
				b.logger.Warn("Broadcast subscriber lagging, message dropped",
					zap.Uint64("subscriber", sub.id),
					zap.String("message_id", msg.ID))
			}
		}
		return nil
	}

	ch, ok := b.inboxes[msg.To]
	if !ok {
		b.metrics.SendFailures.WithLabelValues("not_registered").Inc()
		return fmt.Errorf("failed to send message to %s: %w", msg.To, model.ErrNotRegistered)
	}

	select {
	case ch <- msg:
		b.metrics.MessagesTotal.WithLabelValues(msg.Type.Key(), "direct").Inc()
		return nil
	default:
		b.metrics.SendFailures.WithLabelValues("inbox_full").Inc()
		return fmt.Errorf("failed to send message to %s: inbox full: %w", msg.To, model.ErrSendFailed)
	}
}

// appendHistory must be called with mu held
func (b *Bus) appendHistory(msg model.InterAgentMessage) {
	if excess := len(b.history) + 1 - b.opts.MaxHistory; excess > 0 {
		b.history = append(b.history[:0:0], b.history[excess:]...)
	}
	b.history = append(b.history, msg)
}

// History returns the most recent limit messages, oldest first.
// A limit of zero or less returns everything retained.
func (b *Bus) History(limit int) []model.InterAgentMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return tail(b.history, limit)
}

// AgentHistory is History restricted to messages sent by or to agentID
func (b *Bus) AgentHistory(agentID string, limit int) []model.InterAgentMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var filtered []model.InterAgentMessage
	for _, msg := range b.history {
		if msg.From == agentID || msg.To == agentID {
			filtered = append(filtered, msg)
		}
	}
	return tail(filtered, limit)
}

// ClearHistory drops all retained messages
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Statistics returns counts over the retained history
func (b *Bus) Statistics() Statistics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Statistics{
		TotalMessages:    len(b.history),
		RegisteredAgents: len(b.inboxes),
		Subscribers:      len(b.subscribers),
		ByType:           make(map[string]int),
		BySender:         make(map[string]int),
	}
	for _, msg := range b.history {
		stats.ByType[msg.Type.Key()]++
		stats.BySender[msg.From]++
	}
	return stats
}

func tail(msgs []model.InterAgentMessage, limit int) []model.InterAgentMessage {
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]model.InterAgentMessage, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}
