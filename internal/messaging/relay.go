package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentspace/internal/model"
)

const (
	DefaultStreamName = "AGENT_MESSAGES"
	subjectPrefix     = "agentspace.message"

	streamMaxAge  = 24 * time.Hour
	streamMaxMsgs = 100000
)

// NATSRelay mirrors bus messages into a JetStream stream so other
// processes can observe agent traffic.
type NATSRelay struct {
	js     nats.JetStreamContext
	stream string
	logger *zap.Logger
}

// NewNATSRelay creates the stream if it does not exist yet
func NewNATSRelay(js nats.JetStreamContext, stream string, logger *zap.Logger) (*NATSRelay, error) {
	if stream == "" {
		stream = DefaultStreamName
	}
	r := &NATSRelay{
		js:     js,
		stream: stream,
		logger: logger.Named("nats-relay"),
	}
	if err := r.setup(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *NATSRelay) setup() error {
	_, err := r.js.StreamInfo(r.stream)
	if err == nil {
		r.logger.Info("Using existing message stream", zap.String("name", r.stream))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:     r.stream,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
		Discard:  nats.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", r.stream, err)
	}
	r.logger.Info("Created message stream", zap.String("name", r.stream))
	return nil
}

// Subject returns the subject a message kind is published on
func Subject(kind model.MessageKind) string {
	return subjectPrefix + "." + string(kind)
}

// Publish implements Relay
func (r *NATSRelay) Publish(msg model.InterAgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := r.js.Publish(Subject(msg.Type.Kind), data, nats.MsgId(msg.ID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe delivers relayed messages of the given kinds (all kinds when
// none are given) to handler until ctx is done.
func (r *NATSRelay) Subscribe(ctx context.Context, handler func(model.InterAgentMessage), kinds ...model.MessageKind) error {
	subjects := []string{subjectPrefix + ".>"}
	if len(kinds) > 0 {
		subjects = subjects[:0]
		for _, k := range kinds {
			subjects = append(subjects, Subject(k))
		}
	}

	var subs []*nats.Subscription
	for _, subject := range subjects {
		sub, err := r.js.Subscribe(subject, func(m *nats.Msg) {
			var msg model.InterAgentMessage
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				r.logger.Error("Failed to unmarshal relayed message", zap.Error(err))
				return
			}
			handler(msg)
			if err := m.Ack(); err != nil {
				r.logger.Debug("Failed to ack relayed message", zap.Error(err))
			}
		}, nats.DeliverNew())
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	return nil
}
