// Package notify announces successful sends to downstream consumers
// (moderation, summarization) without putting them on the send path.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tripchat/realtime/internal/domain"
)

type Notifier interface {
	MessageSent(ctx context.Context, msg *domain.Message) error
	Close() error
}

// Envelope is the JSON value written for every sent message.
type Envelope struct {
	EventType  domain.EventType `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	Message    *domain.Message  `json:"message"`
}

func encode(msg *domain.Message, now time.Time) ([]byte, []byte, error) {
	value, err := json.Marshal(Envelope{
		EventType:  domain.EventMessageCreated,
		OccurredAt: now.UTC(),
		Message:    msg,
	})
	if err != nil {
		return nil, nil, err
	}
	return []byte(msg.ConversationID), value, nil
}

// Kafka writes envelopes keyed by conversation id, so one conversation's
// events stay on one partition.
type Kafka struct {
	w     *kafka.Writer
	topic string
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		w: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.Hash{},
		},
		topic: topic,
	}
}

func (k *Kafka) MessageSent(ctx context.Context, msg *domain.Message) error {
	key, value, err := encode(msg, time.Now())
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Topic: k.topic,
		Key:   key,
		Value: value,
	})
}

// Close flushes and closes the underlying writer.
func (k *Kafka) Close() error { return k.w.Close() }

type Noop struct{}

func (Noop) MessageSent(context.Context, *domain.Message) error { return nil }
func (Noop) Close() error                                       { return nil }

// New returns a Kafka notifier, or Noop when no brokers are configured.
func New(brokers []string, topic string) Notifier {
	if len(brokers) == 0 {
		return Noop{}
	}
	return NewKafka(brokers, topic)
}
