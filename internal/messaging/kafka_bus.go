package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/metrics"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Record headers
const (
	HeaderMessageType   = "message_type"
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderContentType   = "content_type"
)

// Producer is the subset of kafka.Producer the buses need
type Producer interface {
	ProduceBatch(ctx context.Context, msgs []*kafka.Message) error
}

// KafkaCommandBus produces commands keyed by their partition key. Commands
// that are not yet due are handed to the scheduler instead.
type KafkaCommandBus struct {
	producer  Producer
	topic     string
	scheduler Scheduler
}

// NewKafkaCommandBus creates a command bus; scheduler may be nil if no
// command is ever delayed
func NewKafkaCommandBus(producer Producer, topic string, scheduler Scheduler) *KafkaCommandBus {
	if topic == "" {
		topic = DefaultCommandTopic
	}
	return &KafkaCommandBus{producer: producer, topic: topic, scheduler: scheduler}
}

func (b *KafkaCommandBus) Send(ctx context.Context, envelopes ...Envelope) error {
	now := time.Now()
	var (
		immediate []*kafka.Message
		delayed   []Envelope
	)

	for _, env := range envelopes {
		if env.Command == nil {
			return fmt.Errorf("envelope has no command")
		}
		if !env.IsDue(now) {
			delayed = append(delayed, env)
			continue
		}

		value, err := json.Marshal(env)
		if err != nil {
			return err
		}
		headers := map[string]string{
			HeaderMessageType: env.Command.CommandType(),
			HeaderMessageID:   env.Command.CommandID(),
			HeaderContentType: "application/json",
		}
		if env.CorrelationID != "" {
			headers[HeaderCorrelationID] = env.CorrelationID
		}
		telemetry.InjectHeaders(ctx, headers)

		immediate = append(immediate, &kafka.Message{
			Topic:     b.topic,
			Key:       []byte(env.Command.PartitionKey()),
			Value:     value,
			Headers:   headers,
			Timestamp: now,
		})
	}

	if len(delayed) > 0 {
		if b.scheduler == nil {
			return fmt.Errorf("cannot send %d delayed commands: no scheduler configured", len(delayed))
		}
		if err := b.scheduler.Schedule(ctx, delayed...); err != nil {
			return err
		}
		metrics.Get().CommandsScheduled.Add(ctx, int64(len(delayed)))
	}

	if len(immediate) == 0 {
		return nil
	}

	ctx, span := telemetry.StartProducerSpan(ctx, "send commands",
		attribute.String("messaging.destination.name", b.topic),
		attribute.Int("messaging.batch.message_count", len(immediate)),
	)
	err := b.producer.ProduceBatch(ctx, immediate)
	telemetry.EndSpan(span, err)
	return err
}

// KafkaEventBus produces events keyed by their source aggregate id
type KafkaEventBus struct {
	producer Producer
	topic    string
}

// NewKafkaEventBus creates an event bus
func NewKafkaEventBus(producer Producer, topic string) *KafkaEventBus {
	if topic == "" {
		topic = DefaultEventTopic
	}
	return &KafkaEventBus{producer: producer, topic: topic}
}

func (b *KafkaEventBus) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now()
	msgs := make([]*kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", e.EventType(), err)
		}
		headers := map[string]string{
			HeaderMessageType: e.EventType(),
			HeaderMessageID:   e.EventID(),
			HeaderContentType: "application/json",
		}
		telemetry.InjectHeaders(ctx, headers)

		msgs = append(msgs, &kafka.Message{
			Topic:     b.topic,
			Key:       []byte(e.AggregateID()),
			Value:     value,
			Headers:   headers,
			Timestamp: now,
		})
	}

	ctx, span := telemetry.StartProducerSpan(ctx, "publish events",
		attribute.String("messaging.destination.name", b.topic),
		attribute.Int("messaging.batch.message_count", len(msgs)),
	)
	err := b.producer.ProduceBatch(ctx, msgs)
	telemetry.EndSpan(span, err)
	return err
}
