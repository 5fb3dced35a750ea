package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/metrics"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Default topic names, also used as DLQ origins by the in-process transport
const (
	DefaultCommandTopic = "registration.commands"
	DefaultEventTopic   = "registration.events"
)

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	// Retrier is the retry policy applied to every handler invocation
	Retrier *retry.Retrier
	// DLQ receives messages that failed permanently or exhausted retries
	DLQ retry.DLQPublisher
	// Dedup skips messages already handled; nil disables deduplication
	Dedup        Deduplicator
	CommandTopic string
	EventTopic   string
	ServiceName  string
}

// Dispatcher runs a message through the handling pipeline shared by all
// transports: dedup, tracing, retries, dead-lettering, then marking it processed.
type Dispatcher struct {
	registry *Registry
	dlq      *retry.DLQHandler
	dlqPub   retry.DLQPublisher
	dedup    Deduplicator
	config   DispatcherConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates a dispatcher over the handlers in registry
func NewDispatcher(registry *Registry, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.Retrier == nil {
		cfg.Retrier = retry.New(nil)
	}
	if cfg.DLQ == nil {
		cfg.DLQ = retry.NewNoOpDLQPublisher()
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NoopDeduplicator{}
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = DefaultCommandTopic
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = DefaultEventTopic
	}
	if log == nil {
		log = logger.Get()
	}

	return &Dispatcher{
		registry: registry,
		dlq: retry.NewDLQHandler(cfg.DLQ, &retry.DLQHandlerConfig{
			Retrier: cfg.Retrier,
			Source:  cfg.ServiceName,
		}),
		dlqPub:  cfg.DLQ,
		dedup:   cfg.Dedup,
		config:  cfg,
		log:     log.Named("dispatcher"),
		metrics: metrics.Get(),
	}
}

// Registry returns the registry the dispatcher routes through
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

type message struct {
	id           string
	dedupKey     string
	messageType  string
	topic        string
	partitionKey string
	handler      string
	payload      json.RawMessage
	headers      map[string]string
}

// DispatchCommand hands a command to its registered handler
func (d *Dispatcher) DispatchCommand(ctx context.Context, env Envelope) error {
	cmd := env.Command
	m := message{
		id:           cmd.CommandID(),
		dedupKey:     "command:" + cmd.CommandID(),
		messageType:  cmd.CommandType(),
		topic:        d.config.CommandTopic,
		partitionKey: cmd.PartitionKey(),
		handler:      "command",
		payload:      mustJSON(env),
	}
	if env.CorrelationID != "" {
		m.headers = map[string]string{"correlation_id": env.CorrelationID}
	}

	handler, ok := d.registry.CommandHandler(cmd.CommandType())
	if !ok {
		return d.process(ctx, m, func(ctx context.Context) error {
			return fmt.Errorf("%w: no handler for command %s", domain.ErrUnknownMessage, cmd.CommandType())
		})
	}

	return d.process(ctx, m, func(ctx context.Context) error {
		return handler.Handle(ctx, cmd)
	})
}

// DispatchEvent hands an event to one subscriber. Events the subscriber did
// not subscribe to are ignored.
func (d *Dispatcher) DispatchEvent(ctx context.Context, subscriber string, event domain.Event) error {
	var handler EventHandler
	for _, s := range d.registry.Subscribers(event.EventType()) {
		if s.Name == subscriber {
			handler = s.Handler
			break
		}
	}
	if handler == nil {
		return nil
	}

	m := message{
		id:           event.EventID(),
		dedupKey:     "event:" + subscriber + ":" + event.EventID(),
		messageType:  event.EventType(),
		topic:        d.config.EventTopic,
		partitionKey: event.AggregateID(),
		handler:      subscriber,
		payload:      mustJSON(event),
	}

	return d.process(ctx, m, func(ctx context.Context) error {
		return handler.Handle(ctx, event)
	})
}

// process returns nil once the message is handled or dead-lettered. A non-nil
// error means the message must be redelivered.
func (d *Dispatcher) process(ctx context.Context, m message, op retry.Operation) error {
	log := d.log.With(
		zap.String("message_type", m.messageType),
		zap.String("message_id", m.id),
		zap.String("handler", m.handler),
	)

	processed, err := d.dedup.IsProcessed(ctx, m.dedupKey)
	if err != nil {
		log.Warn("Dedup check failed, handling anyway", zap.Error(err))
	} else if processed {
		log.Debug("Skipping already processed message")
		d.metrics.MessagesDuplicate.Add(ctx, 1, attribute.String("message.type", m.messageType))
		return nil
	}

	ctx, span := telemetry.StartConsumerSpan(ctx, "handle "+m.messageType,
		attribute.String("messaging.message.id", m.id),
		attribute.String("messaging.destination.name", m.topic),
		attribute.String("messaging.consumer.handler", m.handler),
		attribute.String("messaging.partition_key", m.partitionKey),
	)
	started := time.Now()

	err = d.dlq.ProcessWithDLQ(ctx, &retry.MessageContext{
		ID:          m.id,
		Topic:       m.topic,
		MessageType: m.messageType,
		Key:         m.partitionKey,
		Payload:     m.payload,
		Headers:     m.headers,
		Metadata:    map[string]interface{}{"handler": m.handler},
	}, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && domain.IsPermanent(err) {
			return retry.Permanent(err)
		}
		return err
	})

	var dead *retry.DeadLetteredError
	deadLettered := errors.As(err, &dead)
	telemetry.EndSpan(span, err)

	if err != nil && !deadLettered {
		log.Error("Message handling interrupted", zap.Error(err))
		return err
	}
	if deadLettered {
		log.Error("Message moved to dead letter queue", zap.Error(dead.Err))
	}

	d.metrics.ObserveHandler(ctx, m.messageType, started, deadLettered)

	if err := d.dedup.MarkProcessed(ctx, m.dedupKey); err != nil {
		log.Warn("Failed to mark message processed", zap.Error(err))
	}
	return nil
}

// DeadLetter parks a message that could not even be decoded
func (d *Dispatcher) DeadLetter(ctx context.Context, topic, key string, payload []byte, headers map[string]string, cause error) error {
	now := time.Now()
	msg := &retry.DLQMessage{
		OriginalTopic:  topic,
		OriginalKey:    key,
		Payload:        rawOrString(payload),
		Headers:        headers,
		Error:          cause.Error(),
		Attempts:       1,
		FirstAttemptAt: now,
		LastAttemptAt:  now,
	}
	if err := d.dlqPub.PublishToDLQ(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w (original error: %v)", err, cause)
	}
	d.log.Error("Undecodable message moved to dead letter queue",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Error(cause),
	)
	return nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return rawOrString([]byte(fmt.Sprintf("%+v", v)))
	}
	return data
}

// rawOrString keeps valid JSON as-is and quotes anything else
func rawOrString(data []byte) json.RawMessage {
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
