package messaging

import (
	"context"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"go.uber.org/zap"
)

// MessageLogSubscriber is the subscriber name the message log registers under
const MessageLogSubscriber = "message-log"

// MessageLog writes every event and sent command to the log
type MessageLog struct {
	log *logger.Logger
}

// NewMessageLog creates a message log
func NewMessageLog(log *logger.Logger) *MessageLog {
	if log == nil {
		log = logger.Get()
	}
	return &MessageLog{log: log.Named("message-log")}
}

// Register subscribes the log to every event type
func (l *MessageLog) Register(r *Registry) error {
	return r.Subscribe(MessageLogSubscriber, l, domain.EventTypes()...)
}

func (l *MessageLog) Handle(ctx context.Context, event domain.Event) error {
	l.log.Info("event",
		zap.String("type", event.EventType()),
		zap.String("source_id", event.AggregateID()),
		zap.Int("version", event.EventVersion()),
		zap.Any("payload", event),
	)
	return nil
}

// Commands wraps bus so that every sent command is logged
func (l *MessageLog) Commands(bus CommandBus) CommandBus {
	return &loggingCommandBus{next: bus, log: l.log}
}

type loggingCommandBus struct {
	next CommandBus
	log  *logger.Logger
}

func (b *loggingCommandBus) Send(ctx context.Context, envelopes ...Envelope) error {
	for _, env := range envelopes {
		fields := []zap.Field{
			zap.String("type", env.Command.CommandType()),
			zap.String("id", env.Command.CommandID()),
			zap.String("partition_key", env.Command.PartitionKey()),
			zap.Any("payload", env.Command),
		}
		if !env.DeliverAt.IsZero() {
			fields = append(fields, zap.Time("deliver_at", env.DeliverAt))
		}
		b.log.Info("command", fields...)
	}
	return b.next.Send(ctx, envelopes...)
}
