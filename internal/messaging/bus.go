package messaging

import (
	"context"

	"github.com/prohmpiriya/conference-registration/internal/domain"
)

// CommandHandler executes one command
type CommandHandler interface {
	Handle(ctx context.Context, cmd domain.Command) error
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, cmd domain.Command) error

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd domain.Command) error {
	return f(ctx, cmd)
}

// EventHandler reacts to one event. Read-model projectors implement this too.
type EventHandler interface {
	Handle(ctx context.Context, event domain.Event) error
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event domain.Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event domain.Event) error {
	return f(ctx, event)
}

// CommandBus sends commands to their single handler, at least once
type CommandBus interface {
	Send(ctx context.Context, envelopes ...Envelope) error
}

// EventBus broadcasts events to every subscriber, at least once
type EventBus interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// Scheduler parks commands until their DeliverAt
type Scheduler interface {
	Schedule(ctx context.Context, envelopes ...Envelope) error
}

// SendCommands wraps each command in an immediate envelope and sends them
func SendCommands(ctx context.Context, bus CommandBus, cmds ...domain.Command) error {
	envelopes := make([]Envelope, len(cmds))
	for i, c := range cmds {
		envelopes[i] = NewEnvelope(c)
	}
	return bus.Send(ctx, envelopes...)
}
