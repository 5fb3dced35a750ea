package messaging

import (
	"context"
	"testing"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nopCommand = CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error { return nil })
var nopEvent = EventHandlerFunc(func(ctx context.Context, e domain.Event) error { return nil })

func TestRegistry_OneHandlerPerCommand(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.HandleCommands(nopCommand, domain.CommandAddSeats, domain.CommandRemoveSeats))

	err := r.HandleCommands(nopCommand, domain.CommandConfirmOrder, domain.CommandAddSeats)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.CommandAddSeats)

	// A rejected registration is all or nothing
	_, ok := r.CommandHandler(domain.CommandConfirmOrder)
	assert.False(t, ok)
}

func TestRegistry_Subscribers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Subscribe("saga", nopEvent, domain.EventOrderPlaced, domain.EventSeatsReserved))
	require.NoError(t, r.Subscribe("projector", nopEvent, domain.EventOrderPlaced))

	assert.Error(t, r.Subscribe("saga", nopEvent, domain.EventOrderPlaced))
	assert.Error(t, r.Subscribe("", nopEvent, domain.EventOrderPlaced))

	subs := r.Subscribers(domain.EventOrderPlaced)
	require.Len(t, subs, 2)
	assert.Equal(t, "saga", subs[0].Name)
	assert.Equal(t, "projector", subs[1].Name)

	assert.Equal(t, []string{"projector", "saga"}, r.SubscriberNames())
	assert.Empty(t, r.Subscribers(domain.EventOrderRejected))
}

func TestRegistry_Verify(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.HandleCommands(nopCommand, domain.CommandTypes()...))
		require.NoError(t, r.Subscribe("all", nopEvent, domain.EventTypes()...))

		assert.NoError(t, r.Verify(domain.CommandTypes(), domain.EventTypes()))
	})

	t.Run("missing and unknown", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.HandleCommands(nopCommand, domain.CommandAddSeats, "Bogus"))
		require.NoError(t, r.Subscribe("saga", nopEvent, domain.EventOrderPlaced))

		err := r.Verify(
			[]string{domain.CommandAddSeats, domain.CommandRemoveSeats},
			[]string{domain.EventOrderPlaced, domain.EventSeatsReserved},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no handler for command RemoveSeats")
		assert.Contains(t, err.Error(), "handler registered for unknown command Bogus")
		assert.Contains(t, err.Error(), "no subscriber for event SeatsReserved")
	})
}
