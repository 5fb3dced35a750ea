package order

import (
	"context"
	"testing"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/pkg/clock"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestHandler() (*Handler, *eventsourcing.MemoryStore) {
	store := eventsourcing.NewMemoryStore()
	h := NewHandler(HandlerConfig{
		Store:       store,
		Retrier:     retry.New(&retry.Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}),
		Clock:       clock.NewFixed(now),
		AccessCodes: func() string { return "CODE42" },
	}, logger.NewNop())
	return h, store
}

func meta() domain.CommandMeta { return domain.NewCommandMeta() }

func TestHandler_Register(t *testing.T) {
	h, _ := newTestHandler()
	r := messaging.NewRegistry()
	require.NoError(t, h.Register(r))

	for _, c := range Commands {
		_, ok := r.CommandHandler(c)
		assert.True(t, ok, c)
	}
}

func TestHandler_RegisterPlacesOrder(t *testing.T) {
	ctx := context.Background()
	h, store := newTestHandler()

	require.NoError(t, h.Handle(ctx, &domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "c1", Seats: seats("general", 2)}))

	o, err := h.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, Created, o.State())
	assert.Equal(t, now.Add(DefaultReservationTTL), o.ReservationExpiration())
	assert.Equal(t, "CODE42", o.AccessCode())
	assert.Equal(t, []string{"Order-o1"}, store.StreamIDs())
}

func TestHandler_RegisterAgainUpdatesSeats(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandler()

	require.NoError(t, h.Handle(ctx, &domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "c1", Seats: seats("general", 2)}))
	require.NoError(t, h.Handle(ctx, &domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "c1", Seats: seats("vip", 1)}))

	o, err := h.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, seats("vip", 1), o.Requested())
	assert.Equal(t, 2, o.Version())

	err = h.Handle(ctx, &domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "other", Seats: seats("vip", 1)})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestHandler_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandler()

	cmds := []domain.Command{
		&domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "c1", Seats: seats("general", 2)},
		&domain.MarkSeatsAsReserved{CommandMeta: meta(), OrderID: "o1", Seats: seats("general", 1), Expiration: now.Add(10 * time.Minute)},
		&domain.AssignRegistrantDetails{CommandMeta: meta(), OrderID: "o1", Email: "ada@example.com"},
		&domain.MarkOrderAsBooked{CommandMeta: meta(), OrderID: "o1"},
		&domain.ConfirmOrder{CommandMeta: meta(), OrderID: "o1"},
	}
	for _, c := range cmds {
		require.NoError(t, h.Handle(ctx, c), c.CommandType())
	}

	o, err := h.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, Confirmed, o.State())
	assert.Equal(t, seats("general", 1), o.Reserved())
	assert.Equal(t, "ada@example.com", o.Registrant().Email)
}

func TestHandler_MissingOrderIsIgnored(t *testing.T) {
	ctx := context.Background()
	h, store := newTestHandler()

	cmds := []domain.Command{
		&domain.MarkSeatsAsReserved{CommandMeta: meta(), OrderID: "nope", Seats: seats("general", 1)},
		&domain.MarkOrderAsBooked{CommandMeta: meta(), OrderID: "nope"},
		&domain.RejectOrder{CommandMeta: meta(), OrderID: "nope"},
		&domain.ConfirmOrder{CommandMeta: meta(), OrderID: "nope"},
		&domain.AssignRegistrantDetails{CommandMeta: meta(), OrderID: "nope", Email: "a@b.c"},
	}
	for _, c := range cmds {
		assert.NoError(t, h.Handle(ctx, c), c.CommandType())
	}
	assert.Empty(t, store.StreamIDs())
}

func TestHandler_InvalidTransitionIsPermanent(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHandler()

	require.NoError(t, h.Handle(ctx, &domain.RegisterToConference{CommandMeta: meta(), OrderID: "o1", ConferenceID: "c1", Seats: seats("general", 1)}))
	err := h.Handle(ctx, &domain.ConfirmOrder{CommandMeta: meta(), OrderID: "o1"})

	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	assert.True(t, domain.IsPermanent(err))
}

func TestHandler_UnknownCommand(t *testing.T) {
	h, _ := newTestHandler()
	err := h.Handle(context.Background(), &domain.AddSeats{CommandMeta: meta(), ConferenceID: "c1"})
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}
