package registration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/internal/processstore"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu   sync.Mutex
	sent []messaging.Envelope
}

func (b *recordingBus) Send(ctx context.Context, envelopes ...messaging.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, envelopes...)
	return nil
}

func (b *recordingBus) take() []messaging.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	sent := b.sent
	b.sent = nil
	return sent
}

// conflictOnce fails the first update of an existing process
type conflictOnce struct {
	processstore.Backend
	once sync.Once
}

func (c *conflictOnce) Save(ctx context.Context, rec processstore.Record, expectedVersion int) error {
	conflict := false
	if expectedVersion > 0 {
		c.once.Do(func() { conflict = true })
	}
	if conflict {
		return domain.ErrConcurrencyConflict
	}
	return c.Backend.Save(ctx, rec, expectedVersion)
}

func newTestRouter(backend processstore.Backend) (*Router, *recordingBus) {
	bus := &recordingBus{}
	policy := testPolicy()
	store := NewStore(backend, bus, policy, logger.NewNop())
	retrier := retry.New(&retry.Config{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	return NewRouter(store, policy, retrier, logger.NewNop()), bus
}

// startReserved drives a router to ReservationConfirmationReceived and
// returns the scheduled expiration command
func startReserved(t *testing.T, r *Router, bus *recordingBus) *domain.ExpireRegistrationProcess {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, r.HandleEvent(ctx, orderPlaced("o1")))
	sent := bus.take()
	require.Len(t, sent, 1)
	reservationID := sent[0].Command.(*domain.MakeSeatReservation).ReservationID

	require.NoError(t, r.HandleEvent(ctx, seatsReserved(reservationID, 2)))
	sent = bus.take()
	require.Equal(t, []string{domain.CommandMarkSeatsAsReserved, domain.CommandExpireRegistrationProcess}, commandTypes(sent))
	return sent[1].Command.(*domain.ExpireRegistrationProcess)
}

func TestRouter_Register(t *testing.T) {
	r, _ := newTestRouter(processstore.NewMemoryBackend())
	reg := messaging.NewRegistry()
	require.NoError(t, r.Register(reg))

	_, ok := reg.CommandHandler(domain.CommandExpireRegistrationProcess)
	assert.True(t, ok)
	for _, e := range Events {
		subs := reg.Subscribers(e)
		require.Len(t, subs, 1, e)
		assert.Equal(t, SubscriberName, subs[0].Name)
	}
}

func TestRouter_OrderPlacedStartsOneProcess(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())

	require.NoError(t, r.HandleEvent(ctx, orderPlaced("o1")))
	assert.Equal(t, []string{domain.CommandMakeSeatReservation}, commandTypes(bus.take()))

	require.NoError(t, r.HandleEvent(ctx, orderPlaced("o1")))
	assert.Empty(t, bus.take())

	p, err := r.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, AwaitingReservationConfirmation, p.State)
	assert.Equal(t, 1, p.Version())
}

func TestRouter_HappyPath(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())
	startReserved(t, r, bus)

	require.NoError(t, r.HandleEvent(ctx, paymentCompleted("o1")))
	assert.Equal(t, []string{domain.CommandConfirmOrder}, commandTypes(bus.take()))

	require.NoError(t, r.HandleEvent(ctx, orderConfirmed("o1")))
	assert.Equal(t, []string{domain.CommandCommitSeatReservation}, commandTypes(bus.take()))

	p, err := r.Find(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, p.Completed)
}

func TestRouter_RedeliveredConfirmationCommitsOnce(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())
	startReserved(t, r, bus)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.HandleEvent(ctx, orderConfirmed("o1")))
	}
	assert.Equal(t, []string{domain.CommandCommitSeatReservation}, commandTypes(bus.take()))
}

func TestRouter_Expiration(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())
	expire := startReserved(t, r, bus)

	require.NoError(t, r.HandleCommand(ctx, expire))
	assert.Equal(t, []string{domain.CommandCancelSeatReservation, domain.CommandRejectOrder}, commandTypes(bus.take()))

	// Redelivery finds the completed process and no longer matches.
	require.NoError(t, r.HandleCommand(ctx, expire))
	assert.Empty(t, bus.take())
}

func TestRouter_ExpirationAfterConfirmationIsIgnored(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())
	expire := startReserved(t, r, bus)

	require.NoError(t, r.HandleEvent(ctx, orderConfirmed("o1")))
	bus.take()
	before, err := r.Find(ctx, "o1")
	require.NoError(t, err)

	require.NoError(t, r.HandleCommand(ctx, expire))
	assert.Empty(t, bus.take())

	after, err := r.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, before.Version(), after.Version())
}

func TestRouter_UncorrelatedMessagesAreIgnored(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())

	assert.NoError(t, r.HandleEvent(ctx, seatsReserved("unknown", 1)))
	assert.NoError(t, r.HandleEvent(ctx, paymentCompleted("o9")))
	assert.NoError(t, r.HandleCommand(ctx, &domain.ExpireRegistrationProcess{CommandMeta: domain.NewCommandMeta(), ProcessID: "p9"}))
	assert.Empty(t, bus.take())
}

func TestRouter_InvalidTransitionIsPermanent(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(processstore.NewMemoryBackend())
	require.NoError(t, r.HandleEvent(ctx, orderPlaced("o1")))
	bus.take()

	err := r.HandleEvent(ctx, paymentCompleted("o1"))
	assert.ErrorIs(t, err, domain.ErrInvalidStageTransition)
	assert.True(t, domain.IsPermanent(err))
	assert.Empty(t, bus.take())
}

func TestRouter_ReloadsOnConflict(t *testing.T) {
	ctx := context.Background()
	r, bus := newTestRouter(&conflictOnce{Backend: processstore.NewMemoryBackend()})

	require.NoError(t, r.HandleEvent(ctx, orderPlaced("o1")))
	reservationID := bus.take()[0].Command.(*domain.MakeSeatReservation).ReservationID

	require.NoError(t, r.HandleEvent(ctx, seatsReserved(reservationID, 2)))
	assert.Equal(t, []string{domain.CommandMarkSeatsAsReserved, domain.CommandExpireRegistrationProcess}, commandTypes(bus.take()))

	p, err := r.Find(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, ReservationConfirmationReceived, p.State)
	assert.Equal(t, 2, p.Version())
}

func TestRouter_UnknownMessages(t *testing.T) {
	r, _ := newTestRouter(processstore.NewMemoryBackend())
	assert.ErrorIs(t, r.HandleEvent(context.Background(), &domain.AvailableSeatsChanged{}), domain.ErrUnknownMessage)
	assert.ErrorIs(t, r.HandleCommand(context.Background(), &domain.RejectOrder{}), domain.ErrUnknownMessage)
}
