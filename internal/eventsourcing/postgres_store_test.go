package eventsourcing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserved(source string, version int, reservationID string) domain.Event {
	e := &domain.SeatsReserved{
		ReservationID:         reservationID,
		ReservationDetails:    domain.Seats{{SeatType: "general", Quantity: 1}},
		AvailableSeatsChanged: domain.Seats{{SeatType: "general", Quantity: -1}},
	}
	e.SetMeta(source, version)
	return e
}

func TestPostgresStore_AppendLoadConflict(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	store := eventsourcing.NewPostgresStore(pool)

	require.NoError(t, store.Append(ctx, "SeatsAvailability-c1", 0, []domain.Event{
		reserved("c1", 1, "r1"),
		reserved("c1", 2, "r2"),
	}))

	err := store.Append(ctx, "SeatsAvailability-c1", 1, []domain.Event{reserved("c1", 2, "r3")})
	assert.True(t, domain.IsConcurrencyConflict(err))

	events, err := store.Load(ctx, "SeatsAvailability-c1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	second, ok := events[1].(*domain.SeatsReserved)
	require.True(t, ok)
	assert.Equal(t, "r2", second.ReservationID)
	assert.Equal(t, 2, second.EventVersion())

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestPostgresStore_ConcurrentAppendsOneWins(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	store := eventsourcing.NewPostgresStore(pool)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Append(ctx, "SeatsAvailability-c1", 0, []domain.Event{reserved("c1", 1, "r")})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, domain.IsConcurrencyConflict(err), err)
	}
	assert.Equal(t, 1, ok)
}

func TestPostgresStore_ProcessPending(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()
	store := eventsourcing.NewPostgresStore(pool)

	require.NoError(t, store.Append(ctx, "SeatsAvailability-c1", 0, []domain.Event{
		reserved("c1", 1, "r1"),
		reserved("c1", 2, "r2"),
		reserved("c1", 3, "r3"),
	}))

	_, err := store.ProcessPending(ctx, 10, func(ctx context.Context, batch []eventsourcing.PendingEvent) error {
		return errors.New("broker unavailable")
	})
	require.Error(t, err)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	var versions []int
	n, err := store.ProcessPending(ctx, 2, func(ctx context.Context, batch []eventsourcing.PendingEvent) error {
		for _, p := range batch {
			versions = append(versions, p.Event.EventVersion())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, versions)

	pending, err = store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}
