package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seatsChanged(source string, version int, seatType string, qty int) domain.Event {
	e := &domain.AvailableSeatsChanged{Seats: domain.Seats{{SeatType: seatType, Quantity: qty}}}
	e.SetMeta(source, version)
	return e
}

func TestMemoryStore_AppendAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, "tally-1", 0, []domain.Event{
		seatsChanged("1", 1, "general", 10),
		seatsChanged("1", 2, "vip", 2),
	}))
	require.NoError(t, store.Append(ctx, "tally-1", 2, []domain.Event{
		seatsChanged("1", 3, "general", -1),
	}))

	events, err := store.Load(ctx, "tally-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.EventVersion())
		assert.Equal(t, "1", e.AggregateID())
	}

	last, ok := events[2].(*domain.AvailableSeatsChanged)
	require.True(t, ok)
	assert.Equal(t, -1, last.Seats.QuantityOf("general"))

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestMemoryStore_LoadMissingStream(t *testing.T) {
	events, err := NewMemoryStore().Load(context.Background(), "tally-missing")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStore_ConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 10)}))

	err := store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 5)})
	assert.True(t, domain.IsConcurrencyConflict(err))

	events, err := store.Load(ctx, "tally-1")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	pending, _ := store.CountPending(ctx)
	assert.Equal(t, 1, pending, "rejected append must not stage events")
}

func TestMemoryStore_RejectsMisnumberedEvents(t *testing.T) {
	err := NewMemoryStore().Append(context.Background(), "tally-1", 0, []domain.Event{seatsChanged("1", 2, "general", 1)})
	require.Error(t, err)
	assert.False(t, domain.IsConcurrencyConflict(err))
}

func TestMemoryStore_ConcurrentAppendsOneWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 1)}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
}

func TestMemoryStore_ProcessPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for v := 1; v <= 5; v++ {
		require.NoError(t, store.Append(ctx, "tally-1", v-1, []domain.Event{seatsChanged("1", v, "general", 1)}))
	}

	t.Run("failed batch stays pending", func(t *testing.T) {
		n, err := store.ProcessPending(ctx, 3, func(ctx context.Context, batch []PendingEvent) error {
			return errors.New("bus down")
		})
		require.Error(t, err)
		assert.Equal(t, 0, n)

		pending, _ := store.CountPending(ctx)
		assert.Equal(t, 5, pending)
	})

	t.Run("batches drain in append order", func(t *testing.T) {
		var versions []int
		collect := func(ctx context.Context, batch []PendingEvent) error {
			for _, p := range batch {
				assert.Equal(t, "tally-1", p.StreamID)
				versions = append(versions, p.Event.EventVersion())
			}
			return nil
		}

		n, err := store.ProcessPending(ctx, 3, collect)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = store.ProcessPending(ctx, 3, collect)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = store.ProcessPending(ctx, 3, collect)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		assert.Equal(t, []int{1, 2, 3, 4, 5}, versions)
	})
}

func TestMemoryStore_AppendDuringProcessPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 1)}))

	n, err := store.ProcessPending(ctx, 10, func(ctx context.Context, batch []PendingEvent) error {
		// Handlers triggered by a publish append to the store re-entrantly
		return store.Append(ctx, "tally-2", 0, []domain.Event{seatsChanged("2", 1, "general", 1)})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, _ := store.CountPending(ctx)
	assert.Equal(t, 1, pending)
	assert.Equal(t, []string{"tally-1", "tally-2"}, store.StreamIDs())
}

func TestNotifyingStore(t *testing.T) {
	ctx := context.Background()
	calls := 0
	store := NewNotifyingStore(NewMemoryStore(), func() { calls++ })

	require.NoError(t, store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 1)}))
	assert.Error(t, store.Append(ctx, "tally-1", 0, []domain.Event{seatsChanged("1", 1, "general", 1)}))

	assert.Equal(t, 1, calls)
}
