package eventsourcing

import (
	"fmt"
	"testing"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tally is a minimal aggregate that sums published seats per type
type tally struct {
	Base
	seats map[string]int
}

func newTally(id string) *tally {
	return &tally{Base: NewBase(id), seats: make(map[string]int)}
}

func (a *tally) add(seatType string, qty int) error {
	return a.Raise(&domain.AvailableSeatsChanged{
		Seats: domain.Seats{{SeatType: seatType, Quantity: qty}},
	}, a.Apply)
}

func (a *tally) Apply(event domain.Event) error {
	switch e := event.(type) {
	case *domain.AvailableSeatsChanged:
		for _, s := range e.Seats {
			a.seats[s.SeatType] += s.Quantity
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownMessage, event.EventType())
	}
}

func TestBase_RaiseStampsVersions(t *testing.T) {
	a := newTally("1")
	require.NoError(t, a.add("general", 10))
	require.NoError(t, a.add("general", -3))

	assert.Equal(t, 2, a.Version())
	assert.Equal(t, 0, a.PersistedVersion())
	require.Len(t, a.Uncommitted(), 2)
	assert.Equal(t, "1:2", a.Uncommitted()[1].EventID())
	assert.Equal(t, 7, a.seats["general"])

	a.MarkCommitted()
	assert.Empty(t, a.Uncommitted())
	assert.Equal(t, 2, a.PersistedVersion())
}

func TestRehydrate_MatchesLiveState(t *testing.T) {
	live := newTally("1")
	require.NoError(t, live.add("general", 10))
	require.NoError(t, live.add("vip", 4))
	require.NoError(t, live.add("general", -2))

	replayed := newTally("1")
	require.NoError(t, Rehydrate(replayed, live.Uncommitted()))

	assert.Equal(t, live.seats, replayed.seats)
	assert.Equal(t, live.Version(), replayed.Version())
	assert.Empty(t, replayed.Uncommitted())
}

func TestRehydrate_UnknownEvent(t *testing.T) {
	e := &domain.OrderConfirmed{}
	e.SetMeta("1", 1)

	err := Rehydrate(newTally("1"), []domain.Event{e})
	assert.ErrorIs(t, err, domain.ErrUnknownMessage)
}
