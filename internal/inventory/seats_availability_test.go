package inventory

import (
	"math/rand"
	"testing"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seats(pairs ...interface{}) domain.Seats {
	var s domain.Seats
	for i := 0; i < len(pairs); i += 2 {
		s = append(s, domain.SeatQuantity{SeatType: pairs[i].(string), Quantity: pairs[i+1].(int)})
	}
	return s
}

func newInventory(t *testing.T, quota ...interface{}) *SeatsAvailability {
	t.Helper()
	a := New("c1")
	for _, s := range seats(quota...) {
		require.NoError(t, a.AddSeats(s.SeatType, s.Quantity))
	}
	return a
}

func lastEvent(a *SeatsAvailability) domain.Event {
	events := a.Uncommitted()
	return events[len(events)-1]
}

func TestMakeReservation_GrantsWhatIsAvailable(t *testing.T) {
	tests := []struct {
		name        string
		quota       []interface{}
		request     domain.Seats
		wantGranted domain.Seats
		wantChanged domain.Seats
	}{
		{
			name:        "full grant",
			quota:       []interface{}{"general", 10},
			request:     seats("general", 4),
			wantGranted: seats("general", 4),
			wantChanged: seats("general", -4),
		},
		{
			name:        "partial grant",
			quota:       []interface{}{"general", 3, "vip", 1},
			request:     seats("general", 5, "vip", 1),
			wantGranted: seats("general", 3, "vip", 1),
			wantChanged: seats("general", -3, "vip", -1),
		},
		{
			name:    "zero request grants nothing",
			quota:   []interface{}{"general", 2, "vip", 1},
			request: seats("vip", 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newInventory(t, tt.quota...)

			require.NoError(t, a.MakeReservation("r1", tt.request))

			e, ok := lastEvent(a).(*domain.SeatsReserved)
			require.True(t, ok)
			assert.Equal(t, "r1", e.ReservationID)
			assert.Equal(t, tt.wantGranted, e.ReservationDetails)
			assert.Equal(t, tt.wantChanged, e.AvailableSeatsChanged)
			assert.NoError(t, a.CheckInvariant())
		})
	}
}

func TestMakeReservation_ReplacesPriorHolding(t *testing.T) {
	a := newInventory(t, "general", 10, "vip", 5)

	require.NoError(t, a.MakeReservation("r1", seats("general", 4, "vip", 2)))
	require.NoError(t, a.MakeReservation("r1", seats("general", 6)))

	e := lastEvent(a).(*domain.SeatsReserved)
	assert.Equal(t, seats("general", 6), e.ReservationDetails)
	assert.Equal(t, seats("general", -2, "vip", 2), e.AvailableSeatsChanged)

	assert.Equal(t, 4, a.Remaining("general"))
	assert.Equal(t, 5, a.Remaining("vip"))
	assert.Equal(t, seats("general", 6), a.Reservation("r1"))
	assert.NoError(t, a.CheckInvariant())
}

func TestMakeReservation_HeldSeatsCountTowardsGrant(t *testing.T) {
	a := newInventory(t, "general", 5)
	require.NoError(t, a.MakeReservation("r1", seats("general", 3)))
	require.NoError(t, a.MakeReservation("r2", seats("general", 2)))
	require.Zero(t, a.Remaining("general"))

	// Nothing remains, but r1 keeps its own three when asking for more
	require.NoError(t, a.MakeReservation("r1", seats("general", 4)))
	assert.Equal(t, seats("general", 3), a.Reservation("r1"))
	assert.Empty(t, lastEvent(a).(*domain.SeatsReserved).AvailableSeatsChanged)
}

func TestMakeReservation_UnknownSeatType(t *testing.T) {
	a := newInventory(t, "general", 5)
	before := a.Version()

	err := a.MakeReservation("r1", seats("backstage", 1))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, before, a.Version(), "rejected request raises no event")
}

func TestCommitReservation(t *testing.T) {
	a := newInventory(t, "general", 5)
	require.NoError(t, a.MakeReservation("r1", seats("general", 2)))
	require.NoError(t, a.CommitReservation("r1"))

	assert.Equal(t, 5, a.Quota("general"))
	assert.Equal(t, 3, a.Remaining("general"))
	assert.Equal(t, 2, a.Sold("general"))
	assert.Zero(t, a.Held("general"))
	assert.NoError(t, a.CheckInvariant())

	v := a.Version()
	require.NoError(t, a.CommitReservation("r1"))
	assert.Equal(t, v, a.Version(), "second commit is a no-op")
}

func TestCommitThenMakeIsFresh(t *testing.T) {
	a := newInventory(t, "general", 5)
	require.NoError(t, a.MakeReservation("r1", seats("general", 2)))
	require.NoError(t, a.CommitReservation("r1"))

	require.NoError(t, a.MakeReservation("r1", seats("general", 1)))

	e := lastEvent(a).(*domain.SeatsReserved)
	assert.Equal(t, seats("general", 1), e.ReservationDetails)
	assert.Equal(t, seats("general", -1), e.AvailableSeatsChanged, "sold seats are not released")
	assert.Equal(t, 2, a.Sold("general"))
	assert.Equal(t, 2, a.Remaining("general"))
	assert.NoError(t, a.CheckInvariant())
}

func TestCancelReservation_Idempotent(t *testing.T) {
	a := newInventory(t, "general", 5, "vip", 2)
	require.NoError(t, a.MakeReservation("r1", seats("general", 3, "vip", 2)))

	require.NoError(t, a.CancelReservation("r1"))
	e := lastEvent(a).(*domain.SeatsReservationCancelled)
	assert.Equal(t, seats("general", 3, "vip", 2), e.AvailableSeatsChanged)

	v := a.Version()
	require.NoError(t, a.CancelReservation("r1"))
	require.NoError(t, a.CancelReservation("never-made"))
	assert.Equal(t, v, a.Version())

	assert.Equal(t, 5, a.Remaining("general"))
	assert.Equal(t, 2, a.Remaining("vip"))
	assert.Nil(t, a.Reservation("r1"))
}

func TestRemoveSeats_OnlyRemaining(t *testing.T) {
	a := newInventory(t, "general", 5)
	require.NoError(t, a.MakeReservation("r1", seats("general", 3)))

	require.NoError(t, a.RemoveSeats("general", 4))
	assert.Equal(t, 3, a.Quota("general"))
	assert.Zero(t, a.Remaining("general"))
	assert.Equal(t, 3, a.Held("general"))
	assert.NoError(t, a.CheckInvariant())

	v := a.Version()
	require.NoError(t, a.RemoveSeats("general", 1))
	assert.Equal(t, v, a.Version())

	assert.ErrorIs(t, a.RemoveSeats("vip", 1), domain.ErrInvalidRequest)
}

func TestAddSeats_Invalid(t *testing.T) {
	a := New("c1")
	assert.ErrorIs(t, a.AddSeats("general", 0), domain.ErrInvalidRequest)
	assert.ErrorIs(t, a.AddSeats("", 3), domain.ErrInvalidRequest)
}

// Random operation sequences never break seat accounting, and replaying the
// resulting stream rebuilds the same state.
func TestSeatsAvailability_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []string{"general", "vip", "student"}
	reservations := []string{"r1", "r2", "r3", "r4", "r5"}

	for run := 0; run < 50; run++ {
		a := New("c1")
		for _, st := range types {
			require.NoError(t, a.AddSeats(st, 1+rng.Intn(10)))
		}

		for step := 0; step < 40; step++ {
			r := reservations[rng.Intn(len(reservations))]
			switch rng.Intn(6) {
			case 0, 1, 2:
				var req domain.Seats
				for _, st := range types {
					if rng.Intn(2) == 0 {
						req = append(req, domain.SeatQuantity{SeatType: st, Quantity: rng.Intn(8)})
					}
				}
				require.NoError(t, a.MakeReservation(r, req))
			case 3:
				require.NoError(t, a.CommitReservation(r))
			case 4:
				require.NoError(t, a.CancelReservation(r))
			case 5:
				st := types[rng.Intn(len(types))]
				if rng.Intn(2) == 0 {
					require.NoError(t, a.AddSeats(st, 1+rng.Intn(3)))
				} else {
					require.NoError(t, a.RemoveSeats(st, 1+rng.Intn(3)))
				}
			}
			require.NoError(t, a.CheckInvariant(), "run %d step %d", run, step)
		}

		replayed := New("c1")
		require.NoError(t, eventsourcing.Rehydrate(replayed, a.Uncommitted()))
		assert.Equal(t, a.quota, replayed.quota)
		assert.Equal(t, a.remaining, replayed.remaining)
		assert.Equal(t, a.pending, replayed.pending)
		assert.Equal(t, a.sold, replayed.sold)
		assert.Equal(t, a.Version(), replayed.Version())
	}
}
