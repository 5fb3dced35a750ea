package inventory

import (
	"fmt"
	"sort"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
)

// StreamType prefixes the event stream of every conference's seat inventory
const StreamType = "SeatsAvailability"

// SeatsAvailability tracks the seats of one conference. Seats are either
// remaining, held by a pending reservation, or sold, and per seat type
// remaining + held + sold always equals the quota.
type SeatsAvailability struct {
	eventsourcing.Base

	quota     map[string]int
	remaining map[string]int
	pending   map[string]map[string]int
	sold      map[string]int
}

// New returns an empty inventory for a conference
func New(conferenceID string) *SeatsAvailability {
	return &SeatsAvailability{
		Base:      eventsourcing.NewBase(conferenceID),
		quota:     make(map[string]int),
		remaining: make(map[string]int),
		pending:   make(map[string]map[string]int),
		sold:      make(map[string]int),
	}
}

// AddSeats publishes quantity more seats of a type
func (a *SeatsAvailability) AddSeats(seatType string, quantity int) error {
	if seatType == "" || quantity <= 0 {
		return fmt.Errorf("%w: cannot add %d seats of type %q", domain.ErrInvalidRequest, quantity, seatType)
	}
	return a.Raise(&domain.AvailableSeatsChanged{
		Seats: domain.Seats{{SeatType: seatType, Quantity: quantity}},
	}, a.Apply)
}

// RemoveSeats withdraws up to quantity seats of a type. Only remaining seats
// can be withdrawn; held and sold seats are untouched.
func (a *SeatsAvailability) RemoveSeats(seatType string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: cannot remove %d seats", domain.ErrInvalidRequest, quantity)
	}
	if _, ok := a.quota[seatType]; !ok {
		return fmt.Errorf("%w: unknown seat type %q", domain.ErrInvalidRequest, seatType)
	}

	n := min(quantity, a.remaining[seatType])
	if n == 0 {
		return nil
	}
	return a.Raise(&domain.AvailableSeatsChanged{
		Seats: domain.Seats{{SeatType: seatType, Quantity: -n}},
	}, a.Apply)
}

// MakeReservation holds seats for reservationID, replacing whatever it held
// before. Each requested type is granted as much as is available, so the
// grant may be smaller than the request or zero. Seat types held but no longer
// requested are released.
func (a *SeatsAvailability) MakeReservation(reservationID string, wanted domain.Seats) error {
	if reservationID == "" {
		return fmt.Errorf("%w: reservation id is required", domain.ErrInvalidRequest)
	}
	for _, s := range wanted {
		if _, ok := a.quota[s.SeatType]; !ok {
			return fmt.Errorf("%w: unknown seat type %q", domain.ErrInvalidRequest, s.SeatType)
		}
		if s.Quantity < 0 {
			return fmt.Errorf("%w: negative quantity for %q", domain.ErrInvalidRequest, s.SeatType)
		}
	}

	existing := a.pending[reservationID]

	types := make(map[string]struct{})
	for _, s := range wanted {
		types[s.SeatType] = struct{}{}
	}
	for t := range existing {
		types[t] = struct{}{}
	}

	var granted, changed domain.Seats
	for _, t := range sortedKeys(types) {
		held := existing[t]
		actual := min(wanted.QuantityOf(t), held+a.remaining[t])
		if actual > 0 {
			granted = append(granted, domain.SeatQuantity{SeatType: t, Quantity: actual})
		}
		if delta := actual - held; delta != 0 {
			changed = append(changed, domain.SeatQuantity{SeatType: t, Quantity: -delta})
		}
	}

	return a.Raise(&domain.SeatsReserved{
		ReservationID:         reservationID,
		ReservationDetails:    granted,
		AvailableSeatsChanged: changed,
	}, a.Apply)
}

// CommitReservation turns held seats into sold seats. Unknown ids are ignored.
func (a *SeatsAvailability) CommitReservation(reservationID string) error {
	if _, ok := a.pending[reservationID]; !ok {
		return nil
	}
	return a.Raise(&domain.SeatsReservationCommitted{ReservationID: reservationID}, a.Apply)
}

// CancelReservation returns held seats to the pool. Unknown ids are ignored.
func (a *SeatsAvailability) CancelReservation(reservationID string) error {
	held, ok := a.pending[reservationID]
	if !ok {
		return nil
	}

	var released domain.Seats
	for _, t := range sortedKeys(held) {
		released = append(released, domain.SeatQuantity{SeatType: t, Quantity: held[t]})
	}
	return a.Raise(&domain.SeatsReservationCancelled{
		ReservationID:         reservationID,
		AvailableSeatsChanged: released,
	}, a.Apply)
}

// Apply mutates state for one event
func (a *SeatsAvailability) Apply(event domain.Event) error {
	switch e := event.(type) {
	case *domain.AvailableSeatsChanged:
		for _, s := range e.Seats {
			a.quota[s.SeatType] += s.Quantity
			a.remaining[s.SeatType] += s.Quantity
		}

	case *domain.SeatsReserved:
		for _, s := range e.AvailableSeatsChanged {
			a.remaining[s.SeatType] += s.Quantity
		}
		if len(e.ReservationDetails) == 0 {
			delete(a.pending, e.ReservationID)
			break
		}
		held := make(map[string]int, len(e.ReservationDetails))
		for _, s := range e.ReservationDetails {
			held[s.SeatType] += s.Quantity
		}
		a.pending[e.ReservationID] = held

	case *domain.SeatsReservationCommitted:
		for t, q := range a.pending[e.ReservationID] {
			a.sold[t] += q
		}
		delete(a.pending, e.ReservationID)

	case *domain.SeatsReservationCancelled:
		for _, s := range e.AvailableSeatsChanged {
			a.remaining[s.SeatType] += s.Quantity
		}
		delete(a.pending, e.ReservationID)

	default:
		return fmt.Errorf("%w: %s on %s", domain.ErrUnknownMessage, event.EventType(), StreamType)
	}
	return nil
}

func (a *SeatsAvailability) Quota(seatType string) int     { return a.quota[seatType] }
func (a *SeatsAvailability) Remaining(seatType string) int { return a.remaining[seatType] }
func (a *SeatsAvailability) Sold(seatType string) int      { return a.sold[seatType] }

// Held returns the seats of a type held by all pending reservations
func (a *SeatsAvailability) Held(seatType string) int {
	total := 0
	for _, held := range a.pending {
		total += held[seatType]
	}
	return total
}

// Reservation returns what reservationID currently holds, or nil
func (a *SeatsAvailability) Reservation(reservationID string) domain.Seats {
	held, ok := a.pending[reservationID]
	if !ok {
		return nil
	}
	seats := make(domain.Seats, 0, len(held))
	for _, t := range sortedKeys(held) {
		seats = append(seats, domain.SeatQuantity{SeatType: t, Quantity: held[t]})
	}
	return seats
}

// SeatTypes lists the published seat types, sorted
func (a *SeatsAvailability) SeatTypes() []string {
	return sortedKeys(a.quota)
}

// CheckInvariant verifies the seat accounting of every type
func (a *SeatsAvailability) CheckInvariant() error {
	for _, t := range a.SeatTypes() {
		held := a.Held(t)
		if a.remaining[t] < 0 || held > a.quota[t] || a.remaining[t]+held+a.sold[t] != a.quota[t] {
			return fmt.Errorf("seat accounting broken for %q: quota=%d remaining=%d held=%d sold=%d",
				t, a.quota[t], a.remaining[t], held, a.sold[t])
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
