package order

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
)

// StreamType prefixes the event stream of every order
const StreamType = "Order"

// State is the reservation state of an order
type State int

const (
	NotPlaced State = iota
	Created
	PartiallyReserved
	Booked
	Rejected
	Confirmed
)

func (s State) String() string {
	switch s {
	case NotPlaced:
		return "NotPlaced"
	case Created:
		return "Created"
	case PartiallyReserved:
		return "PartiallyReserved"
	case Booked:
		return "Booked"
	case Rejected:
		return "Rejected"
	case Confirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == Rejected || s == Confirmed
}

// Line is one seat type of an order
type Line struct {
	SeatType  string
	Requested int
	Reserved  int
}

// Registrant is the person the order is registered to
type Registrant struct {
	Email     string
	FirstName string
	LastName  string
}

// Order is a registrant's request for seats at one conference
type Order struct {
	eventsourcing.Base

	conferenceID          string
	lines                 []Line
	state                 State
	reservationExpiration time.Time
	registrant            Registrant
	accessCode            string
}

// New returns an order that has not been placed yet
func New(orderID string) *Order {
	return &Order{Base: eventsourcing.NewBase(orderID)}
}

func (o *Order) State() State                     { return o.state }
func (o *Order) ConferenceID() string             { return o.conferenceID }
func (o *Order) ReservationExpiration() time.Time { return o.reservationExpiration }
func (o *Order) Registrant() Registrant           { return o.registrant }
func (o *Order) AccessCode() string               { return o.accessCode }

// Lines returns a copy of the order lines
func (o *Order) Lines() []Line {
	return append([]Line(nil), o.lines...)
}

// Requested returns the requested quantities
func (o *Order) Requested() domain.Seats {
	seats := make(domain.Seats, 0, len(o.lines))
	for _, l := range o.lines {
		seats = append(seats, domain.SeatQuantity{SeatType: l.SeatType, Quantity: l.Requested})
	}
	return seats
}

// Reserved returns the reserved quantities of lines with a reservation
func (o *Order) Reserved() domain.Seats {
	var seats domain.Seats
	for _, l := range o.lines {
		if l.Reserved > 0 {
			seats = append(seats, domain.SeatQuantity{SeatType: l.SeatType, Quantity: l.Reserved})
		}
	}
	return seats
}

// Place creates the order. Seats are reserved until expiration.
func (o *Order) Place(conferenceID string, seats domain.Seats, expiration time.Time, accessCode string) error {
	if o.state != NotPlaced {
		return fmt.Errorf("%w: order %s", domain.ErrOrderAlreadyPlaced, o.AggregateID())
	}
	if conferenceID == "" {
		return fmt.Errorf("%w: conference id is required", domain.ErrInvalidRequest)
	}
	if err := validateSeats(seats); err != nil {
		return err
	}

	return o.Raise(&domain.OrderPlaced{
		ConferenceID:              conferenceID,
		Seats:                     seats.Clone(),
		ReservationAutoExpiration: expiration,
		AccessCode:                accessCode,
	}, o.Apply)
}

// UpdateSeats replaces the requested seats and drops any reservation
func (o *Order) UpdateSeats(seats domain.Seats) error {
	if err := o.requireState("update seats", Created, PartiallyReserved, Booked); err != nil {
		return err
	}
	if err := validateSeats(seats); err != nil {
		return err
	}
	return o.Raise(&domain.OrderUpdated{Seats: seats.Clone()}, o.Apply)
}

// AssignRegistrant records who attends; it does not affect the reservation
func (o *Order) AssignRegistrant(r Registrant) error {
	if err := o.requireState("assign registrant", Created, PartiallyReserved, Booked); err != nil {
		return err
	}
	if r.Email == "" {
		return fmt.Errorf("%w: registrant email is required", domain.ErrInvalidRequest)
	}
	return o.Raise(&domain.OrderRegistrantAssigned{
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
	}, o.Apply)
}

// MarkAsReserved records what the inventory granted. The order is Booked when
// every line was fully granted and PartiallyReserved otherwise. A repeated
// grant is recorded again unless both the seats and the expiration match.
func (o *Order) MarkAsReserved(expiration time.Time, granted domain.Seats) error {
	target := Booked
	for _, l := range o.lines {
		if min(granted.QuantityOf(l.SeatType), l.Requested) < l.Requested {
			target = PartiallyReserved
			break
		}
	}

	if o.state != Created && o.state != PartiallyReserved && o.state != target {
		return o.invalidTransition(target)
	}

	reserved := o.clampToRequested(granted)
	if o.state == target && slices.Equal(reserved, o.Reserved()) && expiration.Equal(o.reservationExpiration) {
		return nil
	}
	if target == Booked {
		return o.Raise(&domain.OrderReservationCompleted{ReservationExpiration: expiration, Seats: reserved}, o.Apply)
	}
	return o.Raise(&domain.OrderPartiallyReserved{ReservationExpiration: expiration, Seats: reserved}, o.Apply)
}

// MarkAsBooked accepts the current reservation as final, partial or not
func (o *Order) MarkAsBooked() error {
	switch o.state {
	case Booked:
		return nil
	case PartiallyReserved:
		return o.Raise(&domain.OrderReservationCompleted{
			ReservationExpiration: o.reservationExpiration,
			Seats:                 o.Reserved(),
		}, o.Apply)
	default:
		return o.invalidTransition(Booked)
	}
}

// Reject closes an order that was never confirmed
func (o *Order) Reject() error {
	switch o.state {
	case Rejected:
		return nil
	case Created, PartiallyReserved, Booked:
		return o.Raise(&domain.OrderRejected{}, o.Apply)
	default:
		return o.invalidTransition(Rejected)
	}
}

// Confirm completes the order after payment
func (o *Order) Confirm() error {
	switch o.state {
	case Confirmed:
		return nil
	case Booked, PartiallyReserved:
		return o.Raise(&domain.OrderConfirmed{}, o.Apply)
	default:
		return o.invalidTransition(Confirmed)
	}
}

// Apply mutates state for one event
func (o *Order) Apply(event domain.Event) error {
	switch e := event.(type) {
	case *domain.OrderPlaced:
		o.conferenceID = e.ConferenceID
		o.setLines(e.Seats)
		o.reservationExpiration = e.ReservationAutoExpiration
		o.accessCode = e.AccessCode
		o.state = Created

	case *domain.OrderUpdated:
		o.setLines(e.Seats)
		o.state = Created

	case *domain.OrderPartiallyReserved:
		o.setReserved(e.Seats)
		o.reservationExpiration = e.ReservationExpiration
		o.state = PartiallyReserved

	case *domain.OrderReservationCompleted:
		o.setReserved(e.Seats)
		o.reservationExpiration = e.ReservationExpiration
		o.state = Booked

	case *domain.OrderRegistrantAssigned:
		o.registrant = Registrant{Email: e.Email, FirstName: e.FirstName, LastName: e.LastName}

	case *domain.OrderRejected:
		o.state = Rejected

	case *domain.OrderConfirmed:
		o.state = Confirmed

	default:
		return fmt.Errorf("%w: %s on %s", domain.ErrUnknownMessage, event.EventType(), StreamType)
	}
	return nil
}

func (o *Order) setLines(seats domain.Seats) {
	o.lines = o.lines[:0]
	for _, s := range seats {
		o.lines = append(o.lines, Line{SeatType: s.SeatType, Requested: s.Quantity})
	}
}

func (o *Order) setReserved(seats domain.Seats) {
	for i := range o.lines {
		o.lines[i].Reserved = min(seats.QuantityOf(o.lines[i].SeatType), o.lines[i].Requested)
	}
}

func (o *Order) clampToRequested(granted domain.Seats) domain.Seats {
	var seats domain.Seats
	for _, l := range o.lines {
		if q := min(granted.QuantityOf(l.SeatType), l.Requested); q > 0 {
			seats = append(seats, domain.SeatQuantity{SeatType: l.SeatType, Quantity: q})
		}
	}
	return seats
}

func (o *Order) requireState(action string, allowed ...State) error {
	for _, s := range allowed {
		if o.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s order %s in state %s", domain.ErrInvalidStageTransition, action, o.AggregateID(), o.state)
}

func (o *Order) invalidTransition(target State) error {
	return fmt.Errorf("%w: order %s cannot go from %s to %s", domain.ErrInvalidStageTransition, o.AggregateID(), o.state, target)
}

func validateSeats(seats domain.Seats) error {
	if len(seats) == 0 {
		return fmt.Errorf("%w: at least one seat type is required", domain.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(seats))
	for _, s := range seats {
		if s.SeatType == "" || s.Quantity <= 0 {
			return fmt.Errorf("%w: invalid seat line %q x%d", domain.ErrInvalidRequest, s.SeatType, s.Quantity)
		}
		if _, dup := seen[s.SeatType]; dup {
			return fmt.Errorf("%w: seat type %q listed twice", domain.ErrInvalidRequest, s.SeatType)
		}
		seen[s.SeatType] = struct{}{}
	}
	return nil
}

const accessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewAccessCode returns a short code registrants use to retrieve their order
func NewAccessCode() string {
	id := uuid.New()
	code := make([]byte, 6)
	for i := range code {
		code[i] = accessCodeAlphabet[int(id[i])%len(accessCodeAlphabet)]
	}
	return string(code)
}
