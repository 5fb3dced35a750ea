package domain

import (
	"fmt"
	"time"
)

// Event type names
const (
	EventOrderPlaced               = "OrderPlaced"
	EventOrderUpdated              = "OrderUpdated"
	EventOrderPartiallyReserved    = "OrderPartiallyReserved"
	EventOrderReservationCompleted = "OrderReservationCompleted"
	EventOrderRegistrantAssigned   = "OrderRegistrantAssigned"
	EventOrderConfirmed            = "OrderConfirmed"
	EventOrderRejected             = "OrderRejected"
	EventAvailableSeatsChanged     = "AvailableSeatsChanged"
	EventSeatsReserved             = "SeatsReserved"
	EventSeatsReservationCommitted = "SeatsReservationCommitted"
	EventSeatsReservationCancelled = "SeatsReservationCancelled"
	EventPaymentCompleted          = "PaymentCompleted"
)

// Event is something that happened to one aggregate
type Event interface {
	EventType() string
	// AggregateID is the id of the stream the event belongs to
	AggregateID() string
	EventVersion() int
	// EventID is unique per event and used for dedup
	EventID() string
	SetMeta(sourceID string, version int)
}

// EventMeta carries the fields every event shares
type EventMeta struct {
	SourceID string `json:"source_id"`
	Version  int    `json:"version"`
}

func (m EventMeta) AggregateID() string { return m.SourceID }
func (m EventMeta) EventVersion() int   { return m.Version }
func (m EventMeta) EventID() string     { return fmt.Sprintf("%s:%d", m.SourceID, m.Version) }

func (m *EventMeta) SetMeta(sourceID string, version int) {
	m.SourceID = sourceID
	m.Version = version
}

// --- Order events ---

type OrderPlaced struct {
	EventMeta
	ConferenceID              string    `json:"conference_id"`
	Seats                     Seats     `json:"seats"`
	ReservationAutoExpiration time.Time `json:"reservation_auto_expiration"`
	AccessCode                string    `json:"access_code"`
}

func (OrderPlaced) EventType() string { return EventOrderPlaced }

type OrderUpdated struct {
	EventMeta
	Seats Seats `json:"seats"`
}

func (OrderUpdated) EventType() string { return EventOrderUpdated }

type OrderPartiallyReserved struct {
	EventMeta
	ReservationExpiration time.Time `json:"reservation_expiration"`
	Seats                 Seats     `json:"seats"`
}

func (OrderPartiallyReserved) EventType() string { return EventOrderPartiallyReserved }

type OrderReservationCompleted struct {
	EventMeta
	ReservationExpiration time.Time `json:"reservation_expiration"`
	Seats                 Seats     `json:"seats"`
}

func (OrderReservationCompleted) EventType() string { return EventOrderReservationCompleted }

type OrderRegistrantAssigned struct {
	EventMeta
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (OrderRegistrantAssigned) EventType() string { return EventOrderRegistrantAssigned }

type OrderConfirmed struct {
	EventMeta
}

func (OrderConfirmed) EventType() string { return EventOrderConfirmed }

type OrderRejected struct {
	EventMeta
}

func (OrderRejected) EventType() string { return EventOrderRejected }

// --- Inventory events ---

// AvailableSeatsChanged is raised when quota is published or withdrawn
type AvailableSeatsChanged struct {
	EventMeta
	Seats Seats `json:"seats"`
}

func (AvailableSeatsChanged) EventType() string { return EventAvailableSeatsChanged }

// SeatsReserved carries the granted quantities for a reservation, which may be
// less than requested. AvailableSeatsChanged holds the delta applied to the
// remaining pool.
type SeatsReserved struct {
	EventMeta
	ReservationID         string `json:"reservation_id"`
	ReservationDetails    Seats  `json:"reservation_details"`
	AvailableSeatsChanged Seats  `json:"available_seats_changed"`
}

func (SeatsReserved) EventType() string { return EventSeatsReserved }

type SeatsReservationCommitted struct {
	EventMeta
	ReservationID string `json:"reservation_id"`
}

func (SeatsReservationCommitted) EventType() string { return EventSeatsReservationCommitted }

type SeatsReservationCancelled struct {
	EventMeta
	ReservationID         string `json:"reservation_id"`
	AvailableSeatsChanged Seats  `json:"available_seats_changed"`
}

func (SeatsReservationCancelled) EventType() string { return EventSeatsReservationCancelled }

// --- External events ---

// PaymentCompleted is published by the payments context; SourceID is the payment id
type PaymentCompleted struct {
	EventMeta
	OrderID string `json:"order_id"`
}

func (PaymentCompleted) EventType() string { return EventPaymentCompleted }
