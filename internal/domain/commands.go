package domain

import (
	"time"

	"github.com/google/uuid"
)

// Command type names. They are the wire identifiers and the registry keys.
const (
	CommandRegisterToConference      = "RegisterToConference"
	CommandMarkSeatsAsReserved       = "MarkSeatsAsReserved"
	CommandMarkOrderAsBooked         = "MarkOrderAsBooked"
	CommandRejectOrder               = "RejectOrder"
	CommandConfirmOrder              = "ConfirmOrder"
	CommandAssignRegistrantDetails   = "AssignRegistrantDetails"
	CommandAddSeats                  = "AddSeats"
	CommandRemoveSeats               = "RemoveSeats"
	CommandMakeSeatReservation       = "MakeSeatReservation"
	CommandCommitSeatReservation     = "CommitSeatReservation"
	CommandCancelSeatReservation     = "CancelSeatReservation"
	CommandExpireRegistrationProcess = "ExpireRegistrationProcess"
)

// Command is a request addressed to exactly one handler
type Command interface {
	// CommandID is unique per command instance and used for dedup
	CommandID() string
	CommandType() string
	// PartitionKey routes all commands for one aggregate to one serialized consumer
	PartitionKey() string
}

// CommandMeta carries the fields every command shares
type CommandMeta struct {
	ID string `json:"id"`
}

// NewCommandMeta returns metadata with a fresh id
func NewCommandMeta() CommandMeta {
	return CommandMeta{ID: uuid.NewString()}
}

func (m CommandMeta) CommandID() string { return m.ID }

// --- Order commands (partitioned by order id) ---

type RegisterToConference struct {
	CommandMeta
	OrderID      string `json:"order_id"`
	ConferenceID string `json:"conference_id"`
	Seats        Seats  `json:"seats"`
}

func (RegisterToConference) CommandType() string    { return CommandRegisterToConference }
func (c RegisterToConference) PartitionKey() string { return c.OrderID }

// MarkSeatsAsReserved tells the order what the inventory actually granted
type MarkSeatsAsReserved struct {
	CommandMeta
	OrderID    string    `json:"order_id"`
	Seats      Seats     `json:"seats"`
	Expiration time.Time `json:"expiration"`
}

func (MarkSeatsAsReserved) CommandType() string    { return CommandMarkSeatsAsReserved }
func (c MarkSeatsAsReserved) PartitionKey() string { return c.OrderID }

type MarkOrderAsBooked struct {
	CommandMeta
	OrderID string `json:"order_id"`
}

func (MarkOrderAsBooked) CommandType() string    { return CommandMarkOrderAsBooked }
func (c MarkOrderAsBooked) PartitionKey() string { return c.OrderID }

type RejectOrder struct {
	CommandMeta
	OrderID string `json:"order_id"`
}

func (RejectOrder) CommandType() string    { return CommandRejectOrder }
func (c RejectOrder) PartitionKey() string { return c.OrderID }

type ConfirmOrder struct {
	CommandMeta
	OrderID string `json:"order_id"`
}

func (ConfirmOrder) CommandType() string    { return CommandConfirmOrder }
func (c ConfirmOrder) PartitionKey() string { return c.OrderID }

type AssignRegistrantDetails struct {
	CommandMeta
	OrderID   string `json:"order_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

func (AssignRegistrantDetails) CommandType() string    { return CommandAssignRegistrantDetails }
func (c AssignRegistrantDetails) PartitionKey() string { return c.OrderID }

// --- Inventory commands (partitioned by conference id) ---

type AddSeats struct {
	CommandMeta
	ConferenceID string `json:"conference_id"`
	SeatType     string `json:"seat_type"`
	Quantity     int    `json:"quantity"`
}

func (AddSeats) CommandType() string    { return CommandAddSeats }
func (c AddSeats) PartitionKey() string { return c.ConferenceID }

type RemoveSeats struct {
	CommandMeta
	ConferenceID string `json:"conference_id"`
	SeatType     string `json:"seat_type"`
	Quantity     int    `json:"quantity"`
}

func (RemoveSeats) CommandType() string    { return CommandRemoveSeats }
func (c RemoveSeats) PartitionKey() string { return c.ConferenceID }

type MakeSeatReservation struct {
	CommandMeta
	ConferenceID  string `json:"conference_id"`
	ReservationID string `json:"reservation_id"`
	Seats         Seats  `json:"seats"`
}

func (MakeSeatReservation) CommandType() string    { return CommandMakeSeatReservation }
func (c MakeSeatReservation) PartitionKey() string { return c.ConferenceID }

type CommitSeatReservation struct {
	CommandMeta
	ConferenceID  string `json:"conference_id"`
	ReservationID string `json:"reservation_id"`
}

func (CommitSeatReservation) CommandType() string    { return CommandCommitSeatReservation }
func (c CommitSeatReservation) PartitionKey() string { return c.ConferenceID }

type CancelSeatReservation struct {
	CommandMeta
	ConferenceID  string `json:"conference_id"`
	ReservationID string `json:"reservation_id"`
}

func (CancelSeatReservation) CommandType() string    { return CommandCancelSeatReservation }
func (c CancelSeatReservation) PartitionKey() string { return c.ConferenceID }

// --- Registration process commands (partitioned by process id) ---

// ExpireRegistrationProcess is the saga's own timeout, delivered after a delay
type ExpireRegistrationProcess struct {
	CommandMeta
	ProcessID string `json:"process_id"`
}

func (ExpireRegistrationProcess) CommandType() string    { return CommandExpireRegistrationProcess }
func (c ExpireRegistrationProcess) PartitionKey() string { return c.ProcessID }
