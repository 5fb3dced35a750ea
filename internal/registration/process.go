package registration

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
)

// ProcessType names registration processes in the process store
const ProcessType = "RegistrationProcess"

// DefaultExpirationGrace is added to the reservation expiration before the
// process expires itself, so a payment arriving at the deadline still wins
const DefaultExpirationGrace = 14 * time.Minute

// State is the stage of a registration process
type State int

const (
	NotStarted State = iota
	AwaitingReservationConfirmation
	ReservationConfirmationReceived
	PaymentConfirmationReceived
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case AwaitingReservationConfirmation:
		return "AwaitingReservationConfirmation"
	case ReservationConfirmationReceived:
		return "ReservationConfirmationReceived"
	case PaymentConfirmationReceived:
		return "PaymentConfirmationReceived"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy holds the tunables of the registration process
type Policy struct {
	// Grace delays the expiration past the reservation expiration
	Grace time.Duration
	// NewID generates reservation and process ids. Defaults to uuid.NewString.
	NewID func() string
}

// DefaultPolicy returns the production policy
func DefaultPolicy() Policy {
	return Policy{Grace: DefaultExpirationGrace, NewID: uuid.NewString}
}

func (p Policy) withDefaults() Policy {
	if p.Grace < 0 {
		p.Grace = 0
	}
	if p.NewID == nil {
		p.NewID = uuid.NewString
	}
	return p
}

// Process coordinates one order through reservation, payment and expiry.
// Exported fields are the persisted state.
type Process struct {
	ID                        string    `json:"id"`
	State                     State     `json:"state"`
	Completed                 bool      `json:"completed"`
	ConferenceID              string    `json:"conference_id"`
	OrderID                   string    `json:"order_id"`
	ReservationID             string    `json:"reservation_id"`
	ReservationAutoExpiration time.Time `json:"reservation_auto_expiration"`
	ExpirationCommandID       string    `json:"expiration_command_id,omitempty"`

	policy   Policy
	version  int
	changed  bool
	commands []messaging.Envelope
}

// NewProcess returns a process that has not started
func NewProcess(id string, policy Policy) *Process {
	return &Process{ID: id, policy: policy.withDefaults()}
}

func (p *Process) ProcessID() string                     { return p.ID }
func (p *Process) IsCompleted() bool                     { return p.Completed }
func (p *Process) Version() int                          { return p.version }
func (p *Process) SetVersion(v int)                      { p.version = v }
func (p *Process) PendingCommands() []messaging.Envelope { return p.commands }

// Changed reports whether Apply mutated the process since the last save
func (p *Process) Changed() bool { return p.changed }

func (p *Process) MarkSaved() {
	p.commands = nil
	p.changed = false
}

// Apply advances the process for one event or command
func (p *Process) Apply(message any) error {
	switch m := message.(type) {
	case *domain.OrderPlaced:
		if p.State != NotStarted {
			return p.invalid(domain.EventOrderPlaced)
		}
		p.ConferenceID = m.ConferenceID
		p.OrderID = m.AggregateID()
		p.ReservationID = p.policy.NewID()
		p.ReservationAutoExpiration = m.ReservationAutoExpiration
		p.transition(AwaitingReservationConfirmation)
		p.send(&domain.MakeSeatReservation{
			CommandMeta:   domain.NewCommandMeta(),
			ConferenceID:  p.ConferenceID,
			ReservationID: p.ReservationID,
			Seats:         m.Seats.Clone(),
		})

	case *domain.OrderUpdated:
		if p.Completed || (p.State != AwaitingReservationConfirmation && p.State != ReservationConfirmationReceived) {
			return p.invalid(domain.EventOrderUpdated)
		}
		p.transition(AwaitingReservationConfirmation)
		p.send(&domain.MakeSeatReservation{
			CommandMeta:   domain.NewCommandMeta(),
			ConferenceID:  p.ConferenceID,
			ReservationID: p.ReservationID,
			Seats:         m.Seats.Clone(),
		})

	case *domain.SeatsReserved:
		if p.Completed || p.State != AwaitingReservationConfirmation {
			return p.invalid(domain.EventSeatsReserved)
		}
		p.transition(ReservationConfirmationReceived)
		p.send(&domain.MarkSeatsAsReserved{
			CommandMeta: domain.NewCommandMeta(),
			OrderID:     p.OrderID,
			Seats:       m.ReservationDetails.Clone(),
			Expiration:  p.ReservationAutoExpiration,
		})
		if p.ExpirationCommandID == "" {
			expire := &domain.ExpireRegistrationProcess{CommandMeta: domain.NewCommandMeta(), ProcessID: p.ID}
			p.ExpirationCommandID = expire.ID
			p.commands = append(p.commands, messaging.Delayed(expire, p.ReservationAutoExpiration.Add(p.policy.Grace)).WithCorrelation(p.ID))
		}

	case *domain.PaymentCompleted:
		if p.Completed || p.State != ReservationConfirmationReceived {
			return p.invalid(domain.EventPaymentCompleted)
		}
		p.transition(PaymentConfirmationReceived)
		p.send(&domain.ConfirmOrder{CommandMeta: domain.NewCommandMeta(), OrderID: p.OrderID})

	case *domain.OrderConfirmed:
		if p.Completed {
			return nil
		}
		if p.State != ReservationConfirmationReceived && p.State != PaymentConfirmationReceived {
			return p.invalid(domain.EventOrderConfirmed)
		}
		p.ExpirationCommandID = ""
		p.Completed = true
		p.changed = true
		p.send(&domain.CommitSeatReservation{
			CommandMeta:   domain.NewCommandMeta(),
			ConferenceID:  p.ConferenceID,
			ReservationID: p.ReservationID,
		})

	case *domain.ExpireRegistrationProcess:
		if p.ExpirationCommandID == "" || p.ExpirationCommandID != m.ID {
			return nil
		}
		p.ExpirationCommandID = ""
		p.Completed = true
		p.changed = true
		p.send(
			&domain.CancelSeatReservation{
				CommandMeta:   domain.NewCommandMeta(),
				ConferenceID:  p.ConferenceID,
				ReservationID: p.ReservationID,
			},
			&domain.RejectOrder{CommandMeta: domain.NewCommandMeta(), OrderID: p.OrderID},
		)

	default:
		return fmt.Errorf("%w: registration process cannot handle %T", domain.ErrUnknownMessage, message)
	}
	return nil
}

func (p *Process) transition(to State) {
	p.State = to
	p.changed = true
}

func (p *Process) send(cmds ...domain.Command) {
	for _, c := range cmds {
		p.commands = append(p.commands, messaging.NewEnvelope(c).WithCorrelation(p.ID))
	}
}

func (p *Process) invalid(message string) error {
	return fmt.Errorf("%w: registration process %s cannot handle %s in state %s (completed=%t)",
		domain.ErrInvalidStageTransition, p.ID, message, p.State, p.Completed)
}
