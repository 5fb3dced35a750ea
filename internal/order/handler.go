package order

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/pkg/clock"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"go.uber.org/zap"
)

// DefaultReservationTTL is how long seats are held for a new order
const DefaultReservationTTL = 15 * time.Minute

// Commands handled by Handler
var Commands = []string{
	domain.CommandRegisterToConference,
	domain.CommandMarkSeatsAsReserved,
	domain.CommandMarkOrderAsBooked,
	domain.CommandRejectOrder,
	domain.CommandConfirmOrder,
	domain.CommandAssignRegistrantDetails,
}

// HandlerConfig holds the order handler dependencies
type HandlerConfig struct {
	Store          eventsourcing.EventStore
	Retrier        *retry.Retrier
	Clock          clock.Clock
	ReservationTTL time.Duration
	// AccessCodes generates the access code of new orders. Defaults to NewAccessCode.
	AccessCodes func() string
}

// Handler executes order commands
type Handler struct {
	repo        *eventsourcing.Repository[*Order]
	clock       clock.Clock
	ttl         time.Duration
	accessCodes func() string
	log         *logger.Logger
}

// NewHandler creates a new order command handler
func NewHandler(cfg HandlerConfig, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Get()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	if cfg.AccessCodes == nil {
		cfg.AccessCodes = NewAccessCode
	}
	return &Handler{
		repo:        eventsourcing.NewRepository(cfg.Store, StreamType, New, cfg.Retrier),
		clock:       cfg.Clock,
		ttl:         cfg.ReservationTTL,
		accessCodes: cfg.AccessCodes,
		log:         log.Named("order"),
	}
}

// Register adds the handler to the registry for every order command
func (h *Handler) Register(r *messaging.Registry) error {
	return r.HandleCommands(h, Commands...)
}

// Find loads an order
func (h *Handler) Find(ctx context.Context, orderID string) (*Order, error) {
	return h.repo.Find(ctx, orderID)
}

func (h *Handler) Handle(ctx context.Context, cmd domain.Command) error {
	switch c := cmd.(type) {
	case *domain.RegisterToConference:
		return h.repo.Execute(ctx, c.OrderID, eventsourcing.CreateIfMissing, func(o *Order) error {
			if o.State() == NotPlaced {
				return o.Place(c.ConferenceID, c.Seats, h.clock.Now().Add(h.ttl), h.accessCodes())
			}
			if o.ConferenceID() != c.ConferenceID {
				return fmt.Errorf("%w: order %s belongs to conference %s", domain.ErrInvalidRequest, c.OrderID, o.ConferenceID())
			}
			return o.UpdateSeats(c.Seats)
		})

	case *domain.MarkSeatsAsReserved:
		return h.existing(ctx, c, c.OrderID, func(o *Order) error {
			return o.MarkAsReserved(c.Expiration, c.Seats)
		})

	case *domain.MarkOrderAsBooked:
		return h.existing(ctx, c, c.OrderID, (*Order).MarkAsBooked)

	case *domain.RejectOrder:
		return h.existing(ctx, c, c.OrderID, (*Order).Reject)

	case *domain.ConfirmOrder:
		return h.existing(ctx, c, c.OrderID, (*Order).Confirm)

	case *domain.AssignRegistrantDetails:
		return h.existing(ctx, c, c.OrderID, func(o *Order) error {
			return o.AssignRegistrant(Registrant{Email: c.Email, FirstName: c.FirstName, LastName: c.LastName})
		})

	default:
		return fmt.Errorf("%w: order cannot handle %s", domain.ErrUnknownMessage, cmd.CommandType())
	}
}

// existing runs fn against an order that must already exist. A missing order
// is logged and the command dropped.
func (h *Handler) existing(ctx context.Context, cmd domain.Command, orderID string, fn func(*Order) error) error {
	err := h.repo.Execute(ctx, orderID, eventsourcing.MustExist, fn)
	if domain.IsNotFound(err) {
		h.log.Warn("Ignoring command for unknown order",
			zap.String("order_id", orderID),
			zap.String("command", cmd.CommandType()),
			zap.String("command_id", cmd.CommandID()),
		)
		return nil
	}
	return err
}
