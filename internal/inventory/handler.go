package inventory

import (
	"context"
	"fmt"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"go.uber.org/zap"
)

// Commands handled by Handler
var Commands = []string{
	domain.CommandAddSeats,
	domain.CommandRemoveSeats,
	domain.CommandMakeSeatReservation,
	domain.CommandCommitSeatReservation,
	domain.CommandCancelSeatReservation,
}

// Handler executes seat inventory commands. Each command reloads the
// conference inventory and retries on concurrent modification.
type Handler struct {
	repo *eventsourcing.Repository[*SeatsAvailability]
	log  *logger.Logger
}

// NewHandler creates a new inventory command handler
func NewHandler(store eventsourcing.EventStore, retrier *retry.Retrier, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Get()
	}
	return &Handler{
		repo: eventsourcing.NewRepository(store, StreamType, New, retrier),
		log:  log.Named("inventory"),
	}
}

// Register adds the handler to the registry for every inventory command
func (h *Handler) Register(r *messaging.Registry) error {
	return r.HandleCommands(h, Commands...)
}

// Find loads the inventory of a conference
func (h *Handler) Find(ctx context.Context, conferenceID string) (*SeatsAvailability, error) {
	return h.repo.Find(ctx, conferenceID)
}

func (h *Handler) Handle(ctx context.Context, cmd domain.Command) error {
	switch c := cmd.(type) {
	case *domain.AddSeats:
		return h.repo.Execute(ctx, c.ConferenceID, eventsourcing.CreateIfMissing, func(a *SeatsAvailability) error {
			return a.AddSeats(c.SeatType, c.Quantity)
		})

	case *domain.RemoveSeats:
		err := h.repo.Execute(ctx, c.ConferenceID, eventsourcing.MustExist, func(a *SeatsAvailability) error {
			return a.RemoveSeats(c.SeatType, c.Quantity)
		})
		if domain.IsNotFound(err) {
			return fmt.Errorf("%w: no seats published for conference %s", domain.ErrInvalidRequest, c.ConferenceID)
		}
		return err

	case *domain.MakeSeatReservation:
		err := h.repo.Execute(ctx, c.ConferenceID, eventsourcing.MustExist, func(a *SeatsAvailability) error {
			return a.MakeReservation(c.ReservationID, c.Seats)
		})
		if domain.IsNotFound(err) {
			return fmt.Errorf("%w: no seats published for conference %s", domain.ErrInvalidRequest, c.ConferenceID)
		}
		return err

	case *domain.CommitSeatReservation:
		return h.ignoreMissing(c.ConferenceID, c.ReservationID, h.repo.Execute(ctx, c.ConferenceID, eventsourcing.MustExist, func(a *SeatsAvailability) error {
			return a.CommitReservation(c.ReservationID)
		}))

	case *domain.CancelSeatReservation:
		return h.ignoreMissing(c.ConferenceID, c.ReservationID, h.repo.Execute(ctx, c.ConferenceID, eventsourcing.MustExist, func(a *SeatsAvailability) error {
			return a.CancelReservation(c.ReservationID)
		}))

	default:
		return fmt.Errorf("%w: inventory cannot handle %s", domain.ErrUnknownMessage, cmd.CommandType())
	}
}

func (h *Handler) ignoreMissing(conferenceID, reservationID string, err error) error {
	if domain.IsNotFound(err) {
		h.log.Warn("Ignoring reservation command for unknown conference",
			zap.String("conference_id", conferenceID),
			zap.String("reservation_id", reservationID),
		)
		return nil
	}
	return err
}
