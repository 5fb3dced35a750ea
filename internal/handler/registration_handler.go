package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/order"
	"github.com/prohmpiriya/conference-registration/internal/registration"
	"github.com/prohmpiriya/conference-registration/pkg/response"
)

// OrderFinder loads an order by id
type OrderFinder interface {
	Find(ctx context.Context, orderID string) (*order.Order, error)
}

// ProcessFinder loads the registration process of an order, completed or not
type ProcessFinder interface {
	Find(ctx context.Context, orderID string) (*registration.Process, error)
}

// RegistrationHandler exposes read-only views of an order and its
// registration process for operators
type RegistrationHandler struct {
	orders    OrderFinder
	processes ProcessFinder
}

func NewRegistrationHandler(orders OrderFinder, processes ProcessFinder) *RegistrationHandler {
	return &RegistrationHandler{orders: orders, processes: processes}
}

type OrderView struct {
	ID                    string          `json:"id"`
	ConferenceID          string          `json:"conference_id"`
	State                 string          `json:"state"`
	Requested             domain.Seats    `json:"requested"`
	Reserved              domain.Seats    `json:"reserved"`
	ReservationExpiration time.Time       `json:"reservation_expiration"`
	Registrant            *RegistrantView `json:"registrant,omitempty"`
	Version               int             `json:"version"`
}

type RegistrantView struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type ProcessView struct {
	ID                        string    `json:"id"`
	State                     string    `json:"state"`
	Completed                 bool      `json:"completed"`
	ReservationID             string    `json:"reservation_id,omitempty"`
	ReservationAutoExpiration time.Time `json:"reservation_auto_expiration"`
	ExpirationScheduled       bool      `json:"expiration_scheduled"`
}

type RegistrationView struct {
	Order   OrderView    `json:"order"`
	Process *ProcessView `json:"process,omitempty"`
}

// Get returns the order and, once the saga has started, its process
func (h *RegistrationHandler) Get(c *gin.Context) {
	orderID := c.Param("order_id")
	if orderID == "" {
		response.BadRequest(c, "order_id is required")
		return
	}
	ctx := c.Request.Context()

	o, err := h.orders.Find(ctx, orderID)
	if domain.IsNotFound(err) {
		response.NotFound(c, "order not found")
		return
	}
	if err != nil {
		response.InternalError(c, err)
		return
	}

	view := RegistrationView{Order: orderView(o)}

	p, err := h.processes.Find(ctx, orderID)
	switch {
	case err == nil:
		view.Process = &ProcessView{
			ID:                        p.ID,
			State:                     p.State.String(),
			Completed:                 p.Completed,
			ReservationID:             p.ReservationID,
			ReservationAutoExpiration: p.ReservationAutoExpiration,
			ExpirationScheduled:       p.ExpirationCommandID != "",
		}
	case !domain.IsNotFound(err):
		response.InternalError(c, err)
		return
	}

	response.Success(c, view)
}

// Register mounts the registration routes on router
func (h *RegistrationHandler) Register(router gin.IRouter) {
	router.GET("/registrations/:order_id", h.Get)
}

func orderView(o *order.Order) OrderView {
	view := OrderView{
		ID:                    o.AggregateID(),
		ConferenceID:          o.ConferenceID(),
		State:                 o.State().String(),
		Requested:             o.Requested(),
		Reserved:              o.Reserved(),
		ReservationExpiration: o.ReservationExpiration(),
		Version:               o.Version(),
	}
	if r := o.Registrant(); r.Email != "" {
		view.Registrant = &RegistrantView{Email: r.Email, FirstName: r.FirstName, LastName: r.LastName}
	}
	return view
}
