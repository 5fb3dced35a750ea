package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/internal/processstore"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"go.uber.org/zap"
)

// SubscriberName is the event subscription of the registration process
const SubscriberName = "registration-process"

// Events the router subscribes to
var Events = []string{
	domain.EventOrderPlaced,
	domain.EventOrderUpdated,
	domain.EventSeatsReserved,
	domain.EventPaymentCompleted,
	domain.EventOrderConfirmed,
}

// Commands handled by the router
var Commands = []string{
	domain.CommandExpireRegistrationProcess,
}

// Store is the process store of registration processes
type Store = processstore.Store[*Process]

// NewStore creates a registration process store on backend
func NewStore(backend processstore.Backend, bus messaging.CommandBus, policy Policy, log *logger.Logger) *Store {
	policy = policy.withDefaults()
	return processstore.New(backend, ProcessType, func() *Process { return NewProcess("", policy) }, bus, log)
}

// Router correlates events and commands with registration processes
type Router struct {
	store   *Store
	policy  Policy
	retrier *retry.Retrier
	log     *logger.Logger
}

// NewRouter creates a new registration router
func NewRouter(store *Store, policy Policy, retrier *retry.Retrier, log *logger.Logger) *Router {
	if log == nil {
		log = logger.Get()
	}
	if retrier == nil {
		retrier = retry.New(nil)
	}
	return &Router{
		store:   store,
		policy:  policy.withDefaults(),
		retrier: retrier.WithRetryIf(domain.IsConcurrencyConflict),
		log:     log.Named("registration"),
	}
}

// Register subscribes the router to its events and expiration command
func (r *Router) Register(reg *messaging.Registry) error {
	if err := reg.Subscribe(SubscriberName, messaging.EventHandlerFunc(r.HandleEvent), Events...); err != nil {
		return err
	}
	return reg.HandleCommands(messaging.CommandHandlerFunc(r.HandleCommand), Commands...)
}

func (r *Router) HandleEvent(ctx context.Context, event domain.Event) error {
	switch e := event.(type) {
	case *domain.OrderPlaced:
		return r.start(ctx, e)
	case *domain.OrderUpdated:
		return r.route(ctx, e, r.byOrder(e.AggregateID()))
	case *domain.SeatsReserved:
		return r.route(ctx, e, r.byFilter(processstore.By("reservation_id", e.ReservationID)))
	case *domain.PaymentCompleted:
		return r.route(ctx, e, r.byOrder(e.OrderID))
	case *domain.OrderConfirmed:
		return r.route(ctx, e, r.byOrder(e.AggregateID()))
	default:
		return fmt.Errorf("%w: registration router cannot handle %s", domain.ErrUnknownMessage, event.EventType())
	}
}

func (r *Router) HandleCommand(ctx context.Context, cmd domain.Command) error {
	c, ok := cmd.(*domain.ExpireRegistrationProcess)
	if !ok {
		return fmt.Errorf("%w: registration router cannot handle %s", domain.ErrUnknownMessage, cmd.CommandType())
	}
	return r.route(ctx, c, func(ctx context.Context) (*Process, error) {
		return r.store.FindByID(ctx, c.ProcessID)
	})
}

// Find returns the process of an order, completed or not
func (r *Router) Find(ctx context.Context, orderID string) (*Process, error) {
	return r.store.Find(ctx, processstore.By("order_id", orderID), true)
}

func (r *Router) start(ctx context.Context, e *domain.OrderPlaced) error {
	existing, err := r.store.Find(ctx, processstore.By("order_id", e.AggregateID()), true)
	if err == nil {
		r.log.Info("Ignoring redelivered order placement",
			zap.String("order_id", e.AggregateID()),
			zap.String("process_id", existing.ID),
		)
		return nil
	}
	if !domain.IsNotFound(err) {
		return err
	}

	p := NewProcess(r.policy.NewID(), r.policy)
	if err := p.Apply(e); err != nil {
		return err
	}
	return r.store.Save(ctx, p)
}

type finder func(ctx context.Context) (*Process, error)

func (r *Router) byOrder(orderID string) finder {
	return r.byFilter(processstore.By("order_id", orderID))
}

func (r *Router) byFilter(filter processstore.Filter) finder {
	return func(ctx context.Context) (*Process, error) {
		return r.store.Find(ctx, filter, false)
	}
}

// route loads the correlated process, applies the message and saves,
// reloading when another message updated the process first
func (r *Router) route(ctx context.Context, message any, find finder) error {
	result := r.retrier.Do(ctx, func(ctx context.Context) error {
		p, err := find(ctx)
		if domain.IsNotFound(err) {
			r.log.Debug("No registration process for message", zap.String("message", fmt.Sprintf("%T", message)))
			return nil
		}
		if err != nil {
			return retry.Permanent(err)
		}

		if err := p.Apply(message); err != nil {
			return retry.Permanent(err)
		}
		if !p.Changed() {
			return nil
		}
		return r.store.Save(ctx, p)
	})

	switch {
	case result.Err == nil:
		return nil
	case errors.Is(result.Err, retry.ErrMaxRetriesExceeded):
		return fmt.Errorf("giving up after %d attempts: %w", result.Attempts, result.LastError)
	case errors.Is(result.Err, retry.ErrContextCanceled):
		return ctx.Err()
	default:
		return result.Err
	}
}
