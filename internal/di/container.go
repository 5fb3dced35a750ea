package di

import (
	"context"
	"fmt"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/handler"
	"github.com/prohmpiriya/conference-registration/internal/inventory"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/internal/order"
	"github.com/prohmpiriya/conference-registration/internal/processstore"
	"github.com/prohmpiriya/conference-registration/internal/registration"
	"github.com/prohmpiriya/conference-registration/pkg/clock"
	"github.com/prohmpiriya/conference-registration/pkg/config"
	"github.com/prohmpiriya/conference-registration/pkg/database"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/redis"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"go.uber.org/zap"
)

// Container holds all dependencies of the registration core
type Container struct {
	Config *config.Config
	Log    *logger.Logger

	// Infrastructure
	DB       *database.PostgresDB
	Redis    *redis.Client
	Producer *kafka.Producer

	// Messaging
	Retrier    *retry.Retrier
	Registry   *messaging.Registry
	DLQ        retry.DLQPublisher
	Dispatcher *messaging.Dispatcher
	MemoryBus  *messaging.MemoryBus
	Scheduler  *messaging.RedisScheduler
	CommandBus messaging.CommandBus
	EventBus   messaging.EventBus

	// Stores
	Events    eventsourcing.EventStore
	Outbox    eventsourcing.Outbox
	Publisher *eventsourcing.Publisher
	Processes *registration.Store

	// Handlers
	Inventory     *inventory.Handler
	Orders        *order.Handler
	Registration  *registration.Router
	MessageLog    *messaging.MessageLog
	HealthHandler *handler.HealthHandler
	Lookup        *handler.RegistrationHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config *config.Config
	Clock  clock.Clock
	Log    *logger.Logger

	// Required by the postgres store driver
	DB *database.PostgresDB
	// Required by the kafka transport
	Redis    *redis.Client
	Producer *kafka.Producer
}

// NewContainer wires every component and verifies that each command has a
// handler and each event a subscriber
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	if cfg == nil || cfg.Config == nil {
		return nil, fmt.Errorf("container config is required")
	}
	if cfg.Log == nil {
		cfg.Log = logger.Get()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	appCfg := cfg.Config

	c := &Container{
		Config:   appCfg,
		Log:      cfg.Log,
		DB:       cfg.DB,
		Redis:    cfg.Redis,
		Producer: cfg.Producer,
		Registry: messaging.NewRegistry(),
		Retrier: retry.New(&retry.Config{
			MaxRetries:      appCfg.Retry.MaxRetries,
			InitialInterval: appCfg.Retry.InitialInterval,
			MaxInterval:     appCfg.Retry.MaxInterval,
			Multiplier:      appCfg.Retry.Multiplier,
			JitterFactor:    appCfg.Retry.JitterFactor,
		}),
	}

	if err := c.initMessaging(); err != nil {
		return nil, err
	}
	if err := c.initStores(); err != nil {
		return nil, err
	}
	if err := c.initHandlers(cfg.Clock); err != nil {
		return nil, err
	}

	if err := c.Registry.Verify(domain.CommandTypes(), domain.EventTypes()); err != nil {
		return nil, fmt.Errorf("incomplete message registry: %w", err)
	}

	var kafkaPing handler.Pinger
	if c.Producer != nil {
		kafkaPing = c.Producer
	}
	c.HealthHandler = handler.NewHealthHandler(c.DB, c.Redis, kafkaPing, c.Publisher)
	c.Lookup = handler.NewRegistrationHandler(c.Orders, c.Registration)

	return c, nil
}

func (c *Container) initMessaging() error {
	cfg := c.Config

	var dedup messaging.Deduplicator = messaging.NewMemoryDeduplicator(cfg.Bus.DedupTTL)
	if c.Redis != nil {
		dedup = messaging.NewRedisDeduplicator(c.Redis, "", cfg.Bus.DedupTTL)
	}

	dlqCfg := retry.DefaultDLQConfig()
	dlqCfg.Source = cfg.App.Name
	c.DLQ = retry.NewMemoryDLQPublisher(dlqCfg)
	if c.Producer != nil {
		c.DLQ = retry.NewKafkaDLQPublisher(&retry.KafkaProducerAdapter{Producer: c.Producer}, dlqCfg)
	}

	c.Dispatcher = messaging.NewDispatcher(c.Registry, messaging.DispatcherConfig{
		Retrier:      c.Retrier,
		DLQ:          c.DLQ,
		Dedup:        dedup,
		CommandTopic: cfg.Kafka.CommandTopic,
		EventTopic:   cfg.Kafka.EventTopic,
		ServiceName:  cfg.App.Name,
	}, c.Log)

	switch cfg.Bus.Transport {
	case "kafka":
		if c.Producer == nil || c.Redis == nil {
			return fmt.Errorf("kafka transport requires a kafka producer and redis")
		}
		c.Scheduler = messaging.NewRedisScheduler(c.Redis, nil, &messaging.RedisSchedulerConfig{
			PollInterval: cfg.Scheduler.PollInterval,
			Lease:        cfg.Scheduler.Lease,
			BatchSize:    cfg.Scheduler.BatchSize,
		}, c.Log)
		commands := messaging.NewKafkaCommandBus(c.Producer, cfg.Kafka.CommandTopic, c.Scheduler)
		c.Scheduler.SetBus(commands)
		c.CommandBus = commands
		c.EventBus = messaging.NewKafkaEventBus(c.Producer, cfg.Kafka.EventTopic)

	default:
		c.MemoryBus = messaging.NewMemoryBus(c.Dispatcher, cfg.Bus.Partitions, c.Log)
		c.CommandBus = c.MemoryBus
		c.EventBus = c.MemoryBus
	}

	c.MessageLog = messaging.NewMessageLog(c.Log)
	if cfg.App.Debug {
		c.CommandBus = c.MessageLog.Commands(c.CommandBus)
	}
	return nil
}

func (c *Container) initStores() error {
	cfg := c.Config

	var (
		store   eventsourcing.EventStore
		backend processstore.Backend
	)

	switch cfg.Store.Driver {
	case "postgres":
		if c.DB == nil {
			return fmt.Errorf("postgres store driver requires a database connection")
		}
		pgStore := eventsourcing.NewPostgresStore(c.DB.Pool())
		store, c.Outbox = pgStore, pgStore
		backend = processstore.NewPostgresBackend(c.DB.Pool())

	default:
		memStore := eventsourcing.NewMemoryStore()
		store, c.Outbox = memStore, memStore
		backend = processstore.NewMemoryBackend()
	}

	c.Publisher = eventsourcing.NewPublisher(c.Outbox, c.EventBus, &eventsourcing.PublisherConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxBackoff:   5 * time.Second,
	}, c.Log)
	c.Events = eventsourcing.NewNotifyingStore(store, c.Publisher.Notify)

	c.Processes = registration.NewStore(backend, c.CommandBus, c.policy(), c.Log)
	return nil
}

func (c *Container) initHandlers(clk clock.Clock) error {
	cfg := c.Config

	c.Inventory = inventory.NewHandler(c.Events, c.Retrier, c.Log)
	c.Orders = order.NewHandler(order.HandlerConfig{
		Store:          c.Events,
		Retrier:        c.Retrier,
		Clock:          clk,
		ReservationTTL: cfg.Registration.ReservationTTL,
	}, c.Log)
	c.Registration = registration.NewRouter(c.Processes, c.policy(), c.Retrier, c.Log)

	registrations := []struct {
		name     string
		register func(*messaging.Registry) error
	}{
		{"inventory", c.Inventory.Register},
		{"order", c.Orders.Register},
		{"registration", c.Registration.Register},
		{"message-log", c.MessageLog.Register},
	}
	for _, r := range registrations {
		if err := r.register(c.Registry); err != nil {
			return fmt.Errorf("failed to register %s handlers: %w", r.name, err)
		}
	}
	return nil
}

func (c *Container) policy() registration.Policy {
	policy := registration.DefaultPolicy()
	policy.Grace = c.Config.Registration.ExpirationGrace
	return policy
}

// Send wraps commands in envelopes and puts them on the command bus
func (c *Container) Send(ctx context.Context, cmds ...domain.Command) error {
	return messaging.SendCommands(ctx, c.CommandBus, cmds...)
}

// KafkaProcessors creates one consumer for the command topic and one consumer
// group per event subscriber. The returned consumers must be closed by the caller.
func (c *Container) KafkaProcessors(ctx context.Context) ([]*messaging.KafkaProcessor, []*kafka.Consumer, error) {
	cfg := c.Config

	var (
		processors []*messaging.KafkaProcessor
		consumers  []*kafka.Consumer
	)
	closeAll := func() {
		for _, consumer := range consumers {
			consumer.Close()
		}
	}

	newConsumer := func(group, topic string) (*kafka.Consumer, error) {
		consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       cfg.Kafka.ConsumerGroup + "." + group,
			Topics:        []string{topic},
			ClientID:      cfg.Kafka.ClientID,
			MaxRetries:    3,
			RetryInterval: 2 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", group, err)
		}
		consumers = append(consumers, consumer)
		return consumer, nil
	}

	commands, err := newConsumer("commands", cfg.Kafka.CommandTopic)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	processors = append(processors, messaging.NewCommandProcessor(commands, c.Dispatcher, c.Log))

	for _, name := range c.Registry.SubscriberNames() {
		events, err := newConsumer(name, cfg.Kafka.EventTopic)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		processors = append(processors, messaging.NewEventProcessor(name, events, c.Dispatcher, c.Log))
	}

	c.Log.Info("Kafka processors created",
		zap.Int("processors", len(processors)),
		zap.Strings("subscribers", c.Registry.SubscriberNames()),
	)
	return processors, consumers, nil
}
