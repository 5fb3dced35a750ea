package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prohmpiriya/conference-registration/internal/eventsourcing"
	"github.com/prohmpiriya/conference-registration/internal/handler"
	"github.com/prohmpiriya/conference-registration/internal/messaging"
	"github.com/prohmpiriya/conference-registration/migrations"
	"github.com/prohmpiriya/conference-registration/pkg/config"
	"github.com/prohmpiriya/conference-registration/pkg/database"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/middleware"
	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "event-publisher"

// The event publisher drains the event store outbox to the Kafka event topic.
// It runs apart from the worker so publishing keeps up (and retries) on its own.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Store.Driver != "postgres" || cfg.Bus.Transport != "kafka" {
		log.Fatalf("event publisher requires STORE_DRIVER=postgres and BUS_TRANSPORT=kafka")
	}

	logCfg := &logger.Config{
		Level:       cfg.App.LogLevel,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Event Publisher...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTel.Enabled {
		_, err := telemetry.Init(ctx, &telemetry.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			ServiceVersion: cfg.App.Version,
			CollectorAddr:  cfg.OTel.CollectorAddr,
			SampleRatio:    cfg.OTel.SampleRatio,
			Environment:    cfg.App.Environment,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize tracer (continuing without tracing): %v", err))
		} else {
			defer telemetry.Shutdown(context.Background())
		}
	}

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:          cfg.Database.Host,
		Port:          cfg.Database.Port,
		User:          cfg.Database.User,
		Password:      cfg.Database.Password,
		Database:      cfg.Database.DBName,
		SSLMode:       cfg.Database.SSLMode,
		MaxConns:      5,
		MinConns:      1,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		EnableTracing: cfg.OTel.Enabled,
		ServiceName:   serviceName,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

	if cfg.Database.AutoMigrate {
		if err := migrations.Apply(ctx, db.Pool()); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to apply migrations: %v", err))
		}
	}

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID + "-publisher",
		MaxRetries:    3,
		RetryInterval: time.Second,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka producer connected")

	publisher := eventsourcing.NewPublisher(
		eventsourcing.NewPostgresStore(db.Pool()),
		messaging.NewKafkaEventBus(producer, cfg.Kafka.EventTopic),
		&eventsourcing.PublisherConfig{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			MaxBackoff:   5 * time.Second,
		},
		appLog,
	)
	if err := publisher.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start event publisher: %v", err))
	}
	defer publisher.Stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(appLog), middleware.Recovery(appLog))
	handler.NewHealthHandler(db, nil, producer, publisher).Register(router)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLog.Info(fmt.Sprintf("Health server listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("Shutting down event publisher...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLog.Error("Event publisher stopped with error", zap.Error(err))
	}
	appLog.Info("Event publisher exited gracefully")
}
