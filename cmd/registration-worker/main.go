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
	"github.com/prohmpiriya/conference-registration/internal/di"
	"github.com/prohmpiriya/conference-registration/migrations"
	"github.com/prohmpiriya/conference-registration/pkg/config"
	"github.com/prohmpiriya/conference-registration/pkg/database"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/middleware"
	pkgredis "github.com/prohmpiriya/conference-registration/pkg/redis"
	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "registration-worker"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
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
	appLog.Info("Starting Registration Worker...",
		zap.String("transport", cfg.Bus.Transport),
		zap.String("store", cfg.Store.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
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
			appLog.Info("OpenTelemetry tracing initialized")
		}
	}

	containerCfg := &di.ContainerConfig{Config: cfg, Log: appLog}

	// PostgreSQL backs the event store, the outbox and the process store
	if cfg.Store.Driver == "postgres" {
		db, err := database.NewPostgres(ctx, &database.PostgresConfig{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			Database:        cfg.Database.DBName,
			SSLMode:         cfg.Database.SSLMode,
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			MaxRetries:      3,
			RetryInterval:   2 * time.Second,
			EnableTracing:   cfg.OTel.Enabled,
			ServiceName:     serviceName,
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
			appLog.Info("Migrations applied")
		}
		containerCfg.DB = db
	}

	// Kafka carries commands and events; Redis holds delayed commands and dedup keys
	if cfg.Bus.Transport == "kafka" {
		redis, err := pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			MaxRetries:    3,
			RetryInterval: 2 * time.Second,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
		}
		defer redis.Close()
		appLog.Info("Redis connected")

		producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:       cfg.Kafka.Brokers,
			ClientID:      cfg.Kafka.ClientID + "-worker",
			MaxRetries:    3,
			RetryInterval: time.Second,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
		}
		defer producer.Close()
		appLog.Info("Kafka producer connected")

		containerCfg.Redis = redis
		containerCfg.Producer = producer
	}

	container, err := di.NewContainer(containerCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}

	g, gctx := errgroup.WithContext(ctx)

	switch cfg.Bus.Transport {
	case "kafka":
		processors, consumers, err := container.KafkaProcessors(gctx)
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to create Kafka processors: %v", err))
		}
		defer func() {
			for _, consumer := range consumers {
				consumer.Close()
			}
		}()
		for _, p := range processors {
			g.Go(func() error { return p.Run(gctx) })
		}

		if err := container.Scheduler.Start(gctx); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to start scheduler: %v", err))
		}
		defer container.Scheduler.Stop()

	default:
		if err := container.MemoryBus.Start(gctx); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to start memory bus: %v", err))
		}
		defer container.MemoryBus.Stop()

		// Without Kafka there is no separate publisher deployment
		if err := container.Publisher.Start(gctx); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to start event publisher: %v", err))
		}
		defer container.Publisher.Stop()
	}

	g.Go(func() error {
		container.Processes.Sweep(gctx, cfg.Registration.SweepInterval, cfg.Registration.SweepBatchSize)
		return nil
	})

	// Health and diagnostics server
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.Logger(appLog), middleware.Recovery(appLog))
	container.HealthHandler.Register(router)
	container.Lookup.Register(router.Group("/api/v1"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		appLog.Info(fmt.Sprintf("Health server listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLog.Info("Shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	appLog.Info("Registration Worker started successfully")

	if err := g.Wait(); err != nil {
		appLog.Error("Worker stopped with error", zap.Error(err))
	}
	appLog.Info("Worker exited gracefully")
}
