package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	OTel         OTelConfig         `mapstructure:"otel"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Bus          BusConfig          `mapstructure:"bus"`
	Store        StoreConfig        `mapstructure:"store"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Registration RegistrationConfig `mapstructure:"registration"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	Version     string `mapstructure:"version"`
	LogLevel    string `mapstructure:"log_level"`
}

// ServerConfig holds the health/readiness HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// ConsumerGroup is used as a prefix; every event subscriber gets its own group
	ConsumerGroup string `mapstructure:"consumer_group"`
	ClientID      string `mapstructure:"client_id"`
	CommandTopic  string `mapstructure:"command_topic"`
	EventTopic    string `mapstructure:"event_topic"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// RetryConfig is the retry policy injected into handlers, bus and stores
type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	JitterFactor    float64       `mapstructure:"jitter_factor"`
}

// BusConfig selects and tunes the message transport
type BusConfig struct {
	Transport  string        `mapstructure:"transport"` // memory, kafka
	Partitions int           `mapstructure:"partitions"`
	DedupTTL   time.Duration `mapstructure:"dedup_ttl"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres
}

// OutboxConfig tunes the event store publisher
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// SchedulerConfig tunes the delayed-delivery poller
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// RegistrationConfig holds reservation timing policy
type RegistrationConfig struct {
	ReservationTTL  time.Duration `mapstructure:"reservation_ttl"`
	ExpirationGrace time.Duration `mapstructure:"expiration_grace"`
	// SweepInterval is how often processes with undispatched commands are retried
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// .env is optional, environment variables may carry everything
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadWithPath loads configuration from a specific path
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("APP_NAME", "conference-registration")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_VERSION", "1.0.0")
	v.SetDefault("APP_LOG_LEVEL", "info")

	// Server defaults (health endpoints only)
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8081)
	v.SetDefault("SERVER_READ_TIMEOUT", "10s")
	v.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	v.SetDefault("SERVER_IDLE_TIMEOUT", "60s")

	// Database defaults
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_DBNAME", "registration_db")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_CONN_MAX_IDLE_TIME", "30m")
	v.SetDefault("DATABASE_AUTO_MIGRATE", true)

	// Redis defaults
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 50)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 5)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	// Kafka defaults
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CONSUMER_GROUP", "conference-registration")
	v.SetDefault("KAFKA_CLIENT_ID", "conference-registration")
	v.SetDefault("KAFKA_COMMAND_TOPIC", "registration.commands")
	v.SetDefault("KAFKA_EVENT_TOPIC", "registration.events")

	// OTel defaults
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "conference-registration")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)

	// Retry policy defaults
	v.SetDefault("RETRY_MAX_RETRIES", 5)
	v.SetDefault("RETRY_INITIAL_INTERVAL", "50ms")
	v.SetDefault("RETRY_MAX_INTERVAL", "5s")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_JITTER_FACTOR", 0.1)

	// Bus defaults
	v.SetDefault("BUS_TRANSPORT", "memory")
	v.SetDefault("BUS_PARTITIONS", 16)
	v.SetDefault("BUS_DEDUP_TTL", "24h")

	// Store defaults
	v.SetDefault("STORE_DRIVER", "memory")

	// Outbox defaults
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)

	// Scheduler defaults
	v.SetDefault("SCHEDULER_POLL_INTERVAL", "1s")
	v.SetDefault("SCHEDULER_LEASE", "30s")
	v.SetDefault("SCHEDULER_BATCH_SIZE", 100)

	// Registration policy defaults
	v.SetDefault("REGISTRATION_RESERVATION_TTL", "15m")
	v.SetDefault("REGISTRATION_EXPIRATION_GRACE", "14m")
	v.SetDefault("REGISTRATION_SWEEP_INTERVAL", "30s")
	v.SetDefault("REGISTRATION_SWEEP_BATCH_SIZE", 100)
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	// App
	cfg.App.Name = v.GetString("APP_NAME")
	cfg.App.Environment = v.GetString("APP_ENVIRONMENT")
	cfg.App.Debug = v.GetBool("APP_DEBUG")
	cfg.App.Version = v.GetString("APP_VERSION")
	cfg.App.LogLevel = v.GetString("APP_LOG_LEVEL")

	// Server
	cfg.Server.Host = v.GetString("SERVER_HOST")
	cfg.Server.Port = v.GetInt("SERVER_PORT")
	cfg.Server.ReadTimeout = v.GetDuration("SERVER_READ_TIMEOUT")
	cfg.Server.WriteTimeout = v.GetDuration("SERVER_WRITE_TIMEOUT")
	cfg.Server.IdleTimeout = v.GetDuration("SERVER_IDLE_TIMEOUT")

	// Database
	cfg.Database.Host = v.GetString("DATABASE_HOST")
	cfg.Database.Port = v.GetInt("DATABASE_PORT")
	cfg.Database.User = v.GetString("DATABASE_USER")
	cfg.Database.Password = v.GetString("DATABASE_PASSWORD")
	cfg.Database.DBName = v.GetString("DATABASE_DBNAME")
	cfg.Database.SSLMode = v.GetString("DATABASE_SSLMODE")
	cfg.Database.MaxOpenConns = v.GetInt("DATABASE_MAX_OPEN_CONNS")
	cfg.Database.MaxIdleConns = v.GetInt("DATABASE_MAX_IDLE_CONNS")
	cfg.Database.ConnMaxLifetime = v.GetDuration("DATABASE_CONN_MAX_LIFETIME")
	cfg.Database.ConnMaxIdleTime = v.GetDuration("DATABASE_CONN_MAX_IDLE_TIME")
	cfg.Database.AutoMigrate = v.GetBool("DATABASE_AUTO_MIGRATE")

	// Redis
	cfg.Redis.Host = v.GetString("REDIS_HOST")
	cfg.Redis.Port = v.GetInt("REDIS_PORT")
	cfg.Redis.Password = v.GetString("REDIS_PASSWORD")
	cfg.Redis.DB = v.GetInt("REDIS_DB")
	cfg.Redis.PoolSize = v.GetInt("REDIS_POOL_SIZE")
	cfg.Redis.MinIdleConns = v.GetInt("REDIS_MIN_IDLE_CONNS")
	cfg.Redis.DialTimeout = v.GetDuration("REDIS_DIAL_TIMEOUT")
	cfg.Redis.ReadTimeout = v.GetDuration("REDIS_READ_TIMEOUT")
	cfg.Redis.WriteTimeout = v.GetDuration("REDIS_WRITE_TIMEOUT")

	// Kafka
	brokersStr := v.GetString("KAFKA_BROKERS")
	cfg.Kafka.Brokers = strings.Split(brokersStr, ",")
	cfg.Kafka.ConsumerGroup = v.GetString("KAFKA_CONSUMER_GROUP")
	cfg.Kafka.ClientID = v.GetString("KAFKA_CLIENT_ID")
	cfg.Kafka.CommandTopic = v.GetString("KAFKA_COMMAND_TOPIC")
	cfg.Kafka.EventTopic = v.GetString("KAFKA_EVENT_TOPIC")

	// OTel
	cfg.OTel.Enabled = v.GetBool("OTEL_ENABLED")
	cfg.OTel.ServiceName = v.GetString("OTEL_SERVICE_NAME")
	cfg.OTel.CollectorAddr = v.GetString("OTEL_COLLECTOR_ADDR")
	cfg.OTel.SampleRatio = v.GetFloat64("OTEL_SAMPLE_RATIO")

	// Retry
	cfg.Retry.MaxRetries = v.GetInt("RETRY_MAX_RETRIES")
	cfg.Retry.InitialInterval = v.GetDuration("RETRY_INITIAL_INTERVAL")
	cfg.Retry.MaxInterval = v.GetDuration("RETRY_MAX_INTERVAL")
	cfg.Retry.Multiplier = v.GetFloat64("RETRY_MULTIPLIER")
	cfg.Retry.JitterFactor = v.GetFloat64("RETRY_JITTER_FACTOR")

	// Bus
	cfg.Bus.Transport = strings.ToLower(v.GetString("BUS_TRANSPORT"))
	cfg.Bus.Partitions = v.GetInt("BUS_PARTITIONS")
	cfg.Bus.DedupTTL = v.GetDuration("BUS_DEDUP_TTL")

	// Store
	cfg.Store.Driver = strings.ToLower(v.GetString("STORE_DRIVER"))

	// Outbox
	cfg.Outbox.PollInterval = v.GetDuration("OUTBOX_POLL_INTERVAL")
	cfg.Outbox.BatchSize = v.GetInt("OUTBOX_BATCH_SIZE")

	// Scheduler
	cfg.Scheduler.PollInterval = v.GetDuration("SCHEDULER_POLL_INTERVAL")
	cfg.Scheduler.Lease = v.GetDuration("SCHEDULER_LEASE")
	cfg.Scheduler.BatchSize = v.GetInt("SCHEDULER_BATCH_SIZE")

	// Registration
	cfg.Registration.ReservationTTL = v.GetDuration("REGISTRATION_RESERVATION_TTL")
	cfg.Registration.ExpirationGrace = v.GetDuration("REGISTRATION_EXPIRATION_GRACE")
	cfg.Registration.SweepInterval = v.GetDuration("REGISTRATION_SWEEP_INTERVAL")
	cfg.Registration.SweepBatchSize = v.GetInt("REGISTRATION_SWEEP_BATCH_SIZE")

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Bus.Transport {
	case "memory", "kafka":
	default:
		return fmt.Errorf("unknown bus transport: %q", c.Bus.Transport)
	}

	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Bus.Transport == "kafka" && c.Store.Driver == "memory" {
		return fmt.Errorf("kafka transport requires the postgres store driver")
	}

	if c.Bus.Partitions <= 0 {
		return fmt.Errorf("BUS_PARTITIONS must be positive, got %d", c.Bus.Partitions)
	}

	if c.Registration.ReservationTTL <= 0 {
		return fmt.Errorf("REGISTRATION_RESERVATION_TTL must be positive")
	}

	if c.Registration.ExpirationGrace < 0 {
		return fmt.Errorf("REGISTRATION_EXPIRATION_GRACE must not be negative")
	}

	if c.Registration.SweepInterval <= 0 {
		return fmt.Errorf("REGISTRATION_SWEEP_INTERVAL must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX_RETRIES must not be negative")
	}

	return nil
}

// ValidateDatabase validates database configuration
func (c *Config) ValidateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("DATABASE_HOST is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("DATABASE_DBNAME is required")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
