package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Record is a consumed kafka record
type Record = kgo.Record

// ErrConsumerClosed is returned by Poll once the consumer is closed
var ErrConsumerClosed = errors.New("kafka consumer closed")

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	ClientID       string
	MaxRetries     int
	RetryInterval  time.Duration
	SessionTimeout time.Duration
	// MaxPollRecords caps records returned by a single Poll
	MaxPollRecords int
}

// Consumer is a consumer-group member with manual offset commits
type Consumer struct {
	client *kgo.Client
	config *ConsumerConfig
}

// NewConsumer creates a consumer and verifies connectivity
func NewConsumer(ctx context.Context, cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("consumer config is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.SessionTimeout*2),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.RetryInterval)
		}
		if lastErr = client.Ping(ctx); lastErr == nil {
			return &Consumer{client: client, config: cfg}, nil
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to kafka after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Poll blocks until records are available or ctx is done
func (c *Consumer) Poll(ctx context.Context) ([]*Record, error) {
	fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, ErrConsumerClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if errs := fetches.Errors(); len(errs) > 0 {
		fe := errs[0]
		return fetches.Records(), fmt.Errorf("fetch error on %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
	}

	return fetches.Records(), nil
}

// CommitRecords commits offsets for the given records
func (c *Consumer) CommitRecords(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	return c.client.CommitRecords(ctx, records...)
}

// Ping checks broker connectivity
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

// Header returns the value of a record header, or "" if absent
func Header(rec *Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
