package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers       []string
	ClientID      string
	MaxRetries    int
	RetryInterval time.Duration
	// ProduceTimeout bounds a single synchronous produce call
	ProduceTimeout time.Duration
}

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() *ProducerConfig {
	return &ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "conference-registration",
		MaxRetries:     3,
		RetryInterval:  time.Second,
		ProduceTimeout: 10 * time.Second,
	}
}

// Message is a record to be produced
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer produces records synchronously so callers know a message was acknowledged
type Producer struct {
	client *kgo.Client
	config *ProducerConfig
}

// NewProducer creates a producer and verifies connectivity
func NewProducer(ctx context.Context, cfg *ProducerConfig) (*Producer, error) {
	if cfg == nil {
		cfg = DefaultProducerConfig()
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = 10 * time.Second
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(int) time.Duration { return cfg.RetryInterval }),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(cfg.RetryInterval)
		}
		if lastErr = client.Ping(ctx); lastErr == nil {
			return &Producer{client: client, config: cfg}, nil
		}
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to kafka after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Produce sends one message and waits for the broker acknowledgement
func (p *Producer) Produce(ctx context.Context, msg *Message) error {
	return p.ProduceBatch(ctx, []*Message{msg})
}

// ProduceBatch sends messages and waits until all of them are acknowledged.
// Records sharing a key keep their relative order.
func (p *Producer) ProduceBatch(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, toRecord(msg))
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ProduceTimeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to kafka: %w", err)
	}
	return nil
}

// ProduceJSON marshals data and produces it with a content_type header
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal kafka payload: %w", err)
	}

	h := map[string]string{"content_type": "application/json"}
	for k, v := range headers {
		h[k] = v
	}

	return p.Produce(ctx, &Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     value,
		Headers:   h,
		Timestamp: time.Now(),
	})
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the producer
func (p *Producer) Close() {
	p.client.Close()
}

func toRecord(msg *Message) *kgo.Record {
	rec := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return rec
}
