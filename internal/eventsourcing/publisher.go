package eventsourcing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/internal/metrics"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"go.uber.org/zap"
)

// EventPublisher delivers events to the event bus
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// PublisherConfig contains configuration for the outbox publisher
type PublisherConfig struct {
	// PollInterval is the interval between polling for pending events
	PollInterval time.Duration
	// BatchSize is the number of events published per transaction
	BatchSize int
	// MaxBackoff caps the wait after consecutive publish failures
	MaxBackoff time.Duration
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
		MaxBackoff:   5 * time.Second,
	}
}

// Publisher drains the event store outbox into the event bus. Events are
// removed from the outbox only after the bus accepted them, so a crash between
// publish and delete re-publishes them on restart.
type Publisher struct {
	outbox Outbox
	bus    EventPublisher
	config *PublisherConfig
	log    *logger.Logger

	wakeCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	failures  int
	nextRetry time.Time
}

// NewPublisher creates a new outbox publisher
func NewPublisher(outbox Outbox, bus EventPublisher, config *PublisherConfig, log *logger.Logger) *Publisher {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if log == nil {
		log = logger.Get()
	}

	return &Publisher{
		outbox: outbox,
		bus:    bus,
		config: config,
		log:    log.Named("event-publisher"),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start starts the publishing loop
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("event publisher already running")
	}
	p.running = true
	p.mu.Unlock()

	p.log.Info("Starting event publisher",
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
	)

	p.wg.Add(1)
	go p.poll(ctx)

	return nil
}

// Stop stops the publisher and waits for the in-flight batch
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.Info("Stopping event publisher")
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("Event publisher stopped")
}

// Notify wakes the publisher without waiting for the next tick. It never blocks.
func (p *Publisher) Notify() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

func (p *Publisher) poll(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.wakeCh:
		}

		if time.Now().Before(p.nextRetry) {
			continue
		}
		if _, err := p.PublishPending(ctx); err != nil {
			p.backoff(err)
			continue
		}
		p.failures = 0
		p.nextRetry = time.Time{}
	}
}

func (p *Publisher) backoff(err error) {
	p.failures++
	wait := p.config.PollInterval << min(p.failures, 16)
	if p.config.MaxBackoff > 0 && wait > p.config.MaxBackoff {
		wait = p.config.MaxBackoff
	}
	p.nextRetry = time.Now().Add(wait)
	p.log.Warn("Failed to publish pending events",
		zap.Error(err),
		zap.Int("consecutive_failures", p.failures),
		zap.Duration("retry_in", wait),
	)
}

// PublishPending drains the outbox until it is empty or a batch fails.
// It returns the number of events published.
func (p *Publisher) PublishPending(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.outbox.ProcessPending(ctx, p.config.BatchSize, p.publishBatch)
		total += n
		if err != nil {
			metrics.Get().PublishFailures.Add(ctx, 1)
			return total, err
		}
		if n < p.config.BatchSize {
			return total, nil
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, batch []PendingEvent) error {
	events := make([]domain.Event, len(batch))
	for i, pe := range batch {
		events[i] = pe.Event
	}

	if err := p.bus.Publish(ctx, events...); err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(events), err)
	}

	metrics.Get().EventsPublished.Add(ctx, int64(len(events)))
	p.log.Debug("Published events", zap.Int("count", len(events)))
	return nil
}

// PublisherStats contains publisher statistics
type PublisherStats struct {
	IsRunning     bool `json:"is_running"`
	PendingEvents int  `json:"pending_events"`
}

// GetStats returns publisher statistics
func (p *Publisher) GetStats(ctx context.Context) (*PublisherStats, error) {
	pending, err := p.outbox.CountPending(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	return &PublisherStats{
		IsRunning:     running,
		PendingEvents: pending,
	}, nil
}
