package messaging

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"go.uber.org/zap"
)

type delivery struct {
	envelope   *Envelope
	event      domain.Event
	subscriber string
}

// partition is an unbounded FIFO drained by a single worker, so handlers can
// send to any partition, their own included, without blocking.
type partition struct {
	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
}

func (p *partition) push(d delivery) {
	p.mu.Lock()
	p.queue = append(p.queue, d)
	p.mu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *partition) pop() (delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return delivery{}, false
	}
	d := p.queue[0]
	p.queue[0] = delivery{}
	p.queue = p.queue[1:]
	return d, true
}

// MemoryBus is an in-process CommandBus and EventBus. Messages with the same
// partition key are handled by one worker in send order. Each event subscriber
// gets its own partition key space, so subscribers never wait on each other.
type MemoryBus struct {
	dispatcher *Dispatcher
	partitions []*partition
	log        *logger.Logger

	inflight atomic.Int64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	timers  map[*time.Timer]struct{}
}

// NewMemoryBus creates a bus with n partition workers
func NewMemoryBus(dispatcher *Dispatcher, n int, log *logger.Logger) *MemoryBus {
	if n <= 0 {
		n = 16
	}
	if log == nil {
		log = logger.Get()
	}

	parts := make([]*partition, n)
	for i := range parts {
		parts[i] = &partition{signal: make(chan struct{}, 1)}
	}

	return &MemoryBus{
		dispatcher: dispatcher,
		partitions: parts,
		log:        log.Named("memory-bus"),
		stopCh:     make(chan struct{}),
		timers:     make(map[*time.Timer]struct{}),
	}
}

// Start starts the partition workers
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("memory bus already running")
	}
	b.running = true
	b.mu.Unlock()

	b.log.Info("Starting memory bus", zap.Int("partitions", len(b.partitions)))

	for _, p := range b.partitions {
		b.wg.Add(1)
		go b.work(ctx, p)
	}
	return nil
}

// Stop stops the workers and drops scheduled messages
func (b *MemoryBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	for t := range b.timers {
		t.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()
	b.log.Info("Memory bus stopped")
}

// Send enqueues commands by partition key; commands with a future DeliverAt
// are held on a timer until due.
func (b *MemoryBus) Send(ctx context.Context, envelopes ...Envelope) error {
	now := time.Now()
	for i := range envelopes {
		env := envelopes[i]
		if env.Command == nil {
			return fmt.Errorf("envelope has no command")
		}
		if env.IsDue(now) {
			b.enqueue(env.Command.PartitionKey(), delivery{envelope: &env})
			continue
		}
		b.schedule(env, env.DeliverAt.Sub(now))
	}
	return nil
}

// Schedule holds envelopes until DeliverAt; it makes MemoryBus a Scheduler too
func (b *MemoryBus) Schedule(ctx context.Context, envelopes ...Envelope) error {
	return b.Send(ctx, envelopes...)
}

// Publish enqueues one delivery per subscriber of each event
func (b *MemoryBus) Publish(ctx context.Context, events ...domain.Event) error {
	registry := b.dispatcher.Registry()
	for _, e := range events {
		for _, s := range registry.Subscribers(e.EventType()) {
			b.enqueue(s.Name+"/"+e.AggregateID(), delivery{event: e, subscriber: s.Name})
		}
	}
	return nil
}

// Idle reports whether no message is queued or being handled. Scheduled
// messages that are not yet due do not count.
func (b *MemoryBus) Idle() bool {
	return b.inflight.Load() == 0
}

// Scheduled returns the number of messages waiting for their DeliverAt
func (b *MemoryBus) Scheduled() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

func (b *MemoryBus) schedule(env Envelope, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		b.mu.Lock()
		_, live := b.timers[t]
		delete(b.timers, t)
		b.mu.Unlock()
		if live {
			b.enqueue(env.Command.PartitionKey(), delivery{envelope: &env})
		}
	})
	b.timers[t] = struct{}{}
}

func (b *MemoryBus) enqueue(key string, d delivery) {
	b.inflight.Add(1)
	b.partitions[partitionFor(key, len(b.partitions))].push(d)
}

func (b *MemoryBus) work(ctx context.Context, p *partition) {
	defer b.wg.Done()

	for {
		d, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-p.signal:
				continue
			}
		}

		b.handle(ctx, d)
		b.inflight.Add(-1)
	}
}

func (b *MemoryBus) handle(ctx context.Context, d delivery) {
	var err error
	if d.envelope != nil {
		err = b.dispatcher.DispatchCommand(ctx, *d.envelope)
	} else {
		err = b.dispatcher.DispatchEvent(ctx, d.subscriber, d.event)
	}
	// Only shutdown interrupts the dispatcher; the message is lost with the process
	if err != nil && ctx.Err() == nil {
		b.log.Error("Message dropped", zap.Error(err))
	}
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
