package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimDueScript returns due members and pushes their score forward by the
// lease, so a scheduler that dies mid-delivery hands them to the next poll.
//
// KEYS[1] - scheduled commands zset
// ARGV[1] - now (unix ms)
// ARGV[2] - lease deadline (unix ms)
// ARGV[3] - max members to claim
const claimDueScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, member in ipairs(due) do
	redis.call('ZADD', KEYS[1], ARGV[2], member)
end
return due
`

// RedisSchedulerConfig contains configuration for the Redis scheduler
type RedisSchedulerConfig struct {
	Key          string
	PollInterval time.Duration
	// Lease is how long a claimed command stays invisible to other pollers
	Lease     time.Duration
	BatchSize int
}

// DefaultRedisSchedulerConfig returns default configuration
func DefaultRedisSchedulerConfig() *RedisSchedulerConfig {
	return &RedisSchedulerConfig{
		Key:          "registration:scheduled-commands",
		PollInterval: time.Second,
		Lease:        30 * time.Second,
		BatchSize:    100,
	}
}

// RedisScheduler parks delayed commands in a sorted set scored by due time
// and releases them to the command bus once due
type RedisScheduler struct {
	client *redis.Client
	bus    CommandBus
	config *RedisSchedulerConfig
	log    *logger.Logger
	now    func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewRedisScheduler creates a scheduler that releases due commands to bus
func NewRedisScheduler(client *redis.Client, bus CommandBus, config *RedisSchedulerConfig, log *logger.Logger) *RedisScheduler {
	if config == nil {
		config = DefaultRedisSchedulerConfig()
	}
	if config.Key == "" {
		config.Key = DefaultRedisSchedulerConfig().Key
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Lease <= 0 {
		config.Lease = 30 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if log == nil {
		log = logger.Get()
	}

	return &RedisScheduler{
		client: client,
		bus:    bus,
		config: config,
		log:    log.Named("scheduler"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetBus sets the bus due commands are released to. The command bus and the
// scheduler reference each other, so one of them is wired after construction.
func (s *RedisScheduler) SetBus(bus CommandBus) {
	s.bus = bus
}

// Schedule stores envelopes until their DeliverAt
func (s *RedisScheduler) Schedule(ctx context.Context, envelopes ...Envelope) error {
	if len(envelopes) == 0 {
		return nil
	}

	members := make([]goredis.Z, 0, len(envelopes))
	for _, env := range envelopes {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		members = append(members, goredis.Z{
			Score:  float64(env.DeliverAt.UnixMilli()),
			Member: string(data),
		})
	}

	if err := s.client.ZAdd(ctx, s.config.Key, members...).Err(); err != nil {
		return fmt.Errorf("failed to schedule commands: %w", err)
	}
	return nil
}

// Pending returns the number of commands waiting in the sorted set
func (s *RedisScheduler) Pending(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.config.Key).Result()
}

// Start starts the polling loop
func (s *RedisScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("Starting scheduler", zap.Duration("poll_interval", s.config.PollInterval))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if _, err := s.ReleaseDue(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("Failed to release due commands", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop stops the polling loop
func (s *RedisScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// ReleaseDue claims due commands, sends them and removes the ones sent.
// A command whose send fails becomes due again when its lease expires.
func (s *RedisScheduler) ReleaseDue(ctx context.Context) (int, error) {
	now := s.now()
	res, err := s.client.EvalWithFallback(ctx, "claim_due_commands", claimDueScript,
		[]string{s.config.Key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(s.config.Lease).UnixMilli(), 10),
		s.config.BatchSize,
	).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to claim due commands: %w", err)
	}

	released := 0
	for _, member := range res {
		var env Envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			s.log.Error("Dropping undecodable scheduled command", zap.Error(err))
			_ = s.client.ZRem(ctx, s.config.Key, member).Err()
			continue
		}

		// Due now; clearing DeliverAt keeps the bus from parking it again
		env.DeliverAt = time.Time{}
		if err := s.bus.Send(ctx, env); err != nil {
			return released, fmt.Errorf("failed to release command %s: %w", env.Command.CommandID(), err)
		}
		if err := s.client.ZRem(ctx, s.config.Key, member).Err(); err != nil {
			return released, fmt.Errorf("failed to remove released command: %w", err)
		}
		released++
	}

	if released > 0 {
		s.log.Debug("Released scheduled commands", zap.Int("count", released))
	}
	return released, nil
}
