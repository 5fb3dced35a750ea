package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMemoryBus(t *testing.T, f *dispatcherFixture, partitions int) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(f.dispatcher, partitions, logger.NewNop())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Stop)
	return bus
}

func TestMemoryBus_OrderedPerPartitionKey(t *testing.T) {
	f := newDispatcherFixture(t, 0)

	var mu sync.Mutex
	seen := make(map[string][]string)
	require.NoError(t, f.registry.HandleCommands(CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error {
		c := cmd.(*domain.AssignRegistrantDetails)
		mu.Lock()
		seen[c.OrderID] = append(seen[c.OrderID], c.Email)
		mu.Unlock()
		return nil
	}), domain.CommandAssignRegistrantDetails))

	bus := startMemoryBus(t, f, 4)

	var want []string
	for i := 0; i < 50; i++ {
		email := string(rune('a'+i%26)) + "@example.com"
		want = append(want, email)
		for _, order := range []string{"o1", "o2"} {
			require.NoError(t, SendCommands(context.Background(), bus, &domain.AssignRegistrantDetails{
				CommandMeta: domain.NewCommandMeta(),
				OrderID:     order,
				Email:       email,
			}))
		}
	}

	require.Eventually(t, bus.Idle, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen["o1"])
	assert.Equal(t, want, seen["o2"])
}

func TestMemoryBus_DelayedDelivery(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	delivered := make(chan time.Time, 1)
	require.NoError(t, f.registry.HandleCommands(CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error {
		delivered <- time.Now()
		return nil
	}), domain.CommandExpireRegistrationProcess))

	bus := startMemoryBus(t, f, 2)

	deliverAt := time.Now().Add(50 * time.Millisecond)
	require.NoError(t, bus.Send(context.Background(), Delayed(&domain.ExpireRegistrationProcess{
		CommandMeta: domain.NewCommandMeta(),
		ProcessID:   "p1",
	}, deliverAt)))
	assert.Equal(t, 1, bus.Scheduled())

	select {
	case at := <-delivered:
		assert.False(t, at.Before(deliverAt), "delivered before DeliverAt")
	case <-time.After(time.Second):
		t.Fatal("delayed command never delivered")
	}
	assert.Equal(t, 0, bus.Scheduled())
}

func TestMemoryBus_SubscribersAreIndependent(t *testing.T) {
	f := newDispatcherFixture(t, 0)

	block := make(chan struct{})
	var mu sync.Mutex
	var fastSeen []string

	require.NoError(t, f.registry.Subscribe("slow", EventHandlerFunc(func(ctx context.Context, e domain.Event) error {
		<-block
		return nil
	}), domain.EventOrderPlaced))
	require.NoError(t, f.registry.Subscribe("fast", EventHandlerFunc(func(ctx context.Context, e domain.Event) error {
		mu.Lock()
		fastSeen = append(fastSeen, e.EventID())
		mu.Unlock()
		return nil
	}), domain.EventOrderPlaced))

	bus := startMemoryBus(t, f, 64)

	var events []domain.Event
	for v := 1; v <= 3; v++ {
		e := &domain.OrderPlaced{}
		e.SetMeta("o1", v)
		events = append(events, e)
	}

	slowPart := partitionFor("slow/o1", 64)
	fastPart := partitionFor("fast/o1", 64)
	if slowPart == fastPart {
		t.Skip("subscriber keys hash to one partition")
	}

	require.NoError(t, bus.Publish(context.Background(), events...))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fastSeen) == 3
	}, time.Second, time.Millisecond)

	close(block)
	require.Eventually(t, bus.Idle, time.Second, time.Millisecond)
	assert.Equal(t, []string{"o1:1", "o1:2", "o1:3"}, fastSeen)
}

func TestMemoryBus_HandlerSendsToOwnPartition(t *testing.T) {
	f := newDispatcherFixture(t, 0)

	done := make(chan struct{})
	var bus *MemoryBus
	require.NoError(t, f.registry.HandleCommands(CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error {
		c := cmd.(*domain.MarkOrderAsBooked)
		return SendCommands(ctx, bus, confirmOrder(c.OrderID))
	}), domain.CommandMarkOrderAsBooked))
	require.NoError(t, f.registry.HandleCommands(CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error {
		close(done)
		return nil
	}), domain.CommandConfirmOrder))

	bus = startMemoryBus(t, f, 1)

	require.NoError(t, SendCommands(context.Background(), bus, &domain.MarkOrderAsBooked{
		CommandMeta: domain.NewCommandMeta(),
		OrderID:     "o1",
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follow-up command on the same partition never ran")
	}
}

func TestMemoryBus_StartTwice(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	bus := startMemoryBus(t, f, 1)
	assert.Error(t, bus.Start(context.Background()))
}
