package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	mu   sync.Mutex
	msgs []*kafka.Message
	err  error
}

func (p *fakeProducer) ProduceBatch(ctx context.Context, msgs []*kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Schedule(ctx context.Context, envelopes ...Envelope) error {
	args := m.Called(ctx, envelopes)
	return args.Error(0)
}

func TestKafkaCommandBus_Send(t *testing.T) {
	producer := &fakeProducer{}
	scheduler := &mockScheduler{}
	bus := NewKafkaCommandBus(producer, "cmds", scheduler)

	delayed := Delayed(&domain.ExpireRegistrationProcess{CommandMeta: domain.NewCommandMeta(), ProcessID: "p1"}, time.Now().Add(time.Hour))
	scheduler.On("Schedule", mock.Anything, []Envelope{delayed}).Return(nil).Once()

	reserve := &domain.MakeSeatReservation{
		CommandMeta:   domain.NewCommandMeta(),
		ConferenceID:  "c1",
		ReservationID: "r1",
		Seats:         domain.Seats{{SeatType: "general", Quantity: 2}},
	}
	require.NoError(t, bus.Send(context.Background(), NewEnvelope(reserve).WithCorrelation("o1"), delayed))

	scheduler.AssertExpectations(t)
	require.Len(t, producer.msgs, 1)
	msg := producer.msgs[0]
	assert.Equal(t, "cmds", msg.Topic)
	assert.Equal(t, "c1", string(msg.Key))
	assert.Equal(t, domain.CommandMakeSeatReservation, msg.Headers[HeaderMessageType])
	assert.Equal(t, reserve.ID, msg.Headers[HeaderMessageID])
	assert.Equal(t, "o1", msg.Headers[HeaderCorrelationID])

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, reserve, env.Command)
}

func TestKafkaCommandBus_DelayedWithoutScheduler(t *testing.T) {
	bus := NewKafkaCommandBus(&fakeProducer{}, "", nil)
	err := bus.Send(context.Background(), Delayed(confirmOrder("o1"), time.Now().Add(time.Minute)))
	assert.Error(t, err)
}

func TestKafkaEventBus_Publish(t *testing.T) {
	producer := &fakeProducer{}
	bus := NewKafkaEventBus(producer, "")

	e := &domain.SeatsReserved{ReservationID: "r1"}
	e.SetMeta("c1", 4)
	require.NoError(t, bus.Publish(context.Background(), e))

	require.Len(t, producer.msgs, 1)
	msg := producer.msgs[0]
	assert.Equal(t, DefaultEventTopic, msg.Topic)
	assert.Equal(t, "c1", string(msg.Key))
	assert.Equal(t, "c1:4", msg.Headers[HeaderMessageID])

	decoded, err := domain.DecodeEvent(msg.Headers[HeaderMessageType], msg.Value)
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestKafkaEventBus_ProducerError(t *testing.T) {
	boom := errors.New("not enough replicas")
	bus := NewKafkaEventBus(&fakeProducer{err: boom}, "")

	e := &domain.OrderConfirmed{}
	e.SetMeta("o1", 3)
	assert.ErrorIs(t, bus.Publish(context.Background(), e), boom)
}

type fakeSource struct {
	mu        sync.Mutex
	batches   [][]*kafka.Record
	committed []*kafka.Record
}

func (s *fakeSource) Poll(ctx context.Context) ([]*kafka.Record, error) {
	s.mu.Lock()
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *fakeSource) CommitRecords(ctx context.Context, records []*kafka.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, records...)
	return nil
}

func (s *fakeSource) committedOffsets() map[int32][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32][]int64)
	for _, r := range s.committed {
		out[r.Partition] = append(out[r.Partition], r.Offset)
	}
	return out
}

func record(partition int32, offset int64, value string) *kafka.Record {
	return &kafka.Record{Topic: "t", Partition: partition, Offset: offset, Value: []byte(value)}
}

func TestKafkaProcessor_CommitsOnlyHandledRecords(t *testing.T) {
	source := &fakeSource{}
	var mu sync.Mutex
	handled := make(map[int32][]int64)

	p := NewKafkaProcessor("test", source, func(ctx context.Context, rec *kafka.Record) error {
		if string(rec.Value) == "poison" {
			return errors.New("cannot handle")
		}
		mu.Lock()
		handled[rec.Partition] = append(handled[rec.Partition], rec.Offset)
		mu.Unlock()
		return nil
	}, logger.NewNop())

	err := p.ProcessRecords(context.Background(), []*kafka.Record{
		record(0, 10, "a"),
		record(1, 5, "a"),
		record(0, 11, "poison"),
		record(1, 6, "a"),
		record(0, 12, "a"),
	})
	require.Error(t, err)

	assert.Equal(t, []int64{10}, handled[0], "partition 0 stops at the failing record")
	assert.Equal(t, []int64{10}, source.committedOffsets()[0])
	assert.Equal(t, []int64{5, 6}, source.committedOffsets()[1])
}

func TestKafkaProcessor_Run(t *testing.T) {
	source := &fakeSource{batches: [][]*kafka.Record{
		{record(0, 1, "a"), record(0, 2, "b")},
		{record(0, 3, "c")},
	}}

	var mu sync.Mutex
	var values []string
	p := NewKafkaProcessor("test", source, func(ctx context.Context, rec *kafka.Record) error {
		mu.Lock()
		values = append(values, string(rec.Value))
		mu.Unlock()
		return nil
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(source.committedOffsets()[0]) == 3
	}, time.Second, time.Millisecond)
	cancel()

	assert.NoError(t, <-errCh)
	assert.Equal(t, []string{"a", "b", "c"}, values)
}

func TestEventProcessor_DispatchesAndDeadLettersGarbage(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	var got []string
	require.NoError(t, f.registry.Subscribe("saga", EventHandlerFunc(func(ctx context.Context, e domain.Event) error {
		got = append(got, e.EventID())
		return nil
	}), domain.EventOrderConfirmed))

	e := &domain.OrderConfirmed{}
	e.SetMeta("o1", 7)
	value, err := json.Marshal(e)
	require.NoError(t, err)

	good := record(0, 1, string(value))
	good.Headers = []kgo.RecordHeader{{Key: HeaderMessageType, Value: []byte(domain.EventOrderConfirmed)}}
	bad := record(0, 2, "{}")
	bad.Headers = []kgo.RecordHeader{{Key: HeaderMessageType, Value: []byte("Mystery")}}

	source := &fakeSource{}
	p := NewEventProcessor("saga", source, f.dispatcher, logger.NewNop())
	require.NoError(t, p.ProcessRecords(context.Background(), []*kafka.Record{good, bad}))

	assert.Equal(t, []string{"o1:7"}, got)
	assert.Len(t, source.committedOffsets()[0], 2)
	require.Len(t, f.dlq.Messages(), 1)
	assert.Equal(t, "Mystery", f.dlq.Messages()[0].Headers[HeaderMessageType])
}

func TestCommandProcessor_Dispatches(t *testing.T) {
	f := newDispatcherFixture(t, 0)
	var got domain.Command
	require.NoError(t, f.registry.HandleCommands(CommandHandlerFunc(func(ctx context.Context, cmd domain.Command) error {
		got = cmd
		return nil
	}), domain.CommandConfirmOrder))

	cmd := confirmOrder("o1")
	value, err := json.Marshal(NewEnvelope(cmd))
	require.NoError(t, err)

	source := &fakeSource{}
	p := NewCommandProcessor(source, f.dispatcher, logger.NewNop())
	require.NoError(t, p.ProcessRecords(context.Background(), []*kafka.Record{record(3, 9, string(value))}))

	assert.Equal(t, cmd, got)
	assert.Equal(t, []int64{9}, source.committedOffsets()[3])
}
