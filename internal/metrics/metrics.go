package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics holds the instruments recorded by the registration workers.
// Instruments are created against the global meter provider; with no provider
// configured they are no-ops.
type Metrics struct {
	EventsAppended       *telemetry.Counter
	EventsPublished      *telemetry.Counter
	PublishFailures      *telemetry.Counter
	MessagesHandled      *telemetry.Counter
	MessagesDeadLettered *telemetry.Counter
	MessagesDuplicate    *telemetry.Counter
	CommandsScheduled    *telemetry.Counter
	HandlerDuration      *telemetry.Histogram
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide instruments
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	counter := func(name, desc string) *telemetry.Counter {
		c, err := telemetry.NewCounter(telemetry.MetricOpts{Name: name, Description: desc, Unit: "1"})
		if err != nil {
			return nil
		}
		return c
	}

	// A nil instrument records nothing
	duration, _ := telemetry.NewHistogram(telemetry.MetricOpts{
		Name:        "registration.handler.duration",
		Description: "Time spent handling one message",
		Unit:        "ms",
	})

	return &Metrics{
		EventsAppended:       counter("registration.events.appended", "Events appended to the event store"),
		EventsPublished:      counter("registration.events.published", "Events published from the outbox"),
		PublishFailures:      counter("registration.events.publish_failures", "Failed outbox publish batches"),
		MessagesHandled:      counter("registration.messages.handled", "Messages handled successfully"),
		MessagesDeadLettered: counter("registration.messages.dead_lettered", "Messages moved to the dead letter queue"),
		MessagesDuplicate:    counter("registration.messages.duplicate", "Redelivered messages skipped by deduplication"),
		CommandsScheduled:    counter("registration.commands.scheduled", "Commands parked for delayed delivery"),
		HandlerDuration:      duration,
	}
}

// ObserveHandler records the outcome and duration of one message
func (m *Metrics) ObserveHandler(ctx context.Context, messageType string, started time.Time, deadLettered bool) {
	attrs := []attribute.KeyValue{attribute.String("message.type", messageType)}
	m.HandlerDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs...)
	if deadLettered {
		m.MessagesDeadLettered.Add(ctx, 1, attrs...)
		return
	}
	m.MessagesHandled.Add(ctx, 1, attrs...)
}
