package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/kafka"
	"github.com/prohmpiriya/conference-registration/pkg/logger"
	"github.com/prohmpiriya/conference-registration/pkg/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RecordSource is the subset of kafka.Consumer the processor needs
type RecordSource interface {
	Poll(ctx context.Context) ([]*kafka.Record, error)
	CommitRecords(ctx context.Context, records []*kafka.Record) error
}

// RecordHandler handles one consumed record; a non-nil error stops the
// partition and leaves the record uncommitted
type RecordHandler func(ctx context.Context, rec *kafka.Record) error

// KafkaProcessor consumes records, handles each partition's records in order
// on its own goroutine and commits offsets only for records fully handled
type KafkaProcessor struct {
	name    string
	source  RecordSource
	handler RecordHandler
	log     *logger.Logger
}

// NewKafkaProcessor creates a processor around an arbitrary record handler
func NewKafkaProcessor(name string, source RecordSource, handler RecordHandler, log *logger.Logger) *KafkaProcessor {
	if log == nil {
		log = logger.Get()
	}
	return &KafkaProcessor{
		name:    name,
		source:  source,
		handler: handler,
		log:     log.Named("kafka-processor").With(zap.String("processor", name)),
	}
}

// NewCommandProcessor consumes the command topic
func NewCommandProcessor(source RecordSource, dispatcher *Dispatcher, log *logger.Logger) *KafkaProcessor {
	return NewKafkaProcessor("commands", source, func(ctx context.Context, rec *kafka.Record) error {
		var env Envelope
		if err := env.UnmarshalJSON(rec.Value); err != nil {
			return dispatcher.DeadLetter(ctx, rec.Topic, string(rec.Key), rec.Value, recordHeaders(rec), err)
		}
		return dispatcher.DispatchCommand(ctx, env)
	}, log)
}

// NewEventProcessor consumes the event topic on behalf of one subscriber
func NewEventProcessor(subscriber string, source RecordSource, dispatcher *Dispatcher, log *logger.Logger) *KafkaProcessor {
	return NewKafkaProcessor("events:"+subscriber, source, func(ctx context.Context, rec *kafka.Record) error {
		event, err := domain.DecodeEvent(kafka.Header(rec, HeaderMessageType), rec.Value)
		if err != nil {
			return dispatcher.DeadLetter(ctx, rec.Topic, string(rec.Key), rec.Value, recordHeaders(rec), err)
		}
		return dispatcher.DispatchEvent(ctx, subscriber, event)
	}, log)
}

// Run polls until ctx is done. It returns nil on shutdown and an error when a
// record could not be handled, so the caller can restart from the last commit.
func (p *KafkaProcessor) Run(ctx context.Context) error {
	p.log.Info("Starting kafka processor")
	defer p.log.Info("Kafka processor stopped")

	for {
		records, err := p.source.Poll(ctx)
		if ctx.Err() != nil || errors.Is(err, kafka.ErrConsumerClosed) {
			return nil
		}
		if err != nil {
			p.log.Warn("Poll returned an error", zap.Error(err))
		}
		if len(records) == 0 {
			continue
		}

		if err := p.ProcessRecords(ctx, records); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// ProcessRecords handles one poll result. Partitions are processed
// concurrently; within a partition records are handled in offset order and
// the first failure stops that partition. Handled records are committed even
// when another record failed.
func (p *KafkaProcessor) ProcessRecords(ctx context.Context, records []*kafka.Record) error {
	byPartition := groupByPartition(records)

	done := make([][]*kafka.Record, len(byPartition))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range byPartition {
		g.Go(func() error {
			for _, rec := range part {
				if err := p.handleRecord(gctx, rec); err != nil {
					return fmt.Errorf("%s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
				}
				done[i] = append(done[i], rec)
			}
			return nil
		})
	}
	handleErr := g.Wait()

	var commit []*kafka.Record
	for _, d := range done {
		commit = append(commit, d...)
	}
	// Commit with the parent context: gctx is already cancelled after a failure
	if err := p.source.CommitRecords(ctx, commit); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return handleErr
}

func (p *KafkaProcessor) handleRecord(ctx context.Context, rec *kafka.Record) error {
	ctx = telemetry.ExtractHeaders(ctx, recordHeaders(rec))
	return p.handler(ctx, rec)
}

func groupByPartition(records []*kafka.Record) [][]*kafka.Record {
	type tp struct {
		topic     string
		partition int32
	}
	index := make(map[tp]int)
	var groups [][]*kafka.Record
	for _, rec := range records {
		k := tp{rec.Topic, rec.Partition}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool { return g[a].Offset < g[b].Offset })
	}
	return groups
}

func recordHeaders(rec *kafka.Record) map[string]string {
	if len(rec.Headers) == 0 {
		return nil
	}
	h := make(map[string]string, len(rec.Headers))
	for _, hdr := range rec.Headers {
		h[hdr.Key] = string(hdr.Value)
	}
	return h
}
