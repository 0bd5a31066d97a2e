package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/correlation"
	"github.com/tidewater-io/changeflow/pkg/deadletter"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/group"
	"github.com/tidewater-io/changeflow/pkg/metrics"
	"github.com/tidewater-io/changeflow/pkg/telemetry"
	"github.com/tidewater-io/changeflow/schema"
)

// Consumer joins a group, fetches records from its assigned partitions and
// dispatches them through the handler registry. Offsets are committed after a
// batch completes; a crash mid-batch reprocesses the whole batch, which the
// idempotent handlers absorb. A record that keeps failing is dead-lettered
// after maxAttempts and skipped, trading ordering for partition availability.
type Consumer struct {
	id      string
	groupID string
	topics  []string

	coord    *group.Coordinator
	offsets  group.OffsetStore
	log      eventlog.Log
	registry *Registry
	sink     deadletter.Sink

	pollInterval      time.Duration
	fetchMaxBatch     int
	heartbeatInterval time.Duration
	maxAttempts       int
	retryDelay        time.Duration

	tracer trace.Tracer
	logger zerolog.Logger
}

func NewConsumer(
	id string,
	cfg config.ConsumerSettings,
	coord *group.Coordinator,
	offsets group.OffsetStore,
	log eventlog.Log,
	registry *Registry,
	sink deadletter.Sink,
	logger zerolog.Logger,
) *Consumer {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 3 * time.Second
	}
	fetchMaxBatch := cfg.FetchMaxBatch
	if fetchMaxBatch <= 0 {
		fetchMaxBatch = 100
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Consumer{
		id:                id,
		groupID:           cfg.GroupID,
		topics:            cfg.Topics,
		coord:             coord,
		offsets:           offsets,
		log:               log,
		registry:          registry,
		sink:              sink,
		pollInterval:      pollInterval,
		fetchMaxBatch:     fetchMaxBatch,
		heartbeatInterval: heartbeatInterval,
		maxAttempts:       maxAttempts,
		retryDelay:        100 * time.Millisecond,
		tracer:            otel.Tracer(telemetry.TracerName),
		logger: logger.With().Str("component", "consumer").
			Str("group", cfg.GroupID).Str("consumer", id).Logger(),
	}
}

// Run joins the group and processes assigned partitions until ctx is
// canceled. Leaving on shutdown revokes the assignments immediately rather
// than waiting out the session timeout.
func (c *Consumer) Run(ctx context.Context) error {
	c.coord.Join(c.groupID, c.id, c.topics)
	defer c.coord.Leave(c.groupID, c.id)
	c.logger.Info().Strs("topics", c.topics).Msg("consumer started")
	defer c.logger.Info().Msg("consumer stopped")

	heartbeat := time.NewTicker(c.heartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := c.coord.Heartbeat(c.groupID, c.id); errors.Is(err, group.ErrUnknownConsumer) {
				// Session expired; rejoin and pick up fresh assignments.
				c.logger.Warn().Msg("session expired, rejoining group")
				c.coord.Join(c.groupID, c.id, c.topics)
			}
		case <-poll.C:
			if err := c.PollOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error().Err(err).Msg("poll failed")
			}
		}
	}
}

// PollOnce processes one batch from every assigned partition.
func (c *Consumer) PollOnce(ctx context.Context) error {
	assignments, _, err := c.coord.Assignments(c.groupID, c.id)
	if errors.Is(err, group.ErrUnknownConsumer) {
		c.coord.Join(c.groupID, c.id, c.topics)
		return nil
	}
	if err != nil {
		return err
	}

	for topic, partitions := range assignments {
		for _, partition := range partitions {
			if err := c.processPartition(ctx, topic, partition); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Consumer) processPartition(ctx context.Context, topic string, partition int) error {
	committed, err := c.offsets.Committed(ctx, c.groupID, topic, partition)
	if err != nil {
		return fmt.Errorf("load committed offset %s/%d: %w", topic, partition, err)
	}
	from := committed + 1

	records, err := c.log.Fetch(ctx, topic, partition, from, c.fetchMaxBatch)
	if errors.Is(err, eventlog.ErrOffsetOutOfRange) {
		// Retention expired the records below committed+1; resume from the
		// oldest retained offset.
		oldest, oerr := c.log.OldestOffset(topic, partition)
		if oerr != nil {
			return oerr
		}
		c.logger.Warn().Str("topic", topic).Int("partition", partition).
			Int64("from", from).Int64("oldest", oldest).
			Msg("committed offset expired by retention, skipping forward")
		from = oldest
		records, err = c.log.Fetch(ctx, topic, partition, from, c.fetchMaxBatch)
	}
	if errors.Is(err, eventlog.ErrUnknownTopic) {
		// Nothing published yet.
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s/%d from %d: %w", topic, partition, from, err)
	}

	c.reportLag(topic, partition, committed)
	if len(records) == 0 {
		return nil
	}

	for _, rec := range records {
		if err := c.processRecord(ctx, rec); err != nil {
			return err
		}
	}

	last := records[len(records)-1].Offset
	if err := c.offsets.Commit(ctx, c.groupID, topic, partition, last); err != nil {
		return fmt.Errorf("commit offset %s/%d@%d: %w", topic, partition, last, err)
	}
	c.reportLag(topic, partition, last)
	return nil
}

// processRecord retries a failing record up to maxAttempts, then captures it
// in the dead-letter sink and moves on. Only a canceled context propagates an
// error out of here, so a poisoned record never wedges its partition.
func (c *Consumer) processRecord(ctx context.Context, rec eventlog.Record) error {
	ctx = correlation.WithID(ctx, rec.Headers[schema.HeaderCorrelationID])
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(rec.Headers))
	ctx, span := c.tracer.Start(ctx, "ConsumeRecord", trace.WithAttributes(
		attribute.String("record.topic", rec.Topic),
		attribute.Int("record.partition", rec.Partition),
		attribute.Int64("record.offset", rec.Offset),
	))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.Apply(ctx, rec)
		if lastErr == nil {
			metrics.IncRecordsProcessed()
			return nil
		}
		metrics.IncProcessError(rec.Topic)
		c.logger.Warn().Err(lastErr).Str("topic", rec.Topic).
			Int("partition", rec.Partition).Int64("offset", rec.Offset).
			Int("attempt", attempt).
			Str("correlation_id", correlation.FromContext(ctx)).
			Msg("record processing failed")

		if attempt < c.maxAttempts && c.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())

	if err := c.sink.Capture(ctx, rec, lastErr, c.maxAttempts); err != nil {
		// Without a captured copy we must not skip the record.
		return fmt.Errorf("capture dead letter %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	metrics.IncDeadLetter(rec.Topic)
	c.logger.Error().Err(lastErr).Str("topic", rec.Topic).
		Int("partition", rec.Partition).Int64("offset", rec.Offset).
		Msg("record dead-lettered and skipped, ordering exception for this key")
	return nil
}

// Apply dispatches a record through the registry exactly once. The dead-letter
// sink uses it to replay captured records.
func (c *Consumer) Apply(ctx context.Context, rec eventlog.Record) error {
	handler, ok := c.registry.Lookup(rec.Topic)
	if !ok {
		return fmt.Errorf("no handler registered for topic %s", rec.Topic)
	}
	return handler.Handle(ctx, rec)
}

func (c *Consumer) reportLag(topic string, partition int, committed int64) {
	latest, err := c.log.LatestOffset(topic, partition)
	if err != nil {
		return
	}
	metrics.SetConsumerLag(c.groupID, topic, partition, latest-committed-1)
}
