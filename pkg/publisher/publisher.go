package publisher

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/correlation"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/metrics"
	"github.com/tidewater-io/changeflow/pkg/store"
	"github.com/tidewater-io/changeflow/pkg/telemetry"
	"github.com/tidewater-io/changeflow/schema"
)

const maxBackoff = 5 * time.Minute

// Publisher drains the outbox store into the event log with at-least-once
// semantics. A crash between append and mark-published re-publishes the entry
// on restart; consumers absorb the duplicate.
type Publisher struct {
	repo         store.OutboxRepository
	log          eventlog.Log
	tracer       trace.Tracer
	logger       zerolog.Logger
	pollInterval time.Duration
	batchSize    int
	maxRetries   int
	retryBackoff time.Duration
}

// NewPublisher creates a new instance of Publisher.
func NewPublisher(repo store.OutboxRepository, log eventlog.Log, cfg config.PublisherSettings, logger zerolog.Logger) *Publisher {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = 500 * time.Millisecond
	}
	return &Publisher{
		repo:         repo,
		log:          log,
		tracer:       otel.Tracer(telemetry.TracerName),
		logger:       logger.With().Str("component", "publisher").Logger(),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: retryBackoff,
	}
}

// Run polls the outbox until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Info().Dur("poll_interval", p.pollInterval).Int("batch_size", p.batchSize).Msg("publisher started")
	defer p.logger.Info().Msg("publisher stopped")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil {
				p.logger.Error().Err(err).Msg("failed to fetch outbox entries")
			}
		}
	}
}

// DrainOnce publishes one bounded batch and returns how many entries were
// appended and marked published. Entries are processed strictly in id order;
// when an append fails, later entries for the same partition key are skipped
// so per-key ordering survives the retry.
func (p *Publisher) DrainOnce(ctx context.Context) (int, error) {
	entries, err := p.repo.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	blocked := make(map[publishKey]struct{})
	for _, entry := range entries {
		key := publishKey{entry.Topic, entry.PartitionKey}
		if _, skip := blocked[key]; skip {
			continue
		}
		if p.publishOne(ctx, entry) {
			published++
		} else {
			blocked[key] = struct{}{}
		}
	}
	return published, nil
}

// publishKey scopes failure blocking: ordering only matters within one
// topic's partition, so the same partition key on another topic stays
// publishable.
type publishKey struct {
	topic        string
	partitionKey string
}

func (p *Publisher) publishOne(ctx context.Context, entry schema.OutboxEntry) bool {
	ctx = correlation.WithID(ctx, entry.Headers[schema.HeaderCorrelationID])
	ctx, span := p.tracer.Start(ctx, "PublishOutboxEntry", trace.WithAttributes(
		attribute.Int64("entry.id", entry.ID),
		attribute.String("entry.topic", entry.Topic),
		attribute.String("entry.partition_key", entry.PartitionKey),
		attribute.String("entry.event_name", entry.EventName),
		attribute.Int("entry.attempts", entry.Attempts),
	))
	defer span.End()

	// Inject the trace context into the record headers
	headers := make(map[string]string, len(entry.Headers))
	maps.Copy(headers, entry.Headers)
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	start := time.Now()
	partition, offset, err := p.log.Append(ctx, entry.Topic, []byte(entry.PartitionKey), entry.Payload, headers)
	metrics.ObservePublishDuration(time.Since(start).Seconds())
	if err != nil {
		p.logger.Error().Err(err).Int64("entry_id", entry.ID).
			Str("correlation_id", correlation.FromContext(ctx)).
			Msg("failed to append entry to log")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IncOutboxRetry()

		if entry.Attempts+1 >= p.maxRetries {
			if err := p.repo.MarkExhausted(ctx, entry.ID, "eventlog.append", err.Error()); err != nil {
				p.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to mark entry exhausted")
			}
			metrics.IncOutboxFailed()
		} else {
			retryAt := time.Now().Add(p.backoffFor(entry.Attempts))
			if err := p.repo.MarkFailed(ctx, entry.ID, "eventlog.append", err.Error(), retryAt); err != nil {
				p.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to record publish failure")
			}
		}
		return false
	}

	span.SetAttributes(
		attribute.Int("record.partition", partition),
		attribute.Int64("record.offset", offset),
	)

	if err := p.repo.MarkPublished(ctx, []int64{entry.ID}); err != nil {
		// The append stands; the entry will be re-published and deduplicated
		// downstream.
		p.logger.Error().Err(err).Int64("entry_id", entry.ID).Msg("failed to mark entry published")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	metrics.IncOutboxPublished()
	metrics.ObserveOutboxLagSeconds(time.Since(entry.CreatedAt).Seconds())
	return true
}

// backoffFor doubles the initial backoff per prior attempt, capped at maxBackoff.
func (p *Publisher) backoffFor(attempts int) time.Duration {
	backoff := p.retryBackoff
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	return backoff
}
