package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/metrics"
	"github.com/tidewater-io/changeflow/schema"
)

// Materializer applies change events to a local projection. Applies are
// idempotent and last-write-wins by source version: a stale or duplicate
// record leaves the projection exactly as it was.
type Materializer struct {
	store  ProjectionStore
	logger zerolog.Logger
}

func NewMaterializer(store ProjectionStore, logger zerolog.Logger) *Materializer {
	return &Materializer{
		store:  store,
		logger: logger.With().Str("component", "materializer").Logger(),
	}
}

func (m *Materializer) Handle(ctx context.Context, rec eventlog.Record) error {
	payload, err := schema.DecodePayload(rec.Value)
	if err != nil {
		// Undecodable payloads are poison; the consumer dead-letters them.
		return fmt.Errorf("record %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}

	current, err := m.store.Get(ctx, payload.ResourceType, payload.ResourceID)
	if err != nil && !errors.Is(err, ErrProjectionNotFound) {
		return fmt.Errorf("load projection: %w", err)
	}
	if current != nil && current.Version > payload.Version {
		metrics.IncStaleUpdate()
		m.logger.Debug().Str("resource_type", payload.ResourceType).
			Str("resource_id", payload.ResourceID).
			Int64("stored_version", current.Version).
			Int64("incoming_version", payload.Version).
			Msg("discarding stale update")
		return nil
	}

	if payload.EventName == schema.EventDeleted {
		if err := m.store.Delete(ctx, payload.ResourceType, payload.ResourceID); err != nil {
			return fmt.Errorf("delete projection: %w", err)
		}
		return nil
	}

	if err := m.store.Put(ctx, &Projection{
		ResourceType: payload.ResourceType,
		ResourceID:   payload.ResourceID,
		Version:      payload.Version,
		UpdatedAt:    payload.OccurredAt,
		Data:         payload.Data,
	}); err != nil {
		return fmt.Errorf("store projection: %w", err)
	}
	return nil
}
