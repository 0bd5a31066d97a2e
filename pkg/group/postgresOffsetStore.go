package group

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tidewater-io/changeflow/pkg/telemetry"
)

// PostgresOffsetStore keeps committed offsets in a consumer_offsets table.
// The upsert uses GREATEST so concurrent or replayed commits can only move
// an offset forward.
type PostgresOffsetStore struct {
	db *sql.DB
}

func NewPostgresOffsetStore(db *sql.DB) *PostgresOffsetStore {
	return &PostgresOffsetStore{db: db}
}

func (s *PostgresOffsetStore) Commit(ctx context.Context, groupID, topic string, partition int, offset int64) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "CommitOffset")
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumer_offsets (group_id, topic, partition, committed_offset, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (group_id, topic, partition) DO UPDATE SET committed_offset = GREATEST(consumer_offsets.committed_offset, EXCLUDED.committed_offset), updated_at = EXCLUDED.updated_at`,
		groupID, topic, partition, offset, time.Now())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *PostgresOffsetStore) Committed(ctx context.Context, groupID, topic string, partition int) (int64, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "CommittedOffset")
	defer span.End()

	var offset int64
	err := s.db.QueryRowContext(ctx,
		`SELECT committed_offset FROM consumer_offsets WHERE group_id=$1 AND topic=$2 AND partition=$3`,
		groupID, topic, partition).Scan(&offset)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return offset, nil
}
