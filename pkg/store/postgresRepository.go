package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/tidewater-io/changeflow/pkg/telemetry"
	"github.com/tidewater-io/changeflow/schema"
)

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Enqueue(ctx context.Context, entry *schema.OutboxEntry) error {
	tx, ok := txFrom(ctx)
	if !ok {
		return ErrNoTransaction
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`INSERT INTO outbox (resource_type, resource_id, event_name, topic, partition_key, payload, headers, status, attempts, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING id`,
		entry.ResourceType, entry.ResourceID, entry.EventName, entry.Topic,
		entry.PartitionKey, entry.Payload, headers, entry.Status, entry.Attempts,
		entry.CreatedAt)
	if err := row.Scan(&entry.ID); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (p *PostgresRepository) FetchUnpublished(ctx context.Context, limit int) ([]schema.OutboxEntry, error) {
	return p.withTransaction(ctx, "FetchUnpublished", func(ctx context.Context, tx *sql.Tx) ([]schema.OutboxEntry, error) {
		now := time.Now()
		rows, err := tx.QueryContext(ctx,
			`SELECT id, resource_type, resource_id, event_name, topic, partition_key, payload, headers, attempts, created_at FROM outbox WHERE published_at IS NULL AND status = $1 AND (retry_at IS NULL OR retry_at <= $2) AND (claimed_at IS NULL OR claimed_at < $3) ORDER BY id ASC FOR UPDATE SKIP LOCKED LIMIT $4`,
			schema.StatusPending, now, now.Add(-claimExpiration), limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []schema.OutboxEntry
		for rows.Next() {
			var entry schema.OutboxEntry
			var headers []byte
			if err := rows.Scan(&entry.ID, &entry.ResourceType, &entry.ResourceID,
				&entry.EventName, &entry.Topic, &entry.PartitionKey, &entry.Payload,
				&headers, &entry.Attempts, &entry.CreatedAt); err != nil {
				return nil, err
			}
			if len(headers) > 0 {
				if err := json.Unmarshal(headers, &entry.Headers); err != nil {
					return nil, fmt.Errorf("unmarshal headers for entry %d: %w", entry.ID, err)
				}
			}
			entries = append(entries, entry)
		}

		if err := rows.Err(); err != nil {
			return nil, err
		}

		// Claim the fetched entries so concurrent publishers skip them.
		ids := make([]int64, len(entries))
		for i, entry := range entries {
			ids[i] = entry.ID
		}
		if len(ids) > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET claimed_at=$1, updated_at=$1 WHERE id = ANY($2)`,
				now, pq.Array(ids)); err != nil {
				return nil, err
			}
		}

		return entries, nil
	})
}

func (p *PostgresRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.withTransaction(ctx, "MarkPublished", func(ctx context.Context, tx *sql.Tx) ([]schema.OutboxEntry, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status=$1, published_at=$2, updated_at=$2 WHERE id = ANY($3) AND published_at IS NULL`,
			schema.StatusPublished, time.Now(), pq.Array(ids))
		if err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (p *PostgresRepository) MarkFailed(ctx context.Context, id int64, errClass, errMsg string, retryAt time.Time) error {
	_, err := p.withTransaction(ctx, "MarkFailed", func(ctx context.Context, tx *sql.Tx) ([]schema.OutboxEntry, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = attempts + 1, failed_at=$1, retry_at=$2, error_class=$3, error_message=$4, claimed_at=NULL, updated_at=$1 WHERE id=$5 AND published_at IS NULL`,
			time.Now(), retryAt, errClass, errMsg, id)
		if err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (p *PostgresRepository) MarkExhausted(ctx context.Context, id int64, errClass, errMsg string) error {
	_, err := p.withTransaction(ctx, "MarkExhausted", func(ctx context.Context, tx *sql.Tx) ([]schema.OutboxEntry, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET status=$1, failed_at=$2, error_class=$3, error_message=$4, updated_at=$2 WHERE id=$5 AND published_at IS NULL`,
			schema.StatusFailed, time.Now(), errClass, errMsg, id)
		if err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) ([]schema.OutboxEntry, error)) ([]schema.OutboxEntry, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	tx, joined := txFrom(ctx)
	if !joined {
		var err error
		tx, err = p.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		ctx = WithTx(ctx, tx)
	}

	entries, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		if !joined {
			tx.Rollback()
		}
		return nil, err
	}
	if !joined {
		if err := tx.Commit(); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(entries), time.Since(start))

	return entries, nil
}
