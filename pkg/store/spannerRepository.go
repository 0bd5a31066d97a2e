package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/tidewater-io/changeflow/schema"
)

type SpannerRepository struct {
	client *spanner.Client
}

type spannerTxKey struct{}

// WithSpannerTx binds the caller's open read-write transaction to the context
// so that Enqueue joins it instead of opening its own.
func WithSpannerTx(ctx context.Context, txn *spanner.ReadWriteTransaction) context.Context {
	return context.WithValue(ctx, spannerTxKey{}, txn)
}

func spannerTxFrom(ctx context.Context) (*spanner.ReadWriteTransaction, bool) {
	txn, ok := ctx.Value(spannerTxKey{}).(*spanner.ReadWriteTransaction)
	return txn, ok
}

// Enqueue inserts a pending entry into the caller's transaction, conveyed via
// WithSpannerTx. The insert commits or rolls back together with the domain
// write.
func (s *SpannerRepository) Enqueue(ctx context.Context, entry *schema.OutboxEntry) error {
	txn, ok := spannerTxFrom(ctx)
	if !ok {
		return ErrNoTransaction
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	stmt := spanner.Statement{
		SQL: `INSERT INTO outbox (id, resource_type, resource_id, event_name, topic, partition_key, payload, headers, status, attempts, created_at, updated_at)
              VALUES (GET_NEXT_SEQUENCE_VALUE(SEQUENCE outbox_id_seq), @resourceType, @resourceId, @eventName, @topic, @partitionKey, @payload, @headers, @status, 0, CURRENT_TIMESTAMP(), CURRENT_TIMESTAMP())
              THEN RETURN id`,
		Params: map[string]interface{}{
			"resourceType": entry.ResourceType,
			"resourceId":   entry.ResourceID,
			"eventName":    entry.EventName,
			"topic":        entry.Topic,
			"partitionKey": entry.PartitionKey,
			"payload":      entry.Payload,
			"headers":      string(headers),
			"status":       string(entry.Status),
		},
	}
	iter := txn.Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return row.Columns(&entry.ID)
}

func (s *SpannerRepository) FetchUnpublished(ctx context.Context, limit int) ([]schema.OutboxEntry, error) {
	now := time.Now()
	stmt := spanner.Statement{
		SQL: `SELECT id, resource_type, resource_id, event_name, topic, partition_key, payload, headers, attempts, created_at FROM outbox
              WHERE published_at IS NULL AND status = @statusPending
                AND (retry_at IS NULL OR retry_at <= @now)
                AND (claimed_at IS NULL OR claimed_at < @claimExpiration)
              ORDER BY id ASC
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"statusPending":   string(schema.StatusPending),
			"now":             now,
			"claimExpiration": now.Add(-claimExpiration),
			"batchSize":       int64(limit),
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []schema.OutboxEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var entry schema.OutboxEntry
		var attempts int64
		var headers spanner.NullString
		if err := row.Columns(
			&entry.ID,
			&entry.ResourceType,
			&entry.ResourceID,
			&entry.EventName,
			&entry.Topic,
			&entry.PartitionKey,
			&entry.Payload,
			&headers,
			&attempts,
			&entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Attempts = int(attempts)
		if headers.Valid && headers.StringVal != "" {
			if err := json.Unmarshal([]byte(headers.StringVal), &entry.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal headers for entry %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}

	// Claim the fetched entries so concurrent publishers skip them.
	for _, entry := range entries {
		if err := s.claim(ctx, entry.ID); err != nil {
			return nil, err
		}
	}

	return entries, nil
}

func (s *SpannerRepository) claim(ctx context.Context, id int64) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox SET claimed_at = CURRENT_TIMESTAMP(), updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"id": id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, published_at = CURRENT_TIMESTAMP(), updated_at = CURRENT_TIMESTAMP() WHERE id IN UNNEST(@ids) AND published_at IS NULL`,
			Params: map[string]interface{}{
				"status": string(schema.StatusPublished),
				"ids":    ids,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) MarkFailed(ctx context.Context, id int64, errClass, errMsg string, retryAt time.Time) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox SET attempts = attempts + 1, failed_at = CURRENT_TIMESTAMP(), retry_at = @retryAt, error_class = @errClass, error_message = @errMsg, claimed_at = NULL, updated_at = CURRENT_TIMESTAMP() WHERE id = @id AND published_at IS NULL`,
			Params: map[string]interface{}{
				"retryAt":  retryAt,
				"errClass": errClass,
				"errMsg":   errMsg,
				"id":       id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) MarkExhausted(ctx context.Context, id int64, errClass, errMsg string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox SET status = @status, failed_at = CURRENT_TIMESTAMP(), error_class = @errClass, error_message = @errMsg, updated_at = CURRENT_TIMESTAMP() WHERE id = @id AND published_at IS NULL`,
			Params: map[string]interface{}{
				"status":   string(schema.StatusFailed),
				"errClass": errClass,
				"errMsg":   errMsg,
				"id":       id,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}
