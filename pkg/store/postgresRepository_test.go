package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/tidewater-io/changeflow/schema"
)

func TestEnqueue_RequiresTransaction(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	entry := schema.NewEntry("Order", "1", schema.EventCreated, "orders", "1", []byte("{}"), nil)
	err = repo.Enqueue(context.Background(), entry)
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestEnqueue_JoinsCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO outbox \(resource_type, resource_id, event_name, topic, partition_key, payload, headers, status, attempts, created_at, updated_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9, \$10, \$10\) RETURNING id`).
		WithArgs("Order", "1", "created", "orders", "1", []byte(`{"n":1}`), sqlmock.AnyArg(), schema.StatusPending, 0, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	assert.NoError(t, err)

	entry := schema.NewEntry("Order", "1", schema.EventCreated, "orders", "1", []byte(`{"n":1}`), nil)
	err = repo.Enqueue(WithTx(ctx, tx), entry)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), entry.ID)

	// Rolling back the domain transaction takes the entry with it.
	assert.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchUnpublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "resource_type", "resource_id", "event_name", "topic", "partition_key", "payload", "headers", "attempts", "created_at"}).
		AddRow(int64(1), "Order", "1", "created", "orders", "1", []byte("payload1"), []byte(`{"x-correlation-id":"c1"}`), 0, now).
		AddRow(int64(2), "Order", "2", "updated", "orders", "2", []byte("payload2"), []byte(`{}`), 2, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, resource_type, resource_id, event_name, topic, partition_key, payload, headers, attempts, created_at FROM outbox WHERE published_at IS NULL AND status = \$1 AND \(retry_at IS NULL OR retry_at <= \$2\) AND \(claimed_at IS NULL OR claimed_at < \$3\) ORDER BY id ASC FOR UPDATE SKIP LOCKED LIMIT \$4`).
		WithArgs(schema.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg(), 10).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE outbox SET claimed_at=\$1, updated_at=\$1 WHERE id = ANY\(\$2\)`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ctx := context.Background()
	entries, err := repo.FetchUnpublished(ctx, 10)
	assert.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, "Order", entries[0].ResourceType)
	assert.Equal(t, []byte("payload1"), entries[0].Payload)
	assert.Equal(t, "c1", entries[0].Headers[schema.HeaderCorrelationID])
	assert.Equal(t, int64(2), entries[1].ID)
	assert.Equal(t, 2, entries[1].Attempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET status=\$1, published_at=\$2, updated_at=\$2 WHERE id = ANY\(\$3\) AND published_at IS NULL`).
		WithArgs(schema.StatusPublished, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.MarkPublished(ctx, []int64{1, 2})
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished_NoIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	// No ids means no round trip at all.
	err = repo.MarkPublished(context.Background(), nil)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	retryAt := time.Now().Add(time.Minute)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET attempts = attempts \+ 1, failed_at=\$1, retry_at=\$2, error_class=\$3, error_message=\$4, claimed_at=NULL, updated_at=\$1 WHERE id=\$5 AND published_at IS NULL`).
		WithArgs(sqlmock.AnyArg(), retryAt, "eventlog.append", "log unreachable", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.MarkFailed(ctx, 1, "eventlog.append", "log unreachable", retryAt)
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	repo := NewPostgresRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE outbox SET status=\$1, failed_at=\$2, error_class=\$3, error_message=\$4, updated_at=\$2 WHERE id=\$5 AND published_at IS NULL`).
		WithArgs(schema.StatusFailed, sqlmock.AnyArg(), "eventlog.append", "log unreachable", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	err = repo.MarkExhausted(ctx, 1, "eventlog.append", "log unreachable")
	assert.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
