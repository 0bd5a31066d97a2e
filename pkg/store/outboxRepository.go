package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tidewater-io/changeflow/schema"
)

// ErrNoTransaction is returned by Enqueue when the caller did not supply the
// domain transaction. Enqueue is only meaningful inside one: the insert must
// commit or roll back together with the domain write.
var ErrNoTransaction = errors.New("store: enqueue requires the caller's transaction")

// OutboxRepository defines the database operations for outbox entries.
type OutboxRepository interface {
	// Enqueue inserts a pending entry. The caller's transaction is conveyed
	// via WithTx (database/sql) or WithSpannerTx; the entry's ID is filled in
	// on return.
	Enqueue(ctx context.Context, entry *schema.OutboxEntry) error
	// FetchUnpublished claims up to limit unpublished entries in id-ascending
	// order. Claimed entries are invisible to other publisher instances until
	// the claim expires.
	FetchUnpublished(ctx context.Context, limit int) ([]schema.OutboxEntry, error)
	// MarkPublished sets published_at for the given ids. Idempotent: entries
	// already published are left untouched.
	MarkPublished(ctx context.Context, ids []int64) error
	// MarkFailed records a failed publish attempt and schedules the retry.
	MarkFailed(ctx context.Context, id int64, errClass, errMsg string, retryAt time.Time) error
	// MarkExhausted moves an entry to the terminal failed status once its
	// retry budget is spent.
	MarkExhausted(ctx context.Context, id int64, errClass, errMsg string) error
}

type txKey struct{}

// WithTx binds the caller's open transaction to the context so that Enqueue
// joins it instead of opening its own.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func txFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}
