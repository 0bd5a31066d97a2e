package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/telemetry"
)

// PostgresSink keeps dead letters in a dead_letters table.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Capture(ctx context.Context, rec eventlog.Record, procErr error, attempts int) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "CaptureDeadLetter")
	defer span.End()

	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (topic, partition, "offset", key, payload, headers, error, attempts, first_failed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (topic, partition, "offset") DO UPDATE SET error = EXCLUDED.error, attempts = EXCLUDED.attempts`,
		rec.Topic, rec.Partition, rec.Offset, rec.Key, rec.Value, headers,
		procErr.Error(), attempts, time.Now())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *PostgresSink) List(ctx context.Context, limit int) ([]Letter, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "ListDeadLetters")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, partition, "offset", key, payload, headers, error, attempts, first_failed_at FROM dead_letters ORDER BY id ASC LIMIT $1`,
		limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var letters []Letter
	for rows.Next() {
		letter, err := scanLetter(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}

func (s *PostgresSink) Replay(ctx context.Context, id int64, apply func(context.Context, eventlog.Record) error) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "ReplayDeadLetter")
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic, partition, "offset", key, payload, headers, error, attempts, first_failed_at FROM dead_letters WHERE id=$1`,
		id)
	letter, err := scanLetter(row)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := apply(ctx, letter.record()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("replay dead letter %d: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id=$1`, id); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLetter(row rowScanner) (Letter, error) {
	var letter Letter
	var headers []byte
	err := row.Scan(&letter.ID, &letter.Topic, &letter.Partition, &letter.Offset,
		&letter.Key, &letter.Payload, &headers, &letter.Error, &letter.Attempts,
		&letter.FirstFailedAt)
	if err != nil {
		return Letter{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &letter.Headers); err != nil {
			return Letter{}, fmt.Errorf("unmarshal headers for letter %d: %w", letter.ID, err)
		}
	}
	return letter, nil
}
