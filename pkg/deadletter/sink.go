package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/tidewater-io/changeflow/pkg/eventlog"
)

// ErrNotFound is returned by Replay when no captured letter has the given id.
var ErrNotFound = errors.New("deadletter: not found")

// Letter is a captured record that exceeded its processing retry budget,
// held for operator inspection and replay.
type Letter struct {
	ID            int64
	Topic         string
	Partition     int
	Offset        int64
	Key           []byte
	Payload       []byte
	Headers       map[string]string
	Error         string
	Attempts      int
	FirstFailedAt time.Time
}

// Sink stores poisoned records off the main path so a single unprocessable
// record cannot block its partition indefinitely.
type Sink interface {
	// Capture stores the failing record. Capturing the same
	// topic/partition/offset again updates the error and attempt count.
	Capture(ctx context.Context, rec eventlog.Record, procErr error, attempts int) error
	// List returns captured letters, oldest first.
	List(ctx context.Context, limit int) ([]Letter, error)
	// Replay feeds a captured letter back through apply and deletes it on
	// success. On failure the letter stays captured.
	Replay(ctx context.Context, id int64, apply func(context.Context, eventlog.Record) error) error
}

func (l Letter) record() eventlog.Record {
	return eventlog.Record{
		Topic:     l.Topic,
		Partition: l.Partition,
		Offset:    l.Offset,
		Key:       l.Key,
		Value:     l.Payload,
		Headers:   l.Headers,
		Timestamp: l.FirstFailedAt,
	}
}
