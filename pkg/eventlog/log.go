package eventlog

import (
	"context"
	"errors"
)

var (
	// ErrUnknownTopic is returned by read operations on a topic that has
	// never been appended to.
	ErrUnknownTopic = errors.New("eventlog: unknown topic")
	// ErrUnknownPartition is returned when the partition index is out of range.
	ErrUnknownPartition = errors.New("eventlog: unknown partition")
	// ErrOffsetOutOfRange is returned by Fetch when fromOffset points below
	// the oldest retained record.
	ErrOffsetOutOfRange = errors.New("eventlog: offset out of range")
)

// Log is the broker abstraction the publisher and consumers depend on.
// Offsets are monotonic per partition; appends for the same key always land
// in the same partition.
type Log interface {
	// Append routes key to a partition, appends the record and returns its
	// placement.
	Append(ctx context.Context, topic string, key, value []byte, headers map[string]string) (partition int, offset int64, err error)

	// Fetch returns up to maxBatch records starting at fromOffset (inclusive).
	// Calling it again with the same fromOffset returns the same records.
	Fetch(ctx context.Context, topic string, partition int, fromOffset int64, maxBatch int) ([]Record, error)

	// Partitions reports the partition count for a topic.
	Partitions(topic string) int

	// LatestOffset returns the next offset that will be assigned in the
	// partition (i.e. one past the newest record).
	LatestOffset(topic string, partition int) (int64, error)

	// OldestOffset returns the offset of the oldest retained record, or the
	// latest offset when the partition is empty.
	OldestOffset(topic string, partition int) (int64, error)
}
