package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tidewater-io/changeflow/pkg/config"
)

func newTestLog(partitions int, retention config.RetentionSettings) *MemoryLog {
	return NewMemoryLog(config.LogSettings{Partitions: partitions, Retention: retention})
}

func TestAppend_AssignsIncreasingOffsets(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{})
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		_, offset, err := l.Append(ctx, "orders", []byte("1"), []byte("v"), nil)
		assert.NoError(t, err)
		assert.Equal(t, i, offset)
	}
}

func TestAppend_SameKeySamePartition(t *testing.T) {
	l := newTestLog(8, config.RetentionSettings{})
	ctx := context.Background()

	p1, _, err := l.Append(ctx, "orders", []byte("order-42"), []byte("created"), nil)
	assert.NoError(t, err)
	p2, _, err := l.Append(ctx, "orders", []byte("order-42"), []byte("updated"), nil)
	assert.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, l.PartitionFor([]byte("order-42")), p1)
}

func TestAppend_SameKeyPreservesRelativeOrder(t *testing.T) {
	l := newTestLog(4, config.RetentionSettings{})
	ctx := context.Background()

	partition, first, err := l.Append(ctx, "orders", []byte("1"), []byte("order_created"), nil)
	assert.NoError(t, err)
	_, second, err := l.Append(ctx, "orders", []byte("1"), []byte("order_updated"), nil)
	assert.NoError(t, err)
	assert.Greater(t, second, first)

	records, err := l.Fetch(ctx, "orders", partition, first, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []byte("order_created"), records[0].Value)
	assert.Equal(t, []byte("order_updated"), records[1].Value)
}

func TestFetch_ReplayIsDeterministic(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{})
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		_, _, err := l.Append(ctx, "orders", []byte("k"), []byte(v), nil)
		assert.NoError(t, err)
	}

	first, err := l.Fetch(ctx, "orders", 0, 0, 10)
	assert.NoError(t, err)
	second, err := l.Fetch(ctx, "orders", 0, 0, 10)
	assert.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i].Offset, first[i-1].Offset)
	}
}

func TestFetch_RespectsMaxBatch(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("v"), nil)
		assert.NoError(t, err)
	}

	records, err := l.Fetch(ctx, "orders", 0, 3, 4)
	assert.NoError(t, err)
	assert.Len(t, records, 4)
	assert.Equal(t, int64(3), records[0].Offset)
}

func TestFetch_PastEndReturnsNothing(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{})
	ctx := context.Background()

	_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("v"), nil)
	assert.NoError(t, err)

	records, err := l.Fetch(ctx, "orders", 0, 5, 10)
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestFetch_UnknownTopic(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{})

	_, err := l.Fetch(context.Background(), "missing", 0, 0, 10)
	assert.ErrorIs(t, err, ErrUnknownTopic)
}

func TestFetch_UnknownPartition(t *testing.T) {
	l := newTestLog(2, config.RetentionSettings{})
	ctx := context.Background()

	_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("v"), nil)
	assert.NoError(t, err)

	_, err = l.Fetch(ctx, "orders", 7, 0, 10)
	assert.ErrorIs(t, err, ErrUnknownPartition)
}

func TestRetention_ByAgePreservesOffsets(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{MaxAge: time.Hour})
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base.Add(-2 * time.Hour) }
	for i := 0; i < 3; i++ {
		_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("old"), nil)
		assert.NoError(t, err)
	}

	l.now = func() time.Time { return base }
	_, offset, err := l.Append(ctx, "orders", []byte("k"), []byte("fresh"), nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), offset)

	removed := l.EnforceRetention()
	assert.Equal(t, 3, removed)

	oldest, err := l.OldestOffset("orders", 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), oldest)

	// Expired offsets are unfetchable, surviving ones keep their numbering.
	_, err = l.Fetch(ctx, "orders", 0, 0, 10)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)

	records, err := l.Fetch(ctx, "orders", 0, 3, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Offset)
	assert.Equal(t, []byte("fresh"), records[0].Value)
}

func TestRetention_BySize(t *testing.T) {
	l := newTestLog(1, config.RetentionSettings{MaxBytes: 10})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("12345"), nil)
		assert.NoError(t, err)
	}

	removed := l.EnforceRetention()
	assert.Greater(t, removed, 0)

	oldest, err := l.OldestOffset("orders", 0)
	assert.NoError(t, err)
	latest, err := l.LatestOffset("orders", 0)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), latest)
	assert.Greater(t, oldest, int64(0))
}

func TestLatestOffset_EmptyPartition(t *testing.T) {
	l := newTestLog(2, config.RetentionSettings{})
	ctx := context.Background()

	// Touch the topic so both partitions exist.
	_, _, err := l.Append(ctx, "orders", []byte("k"), []byte("v"), nil)
	assert.NoError(t, err)

	for p := 0; p < 2; p++ {
		latest, err := l.LatestOffset("orders", p)
		assert.NoError(t, err)
		oldest, err := l.OldestOffset("orders", p)
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, latest, oldest)
	}
}
