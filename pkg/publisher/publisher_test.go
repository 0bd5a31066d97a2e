package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/store"
	"github.com/tidewater-io/changeflow/schema"
)

func testSettings() config.PublisherSettings {
	return config.PublisherSettings{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    100,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func newTestLog() *eventlog.MemoryLog {
	return eventlog.NewMemoryLog(config.LogSettings{Partitions: 4})
}

// flakyLog fails appends for chosen partition keys, delegating the rest.
// With failTopic set, only that topic's appends fail.
type flakyLog struct {
	*eventlog.MemoryLog
	failKeys  map[string]bool
	failTopic string
}

func (f *flakyLog) Append(ctx context.Context, topic string, key, value []byte, headers map[string]string) (int, int64, error) {
	if f.failKeys[string(key)] && (f.failTopic == "" || f.failTopic == topic) {
		return 0, 0, errors.New("log unreachable")
	}
	return f.MemoryLog.Append(ctx, topic, key, value, headers)
}

func enqueue(t *testing.T, repo *store.MemoryRepository, resourceID, eventName string) *schema.OutboxEntry {
	t.Helper()
	entry := schema.NewEntry("Order", resourceID, eventName, "orders", resourceID, []byte(`{"resource_type":"Order"}`), nil)
	assert.NoError(t, repo.Enqueue(context.Background(), entry))
	return entry
}

func TestDrainOnce_PublishesAndMarks(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := newTestLog()
	p := NewPublisher(repo, log, testSettings(), zerolog.Nop())
	ctx := context.Background()

	entry := enqueue(t, repo, "1", "order_created")

	published, err := p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, published)

	// The record landed in the partition the key hashes to.
	partition := log.PartitionFor([]byte("1"))
	records, err := log.Fetch(ctx, "orders", partition, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []byte(`{"resource_type":"Order"}`), records[0].Value)
	assert.NotEmpty(t, records[0].Headers[schema.HeaderCorrelationID])

	stored, ok := repo.Entry(entry.ID)
	assert.True(t, ok)
	assert.NotNil(t, stored.PublishedAt)
}

func TestDrainOnce_DoesNotRepublish(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := newTestLog()
	p := NewPublisher(repo, log, testSettings(), zerolog.Nop())
	ctx := context.Background()

	enqueue(t, repo, "1", "order_created")

	published, err := p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, published)

	published, err = p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, published)

	partition := log.PartitionFor([]byte("1"))
	records, err := log.Fetch(ctx, "orders", partition, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestDrainOnce_PerKeyOrderPreserved(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := newTestLog()
	p := NewPublisher(repo, log, testSettings(), zerolog.Nop())
	ctx := context.Background()

	created := schema.NewEntry("Order", "1", "order_created", "orders", "1", []byte("created"), nil)
	assert.NoError(t, repo.Enqueue(ctx, created))
	updated := schema.NewEntry("Order", "1", "order_updated", "orders", "1", []byte("updated"), nil)
	assert.NoError(t, repo.Enqueue(ctx, updated))

	_, err := p.DrainOnce(ctx)
	assert.NoError(t, err)

	partition := log.PartitionFor([]byte("1"))
	records, err := log.Fetch(ctx, "orders", partition, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, []byte("created"), records[0].Value)
	assert.Equal(t, []byte("updated"), records[1].Value)
}

func TestDrainOnce_FailedKeyBlocksLaterEntriesForThatKey(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := &flakyLog{MemoryLog: newTestLog(), failKeys: map[string]bool{"1": true}}
	p := NewPublisher(repo, log, testSettings(), zerolog.Nop())
	ctx := context.Background()

	first := enqueue(t, repo, "1", "order_created")
	second := enqueue(t, repo, "1", "order_updated")
	other := enqueue(t, repo, "2", "order_created")

	published, err := p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, published)

	// Key "1" entries both remain unpublished, so the created/updated order
	// is intact for the retry; key "2" was unaffected.
	stored, _ := repo.Entry(first.ID)
	assert.Nil(t, stored.PublishedAt)
	assert.Equal(t, 1, stored.Attempts)
	stored, _ = repo.Entry(second.ID)
	assert.Nil(t, stored.PublishedAt)
	assert.Equal(t, 0, stored.Attempts)
	stored, _ = repo.Entry(other.ID)
	assert.NotNil(t, stored.PublishedAt)
}

func TestDrainOnce_BlockingIsScopedToTopic(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := &flakyLog{MemoryLog: newTestLog(), failKeys: map[string]bool{"1": true}, failTopic: "orders"}
	p := NewPublisher(repo, log, testSettings(), zerolog.Nop())
	ctx := context.Background()

	blockedEntry := enqueue(t, repo, "1", "order_created")
	invoice := schema.NewEntry("Invoice", "1", "invoice_created", "invoices", "1", []byte("invoice"), nil)
	assert.NoError(t, repo.Enqueue(ctx, invoice))

	published, err := p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, published)

	// Key "1" is only blocked on the topic where its append failed; the same
	// key on another topic is an independent ordering domain.
	stored, _ := repo.Entry(blockedEntry.ID)
	assert.Nil(t, stored.PublishedAt)
	stored, _ = repo.Entry(invoice.ID)
	assert.NotNil(t, stored.PublishedAt)
}

func TestDrainOnce_ExhaustsRetryBudget(t *testing.T) {
	repo := store.NewMemoryRepository()
	log := &flakyLog{MemoryLog: newTestLog(), failKeys: map[string]bool{"1": true}}
	settings := testSettings()
	settings.MaxRetries = 1
	p := NewPublisher(repo, log, settings, zerolog.Nop())
	ctx := context.Background()

	entry := enqueue(t, repo, "1", "order_created")

	published, err := p.DrainOnce(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 0, published)

	stored, _ := repo.Entry(entry.ID)
	assert.Equal(t, schema.StatusFailed, stored.Status)
	assert.Equal(t, "eventlog.append", stored.ErrorClass)
}

func TestBackoffFor_DoublesAndCaps(t *testing.T) {
	p := NewPublisher(store.NewMemoryRepository(), newTestLog(), config.PublisherSettings{
		BatchSize:    1,
		MaxRetries:   10,
		RetryBackoff: time.Second,
	}, zerolog.Nop())

	assert.Equal(t, time.Second, p.backoffFor(0))
	assert.Equal(t, 2*time.Second, p.backoffFor(1))
	assert.Equal(t, 8*time.Second, p.backoffFor(3))
	assert.Equal(t, maxBackoff, p.backoffFor(20))
}
