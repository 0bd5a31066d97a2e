package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tidewater-io/changeflow/schema"
)

// MemoryRepository is an in-memory OutboxRepository for tests and single
// process setups. Enqueue does not require a transaction here; there is no
// database to be atomic with.
type MemoryRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*schema.OutboxEntry
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID:  1,
		entries: make(map[int64]*schema.OutboxEntry),
		now:     time.Now,
	}
}

func (m *MemoryRepository) Enqueue(ctx context.Context, entry *schema.OutboxEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.nextID
	m.nextID++
	stored := *entry
	m.entries[entry.ID] = &stored
	return nil
}

func (m *MemoryRepository) FetchUnpublished(ctx context.Context, limit int) ([]schema.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []schema.OutboxEntry
	for _, entry := range m.entries {
		if entry.Status != schema.StatusPending || entry.PublishedAt != nil {
			continue
		}
		if entry.RetryAt != nil && entry.RetryAt.After(now) {
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) MarkPublished(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, id := range ids {
		entry, ok := m.entries[id]
		if !ok || entry.PublishedAt != nil {
			continue
		}
		entry.Status = schema.StatusPublished
		entry.PublishedAt = &now
		entry.UpdatedAt = now
	}
	return nil
}

func (m *MemoryRepository) MarkFailed(ctx context.Context, id int64, errClass, errMsg string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok || entry.PublishedAt != nil {
		return nil
	}
	now := m.now()
	entry.Attempts++
	entry.FailedAt = &now
	entry.RetryAt = &retryAt
	entry.ErrorClass = errClass
	entry.ErrorMessage = errMsg
	entry.UpdatedAt = now
	return nil
}

func (m *MemoryRepository) MarkExhausted(ctx context.Context, id int64, errClass, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok || entry.PublishedAt != nil {
		return nil
	}
	now := m.now()
	entry.Status = schema.StatusFailed
	entry.FailedAt = &now
	entry.ErrorClass = errClass
	entry.ErrorMessage = errMsg
	entry.UpdatedAt = now
	return nil
}

// Entry returns a copy of a stored entry, for tests and inspection.
func (m *MemoryRepository) Entry(id int64) (schema.OutboxEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return schema.OutboxEntry{}, false
	}
	return *entry, true
}
