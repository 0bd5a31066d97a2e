package group

import (
	"context"
	"sync"
)

// OffsetStore persists per-group committed offsets. Commits are monotonic:
// a commit below the stored offset is ignored, never applied.
type OffsetStore interface {
	// Commit records that group has processed up to and including offset.
	Commit(ctx context.Context, groupID, topic string, partition int, offset int64) error
	// Committed returns the last committed offset, or -1 when the group has
	// never committed for this partition.
	Committed(ctx context.Context, groupID, topic string, partition int) (int64, error)
}

type offsetKey struct {
	groupID   string
	topic     string
	partition int
}

// MemoryOffsetStore is the in-process OffsetStore.
type MemoryOffsetStore struct {
	mu      sync.Mutex
	offsets map[offsetKey]int64
}

func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{offsets: make(map[offsetKey]int64)}
}

func (s *MemoryOffsetStore) Commit(ctx context.Context, groupID, topic string, partition int, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := offsetKey{groupID, topic, partition}
	if current, ok := s.offsets[key]; ok && current >= offset {
		return nil
	}
	s.offsets[key] = offset
	return nil
}

func (s *MemoryOffsetStore) Committed(ctx context.Context, groupID, topic string, partition int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset, ok := s.offsets[offsetKey{groupID, topic, partition}]; ok {
		return offset, nil
	}
	return -1, nil
}
