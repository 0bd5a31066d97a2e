package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidewater-io/changeflow/pkg/eventlog"
)

type recordKey struct {
	topic     string
	partition int
	offset    int64
}

// MemorySink is the in-process Sink.
type MemorySink struct {
	mu      sync.Mutex
	nextID  int64
	letters map[int64]*Letter
	byKey   map[recordKey]int64
	now     func() time.Time
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		nextID:  1,
		letters: make(map[int64]*Letter),
		byKey:   make(map[recordKey]int64),
		now:     time.Now,
	}
}

func (s *MemorySink) Capture(ctx context.Context, rec eventlog.Record, procErr error, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{rec.Topic, rec.Partition, rec.Offset}
	if id, ok := s.byKey[key]; ok {
		letter := s.letters[id]
		letter.Error = procErr.Error()
		letter.Attempts = attempts
		return nil
	}

	letter := &Letter{
		ID:            s.nextID,
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           rec.Key,
		Payload:       rec.Value,
		Headers:       rec.Headers,
		Error:         procErr.Error(),
		Attempts:      attempts,
		FirstFailedAt: s.now(),
	}
	s.letters[letter.ID] = letter
	s.byKey[key] = letter.ID
	s.nextID++
	return nil
}

func (s *MemorySink) List(ctx context.Context, limit int) ([]Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Letter, 0, len(s.letters))
	for _, letter := range s.letters {
		out = append(out, *letter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySink) Replay(ctx context.Context, id int64, apply func(context.Context, eventlog.Record) error) error {
	s.mu.Lock()
	letter, ok := s.letters[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	rec := letter.record()
	s.mu.Unlock()

	if err := apply(ctx, rec); err != nil {
		return fmt.Errorf("replay dead letter %d: %w", id, err)
	}

	s.mu.Lock()
	delete(s.letters, id)
	delete(s.byKey, recordKey{rec.Topic, rec.Partition, rec.Offset})
	s.mu.Unlock()
	return nil
}
