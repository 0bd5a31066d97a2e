package eventlog

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/tidewater-io/changeflow/pkg/config"
)

// MemoryLog is the embedded Log implementation: per-topic partitioned
// append-only storage with time- and size-based retention. Retention trims
// the oldest records but never disturbs offset numbering of what remains.
type MemoryLog struct {
	mu         sync.RWMutex
	partitions int
	retention  config.RetentionSettings
	topics     map[string]*topicLog
	now        func() time.Time
}

type topicLog struct {
	parts []*partitionLog
}

type partitionLog struct {
	mu         sync.Mutex
	baseOffset int64 // offset of records[0]
	records    []Record
	bytes      int64
}

func NewMemoryLog(cfg config.LogSettings) *MemoryLog {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	return &MemoryLog{
		partitions: partitions,
		retention:  cfg.Retention,
		topics:     make(map[string]*topicLog),
		now:        time.Now,
	}
}

// PartitionFor exposes the key routing so callers can reason about placement.
func (l *MemoryLog) PartitionFor(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(l.partitions))
}

func (l *MemoryLog) Append(ctx context.Context, topic string, key, value []byte, headers map[string]string) (int, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if topic == "" {
		return 0, 0, fmt.Errorf("eventlog: empty topic")
	}

	t := l.topicFor(topic)
	partition := l.PartitionFor(key)
	p := t.parts[partition]

	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.baseOffset + int64(len(p.records))
	rec := Record{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Headers:   headers,
		Timestamp: l.now(),
	}
	p.records = append(p.records, rec)
	p.bytes += int64(len(value) + len(key))
	return partition, offset, nil
}

func (l *MemoryLog) Fetch(ctx context.Context, topic string, partition int, fromOffset int64, maxBatch int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.partition(topic, partition)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if fromOffset < p.baseOffset {
		return nil, fmt.Errorf("%w: offset %d below oldest %d", ErrOffsetOutOfRange, fromOffset, p.baseOffset)
	}
	start := fromOffset - p.baseOffset
	if start >= int64(len(p.records)) {
		return nil, nil
	}
	end := int64(len(p.records))
	if maxBatch > 0 && start+int64(maxBatch) < end {
		end = start + int64(maxBatch)
	}

	out := make([]Record, end-start)
	copy(out, p.records[start:end])
	return out, nil
}

func (l *MemoryLog) Partitions(topic string) int {
	return l.partitions
}

func (l *MemoryLog) LatestOffset(topic string, partition int) (int64, error) {
	p, err := l.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseOffset + int64(len(p.records)), nil
}

func (l *MemoryLog) OldestOffset(topic string, partition int) (int64, error) {
	p, err := l.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseOffset, nil
}

// EnforceRetention trims expired records from every partition and returns the
// number of records removed. Trimmed records become unfetchable; remaining
// offsets are untouched.
func (l *MemoryLog) EnforceRetention() int {
	l.mu.RLock()
	topics := make([]*topicLog, 0, len(l.topics))
	for _, t := range l.topics {
		topics = append(topics, t)
	}
	l.mu.RUnlock()

	removed := 0
	cutoff := time.Time{}
	if l.retention.MaxAge > 0 {
		cutoff = l.now().Add(-l.retention.MaxAge)
	}

	for _, t := range topics {
		for _, p := range t.parts {
			p.mu.Lock()
			trim := 0
			for trim < len(p.records) {
				rec := &p.records[trim]
				expired := !cutoff.IsZero() && rec.Timestamp.Before(cutoff)
				oversize := l.retention.MaxBytes > 0 && p.bytes > l.retention.MaxBytes
				if !expired && !oversize {
					break
				}
				p.bytes -= int64(len(rec.Value) + len(rec.Key))
				trim++
			}
			if trim > 0 {
				p.records = append([]Record(nil), p.records[trim:]...)
				p.baseOffset += int64(trim)
				removed += trim
			}
			p.mu.Unlock()
		}
	}
	return removed
}

// RunRetention enforces retention periodically until ctx is canceled.
func (l *MemoryLog) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.EnforceRetention()
		}
	}
}

func (l *MemoryLog) topicFor(topic string) *topicLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.topics[topic]
	if !ok {
		t = &topicLog{parts: make([]*partitionLog, l.partitions)}
		for i := range t.parts {
			t.parts[i] = &partitionLog{}
		}
		l.topics[topic] = t
	}
	return t
}

func (l *MemoryLog) partition(topic string, partition int) (*partitionLog, error) {
	l.mu.RLock()
	t, ok := l.topics[topic]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if partition < 0 || partition >= len(t.parts) {
		return nil, fmt.Errorf("%w: %s/%d", ErrUnknownPartition, topic, partition)
	}
	return t.parts[partition], nil
}
