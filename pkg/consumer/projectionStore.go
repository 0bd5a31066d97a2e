package consumer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrProjectionNotFound is returned by Get for a resource with no projection.
var ErrProjectionNotFound = errors.New("consumer: projection not found")

// Projection is the locally materialized state of one resource.
type Projection struct {
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
	Data         []byte    `json:"data"`
}

// ProjectionStore holds materialized state keyed by (resourceType, resourceID).
type ProjectionStore interface {
	Get(ctx context.Context, resourceType, resourceID string) (*Projection, error)
	Put(ctx context.Context, p *Projection) error
	Delete(ctx context.Context, resourceType, resourceID string) error
}

type projectionKey struct {
	resourceType string
	resourceID   string
}

// MemoryProjectionStore is the in-process ProjectionStore.
type MemoryProjectionStore struct {
	mu          sync.Mutex
	projections map[projectionKey]*Projection
}

func NewMemoryProjectionStore() *MemoryProjectionStore {
	return &MemoryProjectionStore{projections: make(map[projectionKey]*Projection)}
}

func (s *MemoryProjectionStore) Get(ctx context.Context, resourceType, resourceID string) (*Projection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projections[projectionKey{resourceType, resourceID}]
	if !ok {
		return nil, ErrProjectionNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryProjectionStore) Put(ctx context.Context, p *Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	s.projections[projectionKey{p.ResourceType, p.ResourceID}] = &stored
	return nil
}

func (s *MemoryProjectionStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.projections, projectionKey{resourceType, resourceID})
	return nil
}
