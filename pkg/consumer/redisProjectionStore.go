package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisProjectionStore keeps projections in Redis so restarts do not lose
// materialized state.
type RedisProjectionStore struct {
	client *redis.Client
}

func NewRedisProjectionStore(addr string) *RedisProjectionStore {
	return &RedisProjectionStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// projection:{resource_type}:{resource_id}
func projectionRedisKey(resourceType, resourceID string) string {
	rt := url.PathEscape(strings.TrimSpace(resourceType))
	rid := url.PathEscape(strings.TrimSpace(resourceID))
	return fmt.Sprintf("projection:%s:%s", rt, rid)
}

func (s *RedisProjectionStore) Get(ctx context.Context, resourceType, resourceID string) (*Projection, error) {
	raw, err := s.client.Get(ctx, projectionRedisKey(resourceType, resourceID)).Bytes()
	if err == redis.Nil {
		return nil, ErrProjectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get projection: %w", err)
	}
	var p Projection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode projection: %w", err)
	}
	return &p, nil
}

func (s *RedisProjectionStore) Put(ctx context.Context, p *Projection) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	if err := s.client.Set(ctx, projectionRedisKey(p.ResourceType, p.ResourceID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set projection: %w", err)
	}
	return nil
}

func (s *RedisProjectionStore) Delete(ctx context.Context, resourceType, resourceID string) error {
	if err := s.client.Del(ctx, projectionRedisKey(resourceType, resourceID)).Err(); err != nil {
		return fmt.Errorf("redis del projection: %w", err)
	}
	return nil
}

func (s *RedisProjectionStore) Close() error {
	return s.client.Close()
}
