package mock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeadStore persists simulated leads. The Redis store lets the API and
// worker processes share one simulated platform; the memory store
// serves tests and single-process runs.
type LeadStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

const (
	redisPrefix = "dispatch:mockprovider:"
	leadTTL     = 30 * 24 * time.Hour
)

type RedisLeadStore struct {
	rdb *redis.Client
}

func NewRedisLeadStore(rdb *redis.Client) *RedisLeadStore {
	return &RedisLeadStore{rdb: rdb}
}

func (s *RedisLeadStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, redisPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisLeadStore) Set(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, redisPrefix+key, value, leadTTL).Err()
}

type MemoryLeadStore struct {
	mu    sync.RWMutex
	leads map[string][]byte
}

func NewMemoryLeadStore() *MemoryLeadStore {
	return &MemoryLeadStore{leads: make(map[string][]byte)}
}

func (s *MemoryLeadStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.leads[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (s *MemoryLeadStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, len(value))
	copy(b, value)
	s.leads[key] = b
	return nil
}
