package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks live workers. Workers refresh their entry periodically;
// an entry not refreshed within its ttl no longer counts.
type Registry interface {
	Register(ctx context.Context, workerID string, ttl time.Duration) error
	Unregister(ctx context.Context, workerID string) error
	Count(ctx context.Context) (int, error)
}

type MemoryRegistry struct {
	mu      sync.Mutex
	workers map[string]time.Time
	now     func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{workers: make(map[string]time.Time), now: time.Now}
}

func (r *MemoryRegistry) Register(_ context.Context, workerID string, ttl time.Duration) error {
	r.mu.Lock()
	r.workers[workerID] = r.now().Add(ttl)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Unregister(_ context.Context, workerID string) error {
	r.mu.Lock()
	delete(r.workers, workerID)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Count(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for id, until := range r.workers {
		if until.Before(now) {
			delete(r.workers, id)
			continue
		}
		n++
	}
	return n, nil
}

const workerKeyPrefix = "docqueue:workers:"

// RedisRegistry stores one expiring key per worker so that workers in any
// process are visible to every gateway.
type RedisRegistry struct {
	client *redis.Client
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Register(ctx context.Context, workerID string, ttl time.Duration) error {
	return r.client.Set(ctx, workerKeyPrefix+workerID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (r *RedisRegistry) Unregister(ctx context.Context, workerID string) error {
	return r.client.Del(ctx, workerKeyPrefix+workerID).Err()
}

func (r *RedisRegistry) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, workerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return n, nil
}
