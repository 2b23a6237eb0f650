package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const backlogKey = "docqueue:backlog"

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisBacklog keeps the backlog in a sorted set scored by submission time
// in microseconds, which stays exact within a float64. Members with equal
// scores pop in lexical order.
type RedisBacklog struct {
	client *redis.Client
	key    string
}

var _ Backlog = (*RedisBacklog)(nil)

func NewRedisBacklog(client *redis.Client) *RedisBacklog {
	return &RedisBacklog{client: client, key: backlogKey}
}

func (b *RedisBacklog) Push(ctx context.Context, id string, submittedAt time.Time) error {
	err := b.client.ZAddNX(ctx, b.key, redis.Z{
		Score:  float64(submittedAt.UnixMicro()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push task %s: %w", id, err)
	}
	return nil
}

func (b *RedisBacklog) Pop(ctx context.Context, wait time.Duration) (string, error) {
	if wait <= 0 {
		res, err := b.client.ZPopMin(ctx, b.key, 1).Result()
		if err != nil {
			return "", fmt.Errorf("failed to pop backlog: %w", err)
		}
		if len(res) == 0 {
			return "", nil
		}
		return memberString(res[0].Member)
	}

	res, err := b.client.BZPopMin(ctx, wait, b.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to pop backlog: %w", err)
	}
	return memberString(res.Member)
}

func (b *RedisBacklog) Len(ctx context.Context) (int64, error) {
	return b.client.ZCard(ctx, b.key).Result()
}

func (b *RedisBacklog) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func memberString(m any) (string, error) {
	id, ok := m.(string)
	if !ok {
		return "", fmt.Errorf("unexpected backlog member: %v", m)
	}
	return id, nil
}
