package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// AttemptCounter 记录每个事件的失败次数。
type AttemptCounter interface {
	Incr(ctx context.Context, eventID string) (int64, error)
	Reset(ctx context.Context, eventID string)
}

type redisAttemptCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisAttemptCounter 使用 Redis 计数，多个消费者实例之间共享。
func NewRedisAttemptCounter(rdb *redis.Client) AttemptCounter {
	return &redisAttemptCounter{rdb: rdb, ttl: 24 * time.Hour}
}

func attemptsKey(eventID string) string {
	return fmt.Sprintf("kafka:attempts:%s", eventID)
}

func (c *redisAttemptCounter) Incr(ctx context.Context, eventID string) (int64, error) {
	key := attemptsKey(eventID)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, c.ttl).Err()
	return n, nil
}

func (c *redisAttemptCounter) Reset(ctx context.Context, eventID string) {
	_ = c.rdb.Del(ctx, attemptsKey(eventID)).Err()
}

type memoryAttemptCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryAttemptCounter 返回进程内的计数器，没有配置 Redis 时使用。
func NewMemoryAttemptCounter() AttemptCounter {
	return &memoryAttemptCounter{counts: make(map[string]int64)}
}

func (c *memoryAttemptCounter) Incr(_ context.Context, eventID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventID]++
	return c.counts[eventID], nil
}

func (c *memoryAttemptCounter) Reset(_ context.Context, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, eventID)
}
