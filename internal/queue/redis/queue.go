// Package redis implements the execution queue on a Redis list, so
// accepted tasks survive process restarts and multiple crawler replicas
// can share one backlog.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

const defaultKey = "crawler:tasks"

// Config controls the Redis queue connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// BlockFor bounds each BRPOP wait so Dequeue can observe context
	// cancellation between polls.
	BlockFor time.Duration
}

// Queue is a Redis-list-backed task queue.
type Queue struct {
	client   *redis.Client
	key      string
	blockFor time.Duration
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client *redis.Client, cfg Config) *Queue {
	key := cfg.Key
	if key == "" {
		key = defaultKey
	}
	blockFor := cfg.BlockFor
	if blockFor <= 0 {
		blockFor = 2 * time.Second
	}
	return &Queue{
		client:   client,
		key:      key,
		blockFor: blockFor,
	}
}

// Enqueue pushes the JSON-encoded item onto the list head.
func (q *Queue) Enqueue(ctx context.Context, item task.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush queue item: %w", err)
	}
	return nil
}

// Dequeue blocks on BRPOP in short rounds until an item arrives or the
// context finishes.
func (q *Queue) Dequeue(ctx context.Context) (task.Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return task.Item{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		result, err := q.client.BRPop(ctx, q.blockFor, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return task.Item{}, fmt.Errorf("brpop queue item: %w", err)
		}
		if len(result) != 2 {
			return task.Item{}, fmt.Errorf("unexpected brpop result: %v", result)
		}
		var item task.Item
		if err := json.Unmarshal([]byte(result[1]), &item); err != nil {
			return task.Item{}, fmt.Errorf("unmarshal queue item: %w", err)
		}
		return item, nil
	}
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
