// Package cache publishes room and progress events onto a Redis queue for
// downstream consumers (analytics, the achievement feed). Publishing is
// fire-and-forget from the caller's point of view.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the core pushes room events onto.
const DefaultQueueName = "gb_room_events"

// RoomEventRecord is the queue payload consumed by downstream services.
type RoomEventRecord struct {
	RoomID    uuid.UUID              `json:"room_id"`
	UserID    *uuid.UUID             `json:"user_id,omitempty"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Queue wraps the Redis client used for event publishing.
type Queue struct {
	rdb       *redis.Client
	queueName string
}

// Connect initializes the Redis client and verifies it with a short ping.
func Connect(addr string, db int) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Queue{rdb: rdb, queueName: DefaultQueueName}, nil
}

// NewQueue wraps an existing client; tests pass a miniredis-backed client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb, queueName: DefaultQueueName}
}

// Publish serializes the record and pushes it onto the queue.
func (q *Queue) Publish(ctx context.Context, record RoomEventRecord) error {
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal RoomEventRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queueName, err)
	}
	return nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}
