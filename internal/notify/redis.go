package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventStream = "taskweave:events"

// RedisNotifier publishes events to a Redis Stream.
type RedisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier connects to Redis and returns a stream-backed notifier.
func NewRedisNotifier(redisURL string, logger *zap.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNotifier{rdb: rdb, logger: logger}, nil
}

// Notify appends the event to the stream. Errors are logged, never returned.
func (n *RedisNotifier) Notify(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("marshal event", zap.Error(err))
		return
	}
	err = n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventStream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		n.logger.Warn("publish event",
			zap.String("kind", string(ev.Kind)),
			zap.String("entity", ev.EntityID),
			zap.Error(err))
		return
	}
	n.logger.Debug("published event",
		zap.String("kind", string(ev.Kind)),
		zap.String("entity", ev.EntityID),
		zap.String("to", ev.To))
}

// Client exposes the underlying Redis client so other subsystems can
// share the connection.
func (n *RedisNotifier) Client() *redis.Client {
	return n.rdb
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}
