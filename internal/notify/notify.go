// Package notify delivers user-visible flow notifications.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Channel is the Redis pub/sub channel notifications are published on.
	Channel = "flows:notifications"
	// listKey holds the most recent notifications.
	listKey = "flows:notifications:recent"
	listMax = 1000
)

// Notification is a user-visible event about a flow.
type Notification struct {
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	FlowID    string    `json:"flow_id"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, n Notification) error {
	log.Printf("notify: %s %s: %s", n.Kind, n.Subject, n.Message)
	return nil
}

// RedisNotifier publishes notifications to Redis and keeps a capped list
// of recent ones for late readers.
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier connects to Redis.
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisNotifier{rdb: rdb}, nil
}

// Notify implements Notifier.
func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, listKey, data)
	pipe.LTrim(ctx, listKey, 0, listMax-1)
	pipe.Publish(ctx, Channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recent notifications, newest first.
func (r *RedisNotifier) Recent(ctx context.Context, limit int64) ([]Notification, error) {
	vals, err := r.rdb.LRange(ctx, listKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(vals))
	for _, v := range vals {
		var n Notification
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Close closes the Redis connection.
func (r *RedisNotifier) Close() error {
	return r.rdb.Close()
}
