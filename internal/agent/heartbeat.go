package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensandbox/proclist/pkg/types"
)

// Redis keys shared with the control plane registry.
const (
	HeartbeatKeyPrefix = "agent:"
	HeartbeatChannel   = "agents:heartbeat"
	HeartbeatTTL       = 30 * time.Second
)

// Heartbeat publishes periodic heartbeats to Redis for agent discovery.
// Each heartbeat:
//  1. SETs agent:{id} with a 30s TTL (auto-expires if the agent dies)
//  2. PUBLISHes to agents:heartbeat for real-time server notification
type Heartbeat struct {
	rdb      *redis.Client
	info     types.AgentInfo
	interval time.Duration
	stop     chan struct{}
}

// NewHeartbeat connects to Redis and returns a heartbeat publisher for info.
func NewHeartbeat(redisURL string, info types.AgentInfo) (*Heartbeat, error) {
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

	return &Heartbeat{
		rdb:      rdb,
		info:     info,
		interval: 10 * time.Second,
		stop:     make(chan struct{}),
	}, nil
}

// Start begins publishing heartbeats every 10 seconds.
func (h *Heartbeat) Start() {
	go func() {
		h.publish()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.publish()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Heartbeat) publish() {
	data, err := json.Marshal(h.info)
	if err != nil {
		log.Printf("heartbeat: marshal error: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.rdb.Set(ctx, HeartbeatKeyPrefix+h.info.ID, data, HeartbeatTTL).Err(); err != nil {
		log.Printf("heartbeat: SET failed: %v", err)
	}
	if err := h.rdb.Publish(ctx, HeartbeatChannel, data).Err(); err != nil {
		log.Printf("heartbeat: PUBLISH failed: %v", err)
	}
}

// Stop stops the publisher, removes the agent's key so the server drops it
// immediately, and closes the Redis connection.
func (h *Heartbeat) Stop() {
	close(h.stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.rdb.Del(ctx, HeartbeatKeyPrefix+h.info.ID)

	h.rdb.Close()
	log.Println("heartbeat: stopped")
}
