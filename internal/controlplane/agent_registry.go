package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/connectivity"

	"github.com/opensandbox/proclist/internal/agent"
	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/pkg/types"
)

// AgentRegistry maintains an in-memory cache of agents backed by Redis
// pub/sub for real-time updates and periodic SCAN for reconciliation.
// It also keeps one persistent gRPC connection per agent.
type AgentRegistry struct {
	rdb           *redis.Client
	maxFetchBytes int64

	mu      sync.RWMutex
	agents  map[string]*types.AgentInfo
	clients map[string]*agent.Client
	stop    chan struct{}
}

// NewAgentRegistry connects to Redis and returns a new registry.
func NewAgentRegistry(redisURL string, maxFetchBytes int64) (*AgentRegistry, error) {
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

	r := newAgentRegistry(maxFetchBytes)
	r.rdb = rdb
	return r, nil
}

func newAgentRegistry(maxFetchBytes int64) *AgentRegistry {
	return &AgentRegistry{
		maxFetchBytes: maxFetchBytes,
		agents:        make(map[string]*types.AgentInfo),
		clients:       make(map[string]*agent.Client),
		stop:          make(chan struct{}),
	}
}

// Start subscribes to the heartbeat channel and runs periodic
// reconciliation by scanning agent:* keys.
func (r *AgentRegistry) Start() {
	go r.subscribeLoop()
	go r.reconcileLoop()
}

func (r *AgentRegistry) subscribeLoop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		pubsub := r.rdb.Subscribe(context.Background(), agent.HeartbeatChannel)
		if !r.consume(pubsub.Channel()) {
			pubsub.Close()
			return
		}
		pubsub.Close()
		log.Println("agent_registry: pub/sub channel closed, reconnecting...")
		time.Sleep(2 * time.Second)
	}
}

// consume handles heartbeats until the channel closes (true) or the
// registry stops (false).
func (r *AgentRegistry) consume(ch <-chan *redis.Message) bool {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return true
			}
			var info types.AgentInfo
			if err := json.Unmarshal([]byte(msg.Payload), &info); err != nil {
				log.Printf("agent_registry: invalid heartbeat payload: %v", err)
				continue
			}
			r.handleHeartbeat(info)
		case <-r.stop:
			return false
		}
	}
}

// reconcileLoop scans Redis every 10s. Agents whose key expired are removed;
// pub/sub only speeds up first detection.
func (r *AgentRegistry) reconcileLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.reconcile()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stop:
			return
		}
	}
}

func (r *AgentRegistry) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cursor uint64
	seen := make(map[string]bool)

	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, agent.HeartbeatKeyPrefix+"*", 100).Result()
		if err != nil {
			log.Printf("agent_registry: SCAN failed: %v", err)
			return
		}

		for _, key := range keys {
			val, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			var info types.AgentInfo
			if err := json.Unmarshal([]byte(val), &info); err != nil {
				continue
			}
			seen[info.ID] = true
			r.handleHeartbeat(info)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.prune(seen)
}

// prune drops agents that are not in seen.
func (r *AgentRegistry) prune(seen map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.agents {
		if seen[id] {
			continue
		}
		log.Printf("agent_registry: agent %s no longer in Redis, removing", id)
		delete(r.agents, id)
		if c, ok := r.clients[id]; ok {
			c.Close()
			delete(r.clients, id)
		}
	}
	metrics.AgentsRegistered.Set(float64(len(r.agents)))
}

// handleHeartbeat records info and dials the agent if it is new, moved, or
// its connection has failed.
func (r *AgentRegistry) handleHeartbeat(info types.AgentInfo) {
	if info.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, known := r.agents[info.ID]
	if !known {
		log.Printf("agent_registry: new agent registered: %s (region=%s, grpc=%s)", info.ID, info.Region, info.GRPCAddr)
	}
	prevAddr := ""
	if known {
		prevAddr = existing.GRPCAddr
	}
	entry := info
	r.agents[info.ID] = &entry
	metrics.AgentsRegistered.Set(float64(len(r.agents)))

	if info.GRPCAddr == "" {
		return
	}
	if c, ok := r.clients[info.ID]; ok {
		state := c.State()
		dead := state == connectivity.TransientFailure || state == connectivity.Shutdown
		if prevAddr == info.GRPCAddr && !dead {
			return
		}
		if prevAddr != info.GRPCAddr {
			log.Printf("agent_registry: agent %s gRPC address changed (%s -> %s), re-dialing", info.ID, prevAddr, info.GRPCAddr)
		} else {
			log.Printf("agent_registry: agent %s gRPC connection in %s state, re-dialing", info.ID, state)
		}
		c.Close()
		delete(r.clients, info.ID)
	}

	c, err := agent.Dial(info.GRPCAddr, r.maxFetchBytes)
	if err != nil {
		log.Printf("agent_registry: %v", err)
		return
	}
	r.clients[info.ID] = c
}

// Client returns the connection to the agent serving clientID.
func (r *AgentRegistry) Client(clientID string) (*agent.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, clientID)
	}
	return c, nil
}

// Agents returns all known agents ordered by ID.
func (r *AgentRegistry) Agents() []types.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop closes the Redis client and all agent connections.
func (r *AgentRegistry) Stop() {
	close(r.stop)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}

	if r.rdb != nil {
		r.rdb.Close()
	}
	log.Println("agent_registry: stopped")
}
