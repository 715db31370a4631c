// Package controlplane resolves client IDs to the agents that serve them
// and forwards flow RPCs over the agents' gRPC connections.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensandbox/proclist/internal/agent"
	"github.com/opensandbox/proclist/pkg/types"
)

// ErrUnknownAgent is returned when no agent serves a client ID.
var ErrUnknownAgent = errors.New("no agent registered for client")

// Directory maps client IDs to agent connections. A client ID is the ID the
// agent announces in its heartbeat.
type Directory interface {
	Client(clientID string) (*agent.Client, error)
	Agents() []types.AgentInfo
}

// Router forwards flow RPCs to the agent serving each client.
type Router struct {
	dir Directory
}

// NewRouter creates a router over dir.
func NewRouter(dir Directory) *Router {
	return &Router{dir: dir}
}

// ListProcesses enumerates processes on the client's agent.
func (r *Router) ListProcesses(ctx context.Context, clientID string) ([]types.Process, error) {
	c, err := r.dir.Client(clientID)
	if err != nil {
		return nil, err
	}
	return c.ListProcesses(ctx)
}

// StatFile stats a file on the client's agent.
func (r *Router) StatFile(ctx context.Context, clientID, path string) (*types.FileStat, error) {
	c, err := r.dir.Client(clientID)
	if err != nil {
		return nil, err
	}
	return c.StatFile(ctx, path)
}

// ReadFile reads a file on the client's agent.
func (r *Router) ReadFile(ctx context.Context, clientID, path string) ([]byte, error) {
	c, err := r.dir.Client(clientID)
	if err != nil {
		return nil, err
	}
	return c.ReadFile(ctx, path)
}

// Agents lists the agents known to the directory.
func (r *Router) Agents() []types.AgentInfo {
	return r.dir.Agents()
}

// StaticAgents is a Directory with a single agent at a fixed address, for
// development without Redis.
type StaticAgents struct {
	info   types.AgentInfo
	client *agent.Client
}

// NewStaticAgents dials the agent at addr and serves it as clientID.
func NewStaticAgents(clientID, addr string, maxFetchBytes int64) (*StaticAgents, error) {
	c, err := agent.Dial(addr, maxFetchBytes)
	if err != nil {
		return nil, err
	}
	return &StaticAgents{
		info:   types.AgentInfo{ID: clientID, GRPCAddr: addr},
		client: c,
	}, nil
}

// Client returns the static agent when clientID matches.
func (s *StaticAgents) Client(clientID string) (*agent.Client, error) {
	if clientID != s.info.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, clientID)
	}
	return s.client, nil
}

// Agents returns the single static agent.
func (s *StaticAgents) Agents() []types.AgentInfo {
	return []types.AgentInfo{s.info}
}

// Close closes the agent connection.
func (s *StaticAgents) Close() error {
	return s.client.Close()
}
