// Package agent implements the remote agent that runs on each monitored
// host. It serves gRPC (JSON-encoded) and answers process enumeration and
// file retrieval requests from the flow server.
package agent

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// DefaultMaxFetchBytes caps the size of a file returned by ReadFile.
const DefaultMaxFetchBytes = 64 * 1024 * 1024

// Server is the gRPC agent server.
type Server struct {
	startTime     time.Time
	version       string
	procRoot      string
	maxFetchBytes int64

	mu   sync.Mutex
	grpc *grpc.Server
}

// NewServer creates a new agent server. maxFetchBytes <= 0 selects
// DefaultMaxFetchBytes.
func NewServer(version string, maxFetchBytes int64) *Server {
	if maxFetchBytes <= 0 {
		maxFetchBytes = DefaultMaxFetchBytes
	}
	return &Server{
		startTime:     time.Now(),
		version:       version,
		procRoot:      "/proc",
		maxFetchBytes: maxFetchBytes,
	}
}

// Serve starts the gRPC server on the given listener.
func (s *Server) Serve(lis net.Listener) error {
	msgSize := maxMessageSize(s.maxFetchBytes)
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(msgSize),
		grpc.MaxSendMsgSize(msgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(logErrors),
	)
	RegisterAgentServer(gs, s)

	s.mu.Lock()
	s.grpc = gs
	s.mu.Unlock()

	log.Printf("agent: gRPC server listening on %s", lis.Addr())
	return gs.Serve(lis)
}

// Stop gracefully stops a serving agent.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpc
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

// Ping responds with the agent version and uptime.
func (s *Server) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	hostname, _ := os.Hostname()
	return &PingResponse{
		Version:       s.version,
		Hostname:      hostname,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

func logErrors(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		log.Printf("agent: %s: %v", info.FullMethod, err)
	}
	return resp, err
}

// maxMessageSize leaves room for the base64 expansion of file content in
// the JSON encoding.
func maxMessageSize(maxFetchBytes int64) int {
	return int(maxFetchBytes/3*4) + 1024*1024
}
