// proclist-agent serves process listings and file reads to the proclist
// server over gRPC. It listens on TCP, a Unix socket, or AF_VSOCK when
// running inside a microVM, and announces itself through Redis heartbeats.
//
// Build: CGO_ENABLED=0 GOOS=linux go build -o proclist-agent ./cmd/agent
package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/opensandbox/proclist/internal/agent"
	"github.com/opensandbox/proclist/internal/config"
	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/pkg/types"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("proclist-agent %s starting", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lis, err := listen(cfg.AgentGRPCAddr)
	if err != nil {
		log.Fatalf("agent: failed to listen: %v", err)
	}

	srv := agent.NewServer(version, cfg.MaxFetchBytes)

	var hb *agent.Heartbeat
	if cfg.RedisURL != "" {
		hostname, _ := os.Hostname()
		hb, err = agent.NewHeartbeat(cfg.RedisURL, types.AgentInfo{
			ID:       cfg.AgentID,
			Region:   cfg.Region,
			GRPCAddr: cfg.AgentAdvertiseAddr,
			Hostname: hostname,
			Version:  version,
		})
		if err != nil {
			log.Fatalf("agent: failed to connect to redis: %v", err)
		}
		hb.Start()
		log.Printf("agent: heartbeating as %s (%s)", cfg.AgentID, cfg.AgentAdvertiseAddr)
	} else {
		log.Println("agent: no PROCLIST_REDIS_URL configured, not announcing")
	}

	if cfg.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.MetricsAddr)
	}

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		if hb != nil {
			hb.Stop()
		}
		srv.Stop()
	}()

	if err := srv.Serve(lis); err != nil {
		log.Fatalf("agent: serve failed: %v", err)
	}
}

// listen opens the agent listener. addr is host:port, unix:/path or
// vsock:port.
func listen(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "vsock:"):
		port, err := strconv.ParseUint(strings.TrimPrefix(addr, "vsock:"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vsock port in %q: %w", addr, err)
		}
		return listenVsock(uint32(port))
	case strings.HasPrefix(addr, "unix:"):
		path := strings.TrimPrefix(addr, "unix:")
		os.Remove(path)
		return net.Listen("unix", path)
	default:
		return net.Listen("tcp", addr)
	}
}
