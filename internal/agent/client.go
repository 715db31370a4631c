package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/pkg/types"
)

// DefaultRetries is the number of times a transiently failing RPC is retried.
const DefaultRetries = 3

// Client is the server-side gRPC client for one agent.
type Client struct {
	addr    string
	conn    *grpc.ClientConn
	retries uint64
}

// Dial creates a client for the agent at addr. The connection is
// established in the background.
func Dial(addr string, maxFetchBytes int64) (*Client, error) {
	if maxFetchBytes <= 0 {
		maxFetchBytes = DefaultMaxFetchBytes
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(maxMessageSize(maxFetchBytes)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial agent at %s: %w", addr, err)
	}
	// Start connecting now so keepalive can detect a dead agent before
	// the first RPC.
	conn.Connect()
	return &Client{addr: addr, conn: conn, retries: DefaultRetries}, nil
}

// Addr returns the address the client was dialed with.
func (c *Client) Addr() string { return c.addr }

// State reports the connectivity state of the underlying connection.
func (c *Client) State() connectivity.State { return c.conn.GetState() }

// Close closes the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// ListProcesses enumerates processes on the agent.
func (c *Client) ListProcesses(ctx context.Context) ([]types.Process, error) {
	var resp ListProcessesResponse
	if err := c.invoke(ctx, "ListProcesses", &ListProcessesRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

// StatFile stats and hashes a file on the agent.
func (c *Client) StatFile(ctx context.Context, path string) (*types.FileStat, error) {
	var resp StatFileResponse
	if err := c.invoke(ctx, "StatFile", &StatFileRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

// ReadFile fetches the content of a file on the agent.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var resp ReadFileResponse
	if err := c.invoke(ctx, "ReadFile", &ReadFileRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	metrics.FileFetchBytes.Add(float64(len(resp.Content)))
	return resp.Content, nil
}

// Ping verifies the agent is responsive.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var resp PingResponse
	if err := c.invoke(ctx, "Ping", &PingRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	start := time.Now()
	op := func() error {
		err := c.conn.Invoke(ctx, fullMethod(method), req, resp)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	err := backoff.Retry(op, b)
	metrics.AgentRPCDuration.WithLabelValues(method, status.Code(err).String()).Observe(time.Since(start).Seconds())
	return err
}

// retryable reports whether err is a transport-level failure worth
// retrying. Application errors (NotFound, ResourceExhausted) are final.
func retryable(err error) bool {
	return status.Code(err) == codes.Unavailable
}
