// Package client is a Go client for the proclist HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/proclist/pkg/types"
)

// Client is an HTTP client for the proclist API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new proclist API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// doRequest performs an HTTP request with API key authentication.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	reqURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}

	return resp, nil
}

// call performs a request and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}, wantStatus int) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StartFlow starts a ListProcesses flow.
func (c *Client) StartFlow(ctx context.Context, req types.StartFlowRequest) (*types.StartFlowResponse, error) {
	var resp types.StartFlowResponse
	if err := c.call(ctx, http.MethodPost, "/flows", req, &resp, http.StatusCreated); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetFlow gets a flow by ID.
func (c *Client) GetFlow(ctx context.Context, flowID string) (*types.FlowInfo, error) {
	var info types.FlowInfo
	if err := c.call(ctx, http.MethodGet, "/flows/"+url.PathEscape(flowID), nil, &info, http.StatusOK); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListFlows lists flows, newest first. An empty clientID lists every client.
func (c *Client) ListFlows(ctx context.Context, clientID string, limit int) ([]types.FlowInfo, error) {
	q := url.Values{}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/flows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var flows []types.FlowInfo
	if err := c.call(ctx, http.MethodGet, path, nil, &flows, http.StatusOK); err != nil {
		return nil, err
	}
	return flows, nil
}

// Results returns results of a flow with an ID greater than afterID.
func (c *Client) Results(ctx context.Context, flowID string, afterID int64) ([]types.FlowResult, error) {
	path := fmt.Sprintf("/flows/%s/results?after=%d", url.PathEscape(flowID), afterID)
	var results []types.FlowResult
	if err := c.call(ctx, http.MethodGet, path, nil, &results, http.StatusOK); err != nil {
		return nil, err
	}
	return results, nil
}

// Logs returns log lines of a flow with an ID greater than afterID.
func (c *Client) Logs(ctx context.Context, flowID string, afterID int64) ([]types.FlowLog, error) {
	path := fmt.Sprintf("/flows/%s/logs?after=%d", url.PathEscape(flowID), afterID)
	var logs []types.FlowLog
	if err := c.call(ctx, http.MethodGet, path, nil, &logs, http.StatusOK); err != nil {
		return nil, err
	}
	return logs, nil
}

// Agents lists the agents the server can reach.
func (c *Client) Agents(ctx context.Context) ([]types.AgentInfo, error) {
	var agents []types.AgentInfo
	if err := c.call(ctx, http.MethodGet, "/agents", nil, &agents, http.StatusOK); err != nil {
		return nil, err
	}
	return agents, nil
}

// Watch streams a flow's events until the flow finishes, calling fn for
// each event. It returns the final flow info.
func (c *Client) Watch(ctx context.Context, flowID string, fn func(types.WatchEvent)) (*types.FlowInfo, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/flows/" + url.PathEscape(flowID) + "/watch"
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("watch %s (status %d): %w", flowID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("watch %s: %w", flowID, err)
	}
	defer ws.Close()

	for {
		var ev types.WatchEvent
		if err := ws.ReadJSON(&ev); err != nil {
			return nil, fmt.Errorf("watch %s: %w", flowID, err)
		}
		if fn != nil {
			fn(ev)
		}
		if ev.Type == types.WatchEventStatus && ev.Flow != nil {
			return ev.Flow, nil
		}
	}
}
