package types

import (
	"encoding/json"
	"time"
)

// FlowStatus is the lifecycle status of a flow.
type FlowStatus string

const (
	FlowStatusRunning  FlowStatus = "running"
	FlowStatusFinished FlowStatus = "finished"
	FlowStatusFailed   FlowStatus = "failed"
)

// FlowArgs are the caller-supplied arguments of a ListProcesses flow.
type FlowArgs struct {
	PathRegex        string            `json:"pathRegex,omitempty"`
	ConnectionStates []ConnectionState `json:"connectionStates,omitempty"`
	FetchBinaries    bool              `json:"fetchBinaries,omitempty"`
}

// StartFlowRequest is the request body for starting a flow.
type StartFlowRequest struct {
	ClientID string   `json:"clientId"`
	Args     FlowArgs `json:"args"`
	// WriteResults defaults to true when omitted.
	WriteResults *bool `json:"writeResults,omitempty"`
}

// FlowInfo describes a flow instance.
type FlowInfo struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	ClientID     string     `json:"clientId"`
	Args         FlowArgs   `json:"args"`
	State        string     `json:"state"`
	Status       FlowStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
	WriteResults bool       `json:"writeResults"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Result kinds.
const (
	ResultKindProcess  = "process"
	ResultKindFileStat = "file_stat"
)

// FlowResult is one record emitted by a flow.
type FlowResult struct {
	ID        int64           `json:"id"`
	FlowID    string          `json:"flowId"`
	ClientID  string          `json:"clientId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// FlowLog is one informational line logged by a flow.
type FlowLog struct {
	ID        int64     `json:"id"`
	FlowID    string    `json:"flowId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// AgentInfo describes a registered remote agent.
type AgentInfo struct {
	ID       string `json:"id"`
	Region   string `json:"region,omitempty"`
	GRPCAddr string `json:"grpcAddr"`
	Hostname string `json:"hostname,omitempty"`
	Version  string `json:"version,omitempty"`
}

// StartFlowResponse is returned when a flow is started. Token is a
// short-lived read token scoped to the flow, empty when tokens are disabled.
type StartFlowResponse struct {
	Flow  FlowInfo `json:"flow"`
	Token string   `json:"token,omitempty"`
}

// Watch event types.
const (
	WatchEventResult = "result"
	WatchEventLog    = "log"
	WatchEventStatus = "status"
)

// WatchEvent is one message on a flow watch stream.
type WatchEvent struct {
	Type   string      `json:"type"`
	Result *FlowResult `json:"result,omitempty"`
	Log    *FlowLog    `json:"log,omitempty"`
	Flow   *FlowInfo   `json:"flow,omitempty"`
}
