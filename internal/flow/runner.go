// Package flow implements the ListProcesses flow: a resumable task that
// enumerates processes on a remote agent, filters them, and optionally
// delegates retrieval of the matching executables to a FileFinder flow.
//
// A flow never blocks. Each step issues at most one request through its
// Runner and returns; the engine persists the pending request and resumes
// the flow with the typed reply.
package flow

import (
	"context"

	"github.com/opensandbox/proclist/pkg/types"
)

// State names a flow step.
type State string

const (
	StateStart            State = "Start"
	StateCollectProcesses State = "CollectProcesses"
	StateHandleDownloads  State = "HandleDownloads"
	StateDone             State = "Done"
)

// ClientAction names an RPC served by the remote agent.
type ClientAction string

// ActionListProcesses enumerates processes on the agent.
const ActionListProcesses ClientAction = "ListProcesses"

// FileFinderAction is what the FileFinder flow does with matched files.
type FileFinderAction string

const (
	FileFinderStat     FileFinderAction = "stat"
	FileFinderDownload FileFinderAction = "download"
)

// FileFinderArgs is the typed descriptor of a delegated FileFinder flow.
type FileFinderArgs struct {
	Paths  []string         `json:"paths"`
	Action FileFinderAction `json:"action"`
}

// RequestData is the context persisted alongside a pending request and
// handed back on resume.
type RequestData struct {
	Paths []string `json:"paths,omitempty"`
}

// ProcessListing is the reply to ActionListProcesses.
type ProcessListing struct {
	Success   bool
	Status    string
	Processes []types.Process
}

// DownloadOutcome is the per-path result of a FileFinder flow.
type DownloadOutcome struct {
	Path     string          `json:"path"`
	Success  bool            `json:"success"`
	Status   string          `json:"status,omitempty"`
	FileStat *types.FileStat `json:"fileStat,omitempty"`
}

// ChildCompletion is the terminal signal of a delegated flow.
type ChildCompletion struct {
	Success     bool
	Status      string
	Outcomes    []DownloadOutcome
	RequestData RequestData
}

// Result is one record handed to the result sink: exactly one of Process
// and FileStat is set.
type Result struct {
	Process  *types.Process
	FileStat *types.FileStat
}

// Runner is the engine surface available to a flow step.
type Runner interface {
	// CallClient sends action to the flow's agent; the reply resumes the flow at next.
	CallClient(ctx context.Context, action ClientAction, next State) error
	// CallFlow starts a FileFinder child flow; its completion resumes the flow at next.
	CallFlow(ctx context.Context, args FileFinderArgs, next State, data RequestData) error
	SendReply(ctx context.Context, r Result) error
	Log(format string, args ...any)
	Notify(ctx context.Context, kind, subject, message string) error
	IsWritingResults() bool
	// FlowURN identifies the running flow instance.
	FlowURN() string
}
