// Package engine schedules ListProcesses flows: it persists each flow's
// suspension point, dispatches agent RPCs and child flows, and resumes the
// flow exactly once when the reply arrives.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/internal/notify"
	"github.com/opensandbox/proclist/internal/store"
	"github.com/opensandbox/proclist/pkg/types"
)

// ProcessLister enumerates processes on the agent serving clientID.
type ProcessLister interface {
	ListProcesses(ctx context.Context, clientID string) ([]types.Process, error)
}

// ChildRunner runs a delegated FileFinder flow to completion.
type ChildRunner interface {
	RunFileFinder(ctx context.Context, clientID string, args flow.FileFinderArgs) *flow.ChildCompletion
}

// Config holds the engine's collaborators.
type Config struct {
	Store    *store.Store
	Agents   ProcessLister
	Children ChildRunner     // nil disables binary fetching
	Notifier notify.Notifier // nil logs notifications

	// RPCTimeout bounds a single agent RPC. Zero means 60s.
	RPCTimeout time.Duration
	// ChildTimeout bounds a delegated flow. Zero means 10m.
	ChildTimeout time.Duration
}

// Engine runs flows.
type Engine struct {
	store        *store.Store
	agents       ProcessLister
	children     ChildRunner
	notifier     notify.Notifier
	rpcTimeout   time.Duration
	childTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:        cfg.Store,
		agents:       cfg.Agents,
		children:     cfg.Children,
		notifier:     cfg.Notifier,
		rpcTimeout:   cfg.RPCTimeout,
		childTimeout: cfg.ChildTimeout,
	}
	if e.notifier == nil {
		e.notifier = notify.LogNotifier{}
	}
	if e.rpcTimeout <= 0 {
		e.rpcTimeout = 60 * time.Second
	}
	if e.childTimeout <= 0 {
		e.childTimeout = 10 * time.Minute
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// StartFlow creates a ListProcesses flow for clientID and runs its first step.
func (e *Engine) StartFlow(ctx context.Context, clientID string, args types.FlowArgs, writeResults bool) (*store.Flow, error) {
	lp, err := flow.NewListProcesses(flow.ArgsFromTypes(args))
	if err != nil {
		return nil, err
	}

	f := &store.Flow{
		ID:           uuid.NewString(),
		Name:         flow.Name,
		ClientID:     clientID,
		Args:         args,
		State:        string(flow.StateStart),
		Status:       types.FlowStatusRunning,
		WriteResults: writeResults,
	}
	if err := e.store.CreateFlow(f); err != nil {
		return nil, err
	}
	metrics.FlowsStarted.WithLabelValues(flow.Name).Inc()
	metrics.FlowsRunning.Inc()
	log.Printf("engine: flow %s started for client %s", f.ID, clientID)

	r := e.newRunner(f)
	e.afterStep(ctx, f, lp, r, lp.Start(ctx, r))
	return e.store.GetFlow(f.ID)
}

// Recover resumes flows left running by a previous process. Requests that
// were in flight are re-dispatched; flows without one cannot make progress
// and are failed.
func (e *Engine) Recover(ctx context.Context) error {
	flows, err := e.store.RunningFlows()
	if err != nil {
		return fmt.Errorf("list running flows: %w", err)
	}

	redispatched := 0
	for _, f := range flows {
		metrics.FlowsRunning.Inc()
		reqs, err := e.store.PendingForFlow(f.ID)
		if err != nil {
			return fmt.Errorf("pending requests for %s: %w", f.ID, err)
		}
		if len(reqs) == 0 {
			log.Printf("engine: flow %s has no outstanding request, failing", f.ID)
			e.finish(f, types.FlowStatusFailed, "interrupted: no outstanding request")
			continue
		}
		for _, req := range reqs {
			e.redispatch(f, req)
			redispatched++
		}
	}
	if redispatched > 0 {
		log.Printf("engine: re-dispatched %d pending requests", redispatched)
	}
	return nil
}

func (e *Engine) redispatch(f *store.Flow, req *store.PendingRequest) {
	switch flow.State(req.NextState) {
	case flow.StateCollectProcesses:
		e.dispatchClient(f.ClientID, req.ID, flow.ActionListProcesses)
	case flow.StateHandleDownloads:
		var data flow.RequestData
		if len(req.RequestData) > 0 {
			if err := json.Unmarshal(req.RequestData, &data); err != nil {
				log.Printf("engine: flow %s: decode request data: %v", f.ID, err)
				if _, err := e.store.ClaimPendingRequest(req.ID); err != nil {
					log.Printf("engine: flow %s: %v", f.ID, err)
				}
				e.finish(f, types.FlowStatusFailed, fmt.Sprintf("corrupt request data: %v", err))
				return
			}
		}
		e.dispatchChild(f.ClientID, req.ID, flow.FileFinderArgs{Paths: data.Paths, Action: flow.FileFinderDownload})
	default:
		log.Printf("engine: flow %s: cannot re-dispatch request for state %s", f.ID, req.NextState)
	}
}

// Wait blocks until all in-flight requests have been delivered.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight requests and waits for their goroutines.
// Cancelled requests stay pending so Recover can re-dispatch them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) dispatch(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

func (e *Engine) dispatchClient(clientID, requestID string, action flow.ClientAction) {
	e.dispatch(func(ctx context.Context) {
		reply := e.callClient(ctx, clientID, action)
		if e.interrupted(ctx, requestID) {
			return
		}
		e.deliver(ctx, requestID, reply)
	})
}

func (e *Engine) dispatchChild(clientID, requestID string, args flow.FileFinderArgs) {
	e.dispatch(func(ctx context.Context) {
		var done *flow.ChildCompletion
		if e.children == nil {
			done = &flow.ChildCompletion{Success: false, Status: "file finder is not configured"}
		} else {
			cctx, cancel := context.WithTimeout(ctx, e.childTimeout)
			done = e.children.RunFileFinder(cctx, clientID, args)
			cancel()
		}
		if e.interrupted(ctx, requestID) {
			return
		}
		e.deliver(ctx, requestID, done)
	})
}

// interrupted reports whether the engine shut down while requestID was in
// flight. The request is left unclaimed.
func (e *Engine) interrupted(ctx context.Context, requestID string) bool {
	if ctx.Err() == nil {
		return false
	}
	log.Printf("engine: shutting down, request %s left pending", requestID)
	return true
}

func (e *Engine) callClient(ctx context.Context, clientID string, action flow.ClientAction) *flow.ProcessListing {
	if action != flow.ActionListProcesses {
		return &flow.ProcessListing{Success: false, Status: fmt.Sprintf("unsupported client action %q", action)}
	}

	ctx, cancel := context.WithTimeout(ctx, e.rpcTimeout)
	defer cancel()

	procs, err := e.agents.ListProcesses(ctx, clientID)
	if err != nil {
		return &flow.ProcessListing{Success: false, Status: err.Error()}
	}
	metrics.ProcessesObserved.Add(float64(len(procs)))
	return &flow.ProcessListing{Success: true, Processes: procs}
}

// deliver resumes the flow waiting on requestID. Replies for requests that
// were already claimed, or whose flow is no longer running, are dropped.
func (e *Engine) deliver(ctx context.Context, requestID string, reply any) {
	req, err := e.store.ClaimPendingRequest(requestID)
	if err != nil {
		log.Printf("engine: dropping reply for request %s: %v", requestID, err)
		return
	}

	f, err := e.store.GetFlow(req.FlowID)
	if err != nil {
		log.Printf("engine: dropping reply for request %s: %v", requestID, err)
		return
	}
	if f.Status != types.FlowStatusRunning {
		log.Printf("engine: dropping reply for %s flow %s", f.Status, f.ID)
		return
	}

	lp, err := flow.NewListProcesses(flow.ArgsFromTypes(f.Args))
	if err != nil {
		e.finish(f, types.FlowStatusFailed, err.Error())
		return
	}

	if done, ok := reply.(*flow.ChildCompletion); ok && len(req.RequestData) > 0 {
		if err := json.Unmarshal(req.RequestData, &done.RequestData); err != nil {
			log.Printf("engine: flow %s: decode request data: %v", f.ID, err)
		}
	}

	log.Printf("engine: flow %s resumed at %s", f.ID, req.NextState)
	r := e.newRunner(f)
	e.afterStep(ctx, f, lp, r, lp.Resume(ctx, r, flow.State(req.NextState), reply))
}

// afterStep finalizes a flow whose step returned without suspending.
func (e *Engine) afterStep(ctx context.Context, f *store.Flow, lp *flow.ListProcesses, r *runner, stepErr error) {
	if stepErr != nil {
		log.Printf("engine: flow %s failed: %v", f.ID, stepErr)
		e.finish(f, types.FlowStatusFailed, stepErr.Error())
		return
	}
	if r.suspended {
		return
	}

	e.finish(f, types.FlowStatusFinished, "")
	if err := lp.NotifyAboutEnd(ctx, r); err != nil {
		log.Printf("engine: flow %s: notify: %v", f.ID, err)
	}
}

func (e *Engine) finish(f *store.Flow, status types.FlowStatus, errText string) {
	if err := e.store.FinishFlow(f.ID, string(flow.StateDone), status, errText); err != nil {
		log.Printf("engine: flow %s: %v", f.ID, err)
		return
	}
	f.State = string(flow.StateDone)
	f.Status = status
	f.Error = errText
	metrics.FlowsRunning.Dec()
	metrics.FlowsCompleted.WithLabelValues(f.Name, string(status)).Inc()
	log.Printf("engine: flow %s %s", f.ID, status)
}

var errAlreadySuspended = errors.New("flow step already issued a request")

// runner is the flow.Runner bound to one step of one flow.
type runner struct {
	e         *Engine
	flow      *store.Flow
	suspended bool
}

func (e *Engine) newRunner(f *store.Flow) *runner {
	return &runner{e: e, flow: f}
}

func (r *runner) suspend(next flow.State, data any) (string, error) {
	if r.suspended {
		return "", errAlreadySuspended
	}
	req := &store.PendingRequest{
		ID:        uuid.NewString(),
		FlowID:    r.flow.ID,
		NextState: string(next),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal request data: %w", err)
		}
		req.RequestData = raw
	}
	if err := r.e.store.AddPendingRequest(req); err != nil {
		return "", err
	}
	if err := r.e.store.SetState(r.flow.ID, string(next)); err != nil {
		return "", fmt.Errorf("record flow state: %w", err)
	}
	r.flow.State = string(next)
	r.suspended = true
	return req.ID, nil
}

func (r *runner) CallClient(ctx context.Context, action flow.ClientAction, next flow.State) error {
	id, err := r.suspend(next, nil)
	if err != nil {
		return err
	}
	r.e.dispatchClient(r.flow.ClientID, id, action)
	return nil
}

func (r *runner) CallFlow(ctx context.Context, args flow.FileFinderArgs, next flow.State, data flow.RequestData) error {
	id, err := r.suspend(next, data)
	if err != nil {
		return err
	}
	metrics.BinariesRequested.Add(float64(len(args.Paths)))
	r.e.dispatchChild(r.flow.ClientID, id, args)
	return nil
}

func (r *runner) SendReply(ctx context.Context, res flow.Result) error {
	var (
		kind    string
		payload any
	)
	switch {
	case res.Process != nil:
		kind, payload = types.ResultKindProcess, res.Process
	case res.FileStat != nil:
		kind, payload = types.ResultKindFileStat, res.FileStat
	default:
		return fmt.Errorf("empty result")
	}
	if _, err := r.e.store.AddResult(r.flow.ID, r.flow.ClientID, kind, payload); err != nil {
		return err
	}
	metrics.ResultsEmitted.WithLabelValues(kind).Inc()
	return nil
}

func (r *runner) Log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("flow %s: %s", r.flow.ID, msg)
	if err := r.e.store.AppendLog(r.flow.ID, msg); err != nil {
		log.Printf("engine: flow %s: append log: %v", r.flow.ID, err)
	}
}

func (r *runner) Notify(ctx context.Context, kind, subject, message string) error {
	return r.e.notifier.Notify(ctx, notify.Notification{
		Kind:      kind,
		Subject:   subject,
		Message:   message,
		FlowID:    r.flow.ID,
		ClientID:  r.flow.ClientID,
		CreatedAt: time.Now().UTC(),
	})
}

func (r *runner) IsWritingResults() bool {
	return r.flow.WriteResults
}

func (r *runner) FlowURN() string {
	return FlowURN(r.flow.ClientID, r.flow.ID)
}

// FlowURN is the user-visible identity of a flow.
func FlowURN(clientID, flowID string) string {
	return "flows/" + clientID + "/" + flowID
}
