package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/internal/notify"
	"github.com/opensandbox/proclist/internal/store"
	"github.com/opensandbox/proclist/pkg/types"
)

type fakeAgents struct {
	procs []types.Process
	err   error
}

func (a *fakeAgents) ListProcesses(ctx context.Context, clientID string) ([]types.Process, error) {
	return a.procs, a.err
}

type fakeChildren struct {
	mu    sync.Mutex
	calls []flow.FileFinderArgs
	done  *flow.ChildCompletion
}

func (c *fakeChildren) RunFileFinder(ctx context.Context, clientID string, args flow.FileFinderArgs) *flow.ChildCompletion {
	c.mu.Lock()
	c.calls = append(c.calls, args)
	c.mu.Unlock()
	out := *c.done
	return &out
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func newTestEngine(t *testing.T, agents ProcessLister, children ChildRunner, n notify.Notifier) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	e := New(Config{Store: s, Agents: agents, Children: children, Notifier: n})
	t.Cleanup(func() {
		e.Close()
		s.Close()
	})
	return e, s
}

func runFlow(t *testing.T, e *Engine, s *store.Store, args types.FlowArgs, writeResults bool) *store.Flow {
	t.Helper()
	f, err := e.StartFlow(context.Background(), "c1", args, writeResults)
	if err != nil {
		t.Fatalf("StartFlow() error: %v", err)
	}
	e.Wait()
	f, err = s.GetFlow(f.ID)
	if err != nil {
		t.Fatalf("GetFlow() error: %v", err)
	}
	return f
}

func logMessages(t *testing.T, s *store.Store, flowID string) []string {
	t.Helper()
	logs, err := s.Logs(flowID, 0)
	if err != nil {
		t.Fatalf("Logs() error: %v", err)
	}
	var out []string
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}

func TestStartFlow_DirectReplies(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{PID: 1, Exe: "a"}, {PID: 2}, {PID: 3, Exe: "b"}}}
	n := &fakeNotifier{}
	e, s := newTestEngine(t, agents, nil, n)

	f := runFlow(t, e, s, types.FlowArgs{}, true)
	if f.Status != types.FlowStatusFinished {
		t.Fatalf("expected finished, got %s (%s)", f.Status, f.Error)
	}
	if f.State != string(flow.StateDone) {
		t.Errorf("expected state Done, got %s", f.State)
	}

	results, _ := s.Results(f.ID, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, want := range []string{"a", "b"} {
		var p types.Process
		if err := json.Unmarshal(results[i].Payload, &p); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if p.Exe != want || results[i].Kind != types.ResultKindProcess {
			t.Errorf("result %d: expected process %s, got %s %+v", i, want, results[i].Kind, p)
		}
	}

	logs := logMessages(t, s, f.ID)
	if len(logs) != 1 || logs[0] != "Skipped 1 entries, missing path for regex" {
		t.Errorf("unexpected logs: %v", logs)
	}

	if len(n.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(n.sent))
	}
	if n.sent[0].Kind != "ViewObject" || n.sent[0].Subject != FlowURN("c1", f.ID) || n.sent[0].Message != "ListProcesses completed." {
		t.Errorf("unexpected notification: %+v", n.sent[0])
	}
}

func TestStartFlow_NoNotificationWithoutWritingResults(t *testing.T) {
	n := &fakeNotifier{}
	e, s := newTestEngine(t, &fakeAgents{}, nil, n)

	f := runFlow(t, e, s, types.FlowArgs{}, false)
	if f.Status != types.FlowStatusFinished {
		t.Fatalf("expected finished, got %s", f.Status)
	}
	if len(n.sent) != 0 {
		t.Errorf("expected no notifications, got %d", len(n.sent))
	}
}

func TestStartFlow_EnumerationFailure(t *testing.T) {
	agents := &fakeAgents{err: errors.New("rpc error: code = Unavailable")}
	n := &fakeNotifier{}
	e, s := newTestEngine(t, agents, nil, n)

	f := runFlow(t, e, s, types.FlowArgs{FetchBinaries: true}, true)
	if f.Status != types.FlowStatusFailed {
		t.Fatalf("expected failed, got %s", f.Status)
	}
	if !strings.Contains(f.Error, "error during process listing") || !strings.Contains(f.Error, "Unavailable") {
		t.Errorf("expected remote status in error, got %q", f.Error)
	}
	if len(n.sent) != 0 {
		t.Errorf("failed flows do not notify, got %d", len(n.sent))
	}
}

func TestStartFlow_InvalidRegex(t *testing.T) {
	e, _ := newTestEngine(t, &fakeAgents{}, nil, nil)
	if _, err := e.StartFlow(context.Background(), "c1", types.FlowArgs{PathRegex: "["}, true); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestStartFlow_FetchBinaries(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{Exe: "y"}, {Exe: "x"}, {Exe: "y"}}}
	children := &fakeChildren{done: &flow.ChildCompletion{
		Success: true,
		Outcomes: []flow.DownloadOutcome{
			{Path: "x", Success: true, FileStat: &types.FileStat{Path: "x", Size: 1}},
			{Path: "y", Success: true, FileStat: &types.FileStat{Path: "y", Size: 2}},
		},
	}}
	e, s := newTestEngine(t, agents, children, &fakeNotifier{})

	f := runFlow(t, e, s, types.FlowArgs{FetchBinaries: true}, true)
	if f.Status != types.FlowStatusFinished {
		t.Fatalf("expected finished, got %s (%s)", f.Status, f.Error)
	}

	if len(children.calls) != 1 {
		t.Fatalf("expected 1 child flow, got %d", len(children.calls))
	}
	if got := children.calls[0].Paths; len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected paths [x y], got %v", got)
	}

	results, _ := s.Results(f.ID, 0)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, want := range []string{"x", "y"} {
		var st types.FileStat
		if err := json.Unmarshal(results[i].Payload, &st); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if results[i].Kind != types.ResultKindFileStat || st.Path != want {
			t.Errorf("result %d: expected file stat %s, got %s %+v", i, want, results[i].Kind, st)
		}
	}

	logs := logMessages(t, s, f.ID)
	want := []string{"Got 3 processes, fetching binaries for 2...", "Downloaded x", "Downloaded y"}
	if strings.Join(logs, "|") != strings.Join(want, "|") {
		t.Errorf("expected logs %v, got %v", want, logs)
	}
}

func TestStartFlow_DownloadFailureDegrades(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{Exe: "x"}, {Exe: "y"}}}
	children := &fakeChildren{done: &flow.ChildCompletion{Success: false, Status: "agent went away"}}
	e, s := newTestEngine(t, agents, children, &fakeNotifier{})

	f := runFlow(t, e, s, types.FlowArgs{FetchBinaries: true}, true)
	if f.Status != types.FlowStatusFinished {
		t.Fatalf("download failure must not fail the flow, got %s (%s)", f.Status, f.Error)
	}
	if results, _ := s.Results(f.ID, 0); len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
	logs := logMessages(t, s, f.ID)
	if len(logs) != 2 || logs[1] != "Download of file x, y failed agent went away" {
		t.Errorf("unexpected logs: %v", logs)
	}
}

func TestStartFlow_NoChildRunner(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{Exe: "x"}}}
	e, s := newTestEngine(t, agents, nil, &fakeNotifier{})

	f := runFlow(t, e, s, types.FlowArgs{FetchBinaries: true}, true)
	if f.Status != types.FlowStatusFinished {
		t.Fatalf("expected finished, got %s", f.Status)
	}
	logs := logMessages(t, s, f.ID)
	if len(logs) != 2 || !strings.Contains(logs[1], "file finder is not configured") {
		t.Errorf("unexpected logs: %v", logs)
	}
}

func TestDeliver_ResumesAtMostOnce(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{Exe: "a"}}}
	e, s := newTestEngine(t, agents, nil, &fakeNotifier{})

	f := &store.Flow{ID: "f1", Name: flow.Name, ClientID: "c1", State: string(flow.StateCollectProcesses), Status: types.FlowStatusRunning}
	if err := s.CreateFlow(f); err != nil {
		t.Fatalf("CreateFlow() error: %v", err)
	}
	if err := s.AddPendingRequest(&store.PendingRequest{ID: "r1", FlowID: "f1", NextState: string(flow.StateCollectProcesses)}); err != nil {
		t.Fatalf("AddPendingRequest() error: %v", err)
	}

	reply := &flow.ProcessListing{Success: true, Processes: agents.procs}
	e.deliver(context.Background(), "r1", reply)
	e.deliver(context.Background(), "r1", reply)

	if results, _ := s.Results("f1", 0); len(results) != 1 {
		t.Errorf("expected exactly 1 result, got %d", len(results))
	}
}

func TestRecover(t *testing.T) {
	agents := &fakeAgents{procs: []types.Process{{Exe: "a"}}}
	e, s := newTestEngine(t, agents, nil, &fakeNotifier{})

	for _, id := range []string{"waiting", "orphan"} {
		if err := s.CreateFlow(&store.Flow{ID: id, Name: flow.Name, ClientID: "c1", State: string(flow.StateCollectProcesses), Status: types.FlowStatusRunning}); err != nil {
			t.Fatalf("CreateFlow() error: %v", err)
		}
	}
	_ = s.AddPendingRequest(&store.PendingRequest{ID: "r1", FlowID: "waiting", NextState: string(flow.StateCollectProcesses)})

	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	e.Wait()

	waiting, _ := s.GetFlow("waiting")
	if waiting.Status != types.FlowStatusFinished {
		t.Errorf("expected re-dispatched flow to finish, got %s (%s)", waiting.Status, waiting.Error)
	}
	orphan, _ := s.GetFlow("orphan")
	if orphan.Status != types.FlowStatusFailed {
		t.Errorf("expected orphan to fail, got %s", orphan.Status)
	}
}

type blockingAgents struct {
	started chan struct{}
}

func (a *blockingAgents) ListProcesses(ctx context.Context, clientID string) ([]types.Process, error) {
	close(a.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestClose_LeavesInFlightRequestPending(t *testing.T) {
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	defer s.Close()

	agents := &blockingAgents{started: make(chan struct{})}
	e := New(Config{Store: s, Agents: agents, Notifier: &fakeNotifier{}})
	f, err := e.StartFlow(context.Background(), "c1", types.FlowArgs{}, true)
	if err != nil {
		t.Fatalf("StartFlow() error: %v", err)
	}
	<-agents.started
	e.Close()

	got, _ := s.GetFlow(f.ID)
	if got.Status != types.FlowStatusRunning {
		t.Fatalf("expected flow to stay running after Close, got %s (%s)", got.Status, got.Error)
	}
	if reqs, _ := s.PendingForFlow(f.ID); len(reqs) != 1 {
		t.Fatalf("expected 1 pending request after Close, got %d", len(reqs))
	}

	restarted := New(Config{Store: s, Agents: &fakeAgents{procs: []types.Process{{Exe: "a"}}}, Notifier: &fakeNotifier{}})
	defer restarted.Close()
	if err := restarted.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	restarted.Wait()

	got, _ = s.GetFlow(f.ID)
	if got.Status != types.FlowStatusFinished {
		t.Fatalf("expected recovered flow to finish, got %s (%s)", got.Status, got.Error)
	}
	if results, _ := s.Results(f.ID, 0); len(results) != 1 {
		t.Errorf("expected 1 result after recovery, got %d", len(results))
	}
}

func TestRecover_CorruptRequestData(t *testing.T) {
	children := &fakeChildren{done: &flow.ChildCompletion{Success: true}}
	e, s := newTestEngine(t, &fakeAgents{}, children, &fakeNotifier{})

	if err := s.CreateFlow(&store.Flow{ID: "f1", Name: flow.Name, ClientID: "c1", State: string(flow.StateHandleDownloads), Status: types.FlowStatusRunning}); err != nil {
		t.Fatalf("CreateFlow() error: %v", err)
	}
	req := &store.PendingRequest{ID: "r1", FlowID: "f1", NextState: string(flow.StateHandleDownloads), RequestData: []byte("{not json")}
	if err := s.AddPendingRequest(req); err != nil {
		t.Fatalf("AddPendingRequest() error: %v", err)
	}

	if err := e.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	e.Wait()

	f, _ := s.GetFlow("f1")
	if f.Status != types.FlowStatusFailed || !strings.Contains(f.Error, "corrupt request data") {
		t.Errorf("expected flow to fail on corrupt request data, got %s (%s)", f.Status, f.Error)
	}
	if len(children.calls) != 0 {
		t.Errorf("expected no file finder run, got %d", len(children.calls))
	}
	if reqs, _ := s.PendingForFlow("f1"); len(reqs) != 0 {
		t.Errorf("expected corrupt request to be cleared, got %d", len(reqs))
	}
}
