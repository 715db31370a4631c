package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/proclist/internal/auth"
	"github.com/opensandbox/proclist/internal/db"
	"github.com/opensandbox/proclist/internal/engine"
	"github.com/opensandbox/proclist/internal/notify"
	"github.com/opensandbox/proclist/internal/storage"
	"github.com/opensandbox/proclist/internal/store"
	"github.com/opensandbox/proclist/pkg/types"
)

type fakeLister struct {
	procs []types.Process
}

func (l *fakeLister) ListProcesses(ctx context.Context, clientID string) ([]types.Process, error) {
	return l.procs, nil
}

type fakeBinaries struct {
	objects map[string][]byte
}

func (b *fakeBinaries) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := b.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeArchive struct {
	got db.ResultQuery
}

func (a *fakeArchive) ListClientResults(ctx context.Context, q db.ResultQuery) ([]types.FlowResult, error) {
	a.got = q
	return []types.FlowResult{{ID: 1, FlowID: "f1", ClientID: q.ClientID, Kind: types.ResultKindProcess}}, nil
}

type fakeFeed struct{}

func (fakeFeed) Recent(ctx context.Context, limit int64) ([]notify.Notification, error) {
	return []notify.Notification{{Kind: "ViewObject", Message: "ListProcesses completed."}}, nil
}

var testProcs = []types.Process{
	{PID: 1, Name: "init", Exe: "/sbin/init"},
	{PID: 2, Name: "sshd", Exe: "/usr/sbin/sshd", Connections: []types.Connection{{State: types.ConnListen}}},
}

type testEnv struct {
	srv    *Server
	engine *engine.Engine
	store  *store.Store
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	e := engine.New(engine.Config{Store: s, Agents: &fakeLister{procs: testProcs}, Notifier: &notify.LogNotifier{}})
	t.Cleanup(func() {
		e.Close()
		s.Close()
	})
	cfg.Engine = e
	cfg.Store = s
	return &testEnv{srv: NewServer(cfg), engine: e, store: s}
}

func (env *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) startFlow(t *testing.T, body string) types.StartFlowResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/flows", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp types.StartFlowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	env.engine.Wait()
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "k"})
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestStartFlowValidation(t *testing.T) {
	env := newTestEnv(t, Config{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{`},
		{"missing client", `{"args":{}}`},
		{"bad regex", `{"clientId":"c1","args":{"pathRegex":"["}}`},
		{"bad state", `{"clientId":"c1","args":{"connectionStates":["DANCING"]}}`},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, "/flows", tt.body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tt.name, rec.Code, rec.Body.String())
		}
	}
}

func TestFlowLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.startFlow(t, `{"clientId":"c1","args":{"connectionStates":["listen"]}}`)
	if resp.Flow.ClientID != "c1" || resp.Flow.Name != "ListProcesses" || resp.Flow.Category != "/Processes/" {
		t.Fatalf("unexpected flow: %+v", resp.Flow)
	}
	if resp.Token != "" {
		t.Errorf("expected no token without issuer, got %q", resp.Token)
	}
	id := resp.Flow.ID

	rec := env.do(t, http.MethodGet, "/flows/"+id, "", nil)
	var info types.FlowInfo
	json.Unmarshal(rec.Body.Bytes(), &info)
	if info.Status != types.FlowStatusFinished {
		t.Errorf("expected finished, got %+v", info)
	}

	rec = env.do(t, http.MethodGet, "/flows/"+id+"/results", "", nil)
	var results []types.FlowResult
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected only the listening process, got %d", len(results))
	}
	var p types.Process
	json.Unmarshal(results[0].Payload, &p)
	if p.Name != "sshd" {
		t.Errorf("expected sshd, got %+v", p)
	}

	rec = env.do(t, http.MethodGet, "/flows/"+id+"/results?after=1000000", "", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list past the last result, got %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/flows?clientId=c1", "", nil)
	var flows []types.FlowInfo
	json.Unmarshal(rec.Body.Bytes(), &flows)
	if len(flows) != 1 || flows[0].ID != id {
		t.Errorf("unexpected flow list: %+v", flows)
	}

	rec = env.do(t, http.MethodGet, "/flows/"+id+"/logs", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for logs, got %d", rec.Code)
	}
}

func TestGetFlowNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, path := range []string{"/flows/nope", "/flows/nope/results", "/flows/nope/logs", "/flows/nope/watch"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestFlowReadToken(t *testing.T) {
	env := newTestEnv(t, Config{APIKey: "k", Tokens: auth.NewTokenIssuer("shh")})

	rec := env.do(t, http.MethodPost, "/flows", `{"clientId":"c1"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/flows", `{"clientId":"c1"}`, map[string]string{"X-API-Key": "k"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	env.engine.Wait()
	var resp types.StartFlowResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Token == "" {
		t.Fatal("expected a flow read token")
	}

	rec = env.do(t, http.MethodGet, "/flows/"+resp.Flow.ID+"/results?token="+resp.Token, "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected token to grant read access, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/flows?token="+resp.Token, "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected token not to grant listing, got %d", rec.Code)
	}
}

func TestWatchFlow(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.startFlow(t, `{"clientId":"c1"}`)

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/flows/" + resp.Flow.ID + "/watch"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))

	var results int
	for {
		var ev types.WatchEvent
		if err := ws.ReadJSON(&ev); err != nil {
			t.Fatalf("stream ended before status: %v", err)
		}
		if ev.Type == types.WatchEventResult {
			results++
		}
		if ev.Type == types.WatchEventStatus {
			if ev.Flow == nil || ev.Flow.Status != types.FlowStatusFinished {
				t.Errorf("unexpected final status: %+v", ev.Flow)
			}
			break
		}
	}
	if results != 2 {
		t.Errorf("expected 2 results, got %d", results)
	}
}

func TestAgentsAndArchive(t *testing.T) {
	archive := &fakeArchive{}
	env := newTestEnv(t, Config{Archive: archive, Notifications: fakeFeed{}})

	rec := env.do(t, http.MethodGet, "/agents", "", nil)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty agent list, got %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/clients/c9/results?kind=process&exe=/bin/sh&limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if archive.got.ClientID != "c9" || archive.got.Kind != "process" || archive.got.Exe != "/bin/sh" || archive.got.Limit != 5 {
		t.Errorf("unexpected query: %+v", archive.got)
	}

	rec = env.do(t, http.MethodGet, "/notifications", "", nil)
	if !strings.Contains(rec.Body.String(), "ListProcesses completed.") {
		t.Errorf("unexpected notifications: %s", rec.Body.String())
	}
}

func TestArchiveNotConfigured(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, path := range []string{"/clients/c1/results", "/binaries/c1/" + strings.Repeat("a", 64), "/notifications"} {
		rec := env.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestDownloadBinary(t *testing.T) {
	enc, _ := zstd.NewWriter(nil)
	sum := strings.Repeat("ab", 32)
	bins := &fakeBinaries{objects: map[string][]byte{
		storage.BinaryKey("c1", sum): enc.EncodeAll([]byte("ELF..."), nil),
	}}
	enc.Close()
	env := newTestEnv(t, Config{Binaries: bins})

	rec := env.do(t, http.MethodGet, "/binaries/c1/"+sum, "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ELF..." {
		t.Errorf("unexpected download: %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/binaries/c2/"+sum, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/binaries/c1/XYZ", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
