package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/proclist/pkg/types"
)

func TestStartFlow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/flows" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Errorf("missing api key")
		}
		var req types.StartFlowRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ClientID != "c1" || req.Args.PathRegex != "sshd" {
			t.Errorf("unexpected body: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(types.StartFlowResponse{Flow: types.FlowInfo{ID: "f1", ClientID: "c1"}})
	}))
	defer ts.Close()

	c := NewClient(ts.URL+"/", "k")
	resp, err := c.StartFlow(context.Background(), types.StartFlowRequest{ClientID: "c1", Args: types.FlowArgs{PathRegex: "sshd"}})
	if err != nil {
		t.Fatalf("StartFlow() error: %v", err)
	}
	if resp.Flow.ID != "f1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"flow not found"}`))
	}))
	defer ts.Close()

	_, err := NewClient(ts.URL, "").GetFlow(context.Background(), "nope")
	if err == nil || !strings.Contains(err.Error(), "status 404") || !strings.Contains(err.Error(), "flow not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestListFlowsQuery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("clientId") != "c1" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]types.FlowInfo{{ID: "f1"}, {ID: "f2"}})
	}))
	defer ts.Close()

	flows, err := NewClient(ts.URL, "").ListFlows(context.Background(), "c1", 5)
	if err != nil || len(flows) != 2 {
		t.Errorf("unexpected result: %+v %v", flows, err)
	}
}

func TestWatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/flows/f1/watch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteJSON(types.WatchEvent{Type: types.WatchEventLog, Log: &types.FlowLog{Message: "hi"}})
		ws.WriteJSON(types.WatchEvent{Type: types.WatchEventResult, Result: &types.FlowResult{ID: 1}})
		ws.WriteJSON(types.WatchEvent{Type: types.WatchEventStatus, Flow: &types.FlowInfo{ID: "f1", Status: types.FlowStatusFinished}})
	}))
	defer ts.Close()

	var seen []string
	final, err := NewClient(ts.URL, "").Watch(context.Background(), "f1", func(ev types.WatchEvent) {
		seen = append(seen, ev.Type)
	})
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	if final.Status != types.FlowStatusFinished || len(seen) != 3 {
		t.Errorf("unexpected watch: %+v %v", final, seen)
	}
}
