package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // read tokens are flow-scoped
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// watchPollInterval is how often a watch stream polls the flow store.
var watchPollInterval = 500 * time.Millisecond

// watchFlow streams a flow's logs and results over a WebSocket until the
// flow reaches a terminal status, then sends the final status and closes.
func (s *Server) watchFlow(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetFlow(id); err != nil {
		return flowError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// Drain client messages so close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	var lastLog, lastResult int64
	for {
		f, err := s.store.GetFlow(id)
		if err != nil {
			log.Printf("api: watch %s: %v", id, err)
			return nil
		}

		logs, err := s.store.Logs(id, lastLog)
		if err != nil {
			log.Printf("api: watch %s: %v", id, err)
			return nil
		}
		for i := range logs {
			lastLog = logs[i].ID
			if err := ws.WriteJSON(types.WatchEvent{Type: types.WatchEventLog, Log: &logs[i]}); err != nil {
				return nil
			}
		}

		results, err := s.store.Results(id, lastResult)
		if err != nil {
			log.Printf("api: watch %s: %v", id, err)
			return nil
		}
		for i := range results {
			lastResult = results[i].ID
			if err := ws.WriteJSON(types.WatchEvent{Type: types.WatchEventResult, Result: &results[i]}); err != nil {
				return nil
			}
		}

		// The status was read before draining, so everything the flow
		// produced before finishing has been sent.
		if f.Status != types.FlowStatusRunning {
			info := f.Info(flow.Category)
			if err := ws.WriteJSON(types.WatchEvent{Type: types.WatchEventStatus, Flow: &info}); err != nil {
				return nil
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}

		select {
		case <-ticker.C:
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
