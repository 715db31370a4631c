package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/proclist/internal/flow"
	"github.com/opensandbox/proclist/internal/store"
	"github.com/opensandbox/proclist/pkg/types"
)

// flowTokenTTL bounds how long a flow read token stays valid.
const flowTokenTTL = 24 * time.Hour

func (s *Server) startFlow(c echo.Context) error {
	var req types.StartFlowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.ClientID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "clientId is required",
		})
	}

	// Normalize connection states so filters match the agent's spelling.
	for i, st := range req.Args.ConnectionStates {
		parsed, err := types.ParseConnectionState(string(st))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}
		req.Args.ConnectionStates[i] = parsed
	}

	writeResults := true
	if req.WriteResults != nil {
		writeResults = *req.WriteResults
	}

	f, err := s.engine.StartFlow(c.Request().Context(), req.ClientID, req.Args, writeResults)
	if err != nil {
		if errors.Is(err, flow.ErrInvalidArgs) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": err.Error(),
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}

	resp := types.StartFlowResponse{Flow: f.Info(flow.Category)}
	if s.tokens != nil {
		token, err := s.tokens.IssueFlowToken(f.ID, f.ClientID, flowTokenTTL)
		if err == nil {
			resp.Token = token
		}
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) listFlows(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	flows, err := s.store.ListFlows(c.QueryParam("clientId"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}

	out := make([]types.FlowInfo, 0, len(flows))
	for _, f := range flows {
		out = append(out, f.Info(flow.Category))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) getFlow(c echo.Context) error {
	f, err := s.store.GetFlow(c.Param("id"))
	if err != nil {
		return flowError(c, err)
	}
	return c.JSON(http.StatusOK, f.Info(flow.Category))
}

func (s *Server) flowResults(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetFlow(id); err != nil {
		return flowError(c, err)
	}

	results, err := s.store.Results(id, int64(queryInt(c, "after", 0)))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	if results == nil {
		results = []types.FlowResult{}
	}
	return c.JSON(http.StatusOK, results)
}

func (s *Server) flowLogs(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.store.GetFlow(id); err != nil {
		return flowError(c, err)
	}

	logs, err := s.store.Logs(id, int64(queryInt(c, "after", 0)))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	if logs == nil {
		logs = []types.FlowLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

func flowError(c echo.Context, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "flow not found",
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": err.Error(),
	})
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
