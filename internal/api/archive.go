package api

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/klauspost/compress/zstd"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/proclist/internal/db"
	"github.com/opensandbox/proclist/internal/storage"
	"github.com/opensandbox/proclist/pkg/types"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (s *Server) listAgents(c echo.Context) error {
	if s.agents == nil {
		return c.JSON(http.StatusOK, []types.AgentInfo{})
	}
	agents := s.agents.Agents()
	if agents == nil {
		agents = []types.AgentInfo{}
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) clientResults(c echo.Context) error {
	if s.archive == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "result archive not configured",
		})
	}

	results, err := s.archive.ListClientResults(c.Request().Context(), db.ResultQuery{
		ClientID: c.Param("clientId"),
		Kind:     c.QueryParam("kind"),
		Exe:      c.QueryParam("exe"),
		Limit:    queryInt(c, "limit", 100),
		Offset:   queryInt(c, "offset", 0),
	})
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

// downloadBinary streams a fetched binary, decompressed.
func (s *Server) downloadBinary(c echo.Context) error {
	if s.binaries == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "binary storage not configured",
		})
	}
	sum := c.Param("sha256")
	if !sha256Pattern.MatchString(sum) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "sha256 must be 64 lowercase hex characters",
		})
	}

	ctx := c.Request().Context()
	body, err := s.binaries.Download(ctx, storage.BinaryKey(c.Param("clientId"), sum))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "binary not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	defer body.Close()

	dec, err := zstd.NewReader(body)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	defer dec.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+sum+`"`)
	return c.Stream(http.StatusOK, echo.MIMEOctetStream, dec)
}

func (s *Server) recentNotifications(c echo.Context) error {
	if s.notifications == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "notifications not configured",
		})
	}
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	ns, err := s.notifications.Recent(c.Request().Context(), int64(limit))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, ns)
}
