package api

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/proclist/internal/auth"
	"github.com/opensandbox/proclist/internal/db"
	"github.com/opensandbox/proclist/internal/engine"
	"github.com/opensandbox/proclist/internal/metrics"
	"github.com/opensandbox/proclist/internal/notify"
	"github.com/opensandbox/proclist/internal/store"
	"github.com/opensandbox/proclist/pkg/types"
)

// AgentLister reports the agents currently reachable.
type AgentLister interface {
	Agents() []types.AgentInfo
}

// ResultArchive serves results archived across flows.
type ResultArchive interface {
	ListClientResults(ctx context.Context, q db.ResultQuery) ([]types.FlowResult, error)
}

// BinaryStore serves fetched binaries.
type BinaryStore interface {
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// NotificationFeed returns recent notifications.
type NotificationFeed interface {
	Recent(ctx context.Context, limit int64) ([]notify.Notification, error)
}

// Config holds the API server dependencies. Only Engine and Store are
// required; routes backed by a nil dependency answer 503.
type Config struct {
	Engine        *engine.Engine
	Store         *store.Store
	Agents        AgentLister
	Archive       ResultArchive
	Binaries      BinaryStore
	Notifications NotificationFeed
	Tokens        *auth.TokenIssuer // nil disables flow read tokens
	APIKey        string
}

// Server holds the API server dependencies.
type Server struct {
	echo          *echo.Echo
	engine        *engine.Engine
	store         *store.Store
	agents        AgentLister
	archive       ResultArchive
	binaries      BinaryStore
	notifications NotificationFeed
	tokens        *auth.TokenIssuer
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:          e,
		engine:        cfg.Engine,
		store:         cfg.Store,
		agents:        cfg.Agents,
		archive:       cfg.Archive,
		binaries:      cfg.Binaries,
		notifications: cfg.Notifications,
		tokens:        cfg.Tokens,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// Health check (no auth)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Read-only views of a single flow also accept the flow's read token.
	read := e.Group("/flows/:id")
	read.Use(auth.FlowReadMiddleware(cfg.APIKey, cfg.Tokens))
	read.GET("", s.getFlow)
	read.GET("/results", s.flowResults)
	read.GET("/logs", s.flowLogs)
	read.GET("/watch", s.watchFlow)

	// API routes (with auth)
	api := e.Group("")
	api.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// Flows
	api.POST("/flows", s.startFlow)
	api.GET("/flows", s.listFlows)

	// Agents and archive
	api.GET("/agents", s.listAgents)
	api.GET("/clients/:clientId/results", s.clientResults)
	api.GET("/binaries/:clientId/:sha256", s.downloadBinary)
	api.GET("/notifications", s.recentNotifications)

	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
