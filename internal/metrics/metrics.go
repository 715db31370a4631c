package metrics

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flow metrics
var (
	FlowsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proclist_flows_started_total",
			Help: "Total flows started",
		},
		[]string{"flow"},
	)

	FlowsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proclist_flows_completed_total",
			Help: "Total flows that reached a terminal status",
		},
		[]string{"flow", "status"},
	)

	FlowsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proclist_flows_running",
			Help: "Number of flows suspended on an outstanding request",
		},
	)

	ProcessesObserved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proclist_processes_observed_total",
			Help: "Processes reported by agents",
		},
	)

	BinariesRequested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proclist_binaries_requested_total",
			Help: "Distinct executable paths delegated for download",
		},
	)

	ResultsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proclist_results_emitted_total",
			Help: "Results emitted by flows",
		},
		[]string{"kind"},
	)

	ResultsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proclist_results_published_total",
			Help: "Results published to NATS",
		},
	)
)

// Agent metrics
var (
	AgentRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proclist_agent_rpc_duration_seconds",
			Help:    "Latency of agent RPCs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method", "code"},
	)

	AgentsRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proclist_agents_registered",
			Help: "Number of agents known to the registry",
		},
	)

	FileFetchBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proclist_file_fetch_bytes_total",
			Help: "Bytes of binaries fetched from agents",
		},
	)
)

// Control plane metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proclist_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proclist_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		FlowsStarted,
		FlowsCompleted,
		FlowsRunning,
		ProcessesObserved,
		BinariesRequested,
		ResultsEmitted,
		ResultsPublished,
		AgentRPCDuration,
		AgentsRegistered,
		FileFetchBytes,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, c.Path()).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("metrics: server on %s stopped: %v", addr, err)
		}
	}()
	return srv
}
