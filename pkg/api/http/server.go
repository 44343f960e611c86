package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/flowengine/internal/application/orchestrator"
	"github.com/aescanero/flowengine/internal/application/workers"
	"github.com/aescanero/flowengine/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	router    *gin.Engine
	server    *http.Server
	manager   *orchestrator.Manager
	bus       ports.EventBus
	ledger    ports.CreditLedger
	threads   ports.ThreadStore
	workers   *workers.HealthMonitor
	logger    *zap.Logger
	keepAlive time.Duration
}

// Config holds HTTP server configuration
type Config struct {
	Port     int
	Manager  *orchestrator.Manager
	EventBus ports.EventBus
	Ledger   ports.CreditLedger
	Threads  ports.ThreadStore

	// Workers is optional; when set its health is reported by /health.
	Workers *workers.HealthMonitor

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	// KeepAlive is the interval of SSE keep-alive comments.
	KeepAlive time.Duration

	Logger *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())
	router.Use(workspaceMiddleware())

	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}

	s := &Server{
		router:    router,
		manager:   cfg.Manager,
		bus:       cfg.EventBus,
		ledger:    cfg.Ledger,
		threads:   cfg.Threads,
		workers:   cfg.Workers,
		logger:    cfg.Logger,
		keepAlive: keepAlive,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// Workflow endpoints
		v1.POST("/workflows/execute", s.handleExecuteWorkflow)
		v1.GET("/executions", s.handleListExecutions)
		v1.GET("/executions/:id", s.handleGetExecution)
		v1.POST("/executions/:id/cancel", s.handleCancelExecution)
		v1.POST("/executions/:id/resume", s.handleResumeExecution)
		v1.GET("/executions/:id/stream", s.handleExecutionStream)

		// Agent endpoints
		v1.POST("/agents/run", s.handleRunAgent)
		v1.GET("/threads/:id/messages", s.handleThreadMessages)
		v1.GET("/threads/:id/stream", s.handleThreadStream)

		v1.GET("/workspaces/:id/credits", s.handleWorkspaceCredits)
		v1.GET("/workers", s.handleWorkerStatus)
	}
}

// StreamHandler serves a WebSocket event stream for one execution.
type StreamHandler interface {
	HandleExecutionStream(c *gin.Context)
}

// SetupWebSocket mounts the WebSocket stream next to the SSE stream.
func (s *Server) SetupWebSocket(handler StreamHandler) {
	s.router.GET("/api/v1/executions/:id/ws", handler.HandleExecutionStream)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
