// Package httpapi provides the HTTP API for lmassistd.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lmassist/internal/generator"
	"github.com/fyrsmithlabs/lmassist/internal/knowledge"
	"github.com/fyrsmithlabs/lmassist/internal/remotesync"
	"github.com/fyrsmithlabs/lmassist/internal/retrieval"
	"github.com/fyrsmithlabs/lmassist/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// SyncRunner is the remote-sync surface the API exposes.
type SyncRunner interface {
	Sync(ctx context.Context, projectPath string) (remotesync.Status, error)
	Status() remotesync.Status
}

// Deps carries the components the API serves.
type Deps struct {
	Store     *knowledge.Store
	Engine    *retrieval.Engine
	Suggester *retrieval.Suggester
	Generator *generator.Generator
	Indexer   *vectorstore.Indexer
	Syncer    SyncRunner
}

// Server provides HTTP endpoints for lmassistd.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("knowledge store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8787,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check and Prometheus metrics
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Knowledge documents
	s.echo.GET("/knowledge", s.handleListKnowledge)
	s.echo.POST("/knowledge", s.handleCreateKnowledge)
	s.echo.GET("/knowledge/search", s.handleSearchKnowledge)
	s.echo.GET("/knowledge/:id", s.handleGetKnowledge)
	s.echo.PUT("/knowledge/:id", s.handleUpdateKnowledge)
	s.echo.DELETE("/knowledge/:id", s.handleDeleteKnowledge)
	s.echo.GET("/knowledge/:id/parts/:partId", s.handleGetPart)

	// Comments
	s.echo.GET("/knowledge/:id/comments", s.handleListComments)
	s.echo.POST("/knowledge/:id/comments", s.handleAddComment)
	s.echo.POST("/knowledge/:id/comments/:commentId/addressed", s.handleMarkCommentAddressed)

	// Generation
	s.echo.POST("/knowledge/generate", s.handleGenerate)
	s.echo.POST("/knowledge/generate/all", s.handleGenerateAll)
	s.echo.POST("/knowledge/generate/stop", s.handleGenerateStop)
	s.echo.GET("/knowledge/generate/status", s.handleGenerateStatus)

	// Remote sync
	s.echo.POST("/knowledge/remote-sync", s.handleRemoteSync)
	s.echo.GET("/knowledge/remote-sync/status", s.handleRemoteSyncStatus)

	// Context suggestion
	s.echo.POST("/context/suggest", s.handleSuggest)

	// Peer-facing API
	api := s.echo.Group("/api")
	api.GET("/projects", s.handleListProjects)
	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

func ok(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, envelope{Success: false, Error: msg})
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests and the relay's local
// target.
func (s *Server) Handler() http.Handler {
	return s.echo
}
