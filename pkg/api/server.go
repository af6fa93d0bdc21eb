// Package api is the HTTP surface over the conversation engine: echo
// routes, request/response DTOs, and the error-to-status mapping. All
// domain decisions live in the engine; handlers bind, validate shape,
// delegate, and translate errors.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rvastories/storyloom/pkg/config"
	"github.com/rvastories/storyloom/pkg/engine"
	"github.com/rvastories/storyloom/pkg/observe"
	"github.com/rvastories/storyloom/pkg/store"
)

// maxBodyBytes caps request bodies. Turn messages are prose, not
// uploads; anything past 1 MiB is a client bug.
const maxBodyBytes = 1 << 20

// Pinger is the slice of a backend the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server fronting the conversation engine.
type Server struct {
	cfg     *config.ServerConfig
	engine  *engine.Engine
	store   store.Store
	styles  *config.StyleRegistry
	logger  *slog.Logger
	metrics *observe.Metrics

	// vectorPinger is optional; set it when the vector backend has a
	// connection worth reporting on. An unreachable vector store
	// degrades health, it never fails it.
	vectorPinger Pinger

	httpSrv *http.Server
}

// NewServer builds the server and registers all routes. metrics may be
// nil; the instruments no-op on a nil bag.
func NewServer(cfg *config.ServerConfig, eng *engine.Engine, st store.Store, styles *config.StyleRegistry, logger *slog.Logger, metrics *observe.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		store:   st,
		styles:  styles,
		logger:  logger,
		metrics: metrics,
	}

	e := echo.New()
	e.Use(securityHeaders())
	e.Use(requestID())
	e.Use(accessLog(logger, metrics))
	e.Use(bodyLimit(maxBodyBytes))
	e.Use(requestTimeout(cfg.RequestTimeout))

	e.GET("/health", s.healthHandler)
	e.GET("/styles", s.listStylesHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promhttp.Handler().ServeHTTP(c.Response(), c.Request())
		return nil
	})

	e.POST("/conversation/start", s.startConversationHandler)
	e.POST("/conversation/continue/:id", s.continueConversationHandler)
	e.POST("/conversation/select-option/:id", s.selectOptionHandler)
	e.POST("/conversation/generate-final/:id", s.generateFinalHandler)
	e.GET("/conversation/session/:id", s.getSessionHandler)
	e.GET("/conversation/sessions/active", s.activeSessionsHandler)
	e.GET("/conversation/export/:id", s.exportSessionHandler)

	s.httpSrv = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetVectorPinger registers the vector backend for health reporting.
func (s *Server) SetVectorPinger(p Pinger) {
	s.vectorPinger = p
}

// Start listens on the configured port and serves until Shutdown.
// Returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.httpSrv.Addr = fmt.Sprintf(":%d", s.cfg.HTTPPort)
	s.logger.Info("HTTP server listening", slog.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves on an already-bound listener. Tests use it
// to grab an ephemeral port before the server races them to it.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.httpSrv.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
