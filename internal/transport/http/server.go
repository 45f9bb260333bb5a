// Package http serves the conversation backend and the browser relay.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/backend"
	"github.com/xiaot623/gogo/webchat/internal/logging"
	"github.com/xiaot623/gogo/webchat/internal/metrics"
	"github.com/xiaot623/gogo/webchat/internal/transport/ws"
)

// Server is the HTTP server of the chat backend.
type Server struct {
	echo    *echo.Echo
	backend *backend.Service
	ws      *ws.Server
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer creates the server. wsServer and m may be nil, in which case the
// WebSocket and metrics routes are not registered.
func NewServer(svc *backend.Service, wsServer *ws.Server, m *metrics.Metrics, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:    e,
		backend: svc,
		ws:      wsServer,
		metrics: m,
		logger:  logging.OrNop(logger),
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.POST("/backend-api/v2/conversation", s.HandleConversation)
	e.GET("/backend-api/v2/models", s.HandleModels)
	if wsServer != nil {
		e.GET("/ws", wsServer.HandleWebSocket)
	}
	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	return s
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	connections := 0
	if s.ws != nil {
		connections = s.ws.Hub().GetConnectionCount()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": connections,
	})
}
