// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks and hub statistics.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/hub"
)

// Handlers groups the HTTP endpoints that need the hub.
type Handlers struct {
	hub      *hub.Hub
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandlers builds the handlers for h using cfg for connection limits and
// the origin allow-list.
func NewHandlers(h *hub.Hub, cfg Config, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := newOriginPolicy(cfg.AllowedOrigins, logger)
	return &Handlers{
		hub:    h,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
	}
}

// WebSocket upgrades the request and runs the connection's session on the
// hub until it disconnects. The handler goroutine is the session goroutine.
func (h *Handlers) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("WebSocket upgrade failed", zap.String("addr", c.Request.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, h.cfg, c.Request.RemoteAddr, h.logger)
	client.Start()

	if err := h.hub.Serve(c.Request.Context(), client); err != nil {
		if errors.Is(err, hub.ErrHubClosed) {
			h.logger.Info("Rejected connection during shutdown", zap.String("addr", client.RemoteAddr()))
			return
		}
		h.logger.Warn("Session ended with error", zap.String("addr", client.RemoteAddr()), zap.Error(err))
	}
}

// Health provides a simple plain-text liveness check.
func (h *Handlers) Health(c *gin.Context) {
	c.String(http.StatusOK, "GoRelay server is running!")
}

// Healthz reports liveness as JSON along with the number of live clients.
func (h *Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": h.hub.Stats().Active})
}

// Stats returns the hub counters.
func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
