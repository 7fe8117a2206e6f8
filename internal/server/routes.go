// Package server wires HTTP handlers into a gin engine via routing helpers.
package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterDeps carries what NewRouter needs.
type RouterDeps struct {
	Handlers *Handlers
	Logger   *zap.Logger
}

// NewRouter configures and returns the gin engine with all application routes.
// Requests with the wrong method on a known path get 405.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(logger))

	r.GET("/", deps.Handlers.Health)
	r.GET("/healthz", deps.Handlers.Healthz)
	r.GET("/stats", deps.Handlers.Stats)
	r.GET("/ws", deps.Handlers.WebSocket)
	return r
}
