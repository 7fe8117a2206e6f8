package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

// RequestID makes sure every request carries an X-Request-ID and echoes it
// back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(requestIDHeader) == "" {
			c.Request.Header.Set(requestIDHeader, uuid.NewString())
		}
		c.Header(requestIDHeader, c.GetHeader(requestIDHeader))
		c.Next()
	}
}

// RequestLogger logs each request once it has been handled. WebSocket
// requests are logged when their session ends.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetHeader(requestIDHeader)),
			zap.String("addr", c.ClientIP()))
	}
}
