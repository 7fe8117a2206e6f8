// Package server adapts gorilla WebSocket connections to the hub's Conn
// interface, handling the write pump, keepalive, rate limiting and lifecycle
// control for each connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gorelay/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one WebSocket connection. Outbound payloads are queued on a
// buffered channel and written by a single write pump, since gorilla allows
// only one concurrent writer per connection.
type Client struct {
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	started        atomic.Bool
	cancelled      atomic.Bool
	addr           string
	maxMessageSize int64
	rateLimiter    *rate.Limiter
	rateLimit      RateLimitConfig
	logger         *zap.Logger
}

var _ hub.Conn = (*Client)(nil)

// NewClient wraps conn. Call Start before handing the client to the hub.
func NewClient(conn *websocket.Conn, cfg Config, addr string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		logger:         logger.With(zap.String("addr", addr)),
	}
}

// Start configures read limits and keepalive and launches the write pump.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.conn.SetReadLimit(c.maxMessageSize)
	c.setupReadConnection()
	go c.writePump()
}

// RemoteAddr returns the peer address reported by the HTTP request.
func (c *Client) RemoteAddr() string {
	return c.addr
}

// Receive blocks until the next text message arrives. Messages over the rate
// limit and non-text frames are dropped. Any read failure is terminal and is
// reported as hub.ErrClosed; cancellation of ctx is reported as ctx.Err().
func (c *Client) Receive(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.cancelled.Store(true)
		if err := c.conn.SetReadDeadline(time.Now()); err != nil {
			c.logger.Debug("Error interrupting read", zap.Error(err))
		}
	})
	defer stop()

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			c.logReadError(err)
			return "", fmt.Errorf("%w: %v", hub.ErrClosed, err)
		}

		if messageType != websocket.TextMessage {
			c.logger.Debug("Discarding non-text frame", zap.Int("type", messageType))
			continue
		}

		if !c.checkRateLimit() {
			continue
		}

		return string(raw), nil
	}
}

// Send queues payload for the write pump. It fails with hub.ErrClosed once
// the client is closed, or with ctx.Err() if the queue stays full.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return hub.ErrClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return hub.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which sends a close frame and closes the
// underlying connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	if !c.started.Load() {
		return c.closeConnection()
	}
	return nil
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.cancelled.Load() {
			return nil
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// logReadError logs a terminal read error at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket close", zap.Error(err))
	default:
		c.logger.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound message may be relayed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.Allow() {
		c.logger.Info("Rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("interval", c.rateLimit.RefillInterval))
		return false
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() { close(c.done) })
		if err := c.closeConnection(); err != nil {
			c.logger.Debug("Error closing connection in writePump", zap.Error(err))
		}
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message := <-c.send:
		return c.writeTextMessage(message)
	case <-ticker.C:
		return c.handlePing()
	case <-c.done:
		c.flushQueued()
		c.writeCloseMessage()
		return false
	}
}

// flushQueued writes whatever was queued before the client was closed.
func (c *Client) flushQueued() {
	for n := len(c.send); n > 0; n-- {
		if !c.writeTextMessage(<-c.send) {
			return
		}
	}
}

// closeConnection closes the WebSocket connection, hiding expected close errors.
func (c *Client) closeConnection() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

// writeCloseMessage sends a close frame to the client
func (c *Client) writeCloseMessage() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug("Error writing close message", zap.Error(err))
	}
}

// writeTextMessage writes a single envelope as its own text frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
