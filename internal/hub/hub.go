// Package hub relays text messages between every live connection.
//
// A Hub owns the per-connection lifecycle: Serve registers a connection,
// relays everything it receives to the whole registry, and on disconnect
// removes it and tells the remaining clients. Fan-out sends run concurrently,
// each bounded by the send timeout, so one stalled client cannot hold up the
// others.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/registry"
)

const (
	// DefaultSendTimeout bounds a single delivery to a single recipient.
	DefaultSendTimeout = 5 * time.Second

	// abandonGrace is how long a broadcast waits past the send timeout for
	// transports that do not honour context cancellation.
	abandonGrace = 100 * time.Millisecond
)

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger used by the hub. The default discards output.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithSendTimeout sets the per-recipient delivery timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.sendTimeout = d
		}
	}
}

// BroadcastResult summarises one fan-out.
type BroadcastResult struct {
	Recipients int
	Delivered  int
	Failed     int
}

// Stats is a point-in-time view of hub activity.
type Stats struct {
	Active     int    `json:"active"`
	Accepted   uint64 `json:"accepted"`
	Broadcasts uint64 `json:"broadcasts"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Hub coordinates registration, fan-out and disconnect cleanup.
type Hub struct {
	registry    *registry.Registry[Conn]
	logger      *zap.Logger
	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Hub on top of reg. The hub takes over reg's lifecycle:
// Shutdown drains it.
func New(reg *registry.Registry[Conn], opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:    reg,
		logger:      zap.NewNop(),
		sendTimeout: DefaultSendTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the whole session for conn and blocks until it ends: the
// connection is registered, every received text is relayed, and once the
// transport closes (or ctx or the hub is cancelled) the connection is removed,
// its departure is announced and conn is closed.
//
// A normal disconnect returns nil.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	if !h.begin() {
		h.closeConn(conn)
		return ErrHubClosed
	}
	defer h.wg.Done()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	c := h.OnAccept(conn)
	log := h.logger.With(
		zap.String("user", c.DisplayName),
		zap.Stringer("session", c.ID),
		zap.String("addr", conn.RemoteAddr()),
	)
	log.Info("Client registered", zap.Int("clients", h.registry.Len()))

	err := h.receiveLoop(sessionCtx, conn)
	switch {
	case err == nil:
	case errors.Is(err, ErrClosed), sessionCtx.Err() != nil:
		log.Debug("Receive loop finished", zap.Error(err))
		err = nil
	default:
		log.Warn("Receive loop failed", zap.Error(err))
	}

	// The departure notice must go out even when the session was cancelled.
	h.OnDisconnect(context.WithoutCancel(ctx), conn)
	h.closeConn(conn)
	log.Info("Client unregistered",
		zap.Int("clients", h.registry.Len()),
		zap.Duration("session_duration", time.Since(c.ConnectedAt)))
	return err
}

func (h *Hub) receiveLoop(ctx context.Context, conn Conn) error {
	for {
		text, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		h.OnReceive(ctx, conn, text)
	}
}

// OnAccept registers conn. Joins are not announced.
func (h *Hub) OnAccept(conn Conn) registry.Connection[Conn] {
	return h.registry.Register(conn)
}

// OnReceive relays text received on conn to every live connection.
func (h *Hub) OnReceive(ctx context.Context, conn Conn, text string) BroadcastResult {
	return h.BroadcastFrom(ctx, conn, text)
}

// OnDisconnect removes conn and announces its departure to the remaining
// connections. For a connection that is not registered, including a second
// disconnect of the same connection, a not-found notice is broadcast instead.
func (h *Hub) OnDisconnect(ctx context.Context, conn Conn) BroadcastResult {
	c, ok := h.registry.Remove(conn)
	if !ok {
		h.logger.Debug("Disconnect for unknown client", zap.String("addr", conn.RemoteAddr()))
		return h.BroadcastMessage(ctx, notFoundMessage())
	}
	return h.BroadcastMessage(ctx, Message{Body: DisconnectedBody, Sender: c.DisplayName})
}

// BroadcastFrom relays text on behalf of conn, attributed to its display
// name. If conn is not registered a not-found notice goes out instead.
func (h *Hub) BroadcastFrom(ctx context.Context, conn Conn, text string) BroadcastResult {
	c, ok := h.registry.Find(conn)
	if !ok {
		h.logger.Debug("Message from unknown client", zap.String("addr", conn.RemoteAddr()))
		return h.BroadcastMessage(ctx, notFoundMessage())
	}
	return h.BroadcastMessage(ctx, Message{Body: text, Sender: c.DisplayName})
}

// BroadcastMessage sends msg to every connection in a registry snapshot.
// Deliveries run concurrently and each is bounded by the send timeout. A
// failed delivery is logged and counted; it never stops the others. The call
// returns once every delivery has finished or been abandoned.
func (h *Hub) BroadcastMessage(ctx context.Context, msg Message) BroadcastResult {
	payload, err := msg.Encode()
	if err != nil {
		h.logger.Error("Failed to encode message", zap.Error(err))
		return BroadcastResult{}
	}

	recipients := h.registry.Snapshot()
	h.broadcasts.Add(1)
	result := BroadcastResult{Recipients: len(recipients)}
	if len(recipients) == 0 {
		return result
	}

	h.logger.Debug("Broadcasting message",
		zap.String("from", msg.Sender),
		zap.Int("recipients", len(recipients)))

	results := make(chan error, len(recipients))
	for _, rc := range recipients {
		go func(rc registry.Connection[Conn]) {
			err := h.send(ctx, rc.Handle, payload)
			if err != nil {
				h.logger.Warn("Broadcast delivery failed",
					zap.String("recipient", rc.DisplayName),
					zap.Stringer("session", rc.ID),
					zap.Error(err))
			}
			results <- err
		}(rc)
	}

	deadline := time.NewTimer(h.sendTimeout + abandonGrace)
	defer deadline.Stop()

collect:
	for pending := len(recipients); pending > 0; pending-- {
		select {
		case err := <-results:
			if err != nil {
				result.Failed++
			} else {
				result.Delivered++
			}
		case <-deadline.C:
			h.logger.Warn("Abandoning unresponsive deliveries", zap.Int("pending", pending))
			result.Failed += pending
			break collect
		}
	}

	h.delivered.Add(uint64(result.Delivered))
	h.failed.Add(uint64(result.Failed))
	return result
}

func (h *Hub) send(ctx context.Context, conn Conn, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub: send panicked: %v", r)
		}
	}()

	sendCtx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	return conn.Send(sendCtx, payload)
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Active:     h.registry.Len(),
		Accepted:   h.registry.Issued(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Failed:     h.failed.Load(),
	}
}

// Shutdown stops accepting sessions, cancels every running receive wait and
// waits up to timeout for the sessions to finish. Connections still
// registered afterwards are closed. It returns context.DeadlineExceeded if
// the timeout was reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.logger.Info("Initiating hub shutdown", zap.Int("clients", h.registry.Len()))
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some sessions may still be running")
		err = context.DeadlineExceeded
	}

	remaining := h.registry.Drain()
	for _, c := range remaining {
		h.closeConn(c.Handle)
	}
	h.logger.Info("Hub shutdown completed", zap.Int("force_closed", len(remaining)))
	return err
}

func (h *Hub) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) closeConn(conn Conn) {
	if err := conn.Close(); err != nil && !errors.Is(err, ErrClosed) {
		h.logger.Debug("Error closing connection", zap.String("addr", conn.RemoteAddr()), zap.Error(err))
	}
}
