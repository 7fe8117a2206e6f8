package hub

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by a Conn once the underlying transport is gone.
	ErrClosed = errors.New("hub: connection closed")
	// ErrHubClosed is returned by Serve after Shutdown has been called.
	ErrHubClosed = errors.New("hub: shut down")
)

// Conn is the transport-level connection the hub drives. Its interface value
// is the handle the registry keys on, so implementations should be pointers.
//
// Send must be safe for concurrent use. Receive is only called from the
// session goroutine and must return when ctx is cancelled.
type Conn interface {
	Receive(ctx context.Context) (string, error)
	Send(ctx context.Context, payload []byte) error
	Close() error
	RemoteAddr() string
}
