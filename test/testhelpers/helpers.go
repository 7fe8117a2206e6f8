// Package testhelpers provides common utilities and helper functions for
// testing the relay end to end.
//
// It contains helpers for starting a relay behind httptest, dialling
// WebSocket clients with a valid Origin, and asserting on the JSON envelopes
// they receive.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/hub"
	"github.com/Tyrowin/gorelay/internal/server"
)

// TestOrigin is the origin allowed by the default configuration.
const TestOrigin = "http://localhost:8080"

// StartRelay runs a relay with cfg behind an httptest server. Both are torn
// down when the test finishes.
func StartRelay(t *testing.T, cfg *server.Config) (*server.Server, *httptest.Server) {
	t.Helper()

	if cfg == nil {
		cfg = server.NewConfig()
	}
	srv, err := server.New(*cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create relay: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Hub().Shutdown(2 * time.Second)
	})
	return srv, ts
}

// WebSocketURL converts an http:// test server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url with the given Origin header. The HTTP response
// is returned so callers can inspect rejected handshakes.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url with TestOrigin and fails the test on error. The
// connection is closed when the test finishes.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := ConnectWebSocket(url, TestOrigin)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReceiveMessage reads one envelope, waiting at most timeout.
func ReceiveMessage(conn *websocket.Conn, timeout time.Duration) (hub.Message, error) {
	var msg hub.Message
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return msg, err
	}
	err := conn.ReadJSON(&msg)
	return msg, err
}

// ExpectMessage reads one envelope and fails the test unless it equals want.
func ExpectMessage(t *testing.T, conn *websocket.Conn, want hub.Message) {
	t.Helper()

	got, err := ReceiveMessage(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("Expected %+v, read failed: %v", want, err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

// ExpectNoMessage fails the test if conn receives anything within wait.
// The connection is unusable afterwards because gorilla treats a read
// timeout as fatal.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()

	if msg, err := ReceiveMessage(conn, wait); err == nil {
		t.Errorf("Expected no message, got %+v", msg)
	}
}

// SendText sends a raw text frame, the way a browser client does.
func SendText(conn *websocket.Conn, text string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// WaitForClients polls the hub until it reports n live clients.
func WaitForClients(t *testing.T, srv *server.Server, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Hub().Stats().Active != n {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %d clients, have %d", n, srv.Hub().Stats().Active)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
