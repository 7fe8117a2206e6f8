// Package integration contains end-to-end tests that drive the relay over
// real WebSocket connections.
//
// These tests verify registration, fan-out, departure notices and naming
// across multiple clients connected through the HTTP router.
package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/hub"
	"github.com/Tyrowin/gorelay/test/testhelpers"
)

// TestTwoClientConversation covers the basic relay flow: both clients receive
// a message, and the remaining client is told when the other leaves.
func TestTwoClientConversation(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	a := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 1)
	b := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)

	if err := testhelpers.SendText(a, "hi"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	testhelpers.ExpectMessage(t, a, hub.Message{Body: "hi", Sender: "User 1"})
	testhelpers.ExpectMessage(t, b, hub.Message{Body: "hi", Sender: "User 1"})

	if err := testhelpers.CloseWebSocket(b); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testhelpers.ExpectMessage(t, a, hub.Message{Body: hub.DisconnectedBody, Sender: "User 2"})
	testhelpers.WaitForClients(t, srv, 1)

	stats := srv.Hub().Stats()
	if stats.Accepted != 2 {
		t.Errorf("Expected 2 accepted clients, got %d", stats.Accepted)
	}
}

// TestSingleClientReceivesOwnMessage verifies that senders are not excluded.
func TestSingleClientReceivesOwnMessage(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	conn := testhelpers.MustConnect(t, testhelpers.WebSocketURL(ts.URL))
	testhelpers.WaitForClients(t, srv, 1)

	if err := testhelpers.SendText(conn, "echo?"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	testhelpers.ExpectMessage(t, conn, hub.Message{Body: "echo?", Sender: "User 1"})
}

// TestJoinIsSilent verifies that nothing is broadcast when a client connects.
func TestJoinIsSilent(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	a := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 1)
	testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)

	testhelpers.ExpectNoMessage(t, a, 200*time.Millisecond)
}

// TestConcurrentClientsGetUniqueNames connects clients concurrently and checks
// that the names seen on the wire are exactly User 1..User N.
func TestConcurrentClientsGetUniqueNames(t *testing.T) {
	const numClients = 10
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	conns := make([]*websocket.Conn, numClients)
	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := testhelpers.ConnectWebSocket(wsURL, testhelpers.TestOrigin)
			if err != nil {
				t.Errorf("Client %d failed to connect: %v", i, err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	t.Cleanup(func() {
		for _, c := range conns {
			if c != nil {
				_ = c.Close()
			}
		}
	})
	if t.Failed() {
		return
	}
	testhelpers.WaitForClients(t, srv, numClients)

	for i, conn := range conns {
		if err := testhelpers.SendText(conn, fmt.Sprintf("client-%d", i)); err != nil {
			t.Fatalf("Client %d send failed: %v", i, err)
		}
	}

	names := make(map[string]string, numClients)
	for len(names) < numClients {
		msg, err := testhelpers.ReceiveMessage(conns[0], 2*time.Second)
		if err != nil {
			t.Fatalf("Read failed after %d messages: %v", len(names), err)
		}
		names[msg.Body] = msg.Sender
	}

	seen := make(map[string]bool, numClients)
	for body, name := range names {
		if seen[name] {
			t.Errorf("Name %q assigned twice (last for %s)", name, body)
		}
		seen[name] = true
	}
	for i := 1; i <= numClients; i++ {
		if !seen[fmt.Sprintf("User %d", i)] {
			t.Errorf("Missing User %d", i)
		}
	}
}

// TestMessagesFromOneSenderStayOrdered verifies per-sender ordering at a recipient.
func TestMessagesFromOneSenderStayOrdered(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	a := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 1)
	b := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)

	// Stay within the default burst of five.
	for i := 0; i < 5; i++ {
		if err := testhelpers.SendText(a, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		testhelpers.ExpectMessage(t, b, hub.Message{Body: fmt.Sprintf("msg-%d", i), Sender: "User 1"})
	}
}

// TestNamesAreNotRecycled verifies that a new client after a departure gets a
// fresh number.
func TestNamesAreNotRecycled(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	a := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 1)
	b := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)

	if err := testhelpers.CloseWebSocket(b); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testhelpers.ExpectMessage(t, a, hub.Message{Body: hub.DisconnectedBody, Sender: "User 2"})

	c := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)
	if err := testhelpers.SendText(c, "new here"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	testhelpers.ExpectMessage(t, a, hub.Message{Body: "new here", Sender: "User 3"})
}

// TestAbruptDisconnect verifies that a dropped TCP connection still produces
// a departure notice.
func TestAbruptDisconnect(t *testing.T) {
	srv, ts := testhelpers.StartRelay(t, nil)
	wsURL := testhelpers.WebSocketURL(ts.URL)

	a := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 1)
	b := testhelpers.MustConnect(t, wsURL)
	testhelpers.WaitForClients(t, srv, 2)

	if err := b.NetConn().Close(); err != nil {
		t.Fatalf("Failed to drop connection: %v", err)
	}
	testhelpers.ExpectMessage(t, a, hub.Message{Body: hub.DisconnectedBody, Sender: "User 2"})
}
