// Package server exposes the relay over HTTP and WebSocket.
//
// It adapts gorilla/websocket connections to the hub's transport interface,
// loads and validates configuration, wires the gin router and owns the
// process lifecycle from listen to graceful shutdown.
package server
