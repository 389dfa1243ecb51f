// Package transport owns the raw connections a simulated charge point
// speaks over: a WebSocket client for OCPP-J and a newline-framed TCP
// stream for the Ensto protocol. Writers are serialized internally so a
// transport can be shared by the engine's request path and response path.
package transport

import "context"

// Transport reads and writes opaque frames on an established connection.
type Transport interface {
	// Open dials the peer. It must be called once before Send/Receive.
	Open(ctx context.Context) error
	// Send writes one frame. Safe for concurrent use.
	Send(frame []byte) error
	// Receive blocks for the next frame. It returns an error when the
	// connection closes; all subsequent calls fail.
	Receive() ([]byte, error)
	// Close tears the connection down. Receive unblocks with an error.
	Close() error
}
