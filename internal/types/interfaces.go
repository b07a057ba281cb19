// internal/types/interfaces.go
package types

import "context"

// Transport is a single bidirectional frame channel to a peer. Several
// Transports may attach to the same Session. Implementations must be safe
// for concurrent ReadFrame/WriteFrame/Close calls from different
// goroutines, except that ReadFrame is expected to be called from a single
// reader loop (see internal/transport/ws for the concrete adapter).
type Transport interface {
	// ReadFrame blocks until one raw frame is available, or returns an
	// error (including context cancellation or peer close).
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends one raw frame. Safe to call concurrently with
	// ReadFrame, but not with other concurrent WriteFrame calls.
	WriteFrame(ctx context.Context, raw []byte) error

	// Close closes the transport with a close code and reason.
	Close(code int, reason string) error
}

// UpstreamConn is the connector handle for a single upstream byte-stream
// connection. Implementations never interpret the byte stream.
type UpstreamConn interface {
	// Reader returns a channel of raw byte chunks. The channel is closed
	// when the connection ends (EOF, error, or Close).
	Reader() <-chan []byte

	// Writer writes bytes to upstream, failing with an error if the
	// connection is closed or the write does not complete before the
	// writer's configured timeout.
	Writer(ctx context.Context, p []byte) error

	// Close is idempotent; it releases the socket and unblocks Reader.
	Close() error
}
