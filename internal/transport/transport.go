// Package transport provides non-blocking stream sockets for the
// connection core.  A Transport only moves bytes; it never blocks and
// never decides what a connection's state is.  Readiness for every
// descriptor it hands out is observed through an eventsource.Source.
package transport

import (
	"errors"
	"net/netip"
)

// Transport opens and drives non-blocking stream sockets identified by
// their descriptor.
type Transport interface {
	// Connect starts a connection to addr.  connected is true when the
	// connect completed synchronously (common for loopback); otherwise
	// the caller waits for writability and calls Finish.
	Connect(addr netip.AddrPort) (fd int, connected bool, err error)

	// Finish reports the outcome of an asynchronous connect.
	Finish(fd int) error

	// Read reads into p.  It returns ErrWouldBlock when no data is
	// available and io.EOF when the peer has shut down its write side.
	Read(fd int, p []byte) (int, error)

	// Write writes from p, returning ErrWouldBlock when the send
	// buffer is full.
	Write(fd int, p []byte) (int, error)

	// CloseWrite half-closes the socket, signalling end of stream.
	CloseWrite(fd int) error

	// Close releases the descriptor.
	Close(fd int) error
}

var (
	// ErrWouldBlock signals that the operation would block; wait for
	// readiness and retry.
	ErrWouldBlock = errors.New("transport: operation would block")
	// ErrUnsupported is returned by New on platforms without a socket
	// implementation.
	ErrUnsupported = errors.New("transport: platform not supported")
)
