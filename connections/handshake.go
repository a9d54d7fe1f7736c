package connections

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/bagel897/nearby/internal/transport"
)

// HandshakeIO is the non-blocking socket view handed to a Handshaker.
// Read and Write return ErrWouldBlock when the socket is not ready.
type HandshakeIO interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Handshaker runs the exchange between connect and Active.  Step is
// called once when the connection enters Handshaking and again on every
// readiness notification until it reports done or fails.  When not
// done, wantWrite asks to be stepped on writability as well as
// readability.
type Handshaker interface {
	Step(rw HandshakeIO) (done, wantWrite bool, err error)
}

// ErrHandshakeMismatch is returned when the peer's reply differs from
// the expected one.
var ErrHandshakeMismatch = errors.New("handshake reply mismatch")

type fdIO struct {
	tr transport.Transport
	fd int
	r  *record
}

func (f fdIO) Read(p []byte) (int, error) {
	n, err := f.tr.Read(f.fd, p)
	f.r.bytesIn += uint64(n)
	return n, err
}

func (f fdIO) Write(p []byte) (int, error) {
	n, err := f.tr.Write(f.fd, p)
	f.r.bytesOut += uint64(n)
	return n, err
}

// ── Preamble ─────────────────────────────────────────────────────────

// Preamble returns a handshake factory that writes send and then
// requires the peer to answer with exactly expect.  Either may be
// empty.
func Preamble(send, expect []byte) func() Handshaker {
	send = append([]byte(nil), send...)
	expect = append([]byte(nil), expect...)
	return func() Handshaker {
		return &preamble{send: send, expect: expect, got: make([]byte, 0, len(expect))}
	}
}

type preamble struct {
	send   []byte
	sent   int
	expect []byte
	got    []byte
}

func (p *preamble) Step(rw HandshakeIO) (bool, bool, error) {
	for p.sent < len(p.send) {
		n, err := rw.Write(p.send[p.sent:])
		p.sent += n
		if errors.Is(err, ErrWouldBlock) {
			return false, true, nil
		}
		if err != nil {
			return false, false, err
		}
	}

	for len(p.got) < len(p.expect) {
		buf := make([]byte, len(p.expect)-len(p.got))
		n, err := rw.Read(buf)
		p.got = append(p.got, buf[:n]...)
		if !bytes.HasPrefix(p.expect, p.got) {
			return false, false, fmt.Errorf("%w: got %q, want %q", ErrHandshakeMismatch, p.got, p.expect)
		}
		switch {
		case errors.Is(err, ErrWouldBlock):
			return false, false, nil
		case err == io.EOF:
			return false, false, io.ErrUnexpectedEOF
		case err != nil:
			return false, false, err
		}
	}
	return true, false, nil
}
