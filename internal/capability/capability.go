// Package capability defines what happens over an established
// connection.  Each Capability encapsulates a single behaviour
// (relay I/O, execute a program, etc.) and operates on a Session
// rather than on the Core, which keeps capabilities testable and
// decoupled from handles, backpressure and reconnects.
package capability

import (
	"context"
	"errors"
	"io"

	"github.com/bagel897/nearby/internal/session"
	"github.com/bagel897/nearby/util"
)

// Capability handles a single connection according to a specific
// behaviour.  Implementations include relaying stdin/stdout (Relay)
// and executing a child process (Exec).
type Capability interface {
	// Handle runs the capability against the given session.
	// It blocks until the connection reaches a final state or the
	// context is cancelled.
	Handle(ctx context.Context, sess *session.Session) error
}

// pump copies r into the connection until r is exhausted, then asks
// for a graceful close.  It stops early when the session ends.
func pump(ctx context.Context, sess *session.Session, r io.Reader) {
	buf := util.GetBuf()
	defer util.PutBuf(buf)

	for {
		n, err := r.Read(*buf)
		if n > 0 {
			if werr := sess.Write(ctx, (*buf)[:n]); werr != nil {
				if !errors.Is(werr, session.ErrEnded) && !errors.Is(werr, context.Canceled) {
					sess.Logger.Verbose("send: %v", werr)
				}
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				sess.Logger.Verbose("input: %v", err)
			}
			sess.Logger.Debug("input exhausted, closing %s", sess.Handle())
			if cerr := sess.Close(); cerr != nil {
				sess.Logger.Debug("close: %v", cerr)
			}
			return
		}
	}
}
