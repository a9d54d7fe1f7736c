package capability

import (
	"context"

	"github.com/bagel897/nearby/internal/session"
)

// Relay copies data between the connection and the session's
// stdin/stdout, the default interactive / pipe mode.
type Relay struct{}

// Handle sends stdin to the connection and received data to stdout.
// Stdin EOF closes the connection gracefully; Handle returns once the
// connection reaches a final state.
func (r *Relay) Handle(ctx context.Context, sess *session.Session) error {
	if sess.Stdin != nil {
		go pump(ctx, sess, sess.Stdin)
	}
	return sess.Serve(ctx)
}
