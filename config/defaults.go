package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultMaxConnections bounds live (non-terminal) connections per
	// core.  In probe mode it is also the number of ports in flight.
	DefaultMaxConnections = 256

	// DefaultMaxPendingWriteBytes caps queued, unflushed send data per
	// connection before Send reports backpressure.
	DefaultMaxPendingWriteBytes = 1 << 20

	// DefaultMaxEventsPerPoll caps readiness dispatches per Poll call.
	DefaultMaxEventsPerPoll = 256

	// DefaultConnectTimeout covers resolution and the TCP handshake.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultHandshakeTimeout covers the post-connect handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultDrainTimeout is how long a closing connection may spend
	// flushing queued writes.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultIdleTimeout of zero keeps quiet connections open forever.
	DefaultIdleTimeout = 0

	// DefaultMaxRetries is how many reconnects follow a retryable
	// failure when auto-reconnect is on.
	DefaultMaxRetries = 5

	// DefaultRetryBaseDelay is the first backoff step.
	DefaultRetryBaseDelay = 250 * time.Millisecond

	// DefaultRetryMaxDelay caps the exponential backoff between
	// reconnection attempts.
	DefaultRetryMaxDelay = 30 * time.Second

	// DefaultPollInterval is the longest a CLI session blocks in one
	// Poll call.
	DefaultPollInterval = 100 * time.Millisecond
)
