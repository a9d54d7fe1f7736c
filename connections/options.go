package connections

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/internal/eventsource"
	"github.com/bagel897/nearby/internal/metrics"
	"github.com/bagel897/nearby/internal/resolver"
	"github.com/bagel897/nearby/internal/retry"
	"github.com/bagel897/nearby/internal/transport"
	"github.com/bagel897/nearby/util"
)

// ConnectionConfig overrides core defaults for a single connection.
// Zero fields inherit the Core's config.CoreConfig.
type ConnectionConfig struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	// IdleTimeout fails an Active connection that sees no traffic for
	// this long.  Negative disables it for this connection.
	IdleTimeout          time.Duration
	MaxPendingWriteBytes int
	// Handshake builds the handshaker run after connect.  It is called
	// once per attempt.  Nil means the connection is Active as soon as
	// the transport connects.
	Handshake func() Handshaker
}

// resolve fills zero fields from the core config.
func (cc ConnectionConfig) resolve(core config.CoreConfig) ConnectionConfig {
	if cc.ConnectTimeout <= 0 {
		cc.ConnectTimeout = core.ConnectTimeout
	}
	if cc.HandshakeTimeout <= 0 {
		cc.HandshakeTimeout = core.HandshakeTimeout
	}
	if cc.DrainTimeout <= 0 {
		cc.DrainTimeout = core.DrainTimeout
	}
	switch {
	case cc.IdleTimeout == 0:
		cc.IdleTimeout = core.IdleTimeout
	case cc.IdleTimeout < 0:
		cc.IdleTimeout = 0
	}
	if cc.MaxPendingWriteBytes <= 0 {
		cc.MaxPendingWriteBytes = core.MaxPendingWriteBytes
	}
	return cc
}

// ── Options ──────────────────────────────────────────────────────────

// Option customises a Core at construction.
type Option func(*options)

type options struct {
	source    eventsource.Source
	transport transport.Transport
	clock     clock.Clock
	logger    *util.Logger
	metrics   *metrics.Collector
	resolver  *resolver.Resolver
	policy    *retry.Policy
}

// WithEventSource replaces the platform event source.  The Core takes
// ownership and closes it on Shutdown.
func WithEventSource(s eventsource.Source) Option {
	return func(o *options) { o.source = s }
}

// WithTransport replaces the platform socket transport.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithClock sets the clock used for deadlines and retry schedules.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger; the Core logs under its own prefix.
func WithLogger(l *util.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records core activity into m.  One collector may be
// shared by several cores.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// WithResolver sets the host-name resolver.
func WithResolver(r *resolver.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithRetryPolicy overrides the backoff policy derived from the
// config's retry delays.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) { o.policy = p }
}
