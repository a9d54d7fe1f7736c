// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the runtime statistics of a connection core.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one or more cores.
// A nil Collector is safe to use — all methods become no-ops.
type Collector struct {
	connectionsActive      atomic.Int64
	connectionsTotal       atomic.Int64
	connectionsEstablished atomic.Int64
	connectionsClosed      atomic.Int64
	connectionsFailed      atomic.Int64
	timeoutsTotal          atomic.Int64
	reconnectsTotal        atomic.Int64
	bytesIn                atomic.Int64
	bytesOut               atomic.Int64
	pollsTotal             atomic.Int64
	eventsTotal            atomic.Int64
	errorsTotal            atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastPoll     time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection metrics ───────────────────────────────────────────────

// ConnectionOpened increments both the active and total counters.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

// ConnectionEstablished records a connection reaching the active state.
func (c *Collector) ConnectionEstablished() {
	if c == nil {
		return
	}
	c.connectionsEstablished.Add(1)
}

// ConnectionClosed records a graceful close.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
	c.connectionsClosed.Add(1)
}

// ConnectionFailed records a failed connection; timeout marks failures
// caused by an expired deadline.
func (c *Collector) ConnectionFailed(timeout bool) {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
	c.connectionsFailed.Add(1)
	if timeout {
		c.timeoutsTotal.Add(1)
	}
}

// Reconnect records a scheduled reconnect attempt being started.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnectsTotal.Add(1)
}

// ActiveConnections returns the current number of live connections.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// TotalConnections returns the lifetime connection count.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsTotal.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Loop metrics ─────────────────────────────────────────────────────

// PollCompleted records one poll iteration that produced events.
func (c *Collector) PollCompleted(events int) {
	if c == nil {
		return
	}
	c.pollsTotal.Add(1)
	c.eventsTotal.Add(int64(events))
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.mu.Unlock()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime                 string `json:"uptime"`
	ConnectionsActive      int64  `json:"connections_active"`
	ConnectionsTotal       int64  `json:"connections_total"`
	ConnectionsEstablished int64  `json:"connections_established"`
	ConnectionsClosed      int64  `json:"connections_closed"`
	ConnectionsFailed      int64  `json:"connections_failed"`
	TimeoutsTotal          int64  `json:"timeouts_total"`
	ReconnectsTotal        int64  `json:"reconnects_total"`
	BytesIn                int64  `json:"bytes_in"`
	BytesOut               int64  `json:"bytes_out"`
	PollsTotal             int64  `json:"polls_total"`
	EventsTotal            int64  `json:"events_total"`
	ErrorsTotal            int64  `json:"errors_total"`
	LastPoll               string `json:"last_poll,omitempty"`
	LastError              string `json:"last_error,omitempty"`
	LastErrorMessage       string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:                 time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive:      c.connectionsActive.Load(),
		ConnectionsTotal:       c.connectionsTotal.Load(),
		ConnectionsEstablished: c.connectionsEstablished.Load(),
		ConnectionsClosed:      c.connectionsClosed.Load(),
		ConnectionsFailed:      c.connectionsFailed.Load(),
		TimeoutsTotal:          c.timeoutsTotal.Load(),
		ReconnectsTotal:        c.reconnectsTotal.Load(),
		BytesIn:                c.bytesIn.Load(),
		BytesOut:               c.bytesOut.Load(),
		PollsTotal:             c.pollsTotal.Load(),
		EventsTotal:            c.eventsTotal.Load(),
		ErrorsTotal:            c.errorsTotal.Load(),
	}
	if !c.lastPoll.IsZero() {
		s.LastPoll = c.lastPoll.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
