package connections

import (
	"errors"
	"io"
	"net/netip"
	"time"

	nerrors "github.com/bagel897/nearby/internal/errors"
	"github.com/bagel897/nearby/internal/eventsource"
	"github.com/bagel897/nearby/internal/transport"
)

// Every function in this file runs on the poll goroutine.  A record is
// only ever mutated here, one transition at a time.

// ── Bookkeeping ──────────────────────────────────────────────────────

func (c *Core) emit(ev Event) {
	c.events = append(c.events, ev)
}

func (c *Core) setState(r *record, s State) {
	c.log.Debug("%s %s -> %s", r.handle, r.state, s)
	r.state = s
	c.publish(r)
}

// publish copies the record's observable fields into its view.
func (c *Core) publish(r *record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[r.id()]
	if !ok {
		return
	}
	s := &v.snap
	s.State = r.state
	s.Remote = r.remote
	s.Attempt = r.attempt
	s.BytesIn = r.bytesIn
	s.BytesOut = r.bytesOut
	s.LastActivity = r.lastActivity
	s.Deadline = r.deadline
	s.Err = r.err
}

// released returns n written (or dropped) bytes to the handle's send
// budget.  flushed lifts the backpressure latch.
func (c *Core) released(r *record, n int, flushed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.views[r.id()]
	if !ok {
		return
	}
	v.snap.PendingWriteBytes -= n
	if flushed {
		v.snap.Throttled = false
	}
}

func (c *Core) wrap(r *record, op string, kind Kind, err error) error {
	return nerrors.Wrap(op, r.id(), r.handle.Target.String(), kind, err)
}

// ── Interest ─────────────────────────────────────────────────────────

func (r *record) wantInterest() eventsource.Interest {
	var in eventsource.Interest
	switch r.state {
	case StateConnecting:
		in = eventsource.Writable
	case StateHandshaking:
		in = eventsource.Readable
		if r.hsWantWrite {
			in |= eventsource.Writable
		}
	case StateActive, StateDraining:
		if !r.peerEOF {
			in |= eventsource.Readable
		}
		if r.queued > 0 {
			in |= eventsource.Writable
		}
	}
	return in
}

// updateInterest keeps the EventSource registration in step with what
// the record is waiting for.
func (c *Core) updateInterest(r *record) {
	if r.fd < 0 || r.state.Terminal() {
		return
	}
	want := r.wantInterest()
	var err error
	switch {
	case !r.registered:
		err = c.src.Register(r.fd, want)
		r.registered = err == nil
	case want != r.interest:
		err = c.src.Modify(r.fd, want)
	default:
		return
	}
	if err != nil {
		c.fail(r, c.wrap(r, "register", KindIO, err))
		return
	}
	r.interest = want
}

// ── Connecting ───────────────────────────────────────────────────────

// connect tries each address until one yields a socket.  Addresses
// after the one in use are kept in r.addrs for when it fails later.
func (c *Core) connect(r *record, addrs []netip.Addr) {
	var lastErr error
	for i, ip := range addrs {
		addr := netip.AddrPortFrom(ip, uint16(r.handle.Target.Port))
		fd, done, err := c.tr.Connect(addr)
		if err != nil {
			c.log.Debug("%s connect %s: %v", r.handle, addr, err)
			lastErr = err
			continue
		}
		r.fd = fd
		r.remote = addr
		r.addrs = addrs[i+1:]
		c.byFD[fd] = r.id()
		if done {
			c.connected(r)
		} else {
			c.updateInterest(r)
			c.publish(r)
		}
		return
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	r.addrs = nil
	c.fail(r, c.wrap(r, "connect", KindUnknown, lastErr))
}

// dropSocket deregisters and closes r's descriptor, if any.
func (c *Core) dropSocket(r *record) {
	if r.registered {
		if err := c.src.Deregister(r.fd); err != nil {
			c.log.Debug("%s deregister: %v", r.handle, err)
		}
		r.registered = false
		r.interest = 0
	}
	if r.fd >= 0 {
		if err := c.tr.Close(r.fd); err != nil {
			c.log.Debug("%s close fd %d: %v", r.handle, r.fd, err)
		}
		delete(c.byFD, r.fd)
		r.fd = -1
	}
}

func (c *Core) connected(r *record) {
	r.deadline = c.clk.Now().Add(r.cfg.HandshakeTimeout)
	if r.cfg.Handshake != nil {
		r.hs = r.cfg.Handshake()
	}
	c.setState(r, StateHandshaking)
	c.stepHandshake(r)
}

func (c *Core) stepHandshake(r *record) {
	if r.hs == nil {
		c.activate(r)
		return
	}
	done, wantWrite, err := r.hs.Step(fdIO{tr: c.tr, fd: r.fd, r: r})
	if err != nil {
		kind := KindUnknown
		if errors.Is(err, ErrHandshakeMismatch) {
			// The peer answered, just not with the expected protocol.
			kind = KindInvalidTarget
		}
		c.fail(r, c.wrap(r, "handshake", kind, err))
		return
	}
	if done {
		c.activate(r)
		return
	}
	r.hsWantWrite = wantWrite
	c.updateInterest(r)
	c.publish(r)
}

func (c *Core) activate(r *record) {
	r.hs = nil
	r.hsWantWrite = false
	r.attempt = 0
	r.lastActivity = c.clk.Now()
	c.armIdle(r)
	c.setState(r, StateActive)
	c.updateInterest(r)
	if r.state != StateActive {
		return
	}
	c.metrics.ConnectionEstablished()
	c.log.Verbose("%s established to %s", r.handle, r.remote)
	c.emit(Event{Type: EventEstablished, Handle: r.handle})
}

func (c *Core) armIdle(r *record) {
	if r.cfg.IdleTimeout > 0 {
		r.deadline = r.lastActivity.Add(r.cfg.IdleTimeout)
	} else {
		r.deadline = time.Time{}
	}
}

// ── Readiness ────────────────────────────────────────────────────────

func (c *Core) onReady(r *record, ev eventsource.Interest) {
	switch r.state {
	case StateConnecting:
		if ev&(eventsource.Writable|eventsource.Error|eventsource.HangUp) == 0 {
			return
		}
		if err := c.tr.Finish(r.fd); err != nil {
			if len(r.addrs) > 0 {
				c.log.Debug("%s connect %s: %v", r.handle, r.remote, err)
				c.dropSocket(r)
				c.connect(r, r.addrs)
				return
			}
			c.fail(r, c.wrap(r, "connect", KindUnknown, err))
			return
		}
		r.addrs = nil
		c.connected(r)

	case StateHandshaking:
		c.stepHandshake(r)

	case StateActive, StateDraining:
		if ev&(eventsource.Readable|eventsource.HangUp|eventsource.Error) != 0 && !r.peerEOF {
			c.readOnce(r)
		}
		if !r.state.Terminal() && ev&eventsource.Writable != 0 && r.queued > 0 {
			c.flush(r)
		}
		if !r.state.Terminal() {
			c.publish(r)
		}
	}
}

// readOnce performs a single read and reports what it got.
func (c *Core) readOnce(r *record) {
	buf := *c.readBuf
	n, err := c.tr.Read(r.fd, buf)
	if n > 0 {
		r.bytesIn += uint64(n)
		r.lastActivity = c.clk.Now()
		if r.state == StateActive {
			c.armIdle(r)
		}
		c.metrics.BytesReceived(int64(n))
		c.emit(Event{Type: EventDataReadable, Handle: r.handle, Data: append([]byte(nil), buf[:n]...)})
	}

	switch {
	case err == nil || errors.Is(err, transport.ErrWouldBlock):
	case err == io.EOF:
		c.log.Debug("%s peer closed its write side", r.handle)
		r.peerEOF = true
		if r.state == StateActive {
			c.beginDrain(r)
		} else {
			c.updateInterest(r)
		}
	default:
		c.fail(r, c.wrap(r, "read", KindUnknown, err))
	}
}

// flush writes as much of the pending queue as the socket accepts.
func (c *Core) flush(r *record) {
	written := 0
	var werr error
	for r.queued > 0 {
		n, err := c.tr.Write(r.fd, r.front())
		if n > 0 {
			r.advance(n)
			written += n
		}
		if err != nil {
			if !errors.Is(err, transport.ErrWouldBlock) {
				werr = err
			}
			break
		}
		if n == 0 {
			break
		}
	}

	if written > 0 {
		r.bytesOut += uint64(written)
		r.lastActivity = c.clk.Now()
		if r.state == StateActive {
			c.armIdle(r)
		}
		c.metrics.BytesSent(int64(written))
	}
	flushed := written > 0 && r.queued == 0 && werr == nil
	c.released(r, written, flushed)

	if werr != nil {
		c.fail(r, c.wrap(r, "write", KindUnknown, werr))
		return
	}
	if flushed {
		c.emit(Event{Type: EventWriteFlushed, Handle: r.handle})
		if r.state == StateDraining {
			c.finishDrain(r)
			return
		}
	}
	c.updateInterest(r)
}

// ── Closing ──────────────────────────────────────────────────────────

func (c *Core) beginDrain(r *record) {
	r.deadline = c.clk.Now().Add(r.cfg.DrainTimeout)
	c.setState(r, StateDraining)
	if r.queued == 0 {
		c.finishDrain(r)
		return
	}
	c.updateInterest(r)
}

// finishDrain signals end of stream once every write is out.
func (c *Core) finishDrain(r *record) {
	if err := c.tr.CloseWrite(r.fd); err != nil {
		c.fail(r, c.wrap(r, "drain", KindIO, err))
		return
	}
	c.closeNow(r)
}

// closeNow makes r Closed without touching the socket.
func (c *Core) closeNow(r *record) {
	if n := r.dropQueue(); n > 0 {
		c.released(r, n, false)
	}
	r.deadline = time.Time{}
	c.setState(r, StateClosed)
	c.metrics.ConnectionClosed()
	c.log.Verbose("%s closed after %v", r.handle, c.since(r.handle.Created))
	c.emit(Event{Type: EventClosed, Handle: r.handle})
}

// fail makes r Failed and decides whether a reconnect follows.
func (c *Core) fail(r *record, err error) {
	kind := KindOf(err)
	r.err = err
	if n := r.dropQueue(); n > 0 {
		c.released(r, n, false)
	}
	r.deadline = time.Time{}
	c.setState(r, StateFailed)
	c.metrics.ConnectionFailed(kind == KindTimeout)
	c.metrics.RecordError(err.Error())

	ev := Event{Type: EventFailed, Handle: r.handle, Err: err, Kind: kind, Final: true}
	if c.cfg.AutoReconnect && kind.Retryable() && !r.closeRequested && int(r.attempt) < c.cfg.MaxRetries {
		delay := c.policy.NextDelay(r.attempt)
		ev.Final = false
		ev.RetryAt = c.clk.Now().Add(delay)
		r.retrying = true
		c.schedule(&scheduledRetry{prev: r.handle, cfg: r.cfg, attempt: r.attempt + 1, due: ev.RetryAt})
		c.log.Verbose("%s failed (%s), reconnecting in %v: %v", r.handle, kind, delay, err)
	} else {
		c.log.Verbose("%s failed (%s): %v", r.handle, kind, err)
	}
	c.emit(ev)
}
