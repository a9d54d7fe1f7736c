package connections

import (
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/bagel897/nearby/internal/eventsource"
)

// readyItem is one connection's readiness awaiting dispatch.
type readyItem struct {
	id     uint64
	events eventsource.Interest
}

// scheduledRetry is a reconnect waiting for its backoff to elapse.
type scheduledRetry struct {
	prev    Handle
	cfg     ConnectionConfig
	attempt uint32
	due     time.Time
}

// Poll runs one iteration of the multiplexing loop and returns the
// events it produced, in production order per handle.
//
// Poll blocks up to timeout for readiness, a caller request or the
// nearest deadline.  A zero timeout never blocks; a negative timeout
// blocks until something happens.  Connection faults are reported as
// EventFailed, never as Poll errors.  Calling Poll while another Poll
// is running returns ErrPollInProgress.
func (c *Core) Poll(timeout time.Duration) ([]Event, error) {
	if !c.pollMu.TryLock() {
		return nil, ErrPollInProgress
	}
	defer c.pollMu.Unlock()
	if c.isClosed() {
		return nil, ErrCoreClosed
	}

	c.runCommands()
	c.startRetries()
	c.startPending()

	ready, err := c.src.Wait(c.waitTimeout(timeout))
	if err != nil {
		if c.isClosed() {
			return nil, ErrCoreClosed
		}
		c.checkDeadlines()
		c.reap()
		return c.finishPoll(), fmt.Errorf("poll: %w", err)
	}
	c.collect(ready)
	c.dispatch()

	// Requests that arrived while waiting.
	c.runCommands()
	c.startPending()

	c.checkDeadlines()
	c.reap()
	return c.finishPoll(), nil
}

func (c *Core) finishPoll() []Event {
	events := c.events
	c.events = nil
	c.metrics.PollCompleted(len(events))
	return events
}

// waitTimeout bounds the EventSource wait by the caller's timeout and
// the nearest deadline.  Work already in hand makes the wait
// non-blocking.
func (c *Core) waitTimeout(timeout time.Duration) time.Duration {
	if timeout == 0 || len(c.events) > 0 || c.backlog.Length() > 0 || c.hasCommands() {
		return 0
	}
	next, ok := c.nextDeadline()
	if !ok {
		return timeout
	}
	until := next.Sub(c.clk.Now())
	if until < 0 {
		until = 0
	}
	if timeout < 0 || until < timeout {
		return until
	}
	return timeout
}

func (c *Core) hasCommands() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands.Length() > 0
}

func (c *Core) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, id := range c.order {
		r := c.records[id]
		if r.state.Terminal() || r.deadline.IsZero() {
			continue
		}
		if next.IsZero() || r.deadline.Before(next) {
			next = r.deadline
		}
	}
	if len(c.retries) > 0 && (next.IsZero() || c.retries[0].due.Before(next)) {
		next = c.retries[0].due
	}
	return next, !next.IsZero()
}

// ── Commands ─────────────────────────────────────────────────────────

func (c *Core) runCommands() {
	c.mu.Lock()
	cmds := make([]command, 0, c.commands.Length())
	for c.commands.Length() > 0 {
		cmds = append(cmds, c.commands.Remove().(command))
	}
	c.mu.Unlock()

	for _, cmd := range cmds {
		c.apply(cmd)
	}
}

func (c *Core) apply(cmd command) {
	if cmd.kind == cmdOpen {
		c.adopt(cmd.rec)
		return
	}
	r, ok := c.records[cmd.id]
	if !ok || r.state.Terminal() {
		switch {
		case cmd.kind == cmdClose:
			c.cancelRetry(cmd.id)
		case cmd.kind == cmdSend && ok:
			c.released(r, len(cmd.data), false)
		}
		return
	}

	switch cmd.kind {
	case cmdSend:
		if r.state != StateActive && r.state != StateDraining {
			c.released(r, len(cmd.data), false)
			return
		}
		r.enqueue(cmd.data)
		c.updateInterest(r)
	case cmdClose:
		r.closeRequested = true
		switch r.state {
		case StatePending, StateConnecting, StateHandshaking:
			c.closeNow(r)
		case StateActive:
			c.beginDrain(r)
		}
	case cmdResolved:
		if r.state != StateConnecting || !r.resolving {
			return
		}
		r.resolving = false
		if cmd.err != nil {
			c.fail(r, c.wrap(r, "resolve", KindUnknown, cmd.err))
			return
		}
		c.connect(r, cmd.addrs)
	}
}

func (c *Core) adopt(r *record) {
	c.records[r.id()] = r
	c.order = append(c.order, r.id())
	c.starting = append(c.starting, r)
}

// ── Scheduling ───────────────────────────────────────────────────────

// startPending moves every newly adopted record to Connecting.
func (c *Core) startPending() {
	now := c.clk.Now()
	pending := c.starting
	c.starting = nil
	for _, r := range pending {
		if r.state != StatePending {
			continue
		}
		r.deadline = now.Add(r.cfg.ConnectTimeout)
		c.setState(r, StateConnecting)
		c.resolve(r)
	}
}

func (c *Core) resolve(r *record) {
	id := r.id()
	addrs, ok := c.resolver.Resolve(c.ctx, r.handle.Target.Host, func(addrs []netip.Addr, err error) {
		c.postAsync(command{kind: cmdResolved, id: id, addrs: addrs, err: err})
	})
	if !ok {
		r.resolving = true
		return
	}
	c.connect(r, addrs)
}

func (c *Core) schedule(sr *scheduledRetry) {
	i := sort.Search(len(c.retries), func(i int) bool { return sr.due.Before(c.retries[i].due) })
	c.retries = append(c.retries, nil)
	copy(c.retries[i+1:], c.retries[i:])
	c.retries[i] = sr
}

// startRetries opens a new connection for every reconnect that is due.
func (c *Core) startRetries() {
	now := c.clk.Now()
	for len(c.retries) > 0 && !now.Before(c.retries[0].due) {
		sr := c.retries[0]
		c.retries = c.retries[1:]

		c.mu.Lock()
		c.live-- // the reserved slot passes to the new handle
		h := c.allocate(sr.prev.Target, sr.cfg)
		c.mu.Unlock()

		c.adopt(newRecord(h, sr.cfg, sr.attempt))
		c.metrics.Reconnect()
		c.metrics.ConnectionOpened()
		c.log.Verbose("%s reconnecting to %s as %s (attempt %d)", sr.prev, sr.prev.Target, h, sr.attempt)
		c.emit(Event{Type: EventReconnecting, Handle: h, Previous: sr.prev, Attempt: sr.attempt})
	}
}

func (c *Core) cancelRetry(id uint64) {
	for i, sr := range c.retries {
		if sr.prev.ID != id {
			continue
		}
		c.retries = append(c.retries[:i], c.retries[i+1:]...)
		c.mu.Lock()
		c.live--
		c.mu.Unlock()
		c.log.Verbose("%s reconnect cancelled", sr.prev)
		return
	}
}

// ── Readiness ────────────────────────────────────────────────────────

// collect merges fresh readiness into the backlog.  Connections already
// waiting keep their place; new ones queue behind them in creation
// order.
func (c *Core) collect(ready []eventsource.Readiness) {
	var fresh []*readyItem
	for _, rd := range ready {
		id, ok := c.byFD[rd.FD]
		if !ok {
			continue
		}
		if it, ok := c.inBacklog[id]; ok {
			it.events |= rd.Events
			continue
		}
		it := &readyItem{id: id, events: rd.Events}
		c.inBacklog[id] = it
		fresh = append(fresh, it)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].id < fresh[j].id })
	for _, it := range fresh {
		c.backlog.Add(it)
	}
}

// dispatch advances each backlogged connection once, up to
// MaxEventsPerPoll.  The rest stay queued for the next Poll.
func (c *Core) dispatch() {
	limit := c.cfg.MaxEventsPerPoll
	for n := 0; c.backlog.Length() > 0 && (limit == 0 || n < limit); {
		it := c.backlog.Remove().(*readyItem)
		delete(c.inBacklog, it.id)
		r, ok := c.records[it.id]
		if !ok || r.state.Terminal() {
			continue
		}
		c.onReady(r, it.events)
		n++
	}
}

// ── Deadlines and cleanup ────────────────────────────────────────────

var deadlineOps = map[State]string{
	StateConnecting:  "connect",
	StateHandshaking: "handshake",
	StateActive:      "idle",
	StateDraining:    "drain",
}

func (c *Core) checkDeadlines() {
	now := c.clk.Now()
	for _, id := range c.order {
		r := c.records[id]
		if r.state.Terminal() || r.deadline.IsZero() || now.Before(r.deadline) {
			continue
		}
		c.fail(r, &ConnError{
			Op: deadlineOps[r.state], Handle: r.id(), Addr: r.handle.Target.String(), Kind: KindTimeout,
		})
	}
}

// reap releases every terminal record: its registration, descriptor
// and map entries.
func (c *Core) reap() {
	kept := c.order[:0]
	for _, id := range c.order {
		r := c.records[id]
		if !r.state.Terminal() {
			kept = append(kept, id)
			continue
		}
		c.dropSocket(r)
		delete(c.records, id)

		c.mu.Lock()
		if v, ok := c.views[id]; ok {
			c.retired.Add(id, v.snap)
			delete(c.views, id)
		}
		if !r.retrying {
			c.live--
		}
		c.mu.Unlock()
	}
	for i := len(kept); i < len(c.order); i++ {
		c.order[i] = 0
	}
	c.order = kept
}
