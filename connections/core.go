package connections

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/internal/eventsource"
	"github.com/bagel897/nearby/internal/metrics"
	"github.com/bagel897/nearby/internal/resolver"
	"github.com/bagel897/nearby/internal/retry"
	"github.com/bagel897/nearby/internal/transport"
	"github.com/bagel897/nearby/util"
)

// retiredHandles is how many terminal handles a Core remembers for
// Stats and idempotent Close after their records are released.
const retiredHandles = 4096

// ── Commands ─────────────────────────────────────────────────────────

type cmdKind uint8

const (
	cmdOpen cmdKind = iota
	cmdSend
	cmdClose
	cmdResolved
)

// command carries a caller request to the poll goroutine.
type command struct {
	kind  cmdKind
	id    uint64
	rec   *record      // cmdOpen
	data  []byte       // cmdSend
	addrs []netip.Addr // cmdResolved
	err   error        // cmdResolved
}

// ── Core ─────────────────────────────────────────────────────────────

// Core manages the lifecycle of a set of outbound connections.  Poll
// must be driven by one goroutine at a time; every other method is
// safe for concurrent use.
type Core struct {
	id       string
	cfg      config.CoreConfig
	src      eventsource.Source
	tr       transport.Transport
	clk      clock.Clock
	log      *util.Logger
	metrics  *metrics.Collector
	resolver *resolver.Resolver
	policy   *retry.Policy
	ctx      context.Context
	cancel   context.CancelFunc

	// pollMu is held for the duration of Poll and Shutdown.
	pollMu sync.Mutex

	mu       sync.Mutex // guards the fields below
	closed   bool
	nextID   uint64
	live     int // non-terminal connections plus reserved reconnects
	views    map[uint64]*view
	retired  *lru.Cache[uint64, Snapshot]
	commands *queue.Queue

	// Owned by the poll goroutine.
	records   map[uint64]*record
	order     []uint64 // live record IDs, ascending
	byFD      map[int]uint64
	starting  []*record
	backlog   *queue.Queue // of *readyItem, carried across polls
	inBacklog map[uint64]*readyItem
	retries   []*scheduledRetry // ascending by due
	events    []Event
	readBuf   *[]byte
}

// New creates a Core.  Without options it uses the platform event
// source and socket transport, the wall clock and a quiet logger.
func New(cfg config.CoreConfig, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if o.source == nil {
		src, err := eventsource.New()
		if err != nil {
			return nil, fmt.Errorf("creating event source: %w", err)
		}
		o.source = src
	}
	if o.transport == nil {
		tr, err := transport.New()
		if err != nil {
			o.source.Close() //nolint:errcheck
			return nil, fmt.Errorf("creating transport: %w", err)
		}
		o.transport = tr
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.logger == nil {
		o.logger = util.NewLogger(int(util.LogQuiet))
	}
	if o.resolver == nil {
		o.resolver = resolver.New(resolver.DefaultCacheSize, resolver.DefaultTTL, nil)
	}
	if o.policy == nil {
		o.policy = retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, retry.DefaultCap)
	}

	retired, err := lru.New[uint64, Snapshot](retiredHandles)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		id:        id,
		cfg:       cfg,
		src:       o.source,
		tr:        o.transport,
		clk:       o.clock,
		log:       o.logger.WithPrefix("core=" + id[:8]),
		metrics:   o.metrics,
		resolver:  o.resolver,
		policy:    o.policy,
		ctx:       ctx,
		cancel:    cancel,
		views:     make(map[uint64]*view),
		retired:   retired,
		commands:  queue.New(),
		records:   make(map[uint64]*record),
		byFD:      make(map[int]uint64),
		backlog:   queue.New(),
		inBacklog: make(map[uint64]*readyItem),
		readBuf:   util.GetBuf(),
	}
	c.log.Debug("created: max-conns=%d max-pending=%d max-events=%d reconnect=%v",
		cfg.MaxConnections, cfg.MaxPendingWriteBytes, cfg.MaxEventsPerPoll, cfg.AutoReconnect)
	return c, nil
}

// ID returns the Core's unique instance identifier.
func (c *Core) ID() string { return c.id }

// Len returns the number of live connections, counting reconnects that
// are scheduled but not yet started.
func (c *Core) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// ── Caller operations ────────────────────────────────────────────────

// Open starts connecting to target and returns its handle at once.
// Progress is reported by Poll.
func (c *Core) Open(target Endpoint, cfg ConnectionConfig) (Handle, error) {
	if err := target.Validate(); err != nil {
		return Handle{}, err
	}
	cfg = cfg.resolve(c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Handle{}, ErrCoreClosed
	}
	if c.live >= c.cfg.MaxConnections {
		return Handle{}, &ConnError{
			Op: "open", Addr: target.String(), Kind: KindCapacityExceeded,
			Err: fmt.Errorf("%d of %d connections in use", c.live, c.cfg.MaxConnections),
		}
	}
	h := c.allocate(target, cfg)
	c.post(command{kind: cmdOpen, id: h.ID, rec: newRecord(h, cfg, 0)})
	c.metrics.ConnectionOpened()
	return h, nil
}

// allocate issues a handle and publishes its Pending view.  Caller
// holds c.mu.
func (c *Core) allocate(target Endpoint, cfg ConnectionConfig) Handle {
	c.nextID++
	c.live++
	h := Handle{ID: c.nextID, Target: target, Created: c.clk.Now()}
	c.views[h.ID] = &view{
		snap:  Snapshot{Handle: h, State: StatePending},
		limit: cfg.MaxPendingWriteBytes,
	}
	return h
}

// Send queues p for writing on an Active connection.  It returns
// ErrCapacityExceeded when the connection's pending-write limit would
// be exceeded; after that, Send keeps failing until Poll reports
// EventWriteFlushed for the handle.
func (c *Core) Send(h Handle, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	v, ok := c.views[h.ID]
	if !ok {
		if c.retired.Contains(h.ID) {
			return misuse("send", h, KindNotActive)
		}
		return misuse("send", h, KindNotFound)
	}
	if v.snap.State != StateActive || v.closing {
		return misuse("send", h, KindNotActive)
	}
	if len(p) == 0 {
		return nil
	}

	s := &v.snap
	switch {
	case len(p) > v.limit:
		return &ConnError{
			Op: "send", Handle: h.ID, Addr: h.Target.String(), Kind: KindCapacityExceeded,
			Err: fmt.Errorf("%d bytes exceeds the %d byte write limit", len(p), v.limit),
		}
	case s.Throttled:
		return misuse("send", h, KindCapacityExceeded)
	case s.PendingWriteBytes+len(p) > v.limit:
		s.Throttled = true
		return misuse("send", h, KindCapacityExceeded)
	}
	s.PendingWriteBytes += len(p)
	if s.PendingWriteBytes >= v.limit {
		s.Throttled = true
	}
	c.post(command{kind: cmdSend, id: h.ID, data: append([]byte(nil), p...)})
	return nil
}

// Close requests a graceful close.  Active connections drain their
// pending writes first; connections not yet Active close at the next
// Poll.  Closing a closed or failed handle is a no-op, and closing a
// handle whose reconnect is scheduled cancels the reconnect.
func (c *Core) Close(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCoreClosed
	}
	v, ok := c.views[h.ID]
	if !ok {
		if c.retired.Contains(h.ID) {
			c.post(command{kind: cmdClose, id: h.ID})
			return nil
		}
		if h.ID != 0 && h.ID <= c.nextID {
			return nil
		}
		return misuse("close", h, KindNotFound)
	}
	if v.closing || v.snap.State == StateClosed {
		return nil
	}
	// A Failed view may still have a reconnect queued behind it; the
	// poll goroutine cancels it when the command arrives.
	v.closing = true
	c.post(command{kind: cmdClose, id: h.ID})
	return nil
}

// Stats returns a copy of the connection's current state.  Recently
// terminated handles report their final state until forgotten.
func (c *Core) Stats(h Handle) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Snapshot{}, ErrCoreClosed
	}
	if v, ok := c.views[h.ID]; ok {
		return v.snap, nil
	}
	if s, ok := c.retired.Get(h.ID); ok {
		return s, nil
	}
	return Snapshot{}, misuse("stats", h, KindNotFound)
}

// Shutdown closes every connection immediately, without draining,
// and releases the event source.  It waits for an in-flight Poll to
// return.  Every later call on the Core, including Shutdown, returns
// ErrCoreClosed.
func (c *Core) Shutdown() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoreClosed
	}
	c.closed = true
	unstarted := 0
	for c.commands.Length() > 0 {
		if cmd := c.commands.Remove().(command); cmd.kind == cmdOpen {
			unstarted++
		}
	}
	c.mu.Unlock()

	c.cancel()
	c.src.Wake() //nolint:errcheck
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	var err error
	live := 0
	for _, id := range c.order {
		r := c.records[id]
		if r.registered {
			err = multierr.Append(err, c.src.Deregister(r.fd))
		}
		if r.fd >= 0 {
			err = multierr.Append(err, c.tr.Close(r.fd))
		}
		if !r.state.Terminal() {
			live++
		}
	}
	for i := 0; i < live+unstarted; i++ {
		c.metrics.ConnectionClosed()
	}
	err = multierr.Append(err, c.src.Close())

	c.records, c.byFD, c.order, c.starting, c.retries = nil, nil, nil, nil, nil
	c.inBacklog = nil
	util.PutBuf(c.readBuf)
	c.readBuf = nil

	c.mu.Lock()
	c.views = make(map[uint64]*view)
	c.live = 0
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("shutdown: %v", err)
	}
	c.log.Debug("shut down with %d live connections", live+unstarted)
	return err
}

// ── helpers ──────────────────────────────────────────────────────────

// post queues cmd for the poll goroutine and wakes it.  Caller holds
// c.mu.
func (c *Core) post(cmd command) {
	c.commands.Add(cmd)
	if err := c.src.Wake(); err != nil {
		c.log.Debug("wake: %v", err)
	}
}

// postAsync is post for goroutines that do not hold c.mu.
func (c *Core) postAsync(cmd command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.post(cmd)
}

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func misuse(op string, h Handle, kind Kind) error {
	return &ConnError{Op: op, Handle: h.ID, Addr: h.Target.String(), Kind: kind}
}

// since reports the time elapsed from t on the core's clock.
func (c *Core) since(t time.Time) time.Duration {
	return c.clk.Since(t)
}
