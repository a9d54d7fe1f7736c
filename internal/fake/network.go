// Package fake provides an in-memory network for exercising the
// connection core without sockets.  A Network hands out a Transport and
// a level-triggered eventsource.Source that agree on every simulated
// descriptor, so tests script peers (connect outcome, inbound bytes,
// EOF, write stalls) and the core observes them through readiness.
package fake

import (
	"errors"
	"io"
	"net/netip"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/bagel897/nearby/internal/eventsource"
	"github.com/bagel897/nearby/internal/transport"
)

// ConnectMode scripts how Connect behaves for an address.
type ConnectMode int

const (
	// ConnectNow completes the connect synchronously.
	ConnectNow ConnectMode = iota
	// ConnectLater leaves the connect in progress until Complete.
	ConnectLater
	// ConnectRefuse fails the connect synchronously.
	ConnectRefuse
)

// Conn is one simulated socket.
type Conn struct {
	FD   int
	Addr netip.AddrPort

	connected  bool
	connectErr error // delivered by Finish once completion is signalled
	completed  bool

	in      []byte
	peerEOF bool
	ioErr   error

	out        []byte
	writeLimit int // bytes accepted per Write, 0 = unlimited
	stalled    bool
	shutWrite  bool
	closed     bool
}

// Network is the shared state behind Transport and Source.
type Network struct {
	mu       sync.Mutex
	nextFD   int
	conns    map[int]*Conn
	modes    map[netip.AddrPort]ConnectMode
	fallback ConnectMode

	interest map[int]eventsource.Interest
	waits    []time.Duration
	wakes    int
	closed   bool
}

// NewNetwork returns an empty Network whose connects succeed
// immediately unless scripted otherwise.
func NewNetwork() *Network {
	return &Network{
		nextFD:   100,
		conns:    make(map[int]*Conn),
		modes:    make(map[netip.AddrPort]ConnectMode),
		interest: make(map[int]eventsource.Interest),
	}
}

// ── Scripting ────────────────────────────────────────────────────────

// SetDefault sets the connect behaviour for unscripted addresses.
func (n *Network) SetDefault(m ConnectMode) {
	n.mu.Lock()
	n.fallback = m
	n.mu.Unlock()
}

// Script sets the connect behaviour for addr.
func (n *Network) Script(addr netip.AddrPort, m ConnectMode) {
	n.mu.Lock()
	n.modes[addr] = m
	n.mu.Unlock()
}

// Complete finishes an in-progress connect; err nil means success.
func (n *Network) Complete(fd int, err error) {
	n.with(fd, func(c *Conn) {
		c.completed = true
		c.connectErr = err
		c.connected = err == nil
	})
}

// Feed appends inbound bytes for fd.
func (n *Network) Feed(fd int, p []byte) {
	n.with(fd, func(c *Conn) { c.in = append(c.in, p...) })
}

// PeerClose marks the peer's write side as shut down.
func (n *Network) PeerClose(fd int) {
	n.with(fd, func(c *Conn) { c.peerEOF = true })
}

// Break makes every subsequent read and write on fd fail with err.
func (n *Network) Break(fd int, err error) {
	n.with(fd, func(c *Conn) { c.ioErr = err })
}

// Stall makes writes on fd report would-block until Unstall.
func (n *Network) Stall(fd int) {
	n.with(fd, func(c *Conn) { c.stalled = true })
}

// Unstall lets writes on fd proceed again.
func (n *Network) Unstall(fd int) {
	n.with(fd, func(c *Conn) { c.stalled = false })
}

// LimitWrites caps the bytes accepted by each Write on fd.
func (n *Network) LimitWrites(fd, limit int) {
	n.with(fd, func(c *Conn) { c.writeLimit = limit })
}

func (n *Network) with(fd int, f func(*Conn)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.conns[fd]; ok {
		f(c)
	}
}

// ── Inspection ───────────────────────────────────────────────────────

// FDs returns every descriptor ever handed out, in creation order.
func (n *Network) FDs() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	fds := make([]int, 0, len(n.conns))
	for fd := range n.conns {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

// LastFD returns the most recently created descriptor, or -1.
func (n *Network) LastFD() int {
	fds := n.FDs()
	if len(fds) == 0 {
		return -1
	}
	return fds[len(fds)-1]
}

// Written returns a copy of everything written to fd.
func (n *Network) Written(fd int) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.conns[fd]; ok {
		return append([]byte(nil), c.out...)
	}
	return nil
}

// IsShutWrite reports whether fd's write side was shut down.
func (n *Network) IsShutWrite(fd int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[fd]
	return ok && c.shutWrite
}

// IsClosed reports whether fd was closed.
func (n *Network) IsClosed(fd int) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.conns[fd]
	return ok && c.closed
}

// Registered reports the interest currently registered for fd.
func (n *Network) Registered(fd int) (eventsource.Interest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	in, ok := n.interest[fd]
	return in, ok
}

// Waits returns the timeouts passed to every Wait call so far.
func (n *Network) Waits() []time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]time.Duration(nil), n.waits...)
}

// Wakes returns how many times Wake was called.
func (n *Network) Wakes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wakes
}

// readiness computes the level-triggered conditions of c.
func (c *Conn) readiness() eventsource.Interest {
	if c.closed {
		return 0
	}
	var r eventsource.Interest
	if !c.connected {
		if c.completed {
			r |= eventsource.Writable
			if c.connectErr != nil {
				r |= eventsource.Error
			}
		}
		return r
	}
	if len(c.in) > 0 || c.peerEOF || c.ioErr != nil {
		r |= eventsource.Readable
	}
	if !c.stalled {
		r |= eventsource.Writable
	}
	if c.peerEOF {
		r |= eventsource.HangUp
	}
	if c.ioErr != nil {
		r |= eventsource.Error
	}
	return r
}

// ── Transport ────────────────────────────────────────────────────────

// Transport returns the Transport view of n.
func (n *Network) Transport() transport.Transport { return (*fakeTransport)(n) }

type fakeTransport Network

func (t *fakeTransport) net() *Network { return (*Network)(t) }

func (t *fakeTransport) Connect(addr netip.AddrPort) (int, bool, error) {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	mode, ok := n.modes[addr]
	if !ok {
		mode = n.fallback
	}
	if mode == ConnectRefuse {
		return -1, false, syscall.ECONNREFUSED
	}
	fd := n.nextFD
	n.nextFD++
	c := &Conn{FD: fd, Addr: addr}
	if mode == ConnectNow {
		c.connected, c.completed = true, true
	}
	n.conns[fd] = c
	return fd, c.connected, nil
}

func (t *fakeTransport) lookup(fd int) (*Conn, error) {
	c, ok := t.net().conns[fd]
	if !ok || c.closed {
		return nil, syscall.EBADF
	}
	return c, nil
}

func (t *fakeTransport) Finish(fd int) error {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	c, err := t.lookup(fd)
	if err != nil {
		return err
	}
	if !c.completed {
		return syscall.EINPROGRESS
	}
	return c.connectErr
}

func (t *fakeTransport) Read(fd int, p []byte) (int, error) {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	c, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}
	if c.ioErr != nil {
		return 0, c.ioErr
	}
	if len(c.in) == 0 {
		if c.peerEOF {
			return 0, io.EOF
		}
		return 0, transport.ErrWouldBlock
	}
	k := copy(p, c.in)
	c.in = c.in[k:]
	return k, nil
}

func (t *fakeTransport) Write(fd int, p []byte) (int, error) {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	c, err := t.lookup(fd)
	if err != nil {
		return 0, err
	}
	if c.ioErr != nil {
		return 0, c.ioErr
	}
	if c.shutWrite {
		return 0, syscall.EPIPE
	}
	if c.stalled {
		return 0, transport.ErrWouldBlock
	}
	k := len(p)
	if c.writeLimit > 0 && k > c.writeLimit {
		k = c.writeLimit
	}
	c.out = append(c.out, p[:k]...)
	return k, nil
}

func (t *fakeTransport) CloseWrite(fd int) error {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	c, err := t.lookup(fd)
	if err != nil {
		return err
	}
	c.shutWrite = true
	return nil
}

func (t *fakeTransport) Close(fd int) error {
	n := t.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	c, err := t.lookup(fd)
	if err != nil {
		return err
	}
	c.closed = true
	return nil
}

// ── Source ───────────────────────────────────────────────────────────

// Source returns the eventsource view of n.  Wait never blocks; it
// records the requested timeout and reports current readiness.
func (n *Network) Source() eventsource.Source { return (*fakeSource)(n) }

type fakeSource Network

// ErrNotRegistered is returned for operations on unknown descriptors.
var ErrNotRegistered = errors.New("fake: descriptor not registered")

func (s *fakeSource) net() *Network { return (*Network)(s) }

func (s *fakeSource) Register(fd int, in eventsource.Interest) error {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return eventsource.ErrClosed
	}
	if _, ok := n.interest[fd]; ok {
		return syscall.EEXIST
	}
	n.interest[fd] = in
	return nil
}

func (s *fakeSource) Modify(fd int, in eventsource.Interest) error {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.interest[fd]; !ok {
		return ErrNotRegistered
	}
	n.interest[fd] = in
	return nil
}

func (s *fakeSource) Deregister(fd int) error {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.interest[fd]; !ok {
		return ErrNotRegistered
	}
	delete(n.interest, fd)
	return nil
}

func (s *fakeSource) Wait(timeout time.Duration) ([]eventsource.Readiness, error) {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, eventsource.ErrClosed
	}
	n.waits = append(n.waits, timeout)

	fds := make([]int, 0, len(n.interest))
	for fd := range n.interest {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	var out []eventsource.Readiness
	for _, fd := range fds {
		c, ok := n.conns[fd]
		if !ok {
			continue
		}
		mask := n.interest[fd] | eventsource.Error
		if mask&eventsource.Readable != 0 {
			mask |= eventsource.HangUp
		}
		ev := c.readiness() & mask
		if ev != 0 {
			out = append(out, eventsource.Readiness{FD: fd, Events: ev})
		}
	}
	return out, nil
}

func (s *fakeSource) Wake() error {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return eventsource.ErrClosed
	}
	n.wakes++
	return nil
}

func (s *fakeSource) Close() error {
	n := s.net()
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return eventsource.ErrClosed
	}
	n.closed = true
	return nil
}
