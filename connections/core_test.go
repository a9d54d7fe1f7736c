package connections

import (
	"context"
	"errors"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/internal/fake"
	"github.com/bagel897/nearby/internal/metrics"
	"github.com/bagel897/nearby/internal/resolver"
	"github.com/bagel897/nearby/internal/retry"
)

// ── Open ─────────────────────────────────────────────────────────────

func TestOpen_ImmediateConnectIsActiveAfterFirstPoll(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	assert.Equal(t, StatePending, h.state(hd))

	events := h.poll()
	require.Equal(t, []EventType{EventEstablished}, typesFor(events, hd))
	assert.Equal(t, StateActive, h.state(hd))

	fd := h.net.LastFD()
	in, ok := h.net.Registered(fd)
	require.True(t, ok, "active connection must stay registered")
	assert.Equal(t, "r", in.String())
}

func TestOpen_ConnectTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{ConnectTimeout: time.Millisecond})

	require.Empty(t, h.poll())
	assert.Equal(t, StateConnecting, h.state(hd))

	h.clk.Add(2 * time.Millisecond)
	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindTimeout, ev.Kind)
	assert.True(t, ev.Final)
	assert.ErrorIs(t, ev.Err, ErrTimeout)

	var ce *ConnError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, "connect", ce.Op)
	assert.True(t, h.net.IsClosed(h.net.LastFD()), "descriptor released in the failing poll")
}

func TestOpen_InvalidTarget(t *testing.T) {
	h := newHarness(t, nil)
	for _, e := range []Endpoint{
		{Host: "", Port: 80},
		{Host: "  ", Port: 80},
		{Host: "bad host", Port: 80},
		{Host: "10.0.0.1", Port: 0},
		{Host: "10.0.0.1", Port: 65536},
		{Host: "10.0.0.1", Port: -1},
	} {
		_, err := h.core.Open(e, ConnectionConfig{})
		assert.ErrorIs(t, err, ErrInvalidTarget, "target %+v", e)
		assert.Equal(t, KindInvalidTarget, KindOf(err))
	}
	assert.Zero(t, h.core.Len())
}

func TestOpen_CapacityExceeded(t *testing.T) {
	h := newHarness(t, func(c *config.CoreConfig) { c.MaxConnections = 2 })
	a := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	h.open(target("10.0.0.2", 80), ConnectionConfig{})

	_, err := h.core.Open(target("10.0.0.3", 80), ConnectionConfig{})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, h.core.Close(a))
	events := h.poll()
	require.Equal(t, []EventType{EventClosed}, typesFor(events, a))
	assert.Equal(t, 1, h.core.Len())

	_, err = h.core.Open(target("10.0.0.3", 80), ConnectionConfig{})
	assert.NoError(t, err)
}

func TestOpen_WakesPoller(t *testing.T) {
	h := newHarness(t, nil)
	h.open(target("10.0.0.1", 80), ConnectionConfig{})
	assert.Equal(t, 1, h.net.Wakes())
}

func TestOpen_HandleIDsFollowCreationOrder(t *testing.T) {
	h := newHarness(t, nil)
	var prev uint64
	for i := 0; i < 5; i++ {
		hd := h.open(target("10.0.0.1", 80+i), ConnectionConfig{})
		require.Greater(t, hd.ID, prev)
		prev = hd.ID
	}
}

// Every valid open ends in exactly one of Established or Failed.
func TestOpen_ExactlyOneOutcome(t *testing.T) {
	h := newHarness(t, nil)
	now := target("10.0.0.1", 1)
	later := target("10.0.0.2", 1)
	laterFail := target("10.0.0.3", 1)
	refused := target("10.0.0.4", 1)
	h.net.Script(addrOf(later), fake.ConnectLater)
	h.net.Script(addrOf(laterFail), fake.ConnectLater)
	h.net.Script(addrOf(refused), fake.ConnectRefuse)

	handles := []Handle{
		h.open(now, ConnectionConfig{}),
		h.open(later, ConnectionConfig{}),
		h.open(laterFail, ConnectionConfig{}),
		h.open(refused, ConnectionConfig{}),
	}

	all := h.poll()
	fds := h.net.FDs()
	require.Len(t, fds, 3)
	h.net.Complete(fds[1], nil)
	h.net.Complete(fds[2], syscall.ECONNREFUSED)
	for i := 0; i < 3; i++ {
		all = append(all, h.poll()...)
	}

	requireMonotonic(t, all)
	for i, hd := range handles {
		var outcomes int
		for _, typ := range typesFor(all, hd) {
			if typ == EventEstablished || typ == EventFailed {
				outcomes++
			}
		}
		assert.Equal(t, 1, outcomes, "handle %d", i)
	}
	assert.Equal(t, KindIO, only(t, all, handles[2], EventFailed).Kind)
	assert.Equal(t, KindIO, only(t, all, handles[3], EventFailed).Kind)
}

// ── Close ────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	require.NoError(t, h.core.Close(hd))
	require.NoError(t, h.core.Close(hd))
	events := h.poll()
	require.Equal(t, []EventType{EventClosed}, typesFor(events, hd))
	assert.True(t, h.net.IsShutWrite(fd))
	assert.True(t, h.net.IsClosed(fd))

	require.NoError(t, h.core.Close(hd))
	assert.Empty(t, typesFor(h.poll(), hd))
}

func TestClose_BeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	require.NoError(t, h.core.Close(hd))

	events := h.poll()
	require.Equal(t, []EventType{EventClosed}, typesFor(events, hd))
	assert.Empty(t, h.net.FDs(), "no socket for a connection closed while pending")
}

func TestClose_AbandonsConnectInProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	h.poll()
	fd := h.net.LastFD()

	require.NoError(t, h.core.Close(hd))
	require.Equal(t, []EventType{EventClosed}, typesFor(h.poll(), hd))
	assert.True(t, h.net.IsClosed(fd))
	_, registered := h.net.Registered(fd)
	assert.False(t, registered)
}

func TestClose_UnknownHandle(t *testing.T) {
	h := newHarness(t, nil)
	err := h.core.Close(Handle{ID: 42})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClose_DrainsPendingWrites(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.net.Stall(fd)
	require.NoError(t, h.core.Send(hd, []byte("bye")))
	require.NoError(t, h.core.Close(hd))
	assert.ErrorIs(t, h.core.Send(hd, []byte("more")), ErrNotActive)

	assert.Empty(t, typesFor(h.poll(), hd))
	assert.Equal(t, StateDraining, h.state(hd))

	h.net.Unstall(fd)
	events := h.poll()
	require.Equal(t, []EventType{EventWriteFlushed, EventClosed}, typesFor(events, hd))
	assert.Equal(t, "bye", string(h.net.Written(fd)))
	assert.True(t, h.net.IsShutWrite(fd))
}

func TestClose_DrainTimeout(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{DrainTimeout: time.Second})
	h.poll()
	fd := h.net.LastFD()

	h.net.Stall(fd)
	require.NoError(t, h.core.Send(hd, []byte("stuck")))
	require.NoError(t, h.core.Close(hd))
	h.poll()

	h.clk.Add(time.Second)
	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindTimeout, ev.Kind)
	var ce *ConnError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, "drain", ce.Op)
}

// ── Send ─────────────────────────────────────────────────────────────

func TestSend_WritesAndReportsFlush(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))
	h.net.LimitWrites(fd, 2)

	require.NoError(t, h.core.Send(hd, []byte("hello")))
	require.NoError(t, h.core.Send(hd, []byte(" world")))
	events := h.poll()
	require.Equal(t, []EventType{EventWriteFlushed}, typesFor(events, hd))
	assert.Equal(t, "hello world", string(h.net.Written(fd)))

	s, err := h.core.Stats(hd)
	require.NoError(t, err)
	assert.Zero(t, s.PendingWriteBytes)
	assert.Equal(t, uint64(11), s.BytesOut)
}

func TestSend_Backpressure(t *testing.T) {
	t.Run("latched until flushed", func(t *testing.T) {
		h := newHarness(t, func(c *config.CoreConfig) { c.MaxPendingWriteBytes = 10 })
		hd, fd := h.establish(target("10.0.0.1", 80))
		h.net.Stall(fd)

		require.NoError(t, h.core.Send(hd, []byte("123456")))
		require.ErrorIs(t, h.core.Send(hd, []byte("12345")), ErrCapacityExceeded)
		// Would fit, but the latch holds until a flush is observed.
		require.ErrorIs(t, h.core.Send(hd, []byte("1")), ErrCapacityExceeded)

		s, err := h.core.Stats(hd)
		require.NoError(t, err)
		assert.True(t, s.Throttled)
		assert.Equal(t, 6, s.PendingWriteBytes)

		assert.Empty(t, typesFor(h.poll(), hd))
		require.ErrorIs(t, h.core.Send(hd, []byte("1")), ErrCapacityExceeded)

		h.net.Unstall(fd)
		require.Equal(t, []EventType{EventWriteFlushed}, typesFor(h.poll(), hd))
		require.NoError(t, h.core.Send(hd, []byte("1")))
	})

	t.Run("reaching the limit latches", func(t *testing.T) {
		h := newHarness(t, func(c *config.CoreConfig) { c.MaxPendingWriteBytes = 10 })
		hd, fd := h.establish(target("10.0.0.1", 80))
		h.net.Stall(fd)

		require.NoError(t, h.core.Send(hd, []byte("0123456789")))
		require.ErrorIs(t, h.core.Send(hd, []byte("x")), ErrCapacityExceeded)
	})

	t.Run("oversized write does not latch", func(t *testing.T) {
		h := newHarness(t, func(c *config.CoreConfig) { c.MaxPendingWriteBytes = 10 })
		hd, _ := h.establish(target("10.0.0.1", 80))

		require.ErrorIs(t, h.core.Send(hd, make([]byte, 11)), ErrCapacityExceeded)
		require.NoError(t, h.core.Send(hd, []byte("ok")))
	})

	t.Run("per-connection limit", func(t *testing.T) {
		h := newHarness(t, nil)
		hd := h.open(target("10.0.0.1", 80), ConnectionConfig{MaxPendingWriteBytes: 4})
		h.poll()
		h.net.Stall(h.net.LastFD())

		require.NoError(t, h.core.Send(hd, []byte("abc")))
		require.ErrorIs(t, h.core.Send(hd, []byte("de")), ErrCapacityExceeded)
	})
}

func TestSend_Errors(t *testing.T) {
	h := newHarness(t, nil)
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})

	assert.ErrorIs(t, h.core.Send(hd, []byte("x")), ErrNotActive, "pending")
	h.poll()
	assert.ErrorIs(t, h.core.Send(hd, []byte("x")), ErrNotActive, "connecting")
	assert.ErrorIs(t, h.core.Send(Handle{ID: 99}, []byte("x")), ErrNotFound)

	require.NoError(t, h.core.Close(hd))
	h.poll()
	assert.ErrorIs(t, h.core.Send(hd, []byte("x")), ErrNotActive, "closed")
}

// ── Poll ─────────────────────────────────────────────────────────────

func TestPoll_FairnessCarriesOverInCreationOrder(t *testing.T) {
	h := newHarness(t, func(c *config.CoreConfig) { c.MaxEventsPerPoll = 2 })
	var fds []int
	for i := 0; i < 5; i++ {
		h.open(target("10.0.0.1", 1000+i), ConnectionConfig{})
	}
	events := h.poll()
	require.Len(t, events, 5, "establishment is not subject to the readiness cap")
	fds = h.net.FDs()

	for _, fd := range fds {
		h.net.Feed(fd, []byte("data"))
	}
	assert.Equal(t, []uint64{1, 2}, dataHandles(h.poll()))

	// The first connection becomes ready again; it queues behind the
	// connections carried over from the previous poll.
	h.net.Feed(fds[0], []byte("again"))
	assert.Equal(t, []uint64{3, 4}, dataHandles(h.poll()))
	assert.Equal(t, []uint64{5, 1}, dataHandles(h.poll()))
	assert.Empty(t, dataHandles(h.poll()))
}

func TestPoll_DataReadableCopiesBytes(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.net.Feed(fd, []byte("ping"))
	ev := only(t, h.poll(), hd, EventDataReadable)
	assert.Equal(t, "ping", string(ev.Data))

	h.net.Feed(fd, []byte("PONG"))
	h.poll()
	assert.Equal(t, "ping", string(ev.Data), "event data must not alias the read buffer")
}

func TestPoll_PeerHalfCloseDrains(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.net.Feed(fd, []byte("last words"))
	h.net.PeerClose(fd)
	all := h.poll()
	all = append(all, h.poll()...)

	requireMonotonic(t, all)
	require.Equal(t, []EventType{EventDataReadable, EventClosed}, typesFor(all, hd))
	assert.True(t, h.net.IsShutWrite(fd))
}

func TestPoll_PeerHalfCloseFlushesFirst(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.net.Stall(fd)
	require.NoError(t, h.core.Send(hd, []byte("reply")))
	h.net.PeerClose(fd)
	assert.Empty(t, typesFor(h.poll(), hd))
	assert.Equal(t, StateDraining, h.state(hd))

	h.net.Unstall(fd)
	require.Equal(t, []EventType{EventWriteFlushed, EventClosed}, typesFor(h.poll(), hd))
	assert.Equal(t, "reply", string(h.net.Written(fd)))
}

func TestPoll_IOErrorFails(t *testing.T) {
	h := newHarness(t, nil)
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.net.Break(fd, syscall.ECONNRESET)
	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindIO, ev.Kind)
	assert.ErrorIs(t, ev.Err, syscall.ECONNRESET)
	assert.ErrorIs(t, ev.Err, ErrIO)
	assert.True(t, h.net.IsClosed(fd))
}

func TestPoll_IdleTimeout(t *testing.T) {
	h := newHarness(t, func(c *config.CoreConfig) { c.IdleTimeout = 5 * time.Second })
	hd, fd := h.establish(target("10.0.0.1", 80))

	h.clk.Add(4 * time.Second)
	h.net.Feed(fd, []byte("keepalive"))
	only(t, h.poll(), hd, EventDataReadable)

	h.clk.Add(4 * time.Second)
	assert.Empty(t, h.poll())

	h.clk.Add(time.Second)
	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindTimeout, ev.Kind)
	var ce *ConnError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, "idle", ce.Op)
}

func TestPoll_IdleTimeoutDisabledPerConnection(t *testing.T) {
	h := newHarness(t, func(c *config.CoreConfig) { c.IdleTimeout = time.Second })
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{IdleTimeout: -1})
	h.poll()

	h.clk.Add(time.Hour)
	assert.Empty(t, h.poll())
	assert.Equal(t, StateActive, h.state(hd))
}

func TestPoll_NotReentrant(t *testing.T) {
	h := newHarness(t, nil)
	h.core.pollMu.Lock()
	_, err := h.core.Poll(0)
	h.core.pollMu.Unlock()
	assert.ErrorIs(t, err, ErrPollInProgress)
}

func TestPoll_WaitBoundedByNearestDeadline(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.core.Poll(-1)
	require.NoError(t, err)
	_, err = h.core.Poll(20 * time.Millisecond)
	require.NoError(t, err)

	h.net.SetDefault(fake.ConnectLater)
	h.open(target("10.0.0.1", 80), ConnectionConfig{ConnectTimeout: 50 * time.Millisecond})
	_, err = h.core.Poll(time.Second)
	require.NoError(t, err)
	_, err = h.core.Poll(-1)
	require.NoError(t, err)
	h.clk.Add(20 * time.Millisecond)
	_, err = h.core.Poll(time.Second)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{
		-1,
		20 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
		30 * time.Millisecond,
	}, h.net.Waits())
}

func TestPoll_EventsInHandMakeWaitNonBlocking(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	events, err := h.core.Poll(time.Hour)
	require.NoError(t, err)
	only(t, events, hd, EventEstablished)
	assert.Equal(t, []time.Duration{0}, h.net.Waits())
}

func TestPoll_ConnectCompletesAsynchronously(t *testing.T) {
	h := newHarness(t, nil)
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	h.poll()
	fd := h.net.LastFD()

	in, _ := h.net.Registered(fd)
	assert.Equal(t, "w", in.String(), "connecting sockets wait for writability")

	h.net.Complete(fd, nil)
	require.Equal(t, []EventType{EventEstablished}, typesFor(h.poll(), hd))

	s, err := h.core.Stats(hd)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:80"), s.Remote)
}

// ── Resolution ───────────────────────────────────────────────────────

func TestResolve_HostName(t *testing.T) {
	r := resolver.New(0, 0, staticLookup(map[string]string{"svc.test": "10.0.0.5"}))
	h := newHarness(t, nil, WithResolver(r))

	hd := h.open(Endpoint{Host: "svc.test", Port: 8080}, ConnectionConfig{})
	pollFor(t, h, hd, EventEstablished)

	s, err := h.core.Stats(hd)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.5:8080"), s.Remote)
}

func TestResolve_Failure(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(Endpoint{Host: "missing.test", Port: 80}, ConnectionConfig{})

	all := pollFor(t, h, hd, EventFailed)
	ev := only(t, all, hd, EventFailed)
	assert.Equal(t, KindIO, ev.Kind)
	var ce *ConnError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, "resolve", ce.Op)
}

func twoAddrs(context.Context, string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, nil
}

// connectingFD polls until the connection has created a socket.
func connectingFD(t *testing.T, h *harness, n int) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.net.FDs()) < n {
		require.True(t, time.Now().Before(deadline), "no socket #%d created", n)
		h.poll()
		time.Sleep(time.Millisecond)
	}
	return h.net.FDs()[n-1]
}

func TestResolve_NextAddressAfterLateConnectFailure(t *testing.T) {
	h := newHarness(t, nil, WithResolver(resolver.New(0, 0, twoAddrs)))
	h.net.Script(netip.MustParseAddrPort("10.0.0.1:80"), fake.ConnectLater)
	hd := h.open(Endpoint{Host: "multi.test", Port: 80}, ConnectionConfig{})

	fd1 := connectingFD(t, h, 1)
	assert.Equal(t, StateConnecting, h.state(hd))
	h.net.Complete(fd1, syscall.ECONNREFUSED)

	all := pollFor(t, h, hd, EventEstablished)
	assert.NotContains(t, typesFor(all, hd), EventFailed)
	require.Len(t, h.net.FDs(), 2)
	assert.True(t, h.net.IsClosed(fd1))
	_, registered := h.net.Registered(fd1)
	assert.False(t, registered)

	s, err := h.core.Stats(hd)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:80"), s.Remote)
}

func TestResolve_LateFailureOnEveryAddress(t *testing.T) {
	h := newHarness(t, nil, WithResolver(resolver.New(0, 0, twoAddrs)))
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(Endpoint{Host: "multi.test", Port: 80}, ConnectionConfig{})

	fd1 := connectingFD(t, h, 1)
	h.net.Complete(fd1, syscall.ECONNREFUSED)
	fd2 := connectingFD(t, h, 2)
	h.net.Complete(fd2, syscall.EHOSTUNREACH)

	all := pollFor(t, h, hd, EventFailed)
	ev := only(t, all, hd, EventFailed)
	assert.True(t, ev.Final)
	assert.Equal(t, KindIO, ev.Kind)
	assert.ErrorIs(t, ev.Err, syscall.EHOSTUNREACH)
	assert.True(t, h.net.IsClosed(fd1))
	assert.True(t, h.net.IsClosed(fd2))
}

// ── Handshake ────────────────────────────────────────────────────────

func TestHandshake_Preamble(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{
		Handshake: Preamble([]byte("HELLO\n"), []byte("OK\n")),
	})

	assert.Empty(t, h.poll())
	fd := h.net.LastFD()
	assert.Equal(t, StateHandshaking, h.state(hd))
	assert.Equal(t, "HELLO\n", string(h.net.Written(fd)))

	h.net.Feed(fd, []byte("OK\nhi"))
	events := h.poll()
	require.Equal(t, []EventType{EventEstablished}, typesFor(events, hd)[:1])

	// Bytes after the reply belong to the application.
	all := append(events, h.poll()...)
	ev := only(t, all, hd, EventDataReadable)
	assert.Equal(t, "hi", string(ev.Data))
}

func TestHandshake_Mismatch(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{
		Handshake: Preamble([]byte("HELLO\n"), []byte("OK\n")),
	})
	h.poll()
	h.net.Feed(h.net.LastFD(), []byte("NO\n"))

	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindInvalidTarget, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrHandshakeMismatch)
}

func TestHandshake_MismatchIsNotRetried(t *testing.T) {
	h := newHarness(t, reconnecting(3))
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{
		Handshake: Preamble(nil, []byte("OK\n")),
	})
	h.poll()
	h.net.Feed(h.net.LastFD(), []byte("NO\n"))

	ev := only(t, h.poll(), hd, EventFailed)
	assert.True(t, ev.Final)
	assert.Zero(t, h.core.Len())

	h.clk.Add(time.Second)
	assert.Empty(t, h.poll())
}

func TestHandshake_Timeout(t *testing.T) {
	h := newHarness(t, nil)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{
		HandshakeTimeout: time.Second,
		Handshake:        Preamble(nil, []byte("READY")),
	})
	h.poll()

	h.clk.Add(time.Second)
	ev := only(t, h.poll(), hd, EventFailed)
	assert.Equal(t, KindTimeout, ev.Kind)
	var ce *ConnError
	require.ErrorAs(t, ev.Err, &ce)
	assert.Equal(t, "handshake", ce.Op)
}

// ── Reconnect ────────────────────────────────────────────────────────

func reconnecting(maxRetries int) func(*config.CoreConfig) {
	return func(c *config.CoreConfig) {
		c.AutoReconnect = true
		c.MaxRetries = maxRetries
		c.RetryBaseDelay = 10 * time.Millisecond
		c.RetryMaxDelay = 100 * time.Millisecond
	}
}

func TestReconnect_UntilRetriesExhausted(t *testing.T) {
	h := newHarness(t, reconnecting(2))
	h.net.SetDefault(fake.ConnectRefuse)
	h1 := h.open(target("10.0.0.1", 80), ConnectionConfig{})

	start := h.clk.Now()
	ev := only(t, h.poll(), h1, EventFailed)
	assert.False(t, ev.Final)
	assert.True(t, ev.RetryAt.After(start) || ev.RetryAt.Equal(start))
	assert.True(t, ev.RetryAt.Before(start.Add(100*time.Millisecond)))
	assert.Equal(t, 1, h.core.Len(), "a scheduled reconnect keeps its slot")

	assert.Empty(t, h.poll(), "nothing happens before the retry is due")

	h.clk.Add(100 * time.Millisecond)
	events := h.poll()
	require.Len(t, events, 2)
	assert.Equal(t, EventReconnecting, events[0].Type)
	assert.Equal(t, h1, events[0].Previous)
	assert.Equal(t, uint32(1), events[0].Attempt)
	h2 := events[0].Handle
	assert.Greater(t, h2.ID, h1.ID)
	assert.Equal(t, h1.Target, h2.Target)
	assert.False(t, only(t, events, h2, EventFailed).Final)

	h.clk.Add(100 * time.Millisecond)
	events = h.poll()
	require.Len(t, events, 2)
	assert.Equal(t, uint32(2), events[0].Attempt)
	last := only(t, events, events[0].Handle, EventFailed)
	assert.True(t, last.Final)
	assert.Equal(t, KindIO, last.Kind)
	assert.Zero(t, h.core.Len())

	s, err := h.core.Stats(h1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, s.State)
}

func TestReconnect_AttemptResetsAfterActive(t *testing.T) {
	h := newHarness(t, reconnecting(1))
	h1, fd1 := h.establish(target("10.0.0.1", 80))

	h.net.Break(fd1, syscall.ECONNRESET)
	assert.False(t, only(t, h.poll(), h1, EventFailed).Final)

	h.clk.Add(100 * time.Millisecond)
	events := h.poll()
	require.Equal(t, EventReconnecting, events[0].Type)
	h2 := events[0].Handle
	only(t, events, h2, EventEstablished)

	h.net.Break(h.net.LastFD(), syscall.ECONNRESET)
	ev := only(t, h.poll(), h2, EventFailed)
	assert.False(t, ev.Final, "reaching Active resets the retry budget")
}

func TestReconnect_NotForNonRetryableOrClosed(t *testing.T) {
	h := newHarness(t, reconnecting(3))
	h.net.SetDefault(fake.ConnectLater)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	h.poll()

	require.NoError(t, h.core.Close(hd))
	assert.Equal(t, []EventType{EventClosed}, typesFor(h.poll(), hd))
	h.clk.Add(time.Second)
	assert.Empty(t, h.poll())
}

func TestReconnect_CloseCancelsScheduledRetry(t *testing.T) {
	h := newHarness(t, reconnecting(3))
	h.net.SetDefault(fake.ConnectRefuse)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	require.False(t, only(t, h.poll(), hd, EventFailed).Final)

	require.NoError(t, h.core.Close(hd))
	h.poll()
	assert.Zero(t, h.core.Len())

	h.clk.Add(time.Second)
	assert.Empty(t, h.poll())
}

// stepFunc adapts a function to Handshaker.
type stepFunc func(HandshakeIO) (bool, bool, error)

func (f stepFunc) Step(rw HandshakeIO) (bool, bool, error) { return f(rw) }

func TestReconnect_CloseInSamePollAsFailureCancelsRetry(t *testing.T) {
	h := newHarness(t, reconnecting(3))
	failing := target("10.0.0.1", 80)
	h.net.Script(addrOf(failing), fake.ConnectLater)
	h1 := h.open(failing, ConnectionConfig{})

	// h2's handshake closes h1 from inside the Poll that fails h1,
	// after the failure is published and before it is cleaned up.
	var armed bool
	var closeErr error
	h2 := h.open(target("10.0.0.2", 80), ConnectionConfig{
		Handshake: func() Handshaker {
			return stepFunc(func(HandshakeIO) (bool, bool, error) {
				if !armed {
					return false, false, nil
				}
				closeErr = h.core.Close(h1)
				return true, false, nil
			})
		},
	})
	h.poll()
	require.Equal(t, StateConnecting, h.state(h1))
	require.Equal(t, StateHandshaking, h.state(h2))

	armed = true
	fds := h.net.FDs()
	h.net.Complete(fds[0], syscall.ECONNREFUSED)
	h.net.Feed(fds[1], []byte("go"))

	events := h.poll()
	assert.False(t, only(t, events, h1, EventFailed).Final)
	only(t, events, h2, EventEstablished)
	require.NoError(t, closeErr)
	assert.Equal(t, 1, h.core.Len(), "the cancelled reconnect gave back its slot")

	h.clk.Add(time.Second)
	for _, ev := range h.poll() {
		assert.NotEqual(t, EventReconnecting, ev.Type, "unexpected %s", ev)
	}
}

func TestReconnect_CloseFailedHandleBeforeNextPoll(t *testing.T) {
	h := newHarness(t, reconnecting(3))
	h.net.SetDefault(fake.ConnectRefuse)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})
	require.False(t, only(t, h.poll(), hd, EventFailed).Final)

	require.NoError(t, h.core.Close(hd))
	require.NoError(t, h.core.Close(hd), "closing twice is harmless")
	h.clk.Add(time.Second)
	assert.Empty(t, h.poll())
	assert.Zero(t, h.core.Len())
}

func TestReconnect_UsesPolicy(t *testing.T) {
	p := retry.NewPolicy(time.Second, 4*time.Second, 0)
	p.Seed(1)
	h := newHarness(t, reconnecting(5), WithRetryPolicy(p))
	h.net.SetDefault(fake.ConnectRefuse)
	hd := h.open(target("10.0.0.1", 80), ConnectionConfig{})

	start := h.clk.Now()
	ev := only(t, h.poll(), hd, EventFailed)
	delay := ev.RetryAt.Sub(start)
	assert.GreaterOrEqual(t, delay, time.Second)
	assert.Less(t, delay, 2*time.Second)
}

// ── Stats ────────────────────────────────────────────────────────────

func TestStats(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.core.Stats(Handle{ID: 7})
	assert.ErrorIs(t, err, ErrNotFound)

	hd, fd := h.establish(target("10.0.0.1", 80))
	h.net.Feed(fd, []byte("12345"))
	h.poll()

	s, err := h.core.Stats(hd)
	require.NoError(t, err)
	assert.Equal(t, hd, s.Handle)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, uint64(5), s.BytesIn)
	assert.Equal(t, h.clk.Now(), s.LastActivity)
	assert.True(t, s.Deadline.IsZero(), "idle timeout disabled by default")

	require.NoError(t, h.core.Close(hd))
	h.poll()
	s, err = h.core.Stats(hd)
	require.NoError(t, err, "recently closed handles keep their final snapshot")
	assert.Equal(t, StateClosed, s.State)
}

// ── Shutdown ─────────────────────────────────────────────────────────

func TestShutdown(t *testing.T) {
	h := newHarness(t, nil)
	a, fdA := h.establish(target("10.0.0.1", 80))
	_, fdB := h.establish(target("10.0.0.2", 80))
	h.open(target("10.0.0.3", 80), ConnectionConfig{}) // never polled

	require.NoError(t, h.core.Shutdown())
	for _, fd := range []int{fdA, fdB} {
		assert.True(t, h.net.IsClosed(fd))
		_, registered := h.net.Registered(fd)
		assert.False(t, registered)
	}
	assert.Zero(t, h.core.Len())

	assert.ErrorIs(t, h.core.Shutdown(), ErrCoreClosed)
	_, err := h.core.Poll(0)
	assert.ErrorIs(t, err, ErrCoreClosed)
	_, err = h.core.Open(target("10.0.0.4", 80), ConnectionConfig{})
	assert.ErrorIs(t, err, ErrCoreClosed)
	assert.ErrorIs(t, h.core.Send(a, []byte("x")), ErrCoreClosed)
	assert.ErrorIs(t, h.core.Close(a), ErrCoreClosed)
	_, err = h.core.Stats(a)
	assert.ErrorIs(t, err, ErrCoreClosed)
}

func TestNew_InvalidConfig(t *testing.T) {
	n := fake.NewNetwork()
	cfg := config.DefaultCoreConfig()
	cfg.MaxConnections = 0
	_, err := New(cfg, WithEventSource(n.Source()), WithTransport(n.Transport()))
	require.Error(t, err)
}

func TestCores_AreIndependent(t *testing.T) {
	a := newHarness(t, nil)
	b := newHarness(t, nil)
	assert.NotEqual(t, a.core.ID(), b.core.ID())

	ha := a.open(target("10.0.0.1", 80), ConnectionConfig{})
	hb := b.open(target("10.0.0.1", 80), ConnectionConfig{})
	assert.Equal(t, ha.ID, hb.ID, "handle IDs are per core")

	a.poll()
	assert.Equal(t, StatePending, b.state(hb))
}

// ── Metrics ──────────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	m := metrics.New()
	h := newHarness(t, nil, WithMetrics(m))
	h.net.Script(netip.MustParseAddrPort("10.0.0.2:80"), fake.ConnectRefuse)

	hd, fd := h.establish(target("10.0.0.1", 80))
	h.open(target("10.0.0.2", 80), ConnectionConfig{})
	h.net.Feed(fd, []byte("abc"))
	require.NoError(t, h.core.Send(hd, []byte("hello")))
	h.poll()
	require.NoError(t, h.core.Close(hd))
	h.poll()

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ConnectionsTotal)
	assert.Equal(t, int64(0), s.ConnectionsActive)
	assert.Equal(t, int64(1), s.ConnectionsEstablished)
	assert.Equal(t, int64(1), s.ConnectionsClosed)
	assert.Equal(t, int64(1), s.ConnectionsFailed)
	assert.Equal(t, int64(3), s.BytesIn)
	assert.Equal(t, int64(5), s.BytesOut)
	assert.Equal(t, int64(1), s.ErrorsTotal)
	assert.Equal(t, int64(3), s.PollsTotal)
}

// ── Endpoint ─────────────────────────────────────────────────────────

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{"example.com:80", Endpoint{"example.com", 80}, false},
		{"[::1]:443", Endpoint{"::1", 443}, false},
		{"10.0.0.1:65535", Endpoint{"10.0.0.1", 65535}, false},
		{"example.com", Endpoint{}, true},
		{"example.com:http", Endpoint{}, true},
		{":80", Endpoint{}, true},
		{"host:0", Endpoint{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidTarget), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateDraining.Terminal())
}
