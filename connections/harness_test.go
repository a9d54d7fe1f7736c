package connections

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/internal/fake"
	"github.com/bagel897/nearby/internal/resolver"
)

// harness wires a Core to an in-memory network and a mock clock.
type harness struct {
	t    *testing.T
	net  *fake.Network
	clk  *clock.Mock
	core *Core
}

func newHarness(t *testing.T, mutate func(*config.CoreConfig), opts ...Option) *harness {
	t.Helper()
	cfg := config.DefaultCoreConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	n := fake.NewNetwork()
	clk := clock.NewMock()
	base := []Option{
		WithEventSource(n.Source()),
		WithTransport(n.Transport()),
		WithClock(clk),
		WithResolver(resolver.New(0, 0, staticLookup(nil))),
	}
	core, err := New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { core.Shutdown() }) //nolint:errcheck
	return &harness{t: t, net: n, clk: clk, core: core}
}

// staticLookup resolves host names from a fixed table.
func staticLookup(table map[string]string) resolver.LookupFunc {
	return func(_ context.Context, host string) ([]netip.Addr, error) {
		ip, ok := table[host]
		if !ok {
			return nil, fmt.Errorf("no such host %q", host)
		}
		return []netip.Addr{netip.MustParseAddr(ip)}, nil
	}
}

func target(ip string, port int) Endpoint { return Endpoint{Host: ip, Port: port} }

func addrOf(e Endpoint) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(e.Host), uint16(e.Port))
}

func (h *harness) open(e Endpoint, cc ConnectionConfig) Handle {
	h.t.Helper()
	hd, err := h.core.Open(e, cc)
	require.NoError(h.t, err)
	return hd
}

func (h *harness) poll() []Event {
	h.t.Helper()
	events, err := h.core.Poll(0)
	require.NoError(h.t, err)
	return events
}

// establish opens an immediately connecting target and returns its
// handle and descriptor once Active.
func (h *harness) establish(e Endpoint) (Handle, int) {
	h.t.Helper()
	hd := h.open(e, ConnectionConfig{})
	events := h.poll()
	require.Equal(h.t, []EventType{EventEstablished}, typesFor(events, hd))
	return hd, h.net.LastFD()
}

func (h *harness) state(hd Handle) State {
	h.t.Helper()
	s, err := h.core.Stats(hd)
	require.NoError(h.t, err)
	return s.State
}

func typesFor(events []Event, hd Handle) []EventType {
	var out []EventType
	for _, ev := range events {
		if ev.Handle.ID == hd.ID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func only(t *testing.T, events []Event, hd Handle, typ EventType) Event {
	t.Helper()
	var found []Event
	for _, ev := range events {
		if ev.Handle.ID == hd.ID && ev.Type == typ {
			found = append(found, ev)
		}
	}
	require.Len(t, found, 1, "want exactly one %s for %s in %v", typ, hd, events)
	return found[0]
}

func dataHandles(events []Event) []uint64 {
	var out []uint64
	for _, ev := range events {
		if ev.Type == EventDataReadable {
			out = append(out, ev.Handle.ID)
		}
	}
	return out
}

// stateOrder ranks event types by the lifecycle position they report.
var stateOrder = map[EventType]int{
	EventReconnecting: 0,
	EventEstablished:  1,
	EventDataReadable: 2,
	EventWriteFlushed: 2,
	EventClosed:       3,
	EventFailed:       3,
}

// requireMonotonic checks that every handle's events follow its
// lifecycle order and that nothing follows a terminal event.
func requireMonotonic(t *testing.T, events []Event) {
	t.Helper()
	last := map[uint64]int{}
	done := map[uint64]bool{}
	for i, ev := range events {
		id := ev.Handle.ID
		require.False(t, done[id], "event %d (%s) after terminal event", i, ev)
		rank := stateOrder[ev.Type]
		require.GreaterOrEqual(t, rank, last[id], "event %d (%s) out of order", i, ev)
		last[id] = rank
		if ev.Type == EventClosed || ev.Type == EventFailed {
			done[id] = true
		}
	}
}

func pollFor(t *testing.T, h *harness, hd Handle, typ EventType) []Event {
	t.Helper()
	var all []Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := h.poll()
		all = append(all, events...)
		for _, ev := range events {
			if ev.Handle.ID == hd.ID && ev.Type == typ {
				return all
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s event for %s; saw %v", typ, hd, all)
	return nil
}
