package connections

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	nerrors "github.com/bagel897/nearby/internal/errors"
	"github.com/bagel897/nearby/util"
)

// ── Endpoint ─────────────────────────────────────────────────────────

// Endpoint names a remote TCP service.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string { return util.FormatAddr(e.Host, e.Port) }

// Validate reports ErrInvalidTarget for an empty host or a port outside
// 1-65535.
func (e Endpoint) Validate() error {
	switch {
	case strings.TrimSpace(e.Host) == "":
		return &ConnError{Op: "open", Addr: e.String(), Kind: KindInvalidTarget, Err: fmt.Errorf("empty host")}
	case strings.ContainsAny(e.Host, " \t\r\n"):
		return &ConnError{Op: "open", Addr: e.String(), Kind: KindInvalidTarget, Err: fmt.Errorf("host %q contains whitespace", e.Host)}
	case e.Port < 1 || e.Port > 65535:
		return &ConnError{Op: "open", Addr: e.String(), Kind: KindInvalidTarget, Err: fmt.Errorf("port %d out of range 1-65535", e.Port)}
	}
	return nil
}

// ParseEndpoint parses "host:port" (IPv6 literals in brackets).
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, nerrors.Wrap("open", 0, s, KindInvalidTarget, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, nerrors.Wrap("open", 0, s, KindInvalidTarget, fmt.Errorf("invalid port %q", portStr))
	}
	e := Endpoint{Host: host, Port: port}
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// ── Handle ───────────────────────────────────────────────────────────

// Handle identifies one connection of one Core.  IDs increase in
// creation order and are never reused by the Core that issued them.
type Handle struct {
	ID      uint64
	Target  Endpoint
	Created time.Time
}

func (h Handle) String() string { return "#" + strconv.FormatUint(h.ID, 10) }

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.ID == 0 }

// ── State ────────────────────────────────────────────────────────────

// State is a connection's position in its lifecycle.
type State uint8

const (
	StatePending State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateDraining
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StatePending:     "pending",
	StateConnecting:  "connecting",
	StateHandshaking: "handshaking",
	StateActive:      "active",
	StateDraining:    "draining",
	StateClosed:      "closed",
	StateFailed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }
