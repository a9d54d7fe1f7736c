// Package eventsource abstracts the operating system's I/O readiness
// mechanism behind a single [Source] capability.  Exactly one
// implementation is compiled per platform and chosen by [New]; the
// connection core never switches implementations at runtime.
//
// Sources are level-triggered: a descriptor that stays readable or
// writable is reported by every Wait until the condition clears or the
// interest is removed.
package eventsource

import (
	"errors"
	"strings"
	"time"
)

// ── Interest ─────────────────────────────────────────────────────────

// Interest is a bitmask of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// Error and HangUp are reported by Wait but never need registering.
	Error
	HangUp
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, p := range []struct {
		bit  Interest
		name string
	}{{Readable, "r"}, {Writable, "w"}, {Error, "err"}, {HangUp, "hup"}} {
		if i&p.bit != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// Readiness reports the conditions observed on one descriptor.
type Readiness struct {
	FD     int
	Events Interest
}

// ── Source ───────────────────────────────────────────────────────────

// Source is the readiness-notification capability consumed by the
// connection core.
type Source interface {
	// Register starts watching fd for the given interest.
	Register(fd int, in Interest) error
	// Modify replaces the interest set of a registered fd.
	Modify(fd int, in Interest) error
	// Deregister stops watching fd.  The caller still owns fd.
	Deregister(fd int) error
	// Wait blocks up to timeout for readiness.  A zero timeout polls
	// without blocking; a negative timeout blocks until readiness or
	// Wake.  The returned slice is only valid until the next Wait.
	Wait(timeout time.Duration) ([]Readiness, error)
	// Wake interrupts a concurrent or subsequent Wait.  It is the only
	// method safe to call from a goroutine other than the waiter.
	Wake() error
	// Close releases the source's own descriptors.
	Close() error
}

var (
	// ErrUnsupported is returned by New on platforms without an
	// implementation.
	ErrUnsupported = errors.New("eventsource: platform not supported")
	// ErrClosed is returned by operations on a closed Source.
	ErrClosed = errors.New("eventsource: closed")
)

// timeoutMillis converts a Wait timeout to the millisecond argument
// expected by the kernel, rounding up so short timeouts still block.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d == 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	const maxMillis = 1<<31 - 1
	if ms > maxMillis {
		return maxMillis
	}
	return int(ms)
}
