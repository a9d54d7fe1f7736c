// Package errors provides the error vocabulary shared by the connection
// core and its collaborators.
//
// Every failure is classified into a [Kind].  Caller-misuse kinds
// (InvalidTarget, NotActive, NotFound, CapacityExceeded) are returned
// synchronously from the offending call; transport kinds (Timeout, IO)
// surface as failed-connection events and drive the reconnect policy.
package errors

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ── Kinds ────────────────────────────────────────────────────────────

// Kind classifies an error for handling and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidTarget
	KindCapacityExceeded
	KindNotActive
	KindTimeout
	KindIO
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindInvalidTarget:    "invalid-target",
	KindCapacityExceeded: "capacity-exceeded",
	KindNotActive:        "not-active",
	KindTimeout:          "timeout",
	KindIO:               "io",
	KindNotFound:         "not-found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether failures of this kind are worth a reconnect.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindIO
}

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrInvalidTarget    = errors.New("invalid target")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNotActive        = errors.New("connection not active")
	ErrTimeout          = errors.New("operation timed out")
	ErrIO               = errors.New("i/o failure")
	ErrNotFound         = errors.New("connection not found")

	ErrCoreClosed     = errors.New("core is shut down")
	ErrPollInProgress = errors.New("poll already in progress")
)

var kindSentinels = map[Kind]error{
	KindInvalidTarget:    ErrInvalidTarget,
	KindCapacityExceeded: ErrCapacityExceeded,
	KindNotActive:        ErrNotActive,
	KindTimeout:          ErrTimeout,
	KindIO:               ErrIO,
	KindNotFound:         ErrNotFound,
}

// ── Structured error types ───────────────────────────────────────────

// ConnError describes a failure tied to a single connection.
type ConnError struct {
	Op     string // "open", "send", "close", "stats", "resolve", "connect", "handshake", "read", "write", "drain", "idle"
	Handle uint64 // 0 when no handle was allocated
	Addr   string // target address, host:port
	Kind   Kind
	Err    error // underlying error, may be nil
}

func (e *ConnError) Error() string {
	s := e.Op
	if e.Handle != 0 {
		s += fmt.Sprintf(" #%d", e.Handle)
	}
	if e.Addr != "" {
		s += " " + e.Addr
	}
	cause := e.Err
	if cause == nil {
		cause = kindSentinels[e.Kind]
	}
	if cause != nil {
		s += ": " + cause.Error()
	}
	return s
}

func (e *ConnError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind, so callers can write
// errors.Is(err, ErrNotActive) regardless of the wrapped cause.
func (e *ConnError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Newf creates a ConnError of the given kind with a formatted cause.
func Newf(op string, kind Kind, format string, args ...interface{}) *ConnError {
	return &ConnError{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap creates a ConnError, classifying err when kind is KindUnknown.
func Wrap(op string, handle uint64, addr string, kind Kind, err error) *ConnError {
	if kind == KindUnknown {
		kind = Classify(err)
	}
	return &ConnError{Op: op, Handle: handle, Addr: addr, Kind: kind, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// KindOf returns the kind carried by err, or classifies it from the
// standard library error types.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for k, s := range kindSentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return Classify(err)
}

// IsRetryable reports whether err is worth a reconnect attempt.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// Classify maps raw transport errors onto a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	// Refused, reset, unreachable, DNS failures: all transport-level.
	return KindIO
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
