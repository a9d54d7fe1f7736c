package connections

import (
	nerrors "github.com/bagel897/nearby/internal/errors"
	"github.com/bagel897/nearby/internal/transport"
)

// Error vocabulary, shared with internal/errors.
type (
	Kind      = nerrors.Kind
	ConnError = nerrors.ConnError
)

const (
	KindUnknown          = nerrors.KindUnknown
	KindInvalidTarget    = nerrors.KindInvalidTarget
	KindCapacityExceeded = nerrors.KindCapacityExceeded
	KindNotActive        = nerrors.KindNotActive
	KindTimeout          = nerrors.KindTimeout
	KindIO               = nerrors.KindIO
	KindNotFound         = nerrors.KindNotFound
)

var (
	ErrInvalidTarget    = nerrors.ErrInvalidTarget
	ErrCapacityExceeded = nerrors.ErrCapacityExceeded
	ErrNotActive        = nerrors.ErrNotActive
	ErrTimeout          = nerrors.ErrTimeout
	ErrIO               = nerrors.ErrIO
	ErrNotFound         = nerrors.ErrNotFound
	ErrCoreClosed       = nerrors.ErrCoreClosed
	ErrPollInProgress   = nerrors.ErrPollInProgress

	// ErrWouldBlock is returned by HandshakeIO when the socket is not
	// ready; the Handshaker should return and wait to be stepped again.
	ErrWouldBlock = transport.ErrWouldBlock
)

// KindOf returns the error kind carried by err.
func KindOf(err error) Kind { return nerrors.KindOf(err) }
