// Package session binds one connection owned by a Core to local I/O
// endpoints.
//
// Sessions decouple capabilities from the Core's event loop: a
// capability writes through the session and reads what the session
// copies to Stdout, without tracking handles, backpressure or
// reconnects itself.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/util"
)

// ErrEnded is returned by Write once the connection reached a final
// state.
var ErrEnded = errors.New("session ended")

// Session encapsulates the runtime context for a single connection.
// It follows the connection across reconnects, so Handle may change
// while Serve runs.
type Session struct {
	Core   *connections.Core
	Stdin  io.Reader
	Stdout io.Writer
	Logger *util.Logger

	// PollInterval bounds each Poll.  Zero means
	// config.DefaultPollInterval.
	PollInterval time.Duration

	// ChunkSize caps a single Send.  It must not exceed the
	// connection's pending-write limit.  Zero means util.DefaultBufSize.
	ChunkSize int

	mu       sync.Mutex
	handle   connections.Handle
	progress chan struct{} // closed and replaced when a blocked Write may succeed
	done     chan struct{}
	err      error
	outErr   error
}

// New creates a Session for h, which must already be open on core.
func New(core *connections.Core, h connections.Handle, stdin io.Reader, stdout io.Writer, logger *util.Logger) *Session {
	return &Session{
		Core:     core,
		Stdin:    stdin,
		Stdout:   stdout,
		Logger:   logger,
		handle:   h,
		progress: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Handle returns the connection's current handle.
func (s *Session) Handle() connections.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Done is closed when the connection reached a final state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks the Core to drain and close the connection.
func (s *Session) Close() error {
	return s.Core.Close(s.Handle())
}

// Write queues p on the connection.  It blocks while the connection
// is throttled, still connecting, or waiting for a reconnect.
func (s *Session) Write(ctx context.Context, p []byte) error {
	size := s.ChunkSize
	if size <= 0 {
		size = util.DefaultBufSize
	}
	for len(p) > 0 {
		n := len(p)
		if n > size {
			n = size
		}
		if err := s.send(ctx, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *Session) send(ctx context.Context, p []byte) error {
	for {
		s.mu.Lock()
		h, progress := s.handle, s.progress
		s.mu.Unlock()

		err := s.Core.Send(h, p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, connections.ErrCapacityExceeded), errors.Is(err, connections.ErrNotActive):
		default:
			return err
		}

		select {
		case <-progress:
		case <-s.done:
			return ErrEnded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Serve polls the Core and routes this connection's events until it
// reaches a final state.  Received data is copied to Stdout.  When ctx
// is cancelled the connection is closed and Serve keeps polling until
// the close completes.
func (s *Session) Serve(ctx context.Context) error {
	interval := s.PollInterval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}

	closing := false
	for {
		if !closing && ctx.Err() != nil {
			closing = true
			if err := s.Close(); err != nil {
				return s.end(err)
			}
			// A handle waiting for its reconnect is already terminal;
			// Close cancels the reconnect and no further event follows.
			if snap, err := s.Core.Stats(s.Handle()); err != nil || snap.State.Terminal() {
				return s.end(ctx.Err())
			}
		}

		events, err := s.Core.Poll(interval)
		if err != nil {
			return s.end(fmt.Errorf("poll: %w", err))
		}
		for _, ev := range events {
			final, err := s.route(ev)
			if !final {
				continue
			}
			if err == nil {
				s.mu.Lock()
				err = s.outErr
				s.mu.Unlock()
			}
			if err == nil && closing {
				err = ctx.Err()
			}
			return s.end(err)
		}
	}
}

// route applies one event.  It reports whether the connection ended.
func (s *Session) route(ev connections.Event) (bool, error) {
	h := s.Handle()

	if ev.Type == connections.EventReconnecting {
		if ev.Previous.ID != h.ID {
			return false, nil
		}
		s.mu.Lock()
		s.handle = ev.Handle
		s.mu.Unlock()
		s.Logger.Verbose("reconnecting to %s (attempt %d)", ev.Handle.Target, ev.Attempt)
		s.signal()
		return false, nil
	}
	if ev.Handle.ID != h.ID {
		return false, nil
	}

	switch ev.Type {
	case connections.EventEstablished:
		s.Logger.Verbose("connected to %s", h.Target)
		s.signal()
	case connections.EventDataReadable:
		if _, err := s.Stdout.Write(ev.Data); err != nil {
			s.mu.Lock()
			first := s.outErr == nil
			if first {
				s.outErr = fmt.Errorf("write output: %w", err)
			}
			s.mu.Unlock()
			if first {
				s.Core.Close(h) //nolint:errcheck
			}
		}
	case connections.EventWriteFlushed:
		s.signal()
	case connections.EventClosed:
		s.Logger.Verbose("connection to %s closed", h.Target)
		return true, nil
	case connections.EventFailed:
		if ev.Final {
			return true, ev.Err
		}
		s.Logger.Verbose("connection lost (%s), reconnect scheduled: %v", ev.Kind, ev.Err)
	}
	return false, nil
}

func (s *Session) signal() {
	s.mu.Lock()
	close(s.progress)
	s.progress = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) end(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
	return err
}
