package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/internal/capability"
	"github.com/bagel897/nearby/internal/session"
	"github.com/bagel897/nearby/util"
)

// ConnectMode opens one connection and runs a capability on it, the
// default client mode.
type ConnectMode struct {
	Target       connections.Endpoint
	CoreConfig   config.CoreConfig
	Conn         connections.ConnectionConfig
	Options      []connections.Option
	Capability   capability.Capability
	PollInterval time.Duration
	Logger       *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ConnectMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ConnectMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run opens the connection, creates a session, and hands it to the
// capability.  The Core is shut down when Run returns.  Cancelling ctx
// closes the connection gracefully and is not reported as an error.
func (m *ConnectMode) Run(ctx context.Context) error {
	core, err := connections.New(m.CoreConfig, m.Options...)
	if err != nil {
		return err
	}
	defer shutdown(core, m.Logger)

	h, err := core.Open(m.Target, m.Conn)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", m.Target, err)
	}
	m.Logger.Verbose("connecting to %s", m.Target)

	limit := m.Conn.MaxPendingWriteBytes
	if limit == 0 {
		limit = m.CoreConfig.MaxPendingWriteBytes
	}
	sess := session.New(core, h, m.stdin(), m.stdout(), m.Logger)
	sess.PollInterval = m.PollInterval
	sess.ChunkSize = chunkSize(limit)

	err = m.Capability.Handle(ctx, sess)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	default:
		return fmt.Errorf("connect to %s: %w", m.Target, err)
	}
}
