package capability

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/bagel897/nearby/internal/session"
)

// Exec wires a connection to a child process's stdio.
// Either Program (-e) or Command (-c) must be set.
type Exec struct {
	Program string // -e: execute a program directly
	Command string // -c: execute via the system shell
}

func (e *Exec) command(ctx context.Context) (*exec.Cmd, error) {
	switch {
	case e.Command != "":
		if runtime.GOOS == "windows" {
			return exec.CommandContext(ctx, "cmd.exe", "/C", e.Command), nil
		}
		return exec.CommandContext(ctx, "/bin/sh", "-c", e.Command), nil
	case e.Program != "":
		return exec.CommandContext(ctx, e.Program), nil
	default:
		return nil, fmt.Errorf("no command specified for exec mode")
	}
}

// Handle starts the child process.  Data received on the connection
// becomes the process's stdin; its stdout and stderr are sent back.
// The connection is closed when the process exits, and the process is
// killed if the connection ends first.
func (e *Exec) Handle(ctx context.Context, sess *session.Session) error {
	procCtx, kill := context.WithCancel(ctx)
	defer kill()

	cmd, err := e.command(procCtx)
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	sess.Stdout = stdin

	sess.Logger.Debug("exec: %s", cmd.String())
	if err := cmd.Start(); err != nil {
		sess.Close() //nolint:errcheck
		sess.Serve(ctx) //nolint:errcheck
		return fmt.Errorf("exec %q: %w", cmd.Path, err)
	}

	go func() {
		pump(ctx, sess, pr)
		io.Copy(io.Discard, pr) //nolint:errcheck
	}()
	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
		pw.Close()
	}()

	serveErr := sess.Serve(ctx)
	stdin.Close()

	var waitErr error
	killed := false
	select {
	case waitErr = <-waited:
	default:
		kill()
		killed = true
		waitErr = <-waited
	}

	if serveErr != nil {
		return serveErr
	}
	if waitErr != nil && !killed {
		return fmt.Errorf("exec %q: %w", cmd.Path, waitErr)
	}
	return nil
}
