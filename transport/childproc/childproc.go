// Package childproc implements the local child-process transport:
// it spawns a worker binary given a script path and exposes its stdio as
// a framed transport.Transport, the direct structural analogue of
// transport/ssh's Transport embedding a Framer over an ssh.Session's
// stdio pipes.
package childproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.distio.dev/distio/transport"
)

// alias kept private, matching the teacher's `type framer = transport.Framer`
type frameio = transport.FrameIO

// Transport is a distio Transport backed by a spawned subprocess's stdio.
type Transport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	*frameio
}

// Spawn starts script (with args) and wires its stdin/stdout into a framed
// Transport. The caller is responsible for waiting on the returned
// Transport's Close to reap the process.
func Spawn(ctx context.Context, script string, args ...string) (*Transport, error) {
	cmd := exec.CommandContext(ctx, script, args...)
	// Cancel behavior: exec.CommandContext already kills the process when
	// ctx is done; we still want Close to be able to do a graceful
	// shutdown (EXIT control frame handled by the caller) before forcing
	// termination, so we don't rely on WaitDelay here.

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("childproc: start %q: %w", script, err)
	}

	return &Transport{
		cmd:     cmd,
		stdin:   stdin,
		frameio: transport.NewFrameIO(stdout, stdin),
	}, nil
}

// Close closes the child's stdin (EOF from the worker's perspective) and,
// for a non-graceful close, kills the process outright before waiting on
// it. Either way Close waits for the process to exit.
func (t *Transport) Close(graceful bool) error {
	if !graceful {
		_ = t.cmd.Process.Kill()
	}
	_ = t.stdin.Close()
	return t.cmd.Wait()
}

// signalsByName maps the six POSIX signal names distio's REMOTE_KILL
// protocol accepts (wire.ValidSignal) onto this platform's syscall
// values. SIGBREAK has no POSIX equivalent and is only meaningful on
// Windows; on this platform Signal rejects it at delivery time even
// though the protocol itself accepted the name.
var signalsByName = map[string]os.Signal{
	"SIGINT":  syscall.SIGINT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
	"SIGSTOP": syscall.SIGSTOP,
	"SIGHUP":  syscall.SIGHUP,
}

// Signal delivers the named POSIX signal to the child process. It
// satisfies relay.signaler, letting the relay server translate a
// REMOTE_KILL control envelope into an actual process signal.
func (t *Transport) Signal(name string) error {
	sig, ok := signalsByName[name]
	if !ok {
		return fmt.Errorf("childproc: signal %q not supported on this platform", name)
	}
	return t.cmd.Process.Signal(sig)
}
