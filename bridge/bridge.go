// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// pollInterval bounds each I/O loop iteration so the child-exit check
// runs even when both terminals are idle.
const pollInterval = 100 // milliseconds

// stopTimeout bounds how long Stop waits for the I/O loop to notice
// the SIGTERM before tearing the PTY down underneath it.
const stopTimeout = 2 * time.Second

// Bridge runs the wrapped CLI under a pseudo-terminal and relays bytes
// between the operator's terminal and the child. The operator terminal
// is placed in raw mode while the child runs; restoration is guaranteed
// on every exit path, including panics in the I/O loop.
type Bridge struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger

	command *exec.Cmd
	master  *os.File

	stdinFd     int
	savedState  *term.State
	restoreOnce sync.Once

	running  atomic.Bool
	ioDone   chan struct{}
	exitCode int
}

// New prepares a bridge for the executable at path. env is the complete
// child environment, typically built with Environ.
func New(path string, args []string, env []string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		path:   path,
		args:   args,
		env:    env,
		logger: logger,
		ioDone: make(chan struct{}),
	}
}

// TerminalSize returns the operator terminal's dimensions, falling back
// to 80x24 when stdin is not a terminal (piped input, CI).
func TerminalSize() (columns, rows int) {
	columns, rows, err := term.GetSize(int(os.Stdin.Fd()))
	if err != nil || columns <= 0 || rows <= 0 {
		return 80, 24
	}
	return columns, rows
}

// Start launches the child on a fresh PTY sized to the operator
// terminal, switches the operator terminal to raw mode, and spawns the
// relay loop. It returns once the child is running.
func (b *Bridge) Start() error {
	b.stdinFd = int(os.Stdin.Fd())

	// Capture termios before anything can fail; a nil state makes the
	// eventual restore a no-op, which is right for non-terminal stdin.
	if state, err := term.GetState(b.stdinFd); err == nil {
		b.savedState = state
	} else {
		b.logger.Warn("stdin is not a terminal, raw mode disabled", "error", err)
	}

	columns, rows := TerminalSize()

	b.command = exec.Command(b.path, b.args...)
	b.command.Env = b.env

	master, err := pty.StartWithSize(b.command, &pty.Winsize{
		Cols: uint16(columns),
		Rows: uint16(rows),
	})
	if err != nil {
		return fmt.Errorf("start %s under PTY: %w", b.path, err)
	}
	b.master = master

	if b.savedState != nil {
		if _, err := term.MakeRaw(b.stdinFd); err != nil {
			master.Close()
			b.command.Process.Kill()
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
	}

	// Non-blocking fds let the poll loop own all waiting; reads that
	// would block return EAGAIN instead of wedging an iteration.
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		b.restoreTerminal()
		master.Close()
		b.command.Process.Kill()
		return fmt.Errorf("set PTY master non-blocking: %w", err)
	}
	unix.SetNonblock(b.stdinFd, true)

	b.running.Store(true)
	go b.relayLoop()

	b.logger.Info("CLI launched under PTY",
		"path", b.path,
		"pid", b.command.Process.Pid,
		"columns", columns,
		"rows", rows,
	)
	return nil
}

// Wait blocks until the child exits or ctx is cancelled. On child exit
// it returns nil for exit code zero and an error otherwise; on
// cancellation it returns ctx.Err() with the child still running (the
// caller is expected to Stop).
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ioDone:
		if b.exitCode != 0 {
			return fmt.Errorf("%s exited with code %d", b.path, b.exitCode)
		}
		return nil
	}
}

// Stop tears the bridge down: stop the relay loop, SIGTERM the child if
// it is still alive, wait briefly for the loop to drain, close the PTY,
// restore the terminal. Each step proceeds regardless of earlier
// failures so a wedged child can't leave the terminal raw.
func (b *Bridge) Stop() {
	if !b.running.Swap(false) {
		b.restoreTerminal()
		return
	}

	if b.command != nil && b.command.Process != nil {
		if err := b.command.Process.Signal(unix.SIGTERM); err != nil && err != os.ErrProcessDone {
			b.logger.Debug("signal child", "error", err)
		}
	}

	select {
	case <-b.ioDone:
	case <-time.After(stopTimeout):
		b.logger.Warn("relay loop did not drain, closing PTY", "timeout", stopTimeout)
	}

	if b.master != nil {
		b.master.Close()
	}
	b.restoreTerminal()
}

// restoreTerminal undoes raw mode. Safe to call from any path, any
// number of times.
func (b *Bridge) restoreTerminal() {
	b.restoreOnce.Do(func() {
		unix.SetNonblock(b.stdinFd, false)
		if b.savedState != nil {
			if err := term.Restore(b.stdinFd, b.savedState); err != nil {
				b.logger.Warn("restore terminal state", "error", err)
			}
		}
	})
}

// relayLoop copies bytes between the operator terminal and the PTY
// master until the child exits, an endpoint closes, or Stop flips the
// running flag. Terminal restoration runs on every exit path.
func (b *Bridge) relayLoop() {
	defer close(b.ioDone)
	defer b.restoreTerminal()

	// Resize propagation: forward SIGWINCH as a PTY window-size change
	// so the child relays out correctly when the operator resizes.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	defer signal.Stop(winch)

	masterFd := int(b.master.Fd())
	childPid := b.command.Process.Pid
	buffer := make([]byte, 4096)

	// EOF on the operator's stdin (piped input running out) stops input
	// forwarding but not the session; the child's output still matters.
	watchStdin := true

	for b.running.Load() {
		select {
		case <-winch:
			if err := pty.InheritSize(os.Stdin, b.master); err != nil {
				b.logger.Debug("propagate resize", "error", err)
			}
		default:
		}

		// Reap the child without blocking. A reaped child means the
		// session is over once the PTY drains.
		var status unix.WaitStatus
		pid, err := unix.Wait4(childPid, &status, unix.WNOHANG, nil)
		if err == nil && pid == childPid {
			b.exitCode = status.ExitStatus()
			b.drainMaster(masterFd, buffer)
			b.logger.Info("CLI exited", "code", b.exitCode)
			return
		}

		stdinFd := int32(b.stdinFd)
		if !watchStdin {
			stdinFd = -1 // negative fds are ignored by poll
		}
		pollFds := []unix.PollFd{
			{Fd: stdinFd, Events: unix.POLLIN},
			{Fd: int32(masterFd), Events: unix.POLLIN},
		}
		readyCount, err := unix.Poll(pollFds, pollInterval)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			b.logger.Debug("poll", "error", err)
			return
		}
		if readyCount == 0 {
			continue
		}

		if pollFds[0].Revents&unix.POLLIN != 0 {
			if !b.copyOnce(b.stdinFd, masterFd, buffer) {
				watchStdin = false
			}
		}
		if pollFds[1].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			if !b.copyOnce(masterFd, int(os.Stdout.Fd()), buffer) {
				// EIO here means the slave side closed: the child is
				// exiting or gone. Reap it so the exit code is real.
				b.reapChild(childPid)
				return
			}
		}
	}
}

// copyOnce moves one buffer's worth of bytes from source to sink.
// Returns false when the stream is finished: EOF, or EIO on the PTY
// master, which is how the kernel reports the slave side closing.
func (b *Bridge) copyOnce(source, sink int, buffer []byte) bool {
	bytesRead, err := unix.Read(source, buffer)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return true
		}
		return false
	}
	if bytesRead == 0 {
		return false
	}

	written := 0
	for written < bytesRead {
		n, err := unix.Write(sink, buffer[written:bytesRead])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return false
		}
		written += n
	}
	return true
}

// reapChild collects the exit status of a child that closed its PTY.
// Bounded: a child that closed its terminal but refuses to exit is
// abandoned with exit code zero rather than wedging the loop.
func (b *Bridge) reapChild(childPid int) {
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		var status unix.WaitStatus
		pid, err := unix.Wait4(childPid, &status, unix.WNOHANG, nil)
		if err != nil {
			return
		}
		if pid == childPid {
			b.exitCode = status.ExitStatus()
			b.logger.Info("CLI exited", "code", b.exitCode)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// drainMaster flushes whatever the child wrote before exiting so the
// operator sees its final output.
func (b *Bridge) drainMaster(masterFd int, buffer []byte) {
	stdoutFd := int(os.Stdout.Fd())
	for {
		bytesRead, err := unix.Read(masterFd, buffer)
		if err != nil || bytesRead == 0 {
			return
		}
		written := 0
		for written < bytesRead {
			n, err := unix.Write(stdoutFd, buffer[written:bytesRead])
			if err != nil {
				return
			}
			written += n
		}
	}
}
