// Package ptyproc runs a child process attached to a pseudo-terminal.
package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by ReadNonBlocking when no output is buffered.
var ErrWouldBlock = errors.New("no data available")

// DefaultGrace is how long Terminate(true) waits after SIGTERM before SIGKILL.
const DefaultGrace = 500 * time.Millisecond

// Options configures a spawned process.
type Options struct {
	Env   []string // appended to a minimal base environment
	Dir   string
	Rows  uint16
	Cols  uint16
	Grace time.Duration
}

// Process is a child attached to the slave side of a PTY. The master side is
// owned here and carries both directions of the child's stdio.
type Process struct {
	cmd   *exec.Cmd
	pty   *os.File
	raw   syscall.RawConn
	grace time.Duration

	exited   chan struct{}
	exitCode int
	waitErr  error

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Spawn starts path with args on a new PTY. The child gets its own session
// and process group, so signals reach anything it forks.
func Spawn(path string, args []string, opts Options) (*Process, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("spawning %s: %w", path, err)
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(baseEnv(), opts.Env...)
	cmd.Dir = opts.Dir

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("starting %s on pty: %w", path, err)
	}

	raw, err := ptmx.SyscallConn()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		ptmx.Close()
		return nil, fmt.Errorf("pty syscall conn: %w", err)
	}

	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	p := &Process{
		cmd:    cmd,
		pty:    ptmx,
		raw:    raw,
		grace:  grace,
		exited: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

func baseEnv() []string {
	env := []string{"TERM=xterm-256color", "LANG=C.UTF-8"}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	return env
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.waitErr = err
	p.exitCode = 0
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	close(p.exited)
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// IsAlive reports whether the child has not yet been reaped. It never blocks.
func (p *Process) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit status, or -1 if the child was killed by a signal.
// Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	select {
	case <-p.exited:
		return p.exitCode
	default:
		return -1
	}
}

// Poll waits up to timeout for the terminal to have output (or to hang up).
func (p *Process) Poll(timeout time.Duration) (bool, error) {
	var (
		n       int
		pollErr error
	)
	ms := int(timeout / time.Millisecond)
	err := p.raw.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			n, pollErr = unix.Poll(fds, ms)
			if pollErr != unix.EINTR {
				break
			}
		}
		if n > 0 && fds[0].Revents&unix.POLLNVAL != 0 {
			pollErr = os.ErrClosed
		}
	})
	if err != nil {
		return false, mapReadErr(err)
	}
	if pollErr != nil {
		return false, mapReadErr(pollErr)
	}
	return n > 0, nil
}

// ReadNonBlocking reads whatever output is buffered right now. It returns
// ErrWouldBlock when nothing is available and io.EOF once the slave side has
// closed.
func (p *Process) ReadNonBlocking(buf []byte) (int, error) {
	ready, err := p.Poll(0)
	if err != nil {
		return 0, err
	}
	if !ready {
		return 0, ErrWouldBlock
	}
	n, err := p.pty.Read(buf)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, mapReadErr(err)
	}
	return n, nil
}

// mapReadErr folds the ways a closed terminal shows up into io.EOF.
func mapReadErr(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, syscall.EIO),
		errors.Is(err, os.ErrClosed):
		return io.EOF
	}
	return err
}

// Write hands b to the child's terminal. Writes are serialised so input
// arrives in call order.
func (p *Process) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.pty.Write(b)
}

// Resize changes the terminal window size.
func (p *Process) Resize(rows, cols uint16) error {
	return pty.Setsize(p.pty, &pty.Winsize{Rows: rows, Cols: cols})
}

// Terminate signals the child's process group. With force it escalates to
// SIGKILL if the child is still alive after the grace period. Calling it on a
// dead process is a no-op.
func (p *Process) Terminate(force bool) error {
	if !p.IsAlive() {
		return nil
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		return err
	}
	if !force {
		return nil
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(p.grace):
	}
	if err := p.signal(syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-p.exited:
	case <-time.After(p.grace):
	}
	return nil
}

func (p *Process) signal(sig syscall.Signal) error {
	pid := p.cmd.Process.Pid
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	return nil
}

// KillGroup sends SIGKILL to the child's whole process group, including
// descendants still running after the child itself exited.
func (p *Process) KillGroup() error {
	return p.signal(syscall.SIGKILL)
}

// Close force-terminates the child and anything left in its process group,
// closes the terminal and waits for the reaper. Only the first call does any
// work.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		termErr := errors.Join(p.Terminate(true), p.KillGroup())
		closeErr := p.pty.Close()
		select {
		case <-p.exited:
		case <-time.After(5 * time.Second):
			closeErr = errors.Join(closeErr, fmt.Errorf("pid %d not reaped", p.Pid()))
		}
		p.closeErr = errors.Join(termErr, closeErr)
	})
	return p.closeErr
}
