package compiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Local runs the toolchain directly on the host.
type Local struct {
	Toolchain Toolchain
	Timeout   time.Duration
}

// NewLocal creates a host compiler for tc.
func NewLocal(tc Toolchain, timeout time.Duration) *Local {
	return &Local{Toolchain: tc, Timeout: timeout}
}

func (l *Local) Compile(ctx context.Context, sourcePath, binaryPath string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	argv := l.Toolchain.Argv(sourcePath, binaryPath)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole group so cc1plus and friends die with the driver.
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)
	if err == nil {
		return &Result{OK: true, Diagnostic: string(output), Duration: elapsed}, nil
	}

	os.Remove(binaryPath)

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, fmt.Errorf("compiling %s: %w", sourcePath, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Result{
			Diagnostic: fmt.Sprintf("%scompilation timed out after %s\n", output, l.Timeout),
			Duration:   elapsed,
		}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &Result{Diagnostic: string(output), Duration: elapsed}, nil
	}
	return nil, fmt.Errorf("running %s: %w", argv[0], err)
}
