package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const containerDir = "/workspace"

// Docker compiles inside a throwaway container. The workspace directory is
// bind-mounted so the binary lands next to the source on the host.
type Docker struct {
	Toolchain Toolchain
	Policy    Policy
	Timeout   time.Duration
}

// NewDocker creates a containerised compiler for tc.
func NewDocker(tc Toolchain, policy Policy, timeout time.Duration) *Docker {
	return &Docker{Toolchain: tc, Policy: policy, Timeout: timeout}
}

func (d *Docker) Compile(ctx context.Context, sourcePath, binaryPath string) (*Result, error) {
	if !d.Policy.IsImageAllowed(d.Toolchain.Image) {
		return nil, fmt.Errorf("image %q not in allowlist", d.Toolchain.Image)
	}
	dir := filepath.Dir(sourcePath)
	if filepath.Dir(binaryPath) != dir {
		return nil, fmt.Errorf("binary %s must live in the source directory %s", binaryPath, dir)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"--stop-timeout", fmt.Sprintf("%d", int(d.Timeout.Seconds())),
		"-v", dir + ":" + containerDir,
		"-w", containerDir,
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
	}
	if d.Policy.MaxMemory != "" {
		args = append(args, "--memory", d.Policy.MaxMemory)
	}
	if !d.Policy.Network {
		args = append(args, "--network=none")
	}
	args = append(args, d.Toolchain.Image)
	args = append(args, d.Toolchain.Argv(
		containerDir+"/"+filepath.Base(sourcePath),
		containerDir+"/"+filepath.Base(binaryPath),
	)...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	if err == nil {
		return &Result{OK: true, Diagnostic: output.String(), Duration: elapsed}, nil
	}

	os.Remove(binaryPath)

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, fmt.Errorf("compiling %s: %w", sourcePath, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Result{
			Diagnostic: fmt.Sprintf("%scompilation timed out after %s\n", output.String(), d.Timeout),
			Duration:   elapsed,
		}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// 125-127 are docker's own failures, not the compiler's.
		if code := exitErr.ExitCode(); code >= 125 && code <= 127 {
			return nil, fmt.Errorf("running docker (exit %d): %s", code, output.String())
		}
		return &Result{Diagnostic: output.String(), Duration: elapsed}, nil
	}
	return nil, fmt.Errorf("running docker: %w", err)
}
