package rclone

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Result holds the captured output of a single rclone invocation
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

type execRunner struct {
	grace time.Duration
}

// Run executes the command and waits for it to exit. When ctx is cancelled the
// process receives an interrupt so that rclone can finish the file in flight,
// and is killed if it is still running after the grace period.
func (e *execRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = e.grace

	err := cmd.Run()
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		// an interrupted process reports a plain exit status
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}

	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
	}

	return res, err
}
