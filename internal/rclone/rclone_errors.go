package rclone

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// rclone exit codes, see https://rclone.org/docs/#exit-code
const (
	ExitSuccess          = 0
	ExitUsage            = 1
	ExitUncategorized    = 2
	ExitDirNotFound      = 3
	ExitFileNotFound     = 4
	ExitTemporary        = 5
	ExitLessSerious      = 6
	ExitFatal            = 7
	ExitTransferExceeded = 8
	ExitNoFilesCopied    = 9

	stderrTailLines = 5
)

var (
	ErrInvalidListing = errors.New("invalid listing")
)

// ExitError describes a failed rclone invocation
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func newExitError(command string, res *Result, err error) *ExitError {
	e := &ExitError{Command: command, ExitCode: -1, Err: err}
	if res != nil {
		e.ExitCode = res.ExitCode
		e.Stderr = res.Stderr
	}
	return e
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("rclone %s: exit code %d: %v", e.Command, e.ExitCode, e.Err)
	if tail := e.StderrTail(); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// StderrTail returns the last few lines rclone wrote to stderr
func (e *ExitError) StderrTail() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > stderrTailLines {
		lines = lines[len(lines)-stderrTailLines:]
	}
	return strings.TrimSpace(strings.Join(lines, " | "))
}

// IsRetryable reports whether err is a transient rclone failure worth retrying.
// A process that failed to start (exit code -1) is retried as well, one killed
// by a signal is not.
func IsRetryable(err error) bool {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var procErr *exec.ExitError
	if errors.As(err, &procErr) && !procErr.Exited() {
		return false
	}
	switch exitErr.ExitCode {
	case -1, ExitUncategorized, ExitTemporary, ExitLessSerious:
		return true
	default:
		return false
	}
}
