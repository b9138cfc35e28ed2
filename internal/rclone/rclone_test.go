package rclone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	name string
	args []string
}

type fakeRunner struct {
	calls  []recordedCall
	result *Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (*Result, error) {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	if f.result == nil {
		return &Result{}, f.err
	}
	return f.result, f.err
}

func TestRclone_TransferArgs(t *testing.T) {
	runner := &fakeRunner{}
	r := New(
		WithBinary("/usr/local/bin/rclone"),
		WithModifyWindow(2*time.Second),
		withRunner(runner),
	)

	_, err := r.Copy(t.Context(), "/home/alice/docs", "gdrive:docs")
	require.NoError(t, err)
	_, err = r.Sync(t.Context(), "gdrive:docs", "/home/alice/docs")
	require.NoError(t, err)

	require.Len(t, runner.calls, 2)
	assert.Equal(t, "/usr/local/bin/rclone", runner.calls[0].name)
	assert.Equal(t,
		[]string{"copy", "-vv", "--update", "--modify-window=2s", "/home/alice/docs", "gdrive:docs"},
		runner.calls[0].args)
	assert.Equal(t,
		[]string{"sync", "-vv", "--update", "--modify-window=2s", "gdrive:docs", "/home/alice/docs"},
		runner.calls[1].args)
}

func TestRclone_DedupeArgs(t *testing.T) {
	runner := &fakeRunner{}
	r := New(withRunner(runner), WithConfigPath("/etc/rclone.conf"), WithExtraArgs("--fast-list"))

	_, err := r.Dedupe(t.Context(), "gdrive:docs")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, DefaultBinary, runner.calls[0].name)
	assert.Equal(t,
		[]string{"dedupe", "-vv", "--config", "/etc/rclone.conf", "--fast-list", "--dedupe-mode", "newest", "gdrive:docs"},
		runner.calls[0].args)
}

func TestRclone_List(t *testing.T) {
	runner := &fakeRunner{result: &Result{Stdout: sampleListing}}
	r := New(withRunner(runner))

	listing, err := r.List(t.Context(), "gdrive:docs")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"lsjson", "-vv", "--recursive", "gdrive:docs"}, runner.calls[0].args)

	require.Len(t, listing, 3)
	assert.Equal(t, "a.txt", listing[0].Path, "listing must come back sorted")
	assert.Equal(t, "docs/b.txt", listing[2].Path)
}

func TestRclone_ListUnparsable(t *testing.T) {
	runner := &fakeRunner{result: &Result{Stdout: "oops"}}
	r := New(withRunner(runner))

	_, err := r.List(t.Context(), "gdrive:docs")
	assert.ErrorIs(t, err, ErrInvalidListing)
}

func TestRclone_FailureIsExitError(t *testing.T) {
	runner := &fakeRunner{
		result: &Result{ExitCode: ExitTemporary, Stderr: "line1\nline2\nERROR : rate limited"},
		err:    errors.New("exit status 5"),
	}
	r := New(withRunner(runner))

	res, err := r.Copy(t.Context(), "a", "b")
	require.Error(t, err)
	assert.Equal(t, ExitTemporary, res.ExitCode)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, "copy", exitErr.Command)
	assert.Equal(t, ExitTemporary, exitErr.ExitCode)
	assert.Contains(t, err.Error(), "rate limited")
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"temporary", &ExitError{ExitCode: ExitTemporary, Err: errors.New("x")}, true},
		{"less serious", &ExitError{ExitCode: ExitLessSerious, Err: errors.New("x")}, true},
		{"uncategorized", &ExitError{ExitCode: ExitUncategorized, Err: errors.New("x")}, true},
		{"start failure", &ExitError{ExitCode: -1, Err: errors.New("fork")}, true},
		{"usage", &ExitError{ExitCode: ExitUsage, Err: errors.New("x")}, false},
		{"fatal", &ExitError{ExitCode: ExitFatal, Err: errors.New("x")}, false},
		{"dir not found", &ExitError{ExitCode: ExitDirNotFound, Err: errors.New("x")}, false},
		{"binary missing", &ExitError{ExitCode: -1, Err: exec.ErrNotFound}, false},
		{"cancelled", &ExitError{ExitCode: -1, Err: context.Canceled}, false},
		{"cancelled with exit status", &ExitError{ExitCode: ExitUncategorized, Err: fmt.Errorf("%w: %w", context.Canceled, errors.New("exit status 2"))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestExitError_StderrTail(t *testing.T) {
	e := &ExitError{Stderr: "1\n2\n3\n4\n5\n6\n7\n"}
	assert.Equal(t, "3 | 4 | 5 | 6 | 7", e.StderrTail())
}

func TestExecRunner_MissingBinary(t *testing.T) {
	r := New(WithBinary("rclone-binary-that-does-not-exist"))

	_, err := r.Dedupe(t.Context(), "remote:")
	require.Error(t, err)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.False(t, IsRetryable(err))
}

// writeScript writes an executable shell script that runs setup, touches
// started and then runs body.
func writeScript(t *testing.T, setup, body string) (script, started string) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a unix shell")
	}
	dir := t.TempDir()
	script = filepath.Join(dir, "rclone.sh")
	started = filepath.Join(dir, "started")
	content := fmt.Sprintf("#!/bin/sh\n%s\ntouch %q\n%s\n", setup, started, body)
	require.NoError(t, os.WriteFile(script, []byte(content), 0o755))
	return script, started
}

type runOutcome struct {
	res     *Result
	err     error
	elapsed time.Duration
}

// cancelRun starts a dedupe, cancels it once the script is running and
// returns how long the run took after the cancel.
func cancelRun(t *testing.T, r *Rclone, started string) runOutcome {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan runOutcome, 1)
	go func() {
		res, err := r.Dedupe(ctx, "remote:")
		done <- runOutcome{res: res, err: err}
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancelledAt := time.Now()
	cancel()

	select {
	case out := <-done:
		out.elapsed = time.Since(cancelledAt)
		return out
	case <-time.After(10 * time.Second):
		require.FailNow(t, "rclone run did not return after cancel")
		return runOutcome{}
	}
}

func TestExecRunner_CancelInterruptsThenKillsAfterGrace(t *testing.T) {
	script, started := writeScript(t, "trap 'echo interrupted >&2' INT", "while true; do sleep 0.05; done")
	grace := 300 * time.Millisecond
	r := New(WithBinary(script), WithShutdownGrace(grace))

	out := cancelRun(t, r, started)
	require.Error(t, out.err)
	assert.Contains(t, out.res.Stderr, "interrupted", "the process is interrupted first")
	assert.GreaterOrEqual(t, out.elapsed, grace, "the process gets the whole grace period")
	assert.Less(t, out.elapsed, grace+2*time.Second)

	assert.ErrorIs(t, out.err, context.Canceled)
	assert.False(t, IsRetryable(out.err))
}

func TestExecRunner_CancelStopsInterruptibleProcess(t *testing.T) {
	script, started := writeScript(t, "", "exec sleep 30")
	r := New(WithBinary(script), WithShutdownGrace(10*time.Second))

	out := cancelRun(t, r, started)
	require.Error(t, out.err)
	assert.Less(t, out.elapsed, 2*time.Second, "no kill when the interrupt is honoured")
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.False(t, IsRetryable(out.err))
}

func TestIsRetryable_SignalExit(t *testing.T) {
	script, _ := writeScript(t, "", "kill -KILL $$")
	r := New(WithBinary(script))

	_, err := r.Dedupe(t.Context(), "remote:")
	require.Error(t, err)

	var procErr *exec.ExitError
	require.ErrorAs(t, err, &procErr)
	assert.False(t, procErr.Exited())
	assert.False(t, IsRetryable(err))
}
