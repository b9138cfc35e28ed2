package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/rclone"
	"github.com/openmined/rcsync/internal/rclone/rclonetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testLocal    = "/data/local"
	testRemote   = "remote:bucket"
	testCooldown = 5 * time.Second
)

type memRecorder struct {
	mu   gosync.Mutex
	runs []*journal.Run
}

func (r *memRecorder) Record(_ context.Context, run *journal.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *memRecorder) Runs() []*journal.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*journal.Run(nil), r.runs...)
}

type coalescerFixture struct {
	engine   *rclonetest.Engine
	signal   *ChangeSignal
	clock    *clockwork.FakeClock
	recorder *memRecorder
	c        *Coalescer
}

func newCoalescerFixture(t *testing.T) *coalescerFixture {
	t.Helper()

	f := &coalescerFixture{
		engine:   rclonetest.NewEngine(time.Second),
		signal:   NewChangeSignal(),
		clock:    clockwork.NewFakeClock(),
		recorder: &memRecorder{},
	}
	f.c = NewCoalescer(f.engine, f.signal, CoalescerConfig{
		LocalDir: testLocal,
		Remote:   testRemote,
		Cooldown: testCooldown,
		Retry:    RetryPolicy{Retries: 2, Backoff: time.Millisecond},
		Clock:    f.clock,
		Recorder: f.recorder,
	})
	return f
}

// start runs the coalescer loop in the background until the test ends
func (f *coalescerFixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.c.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, errCh
}

// waitSleeping blocks until the coalescer sleeps in its cooldown
func (f *coalescerFixture) waitSleeping(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1), "coalescer is not batching")
}

func (f *coalescerFixture) waitRuns(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		return f.c.Status().Get().Runs >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func dedupeCall() rclonetest.Call {
	return rclonetest.Call{Op: rclonetest.OpDedupe, Src: testRemote}
}

func TestResolveDirection(t *testing.T) {
	tests := []struct {
		push, pull bool
		want       Direction
	}{
		{true, true, DirectionCross},
		{true, false, DirectionPush},
		{false, true, DirectionPull},
		{false, false, DirectionNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, resolveDirection(tt.push, tt.pull), "push=%v pull=%v", tt.push, tt.pull)
	}
	assert.Equal(t, "none", DirectionNone.String())
}

func TestCoalescer_ActDirections(t *testing.T) {
	tests := []struct {
		name       string
		push, pull bool
		transfers  []rclonetest.Call
		kind       journal.Kind
	}{
		{
			name: "push",
			push: true,
			transfers: []rclonetest.Call{
				{Op: rclonetest.OpSync, Src: testLocal, Dst: testRemote},
			},
			kind: journal.KindPush,
		},
		{
			name: "pull",
			pull: true,
			transfers: []rclonetest.Call{
				{Op: rclonetest.OpSync, Src: testRemote, Dst: testLocal},
			},
			kind: journal.KindPull,
		},
		{
			name: "cross",
			push: true,
			pull: true,
			transfers: []rclonetest.Call{
				{Op: rclonetest.OpCopy, Src: testLocal, Dst: testRemote},
				{Op: rclonetest.OpCopy, Src: testRemote, Dst: testLocal},
			},
			kind: journal.KindCross,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoalescerFixture(t)

			require.NoError(t, f.c.act(t.Context(), tt.push, tt.pull))

			want := []rclonetest.Call{dedupeCall()}
			want = append(want, tt.transfers...)
			want = append(want, dedupeCall())
			assert.Equal(t, want, f.engine.Calls())

			runs := f.recorder.Runs()
			require.Len(t, runs, 1)
			assert.Equal(t, tt.kind, runs[0].Kind)
			assert.Equal(t, journal.StatusOK, runs[0].Status)
			assert.NotEmpty(t, runs[0].ID)
		})
	}
}

func TestCoalescer_ActWithoutChangesIsInvariantViolation(t *testing.T) {
	f := newCoalescerFixture(t)

	err := f.c.act(t.Context(), false, false)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Empty(t, f.engine.Calls())
}

func TestCoalescer_Scenario_LocalChangeOnly(t *testing.T) {
	f := newCoalescerFixture(t)
	f.start(t)

	f.signal.MarkLocal()
	f.waitSleeping(t)
	assert.Empty(t, f.engine.Calls(), "nothing runs before the cooldown")

	f.clock.Advance(testCooldown)
	f.waitRuns(t, 1)

	assert.Equal(t, []rclonetest.Call{
		dedupeCall(),
		{Op: rclonetest.OpSync, Src: testLocal, Dst: testRemote},
		dedupeCall(),
	}, f.engine.Calls())
	assert.Empty(t, f.engine.Calls(rclonetest.OpCopy))
}

func TestCoalescer_Scenario_LocalThenRemoteWithinCooldown(t *testing.T) {
	f := newCoalescerFixture(t)
	f.start(t)

	f.signal.MarkLocal()
	f.waitSleeping(t)

	f.clock.Advance(testCooldown / 2)
	f.signal.MarkRemote()
	f.clock.Advance(testCooldown / 2)

	// the remote mark extends the batch by a full cooldown
	f.waitSleeping(t)
	assert.Empty(t, f.engine.Calls())

	f.clock.Advance(testCooldown)
	f.waitRuns(t, 1)

	assert.Equal(t, []rclonetest.Call{
		dedupeCall(),
		{Op: rclonetest.OpCopy, Src: testLocal, Dst: testRemote},
		{Op: rclonetest.OpCopy, Src: testRemote, Dst: testLocal},
		dedupeCall(),
	}, f.engine.Calls())
	assert.Empty(t, f.engine.Calls(rclonetest.OpSync), "no separate one-way syncs")
}

func TestCoalescer_CooldownRestartsOnEveryChange(t *testing.T) {
	f := newCoalescerFixture(t)
	f.start(t)

	f.signal.MarkLocal()
	for range 3 {
		f.waitSleeping(t)
		f.signal.MarkLocal()
		f.clock.Advance(testCooldown)
	}

	f.waitSleeping(t)
	assert.Empty(t, f.engine.Calls(), "still batching while changes keep arriving")

	f.clock.Advance(testCooldown)
	f.waitRuns(t, 1)
	assert.Len(t, f.engine.Calls(rclonetest.OpSync), 1)
}

func TestCoalescer_ChangeDuringActionStartsNewBatch(t *testing.T) {
	f := newCoalescerFixture(t)

	f.engine.OnCall(func(c rclonetest.Call) {
		if c.Op == rclonetest.OpSync && c.Src == testLocal {
			f.signal.MarkRemote()
		}
	})
	f.start(t)

	f.signal.MarkLocal()
	f.waitSleeping(t)
	f.clock.Advance(testCooldown)
	f.waitRuns(t, 1)

	// the remote mark raised mid-action is picked up by the next batch
	f.waitSleeping(t)
	f.clock.Advance(testCooldown)
	f.waitRuns(t, 2)

	assert.Equal(t, []rclonetest.Call{
		{Op: rclonetest.OpSync, Src: testLocal, Dst: testRemote},
		{Op: rclonetest.OpSync, Src: testRemote, Dst: testLocal},
	}, f.engine.Calls(rclonetest.OpSync))
}

func TestCoalescer_DedupeBracketsEveryAction(t *testing.T) {
	f := newCoalescerFixture(t)
	f.start(t)

	for i := 1; i <= 3; i++ {
		f.signal.MarkRemote()
		f.waitSleeping(t)
		f.clock.Advance(testCooldown)
		f.waitRuns(t, i)
	}

	calls := f.engine.Calls()
	require.Len(t, calls, 9)
	for i := 0; i < len(calls); i += 3 {
		assert.Equal(t, rclonetest.OpDedupe, calls[i].Op)
		assert.Equal(t, rclonetest.OpSync, calls[i+1].Op)
		assert.Equal(t, rclonetest.OpDedupe, calls[i+2].Op)
	}
}

func TestCoalescer_SpuriousWakeupDoesNotAct(t *testing.T) {
	f := newCoalescerFixture(t)

	// a stale notification with both flags already cleared
	f.signal.MarkLocal()
	f.signal.Take()
	_, errCh := f.start(t)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.engine.Calls())
	assert.Equal(t, PhaseIdle, f.c.Status().Get().Phase)

	select {
	case err := <-errCh:
		require.Failf(t, "coalescer exited", "error: %v", err)
	default:
	}
}

func TestCoalescer_StopsOnCancel(t *testing.T) {
	f := newCoalescerFixture(t)
	cancel, errCh := f.start(t)

	require.Eventually(t, func() bool {
		return f.c.Status().Get().Phase == PhaseIdle
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "coalescer did not stop")
	}
	assert.Equal(t, PhaseStopped, f.c.Status().Get().Phase)
}

func TestCoalescer_TransferFailureIsFatal(t *testing.T) {
	f := newCoalescerFixture(t)
	exitErr := &rclone.ExitError{Command: "sync", ExitCode: rclone.ExitFatal, Err: errors.New("exit status 7")}
	f.engine.FailNext(rclonetest.OpSync, exitErr)

	err := f.c.act(t.Context(), true, false)
	require.ErrorIs(t, err, ErrTransfer)

	var got *rclone.ExitError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, rclone.ExitFatal, got.ExitCode)

	// fatal code is not retried and the post-dedupe never runs
	assert.Equal(t, []rclonetest.Call{
		dedupeCall(),
		{Op: rclonetest.OpSync, Src: testLocal, Dst: testRemote},
	}, f.engine.Calls())

	runs := f.recorder.Runs()
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Failed())
	assert.Equal(t, 1, f.c.Status().Get().Failures)
}

func TestCoalescer_TransientTransferFailureIsRetried(t *testing.T) {
	f := newCoalescerFixture(t)
	f.engine.FailNext(rclonetest.OpSync,
		&rclone.ExitError{Command: "sync", ExitCode: rclone.ExitTemporary, Err: errors.New("exit status 5")},
		&rclone.ExitError{Command: "sync", ExitCode: rclone.ExitLessSerious, Err: errors.New("exit status 6")},
	)

	require.NoError(t, f.c.act(t.Context(), false, true))
	assert.Len(t, f.engine.Calls(rclonetest.OpSync), 3)
	assert.Len(t, f.engine.Calls(rclonetest.OpDedupe), 2)
}

func TestCoalescer_RetriesExhausted(t *testing.T) {
	f := newCoalescerFixture(t)
	transient := &rclone.ExitError{Command: "dedupe", ExitCode: rclone.ExitTemporary, Err: errors.New("exit status 5")}
	f.engine.FailNext(rclonetest.OpDedupe, transient, transient, transient)

	err := f.c.act(t.Context(), true, true)
	assert.ErrorIs(t, err, ErrTransfer)
	assert.Len(t, f.engine.Calls(rclonetest.OpDedupe), 3)
	assert.Empty(t, f.engine.Calls(rclonetest.OpCopy))
}

func TestCoalescer_RunReturnsTransferError(t *testing.T) {
	f := newCoalescerFixture(t)
	f.engine.FailNext(rclonetest.OpDedupe, &rclone.ExitError{Command: "dedupe", ExitCode: rclone.ExitUsage, Err: errors.New("exit status 1")})
	_, errCh := f.start(t)

	f.signal.MarkLocal()
	f.waitSleeping(t)
	f.clock.Advance(testCooldown)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTransfer)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "coalescer did not fail")
	}
}

func TestCoalescer_CrossCopyIdempotent(t *testing.T) {
	f := newCoalescerFixture(t)
	now := time.Now()
	f.engine.Put(testLocal, "a.txt", "local a", now)
	f.engine.Put(testLocal, "dir/b.txt", "local b", now)
	f.engine.Put(testRemote, "c.txt", "remote c", now)

	require.NoError(t, f.c.CrossCopy(t.Context(), nil))
	assert.Equal(t, 3, f.engine.Transfers())
	assert.Equal(t, f.engine.Tree(testLocal), f.engine.Tree(testRemote))

	f.engine.ResetCalls()
	require.NoError(t, f.c.CrossCopy(t.Context(), nil))
	assert.Zero(t, f.engine.Transfers(), "second cross-copy transfers nothing")

	assert.Equal(t, []rclonetest.Call{
		{Op: rclonetest.OpCopy, Src: testLocal, Dst: testRemote},
		{Op: rclonetest.OpCopy, Src: testRemote, Dst: testLocal},
	}, f.engine.Calls())

	runs := f.recorder.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, journal.KindInitial, runs[0].Kind)
}

func TestCoalescer_CrossCopyKeepsNewerDestination(t *testing.T) {
	f := newCoalescerFixture(t)
	old := time.Now().Add(-time.Hour)
	fresh := time.Now()
	f.engine.Put(testLocal, "a.txt", "stale", old)
	f.engine.Put(testRemote, "a.txt", "fresh content", fresh)

	require.NoError(t, f.c.CrossCopy(t.Context(), nil))

	assert.Equal(t, "fresh content", f.engine.Tree(testLocal)["a.txt"].Data)
	assert.Equal(t, "fresh content", f.engine.Tree(testRemote)["a.txt"].Data)
}

func TestCoalescer_StatusBroadcast(t *testing.T) {
	f := newCoalescerFixture(t)
	events := f.c.Status().Subscribe()
	defer f.c.Status().Unsubscribe(events)

	require.NoError(t, f.c.act(t.Context(), true, false))

	var sawDirection, sawRun bool
	for done := false; !done; {
		select {
		case snap := <-events:
			if snap.Direction == DirectionPush {
				sawDirection = true
			}
			if snap.Runs == 1 {
				sawRun = true
			}
		default:
			done = true
		}
	}
	assert.True(t, sawDirection)
	assert.True(t, sawRun)
}

func TestCoalescer_RunDurationFollowsClock(t *testing.T) {
	f := newCoalescerFixture(t)
	started := f.clock.Now()
	f.engine.OnCall(func(c rclonetest.Call) {
		if c.Op == rclonetest.OpSync {
			f.clock.Advance(3 * time.Second)
		}
	})

	require.NoError(t, f.c.act(t.Context(), true, false))

	snap := f.c.Status().Get()
	assert.Equal(t, started, snap.LastRunAt)
	assert.Equal(t, 3*time.Second, snap.LastDuration)

	runs := f.recorder.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, snap.LastDuration, runs[0].Duration)
}
