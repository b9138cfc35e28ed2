package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/rclone"
)

const (
	DefaultBatchCooldown = 5 * time.Second
)

// Direction is the kind of transfer an action runs
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionPush  Direction = "push"
	DirectionPull  Direction = "pull"
	DirectionCross Direction = "cross"
)

func (d Direction) String() string {
	if d == DirectionNone {
		return "none"
	}
	return string(d)
}

// resolveDirection maps the accumulated dirty flags to a transfer direction
func resolveDirection(push, pull bool) Direction {
	switch {
	case push && pull:
		return DirectionCross
	case push:
		return DirectionPush
	case pull:
		return DirectionPull
	default:
		return DirectionNone
	}
}

// RunRecorder persists the outcome of every reconciliation run
type RunRecorder interface {
	Record(ctx context.Context, run *journal.Run) error
}

type CoalescerConfig struct {
	LocalDir string
	Remote   string
	Cooldown time.Duration
	Retry    RetryPolicy
	Clock    clockwork.Clock
	Status   *SyncStatus
	Recorder RunRecorder
}

// Coalescer waits for dirty flags, batches them until a full cooldown passes
// without new changes and then reconciles both trees in the inferred direction.
type Coalescer struct {
	engine   rclone.Engine
	signal   *ChangeSignal
	local    string
	remote   string
	cooldown time.Duration
	retry    RetryPolicy
	clock    clockwork.Clock
	status   *SyncStatus
	recorder RunRecorder
}

func NewCoalescer(engine rclone.Engine, signal *ChangeSignal, cfg CoalescerConfig) *Coalescer {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBatchCooldown
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Status == nil {
		cfg.Status = NewSyncStatus()
	}
	return &Coalescer{
		engine:   engine,
		signal:   signal,
		local:    cfg.LocalDir,
		remote:   cfg.Remote,
		cooldown: cfg.Cooldown,
		retry:    cfg.Retry,
		clock:    cfg.Clock,
		status:   cfg.Status,
		recorder: cfg.Recorder,
	}
}

func (c *Coalescer) Status() *SyncStatus {
	return c.status
}

// Run loops through the idle, batching and action phases until ctx is done
// or an action fails.
func (c *Coalescer) Run(ctx context.Context) error {
	defer c.status.SetPhase(PhaseStopped)

	for {
		c.status.SetPhase(PhaseIdle)
		push, pull, err := c.waitForChange(ctx)
		if err != nil {
			return err
		}

		c.status.SetPhase(PhaseBatching)
		push, pull, err = c.batch(ctx, push, pull)
		if err != nil {
			return err
		}

		c.status.SetPhase(PhaseAction)
		if err := c.act(ctx, push, pull); err != nil {
			return err
		}
	}
}

// waitForChange blocks until a take returns at least one dirty flag
func (c *Coalescer) waitForChange(ctx context.Context) (push, pull bool, err error) {
	for {
		push, pull = c.signal.Take()
		if push || pull {
			return push, pull, nil
		}

		select {
		case <-ctx.Done():
			return false, false, ctx.Err()
		case <-c.signal.Notify():
		}
	}
}

// batch keeps accumulating flags and sleeping the cooldown until one full
// cooldown passes with no flag set.
func (c *Coalescer) batch(ctx context.Context, push, pull bool) (bool, bool, error) {
	slog.Info("batching changes", "push", push, "pull", pull, "cooldown", c.cooldown)

	for {
		select {
		case <-ctx.Done():
			return push, pull, ctx.Err()
		case <-c.clock.After(c.cooldown):
		}

		local, remote := c.signal.Take()
		if !local && !remote {
			slog.Info("batching complete", "push", push, "pull", pull)
			return push, pull, nil
		}

		push = push || local
		pull = pull || remote
		slog.Info("batching extended", "local", local, "remote", remote, "cooldown", c.cooldown)
	}
}

// act brackets the transfer for the batched flags with two remote dedupes
func (c *Coalescer) act(ctx context.Context, push, pull bool) error {
	dir := resolveDirection(push, pull)
	if dir == DirectionNone {
		return fmt.Errorf("%w: action without pending changes", ErrInvariantViolation)
	}

	c.status.SetDirection(dir)
	slog.Info("direction chosen", "direction", dir)

	return c.track(ctx, journal.Kind(dir), func() error {
		if err := c.dedupe(ctx); err != nil {
			return err
		}
		if err := c.transfer(ctx, dir); err != nil {
			return err
		}
		return c.dedupe(ctx)
	})
}

// CrossCopy copies local to remote and then remote to local, both update-only.
// It is run once on startup before any watching begins. afterPush, if set,
// runs between the two copies, when the remote holds everything local had.
func (c *Coalescer) CrossCopy(ctx context.Context, afterPush func(context.Context) error) error {
	return c.track(ctx, journal.KindInitial, func() error {
		return c.crossCopy(ctx, afterPush)
	})
}

func (c *Coalescer) transfer(ctx context.Context, dir Direction) error {
	switch dir {
	case DirectionCross:
		return c.crossCopy(ctx, nil)
	case DirectionPush:
		slog.Info("pushing local changes", "src", c.local, "dst", c.remote)
		return c.invoke(ctx, "sync", c.local, c.remote, c.engine.Sync)
	case DirectionPull:
		slog.Info("pulling remote changes", "src", c.remote, "dst", c.local)
		return c.invoke(ctx, "sync", c.remote, c.local, c.engine.Sync)
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvariantViolation, dir)
	}
}

func (c *Coalescer) crossCopy(ctx context.Context, afterPush func(context.Context) error) error {
	slog.Info("cross-copy start", "local", c.local, "remote", c.remote)
	if err := c.invoke(ctx, "copy", c.local, c.remote, c.engine.Copy); err != nil {
		return err
	}
	if afterPush != nil {
		if err := afterPush(ctx); err != nil {
			return err
		}
	}
	if err := c.invoke(ctx, "copy", c.remote, c.local, c.engine.Copy); err != nil {
		return err
	}
	slog.Info("cross-copy complete")
	return nil
}

func (c *Coalescer) dedupe(ctx context.Context) error {
	slog.Info("dedupe start", "remote", c.remote)
	err := c.retry.Do(ctx, "dedupe", rclone.IsRetryable, func() error {
		_, err := c.engine.Dedupe(ctx, c.remote)
		return err
	})
	if err != nil {
		return transferError(ctx, "dedupe", c.remote, "", err)
	}
	slog.Info("dedupe complete", "remote", c.remote)
	return nil
}

type transferFunc func(ctx context.Context, src, dst string) (*rclone.Result, error)

func (c *Coalescer) invoke(ctx context.Context, op, src, dst string, fn transferFunc) error {
	err := c.retry.Do(ctx, op, rclone.IsRetryable, func() error {
		_, err := fn(ctx, src, dst)
		return err
	})
	if err != nil {
		return transferError(ctx, op, src, dst, err)
	}
	slog.Debug("transfer complete", "op", op, "src", src, "dst", dst)
	return nil
}

// track runs fn as one journaled run and updates the status counters
func (c *Coalescer) track(ctx context.Context, kind journal.Kind, fn func() error) error {
	run := &journal.Run{
		ID:        uuid.NewString(),
		Kind:      kind,
		StartedAt: c.clock.Now(),
	}

	err := fn()
	run.Duration = c.clock.Since(run.StartedAt)
	run.SetError(err)

	// a run interrupted by shutdown is neither a success nor a failure
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}

	c.status.RecordRun(run.StartedAt, run.Duration, err)
	if c.recorder != nil {
		if rerr := c.recorder.Record(context.WithoutCancel(ctx), run); rerr != nil {
			slog.Warn("failed to journal run", "id", run.ID, "error", rerr)
		}
	}

	if err != nil {
		slog.Error("sync failed", "id", run.ID, "kind", kind, "duration", run.Duration, "error", err)
		return err
	}
	slog.Info("sync complete", "id", run.ID, "kind", kind, "duration", run.Duration)
	return nil
}

func transferError(ctx context.Context, op, src, dst string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dst == "" {
		return fmt.Errorf("%w: %s %s: %w", ErrTransfer, op, src, err)
	}
	return fmt.Errorf("%w: %s %s -> %s: %w", ErrTransfer, op, src, dst, err)
}
