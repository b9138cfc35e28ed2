package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/rcsync/internal/config"
	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/rclone"
	"github.com/openmined/rcsync/internal/workspace"
	"golang.org/x/sync/errgroup"
)

// ManagerOption overrides a collaborator of the sync manager
type ManagerOption func(*SyncManager)

// WithEngine replaces the rclone binary with another engine
func WithEngine(engine rclone.Engine) ManagerOption {
	return func(m *SyncManager) {
		m.engine = engine
	}
}

// WithClock sets the clock used for the batch cooldown and the poll interval
func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *SyncManager) {
		m.clock = clock
	}
}

// SyncManager performs the initial cross-copy and then supervises the file
// watcher, the remote poller and the coalescer. If any of them stops, all
// of them are stopped.
type SyncManager struct {
	cfg       *config.Config
	workspace *workspace.Workspace
	engine    rclone.Engine
	clock     clockwork.Clock
	signal    *ChangeSignal
	status    *SyncStatus
}

// supervised is a long running task of the sync manager
type supervised struct {
	name string
	run  func(ctx context.Context) error
}

func NewManager(cfg *config.Config, opts ...ManagerOption) (*SyncManager, error) {
	ws, err := workspace.NewWorkspace(cfg.StateDir, cfg.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	m := &SyncManager{
		cfg:       cfg,
		workspace: ws,
		clock:     clockwork.NewRealClock(),
		signal:    NewChangeSignal(),
		status:    NewSyncStatus(),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.engine == nil {
		m.engine = rclone.New(
			rclone.WithBinary(cfg.RclonePath),
			rclone.WithConfigPath(cfg.RcloneConfig),
			rclone.WithExtraArgs(cfg.RcloneArgs...),
			rclone.WithModifyWindow(cfg.ModifyWindow),
			rclone.WithShutdownGrace(cfg.ShutdownGrace),
		)
	}

	return m, nil
}

func (m *SyncManager) Status() *SyncStatus {
	return m.status
}

func (m *SyncManager) Workspace() *workspace.Workspace {
	return m.workspace
}

// Start blocks until ctx is cancelled or one of the supervised tasks fails.
// Cancellation of ctx is a graceful shutdown and returns nil.
func (m *SyncManager) Start(ctx context.Context) error {
	slog.Info("sync manager start", "config", m.cfg)
	defer m.status.SetPhase(PhaseStopped)

	if err := m.workspace.Setup(); err != nil {
		return err
	}
	defer func() {
		if err := m.workspace.Unlock(); err != nil {
			slog.Warn("failed to unlock workspace", "error", err)
		}
	}()

	runs, err := journal.Open(journal.WithPath(m.workspace.JournalPath))
	if err != nil {
		return err
	}
	defer runs.Close()

	localDir := m.workspace.Root
	// tmp dirs on macos are symlinks, events are reported on the resolved path
	if resolved, err := filepath.EvalSymlinks(localDir); err == nil {
		localDir = resolved
	}

	ignore := NewSyncIgnoreList(localDir, m.cfg.Ignore...)
	ignore.Load()

	watcher, err := NewFileWatcher(localDir, m.cfg.WatchBackend, ignore, m.signal)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	poller := NewRemotePoller(m.engine, m.signal, RemotePollerConfig{
		Remote:       m.cfg.Remote,
		PollInterval: m.cfg.PollInterval,
		Retry:        RetryPolicy{Retries: m.cfg.ListingRetries, Backoff: m.cfg.RetryBackoff},
		Clock:        m.clock,
	})

	coalescer := NewCoalescer(m.engine, m.signal, CoalescerConfig{
		LocalDir: m.workspace.Root,
		Remote:   m.cfg.Remote,
		Cooldown: m.cfg.BatchCooldown,
		Retry:    RetryPolicy{Retries: m.cfg.TransferRetries, Backoff: m.cfg.RetryBackoff},
		Clock:    m.clock,
		Status:   m.status,
		Recorder: runs,
	})

	// the baseline is taken before the pull, so a remote write that the pull
	// misses still differs from it on the first poll
	var afterPush func(context.Context) error
	if m.cfg.PrimeRemoteBaseline {
		afterPush = poller.Prime
	}

	// both trees are consistent before anything is watched
	if err := coalescer.CrossCopy(ctx, afterPush); err != nil {
		if ctx.Err() != nil {
			slog.Info("sync manager stopped during initial cross-copy")
			return nil
		}
		return fmt.Errorf("initial cross-copy: %w", err)
	}

	return supervise(ctx, []supervised{
		{name: "file watcher", run: watcher.Run},
		{name: "remote poller", run: poller.Run},
		{name: "coalescer", run: coalescer.Run},
	})
}

// supervise runs every task until the first one returns. A task returning
// without error while the group is still running is a failure as well.
func supervise(ctx context.Context, tasks []supervised) error {
	eg, egCtx := errgroup.WithContext(ctx)

	for _, task := range tasks {
		eg.Go(func() error {
			err := task.run(egCtx)
			if err == nil && egCtx.Err() == nil {
				err = fmt.Errorf("%w: %s", ErrTaskExited, task.name)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("task stopped", "task", task.name, "error", err)
				return fmt.Errorf("%s: %w", task.name, err)
			}
			return err
		})
	}

	err := eg.Wait()
	if ctx.Err() != nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("error during shutdown", "error", err)
		}
		slog.Info("sync manager stopped")
		return nil
	}
	if err == nil {
		// unreachable while ctx is live, every task exit is an error
		err = ErrTaskExited
	}
	return err
}
