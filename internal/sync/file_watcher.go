package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
)

const (
	BackendNotify   = "notify"
	BackendFsnotify = "fsnotify"

	eventBufferSize = 64
)

var (
	errEventsClosed = errors.New("event channel closed")
)

// watchBackend delivers the paths of filesystem events under a root, recursively
type watchBackend interface {
	Start(root string) error
	Events() <-chan string
	Errors() <-chan error
	Stop()
}

func newWatchBackend(name string) (watchBackend, error) {
	switch name {
	case "", BackendNotify:
		return newNotifyBackend(), nil
	case BackendFsnotify:
		return newFsnotifyBackend(), nil
	default:
		return nil, fmt.Errorf("unknown watch backend %q", name)
	}
}

// FileWatcher marks the local tree dirty whenever something under its root changes.
type FileWatcher struct {
	watchDir string
	backend  watchBackend
	ignore   *SyncIgnoreList
	signal   *ChangeSignal
}

func NewFileWatcher(watchDir string, backendName string, ignore *SyncIgnoreList, signal *ChangeSignal) (*FileWatcher, error) {
	// tmp dirs on macos are symlinks, events are reported on the resolved path
	if resolved, err := filepath.EvalSymlinks(watchDir); err == nil {
		watchDir = resolved
	}

	backend, err := newWatchBackend(backendName)
	if err != nil {
		return nil, err
	}

	if ignore == nil {
		ignore = NewSyncIgnoreList(watchDir)
	}

	return &FileWatcher{
		watchDir: watchDir,
		backend:  backend,
		ignore:   ignore,
		signal:   signal,
	}, nil
}

// Run watches until ctx is done. Any failure of the backend is returned
// wrapped in ErrWatchBackend; it is never retried here.
func (fw *FileWatcher) Run(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	if err := fw.backend.Start(fw.watchDir); err != nil {
		return fmt.Errorf("%w: start %s: %w", ErrWatchBackend, fw.watchDir, err)
	}
	defer func() {
		fw.backend.Stop()
		slog.Info("file watcher stopped")
	}()

	events := fw.backend.Events()
	errs := fw.backend.Errors()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			return fmt.Errorf("%w: %w", ErrWatchBackend, err)

		case path, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: %w", ErrWatchBackend, errEventsClosed)
			}
			fw.handleEvent(path)
		}
	}
}

func (fw *FileWatcher) handleEvent(path string) {
	if fw.ignore.ShouldIgnore(path) {
		return
	}

	if pending, _ := fw.signal.Pending(); !pending {
		slog.Info("local changes detected", "path", path)
	} else {
		slog.Debug("file watcher", "path", path)
	}
	fw.signal.MarkLocal()
}
