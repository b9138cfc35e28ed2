package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend emulates a recursive watch on top of fsnotify by adding
// every directory of the tree, and every directory created later on.
type fsnotifyBackend struct {
	watcher  *fsnotify.Watcher
	events   chan string
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFsnotifyBackend() *fsnotifyBackend {
	return &fsnotifyBackend{
		events: make(chan string, eventBufferSize),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (b *fsnotifyBackend) Start(root string) error {
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("stat root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	b.watcher = watcher

	if err := b.recursivelyAddWatch(root); err != nil {
		watcher.Close()
		return err
	}

	b.wg.Add(1)
	go b.forward()
	return nil
}

func (b *fsnotifyBackend) Events() <-chan string {
	return b.events
}

func (b *fsnotifyBackend) Errors() <-chan error {
	return b.errors
}

func (b *fsnotifyBackend) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.watcher != nil {
			if err := b.watcher.Close(); err != nil {
				slog.Warn("failed to close fsnotify watcher", "error", err)
			}
		}
		b.wg.Wait()
		close(b.events)
	})
}

func (b *fsnotifyBackend) forward() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				b.fail(errEventsClosed)
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if err := b.onCreate(event); err != nil {
					b.fail(err)
					return
				}
			}
			select {
			case b.events <- event.Name:
			case <-b.done:
				return
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				b.fail(errEventsClosed)
				return
			}
			b.fail(err)
			return
		}
	}
}

// fail reports a backend error unless the backend is being stopped
func (b *fsnotifyBackend) fail(err error) {
	select {
	case <-b.done:
	case b.errors <- err:
	default:
	}
}

func (b *fsnotifyBackend) onCreate(event fsnotify.Event) error {
	info, err := os.Stat(event.Name)
	if err != nil {
		// already gone again, the remove event follows
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", event.Name, err)
	}

	if info.IsDir() {
		if err := b.recursivelyAddWatch(event.Name); err != nil {
			return fmt.Errorf("recursive add watch: %w", err)
		}
	}
	return nil
}

// recursivelyAddWatch adds dir and every directory below it. Directories
// removed while the walk is running are skipped, their remove events follow.
func (b *fsnotifyBackend) recursivelyAddWatch(dir string) error {
	slog.Debug("watcher add", "dir", dir)
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				slog.Debug("watcher skip vanished", "path", path)
				return filepath.SkipDir
			}
			return fmt.Errorf("walk dir: %w", err)
		}
		if d.IsDir() {
			if err := b.watcher.Add(path); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					slog.Debug("watcher skip vanished", "path", path)
					return filepath.SkipDir
				}
				return fmt.Errorf("fsnotify add watch %s: %w", path, err)
			}
		}
		return nil
	})
}
