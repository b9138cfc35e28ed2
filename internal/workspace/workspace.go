package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/openmined/rcsync/internal/utils"
)

const (
	locksDir    = "locks"
	journalsDir = "journal"
	logsDir     = "logs"
)

var (
	ErrWorkspaceLocked = errors.New("local directory is locked by another rcsync process")
	ErrNotADirectory   = errors.New("local root is not a directory")
)

// Workspace ties a local root to its state under the state directory.
// Every local root gets its own lock file and journal, keyed by a stable
// identifier derived from the root path.
type Workspace struct {
	Root        string
	StateDir    string
	Key         string
	LockPath    string
	JournalPath string
	LogsDir     string

	flock *flock.Flock
}

func NewWorkspace(stateDir, localRoot string) (*Workspace, error) {
	root, err := utils.ResolvePath(localRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", localRoot, err)
	}

	state, err := utils.ResolvePath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", stateDir, err)
	}

	key := RootKey(root)
	lockFilePath := filepath.Join(state, locksDir, key+".lock")

	return &Workspace{
		Root:        root,
		StateDir:    state,
		Key:         key,
		LockPath:    lockFilePath,
		JournalPath: filepath.Join(state, journalsDir, key+".db"),
		LogsDir:     filepath.Join(state, logsDir),
		flock:       flock.New(lockFilePath),
	}, nil
}

// RootKey returns the identifier used for the state files of a local root
func RootKey(root string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(root))).String()
}

func (w *Workspace) Lock() error {
	if err := utils.EnsureParent(w.LockPath); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(w.LockPath), err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrWorkspaceLocked, w.Root)
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup checks the local root, creates the state layout and takes the lock
func (w *Workspace) Setup() error {
	info, err := os.Stat(w.Root)
	if err != nil {
		return fmt.Errorf("local root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotADirectory, w.Root)
	}

	for _, dir := range []string{w.StateDir, filepath.Dir(w.JournalPath), w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root, "state", w.StateDir, "key", w.Key)
	return nil
}
