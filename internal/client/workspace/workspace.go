// Package workspace manages the client's private state directory: the journal,
// the spill log, logs and the lock that keeps two watchers off the same tree.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/gofrs/flock"
)

const (
	DefaultStateDirName = ".dirwatch"

	lockFile    = "dirwatch.lock"
	journalFile = "journal.db"
	spillFile   = "spill.db"
	logsDir     = "logs"
	logFile     = "dirwatcher.log"
)

var ErrWorkspaceLocked = errors.New("watch root locked by another process")

type Workspace struct {
	Root        string
	StateDir    string
	JournalPath string
	SpillPath   string
	LogsDir     string

	flock *flock.Flock
}

// New resolves the watch root and the state dir. An empty stateDir places it inside the root.
func New(root, stateDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", root, err)
	}

	if stateDir == "" {
		stateDir = filepath.Join(root, DefaultStateDirName)
	} else if stateDir, err = utils.ResolvePath(stateDir); err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", stateDir, err)
	}

	return &Workspace{
		Root:        root,
		StateDir:    stateDir,
		JournalPath: filepath.Join(stateDir, journalFile),
		SpillPath:   filepath.Join(stateDir, spillFile),
		LogsDir:     filepath.Join(stateDir, logsDir),
		flock:       flock.New(filepath.Join(stateDir, lockFile)),
	}, nil
}

// LogFile is the default log file path
func (w *Workspace) LogFile() string {
	return filepath.Join(w.LogsDir, logFile)
}

// Setup creates the state dir and takes the lock
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.StateDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := w.Lock(); err != nil {
		return err
	}

	slog.Info("workspace", "root", w.Root, "state", w.StateDir)
	return nil
}

func (w *Workspace) Lock() error {
	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
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
