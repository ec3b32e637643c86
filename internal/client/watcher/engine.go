// Package watcher owns the per-path state machine of the watched tree. It turns
// debounced notifications into fingerprint-confirmed transitions, each with a
// per-path sequence number, and hands them to the transport over a bounded channel.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
	"github.com/caltaylor/dirwatch/internal/client/ignore"
	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/utils"
	mapset "github.com/deckarep/golang-set/v2"
)

const (
	DefaultQueueSize     = 1024
	DefaultShutdownGrace = 5 * time.Second
)

var ErrRootInaccessible = errors.New("watch root is inaccessible")

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// WatchedPath is the engine's view of one file. It changes only when a transition is emitted.
type WatchedPath struct {
	Path           string
	Fingerprint    *fingerprint.Fingerprint
	Status         Status
	Sequence       uint64
	AckedSequence  uint64
	LastKind       transition.Kind
	LastTransition time.Time
}

func (wp *WatchedPath) unacked() bool {
	return wp.Sequence > wp.AckedSequence
}

type Config struct {
	Root   string
	Filter *ignore.Filter

	DebounceWindow time.Duration
	// RenameWindow is how long a deletion is held waiting for a matching creation.
	// Zero uses the debounce window, negative disables rename detection.
	RenameWindow time.Duration

	PollInterval time.Duration
	ForcePoll    bool
	// Source overrides the filesystem source, mainly for tests
	Source Source

	QueueSize     int
	ShutdownGrace time.Duration
}

type Stats struct {
	Created      int64             `json:"created"`
	Modified     int64             `json:"modified"`
	Deleted      int64             `json:"deleted"`
	Renamed      int64             `json:"renamed"`
	ReadErrors   int64             `json:"readErrors"`
	Fingerprints fingerprint.Stats `json:"fingerprints"`
}

type Engine struct {
	root         string
	cfg          Config
	filter       *ignore.Filter
	renameWindow time.Duration

	journal   *Journal
	fp        *fingerprint.Fingerprinter
	debouncer *debounce.Debouncer
	out       chan transition.Transition
	ready     chan struct{}

	// owned by the Run goroutine
	paths     map[string]*WatchedPath
	byHash    map[string]mapset.Set[string]
	held      map[string]time.Time
	heldTimer *time.Timer
	stopping  bool

	created, modified, deleted, renamed atomic.Int64
	readErrors                          atomic.Int64
}

// New validates the root and prepares an engine. Nothing is watched until Run.
func New(cfg Config, journal *Journal) (*Engine, error) {
	root, err := utils.ResolvePath(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}
	if err := checkRoot(root); err != nil {
		return nil, err
	}
	if journal == nil {
		return nil, errors.New("journal is required")
	}

	filter := cfg.Filter
	if filter == nil {
		if filter, err = ignore.New(root, nil); err != nil {
			return nil, err
		}
	}

	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = debounce.DefaultWindow
	}
	renameWindow := cfg.RenameWindow
	if renameWindow == 0 {
		renameWindow = cfg.DebounceWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	heldTimer := time.NewTimer(time.Hour)
	heldTimer.Stop()

	return &Engine{
		root:         root,
		cfg:          cfg,
		filter:       filter,
		renameWindow: renameWindow,
		journal:      journal,
		fp:           fingerprint.New(),
		debouncer:    debounce.New(cfg.DebounceWindow, cfg.QueueSize),
		out:          make(chan transition.Transition, cfg.QueueSize),
		ready:        make(chan struct{}),
		paths:        make(map[string]*WatchedPath),
		byHash:       make(map[string]mapset.Set[string]),
		held:         make(map[string]time.Time),
		heldTimer:    heldTimer,
	}, nil
}

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootInaccessible, root)
	}
	dir, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}
	dir.Close()
	return nil
}

func (e *Engine) Root() string {
	return e.root
}

// Transitions is closed when Run returns
func (e *Engine) Transitions() <-chan transition.Transition {
	return e.out
}

// Ready is closed once the initial scan is done and live changes are being processed
func (e *Engine) Ready() <-chan struct{} {
	return e.ready
}

func (e *Engine) Stats() Stats {
	return Stats{
		Created:      e.created.Load(),
		Modified:     e.modified.Load(),
		Deleted:      e.deleted.Load(),
		Renamed:      e.renamed.Load(),
		ReadErrors:   e.readErrors.Load(),
		Fingerprints: e.fp.Stats(),
	}
}

// Run loads the journal, starts the source, reconciles the tree against the journal
// and then processes settled paths until ctx is done. On cancellation pending paths
// are reconciled one last time before the output channel is closed.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.out)

	paths, err := e.journal.Load(ctx)
	if err != nil {
		return err
	}
	e.paths = paths
	for _, wp := range paths {
		if wp.Status == StatusPresent {
			e.index(wp)
		}
	}

	src, err := e.startSource(ctx)
	if err != nil {
		e.debouncer.Stop()
		return fmt.Errorf("start %s source: %w", src.Name(), err)
	}

	if err := e.initialScan(ctx); err != nil {
		if ctx.Err() != nil {
			return e.shutdown(src)
		}
		src.Stop()
		e.debouncer.Stop()
		return err
	}
	close(e.ready)

	for {
		select {
		case <-ctx.Done():
			return e.shutdown(src)
		case s := <-e.debouncer.Output():
			slog.Debug("watcher settled", "path", s.Path, "hint", s.Hint, "events", s.Events, "renamed", s.Renamed)
			e.reconcile(ctx, s.Path)
		case <-e.heldTimer.C:
			e.expireHeld(ctx, false)
		}
	}
}

func (e *Engine) startSource(ctx context.Context) (Source, error) {
	if e.cfg.Source != nil {
		return e.cfg.Source, e.cfg.Source.Start(ctx, e.debouncer.Add)
	}

	if !e.cfg.ForcePoll {
		src := NewNotifySource(e.root, e.filter.SkipDir)
		err := src.Start(ctx, e.debouncer.Add)
		if err == nil {
			return src, nil
		}
		slog.Warn("native watch unavailable, falling back to polling", "root", e.root, "error", err)
	}

	src := NewPollSource(e.root, e.cfg.PollInterval, e.filter.SkipDir)
	return src, src.Start(ctx, e.debouncer.Add)
}

func (e *Engine) shutdown(src Source) error {
	src.Stop()

	pending := e.debouncer.Drain()
	e.debouncer.Stop()
	for s := range e.debouncer.Output() {
		pending = append(pending, s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
	defer cancel()

	e.stopping = true
	for _, s := range pending {
		e.reconcile(ctx, s.Path)
	}
	e.expireHeld(ctx, true)

	slog.Info("watcher stopped", "flushed", len(pending))
	return nil
}

func (e *Engine) initialScan(ctx context.Context) error {
	start := time.Now()
	seen := mapset.NewThreadUnsafeSet[string]()

	// deletions reported before the last shutdown but never acknowledged
	unackedDeletes := make(map[string]uint64)
	for path, wp := range e.paths {
		if wp.Status == StatusAbsent && wp.unacked() {
			unackedDeletes[path] = wp.Sequence
		}
	}

	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if path == e.root {
				return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
			}
			slog.Warn("initial scan", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			if path != e.root && e.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !e.filter.Allow(path) {
			return nil
		}
		seen.Add(path)
		if e.debouncer.Has(path) {
			// already changing, the settle reports it
			return nil
		}
		e.observe(ctx, path, true)
		return nil
	})
	if err != nil {
		return err
	}

	// journal entries that are no longer on disk
	var gone int
	for _, path := range e.sortedPaths() {
		if seen.Contains(path) || e.debouncer.Has(path) {
			continue
		}
		wp := e.paths[path]
		seq, stale := unackedDeletes[path]
		if wp.Status == StatusPresent || (stale && wp.Status == StatusAbsent && wp.Sequence == seq) {
			gone++
			e.emitChange(ctx, wp, transition.Deleted, nil)
		}
	}

	slog.Info("initial scan done", "root", e.root, "files", seen.Cardinality(), "gone", gone, "took", time.Since(start))
	return nil
}

// reconcile confirms a path against the filesystem and emits whatever transition the
// difference from the last known state implies, if any.
func (e *Engine) reconcile(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	switch {
	case isNotExist(err):
		e.vanished(ctx, path)
	case err != nil:
		e.readErrors.Add(1)
		slog.Warn("watcher stat", "path", path, "error", err)
	case info.IsDir():
		if wp := e.paths[path]; wp != nil && wp.Status == StatusPresent {
			// a file was replaced by a directory
			e.vanished(ctx, path)
		}
		if !e.filter.SkipDir(path) {
			e.reconcileDir(ctx, path)
		}
	case info.Mode().IsRegular():
		if e.filter.Allow(path) {
			e.observe(ctx, path, false)
		}
	default:
		// symlinks and special files carry no content
		if wp := e.paths[path]; wp != nil && wp.Status == StatusPresent {
			e.vanished(ctx, path)
		}
	}
}

// reconcileDir handles a settled directory: a moved-in or created tree, or one whose
// entries changed without individual notifications.
func (e *Engine) reconcileDir(ctx context.Context, dir string) {
	seen := mapset.NewThreadUnsafeSet[string]()
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && e.filter.SkipDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && e.filter.Allow(path) {
			seen.Add(path)
			e.observe(ctx, path, false)
		}
		return nil
	})

	for _, path := range e.presentWithin(dir) {
		if path != dir && !seen.Contains(path) {
			e.reconcile(ctx, path)
		}
	}
}

// observe handles a regular file that exists right now
func (e *Engine) observe(ctx context.Context, path string, startup bool) {
	wp := e.paths[path]

	var prev *fingerprint.Fingerprint
	if wp != nil && wp.Status == StatusPresent {
		prev = wp.Fingerprint
	}

	f, err := e.fp.Compute(path, prev)
	if err != nil {
		var rerr *fingerprint.ReadError
		if errors.As(err, &rerr) && rerr.IsVanished() {
			e.vanished(ctx, path)
			return
		}
		e.readErrors.Add(1)
		slog.Warn("watcher fingerprint", "path", path, "error", err)
		return
	}

	// came back before its deletion was reported: an in-place change at most
	delete(e.held, path)

	if wp != nil && wp.Status == StatusPresent {
		if wp.Fingerprint != nil && wp.Fingerprint.Equal(f) {
			switch {
			case startup && wp.unacked():
				kind := transition.Modified
				if wp.LastKind == transition.Created || wp.LastKind == transition.Renamed {
					kind = transition.Created
				}
				slog.Info("watcher re-reporting unacknowledged", "path", path, "kind", kind, "sequence", wp.Sequence)
				e.emitChange(ctx, wp, kind, &f)
			case !wp.Fingerprint.ModTime.Equal(f.ModTime):
				// touched without a content change, keep the new mtime so the next stat matches
				wp.Fingerprint = &f
				e.persist(ctx, wp)
			}
			return
		}
		e.emitChange(ctx, wp, transition.Modified, &f)
		return
	}

	if from := e.renameSource(path, f); from != nil {
		e.emitRename(ctx, from, path, f)
		return
	}
	e.emitChange(ctx, e.track(path), transition.Created, &f)
}

// vanished handles a path that no longer exists
func (e *Engine) vanished(ctx context.Context, path string) {
	wp := e.paths[path]
	if wp == nil || wp.Status != StatusPresent {
		// never reported, already gone, or a directory that contained known files
		for _, child := range e.presentWithin(path) {
			if child != path {
				e.vanished(ctx, child)
			}
		}
		return
	}

	if _, ok := e.held[path]; ok {
		return
	}
	if e.renameWindow > 0 && !e.stopping {
		e.held[path] = time.Now().Add(e.renameWindow)
		e.resetHeld()
		return
	}
	e.emitChange(ctx, wp, transition.Deleted, nil)
}

// renameSource finds a present path that vanished with the same content as the new
// file. Held deletions are preferred, oldest first.
func (e *Engine) renameSource(path string, f fingerprint.Fingerprint) *WatchedPath {
	if e.renameWindow <= 0 {
		return nil
	}
	candidates, ok := e.byHash[f.Hash]
	if !ok {
		return nil
	}

	list := candidates.ToSlice()
	slices.Sort(list)

	var best *WatchedPath
	var bestDeadline time.Time
	var fallback *WatchedPath
	for _, p := range list {
		wp := e.paths[p]
		if p == path || wp == nil || wp.Status != StatusPresent || wp.Fingerprint == nil || wp.Fingerprint.Size != f.Size {
			continue
		}
		if deadline, held := e.held[p]; held {
			if best == nil || deadline.Before(bestDeadline) {
				best, bestDeadline = wp, deadline
			}
			continue
		}
		if fallback == nil {
			// its removal may still be inside the debounce window
			if _, err := os.Lstat(p); isNotExist(err) {
				fallback = wp
			}
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

func (e *Engine) expireHeld(ctx context.Context, all bool) {
	now := time.Now()
	var due []string
	for path, deadline := range e.held {
		if all || !deadline.After(now) {
			due = append(due, path)
		}
	}
	slices.Sort(due)

	for _, path := range due {
		delete(e.held, path)
		wp := e.paths[path]
		if wp == nil || wp.Status != StatusPresent {
			continue
		}
		if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
			e.reconcile(ctx, path)
			continue
		}
		e.emitChange(ctx, wp, transition.Deleted, nil)
	}
	e.resetHeld()
}

func (e *Engine) resetHeld() {
	if len(e.held) == 0 {
		e.heldTimer.Stop()
		return
	}
	var earliest time.Time
	for _, deadline := range e.held {
		if earliest.IsZero() || deadline.Before(earliest) {
			earliest = deadline
		}
	}
	e.heldTimer.Reset(max(time.Until(earliest), 0))
}

func (e *Engine) emitChange(ctx context.Context, wp *WatchedPath, kind transition.Kind, f *fingerprint.Fingerprint) {
	now := time.Now().UTC()

	wp.Sequence++
	wp.LastKind = kind
	wp.LastTransition = now
	if kind == transition.Deleted {
		wp.Status = StatusAbsent
		e.setFingerprint(wp, nil)
	} else {
		wp.Status = StatusPresent
		e.setFingerprint(wp, f)
	}

	t := transition.Transition{
		Path:      utils.NormPath(wp.Path),
		Kind:      kind,
		Sequence:  wp.Sequence,
		Timestamp: now,
	}
	if f != nil {
		fcopy := *f
		t.Fingerprint = &fcopy
	}
	e.emit(ctx, t, wp)
}

func (e *Engine) emitRename(ctx context.Context, from *WatchedPath, path string, f fingerprint.Fingerprint) {
	now := time.Now().UTC()
	delete(e.held, from.Path)

	from.Sequence++
	from.Status = StatusAbsent
	from.LastKind = transition.Deleted
	from.LastTransition = now
	e.setFingerprint(from, nil)

	to := e.track(path)
	to.Sequence++
	to.Status = StatusPresent
	to.LastKind = transition.Renamed
	to.LastTransition = now
	e.setFingerprint(to, &f)

	fcopy := f
	e.emit(ctx, transition.Transition{
		Path:         utils.NormPath(to.Path),
		Kind:         transition.Renamed,
		Fingerprint:  &fcopy,
		Sequence:     to.Sequence,
		Timestamp:    now,
		FromPath:     utils.NormPath(from.Path),
		FromSequence: from.Sequence,
	}, from, to)
}

// emit persists the new state first, so a sequence number is never handed out twice,
// then blocks until the transport takes the transition or ctx is done.
func (e *Engine) emit(ctx context.Context, t transition.Transition, changed ...*WatchedPath) {
	for _, wp := range changed {
		e.persist(ctx, wp)
	}

	select {
	case e.out <- t:
	case <-ctx.Done():
		slog.Warn("watcher transition not delivered, re-reported on next start", "path", t.Path, "kind", t.Kind, "sequence", t.Sequence)
		return
	}

	switch t.Kind {
	case transition.Created:
		e.created.Add(1)
	case transition.Modified:
		e.modified.Add(1)
	case transition.Deleted:
		e.deleted.Add(1)
	case transition.Renamed:
		e.renamed.Add(1)
	}
	slog.Debug("watcher transition", "path", t.Path, "kind", t.Kind, "sequence", t.Sequence, "from", t.FromPath)
}

func (e *Engine) persist(ctx context.Context, wp *WatchedPath) {
	if err := e.journal.Put(context.WithoutCancel(ctx), wp); err != nil {
		slog.Error("watcher journal", "path", wp.Path, "error", err)
	}
}

func (e *Engine) track(path string) *WatchedPath {
	wp, ok := e.paths[path]
	if !ok {
		wp = &WatchedPath{Path: path, Status: StatusUnknown}
		e.paths[path] = wp
	}
	return wp
}

func (e *Engine) setFingerprint(wp *WatchedPath, f *fingerprint.Fingerprint) {
	if wp.Fingerprint != nil {
		if set, ok := e.byHash[wp.Fingerprint.Hash]; ok {
			set.Remove(wp.Path)
			if set.Cardinality() == 0 {
				delete(e.byHash, wp.Fingerprint.Hash)
			}
		}
	}
	wp.Fingerprint = f
	if f != nil {
		e.index(wp)
	}
}

func (e *Engine) index(wp *WatchedPath) {
	if wp.Fingerprint == nil {
		return
	}
	set, ok := e.byHash[wp.Fingerprint.Hash]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		e.byHash[wp.Fingerprint.Hash] = set
	}
	set.Add(wp.Path)
}

// presentWithin lists present paths at or below dir, sorted
func (e *Engine) presentWithin(dir string) []string {
	var out []string
	for path, wp := range e.paths {
		if wp.Status == StatusPresent && utils.IsWithin(dir, path) {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

func (e *Engine) sortedPaths() []string {
	out := make([]string, 0, len(e.paths))
	for path := range e.paths {
		out = append(out, path)
	}
	slices.Sort(out)
	return out
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
