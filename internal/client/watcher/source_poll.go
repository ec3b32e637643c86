package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
	mapset "github.com/deckarep/golang-set/v2"
)

const DefaultPollInterval = 2 * time.Second

type statEntry struct {
	size    int64
	modTime time.Time
	dir     bool
}

// PollSource walks the tree on an interval and diffs stat results. Latency is bounded
// by the interval; used where native notifications are unavailable.
type PollSource struct {
	root     string
	interval time.Duration
	skipDir  func(path string) bool

	last map[string]statEntry
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewPollSource(root string, interval time.Duration, skipDir func(path string) bool) *PollSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollSource{
		root:     root,
		interval: interval,
		skipDir:  skipDir,
		done:     make(chan struct{}),
	}
}

func (s *PollSource) Name() string {
	return "poll"
}

// Start takes the baseline synchronously, so nothing that happens after Start returns is missed
func (s *PollSource) Start(ctx context.Context, emit func(debounce.Event)) error {
	s.last = s.walk()
	slog.Info("poll source start", "root", s.root, "interval", s.interval, "paths", len(s.last))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.poll(emit)
			}
		}
	}()
	return nil
}

func (s *PollSource) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		slog.Info("poll source stopped")
	})
}

func (s *PollSource) poll(emit func(debounce.Event)) {
	current := s.walk()

	seen := mapset.NewThreadUnsafeSetWithSize[string](len(current))
	for path, now := range current {
		seen.Add(path)
		prev, ok := s.last[path]
		switch {
		case !ok:
			emit(debounce.Event{Path: path, Op: debounce.OpCreate})
		case now.dir:
			// directory mtimes change with their entries, which are diffed on their own
		case prev.size != now.size || !prev.modTime.Equal(now.modTime):
			emit(debounce.Event{Path: path, Op: debounce.OpWrite})
		}
	}
	for path := range s.last {
		if !seen.Contains(path) {
			emit(debounce.Event{Path: path, Op: debounce.OpRemove})
		}
	}

	s.last = current
}

func (s *PollSource) walk() map[string]statEntry {
	out := make(map[string]statEntry)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished mid-walk or unreadable, picked up on the next poll
			return nil
		}
		if path == s.root {
			return nil
		}
		if d.IsDir() {
			if s.skipDir != nil && s.skipDir(path) {
				return filepath.SkipDir
			}
			out[path] = statEntry{dir: true}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[path] = statEntry{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	if err != nil {
		slog.Warn("poll walk", "root", s.root, "error", err)
	}
	return out
}
