// Package debounce collapses bursts of raw filesystem notifications for a path
// into a single release once the path has been quiet for the configured window.
package debounce

import (
	"log/slog"
	"sync"
	"time"
)

const DefaultWindow = 300 * time.Millisecond

type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	}
	return "unknown"
}

// Event is one raw notification from a filesystem source
type Event struct {
	Path string
	Op   Op
}

// Hint is the coalesced intent of a burst. It is advisory: the watcher
// always confirms it against the filesystem before emitting anything.
type Hint uint8

const (
	HintModify Hint = iota
	HintCreate
	HintDelete
	// HintTransient marks a path that was created and removed inside one window
	HintTransient
)

func (h Hint) String() string {
	return [...]string{"modify", "create", "delete", "transient"}[h]
}

// Settled is released once per quiet path
type Settled struct {
	Path    string
	Hint    Hint
	Renamed bool // a rename notification was part of the burst
	Events  int
	First   time.Time
	Last    time.Time
}

type slot struct {
	settled Settled
	timer   *time.Timer
	gen     uint64
}

// Debouncer holds one pending slot and one timer per path. Paths never wait on each other.
type Debouncer struct {
	window time.Duration
	out    chan Settled
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]*slot
	gen     uint64
	stopped bool
	sends   sync.WaitGroup
}

// New creates a Debouncer whose output channel buffers up to capacity releases.
// Once the buffer is full, releases block until the consumer catches up.
func New(window time.Duration, capacity int) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		window:  window,
		out:     make(chan Settled, capacity),
		done:    make(chan struct{}),
		pending: make(map[string]*slot),
	}
}

func (d *Debouncer) Output() <-chan Settled {
	return d.out
}

// Add records a raw event and restarts the path's quiescence timer
func (d *Debouncer) Add(ev Event) {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	s, ok := d.pending[ev.Path]
	if !ok {
		s = &slot{settled: Settled{Path: ev.Path, Hint: hintOf(ev.Op), First: now}}
		d.pending[ev.Path] = s
	} else {
		s.timer.Stop()
		s.settled.Hint = coalesce(s.settled.Hint, hintOf(ev.Op))
	}

	if ev.Op == OpRename {
		s.settled.Renamed = true
	}
	s.settled.Events++
	s.settled.Last = now

	d.gen++
	gen := d.gen
	s.gen = gen
	path := ev.Path
	s.timer = time.AfterFunc(d.window, func() {
		d.release(path, gen)
	})
}

// Pending returns the number of paths still inside their window
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Has reports whether path is still inside its window
func (d *Debouncer) Has(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[path]
	return ok
}

// Drain stops every pending timer and hands back the unreleased slots, so the caller
// can process them as final best-effort releases during shutdown.
func (d *Debouncer) Drain() []Settled {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Settled, 0, len(d.pending))
	for path, s := range d.pending {
		s.timer.Stop()
		out = append(out, s.settled)
		delete(d.pending, path)
	}
	return out
}

// Stop discards pending slots, waits for in-flight releases and closes the output channel.
// Safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for path, s := range d.pending {
		s.timer.Stop()
		delete(d.pending, path)
	}
	close(d.done)
	d.mu.Unlock()

	d.sends.Wait()
	close(d.out)
}

func (d *Debouncer) release(path string, gen uint64) {
	d.mu.Lock()
	s, ok := d.pending[path]
	if !ok || s.gen != gen || d.stopped {
		// superseded by a newer event, drained, or stopped
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.sends.Add(1)
	d.mu.Unlock()
	defer d.sends.Done()

	select {
	case d.out <- s.settled:
		slog.Debug("debounce release", "path", path, "hint", s.settled.Hint, "events", s.settled.Events)
	case <-d.done:
		slog.Debug("debounce release dropped on stop", "path", path)
	}
}

func hintOf(op Op) Hint {
	switch op {
	case OpCreate:
		return HintCreate
	case OpRemove:
		return HintDelete
	}
	return HintModify
}

// coalesce folds the next raw hint into the pending one:
//
//	create+modify = create, create+delete = transient, modify+delete = delete,
//	delete+create = modify, transient+create = create
func coalesce(prev, next Hint) Hint {
	switch prev {
	case HintCreate:
		switch next {
		case HintDelete:
			return HintTransient
		default:
			return HintCreate
		}
	case HintDelete:
		if next == HintCreate {
			return HintModify
		}
		return next
	case HintTransient:
		if next == HintDelete {
			return HintTransient
		}
		return HintCreate
	default:
		if next == HintCreate {
			return HintModify
		}
		return next
	}
}
