package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/debounce"
	"github.com/caltaylor/dirwatch/internal/db"
	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWindow = 30 * time.Millisecond

// manualSource lets tests decide exactly which notifications the engine sees
type manualSource struct {
	emit    func(debounce.Event)
	started chan struct{}
	onStart func(emit func(debounce.Event))
}

func newManualSource() *manualSource {
	return &manualSource{started: make(chan struct{})}
}

func (m *manualSource) Name() string { return "manual" }

func (m *manualSource) Start(_ context.Context, emit func(debounce.Event)) error {
	m.emit = emit
	if m.onStart != nil {
		m.onStart(emit)
	}
	close(m.started)
	return nil
}

func (m *manualSource) Stop() {}

func (m *manualSource) send(path string, op debounce.Op) {
	<-m.started
	m.emit(debounce.Event{Path: path, Op: op})
}

type harness struct {
	engine  *Engine
	source  *manualSource
	journal *Journal
	cancel  context.CancelFunc
	done    chan error
}

func startEngine(t *testing.T, root string, journal *Journal, cfg Config) *harness {
	t.Helper()
	return startEngineWith(t, root, journal, cfg, newManualSource())
}

// startEngineWith returns once the initial scan is done, so files written afterwards
// are only seen through the source
func startEngineWith(t *testing.T, root string, journal *Journal, cfg Config, src *manualSource) *harness {
	t.Helper()

	cfg.Root = root
	cfg.Source = src
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = testWindow
	}

	e, err := New(cfg, journal)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{engine: e, source: src, journal: journal, cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- e.Run(ctx)
	}()
	t.Cleanup(h.stop)

	select {
	case <-e.Ready():
	case err := <-h.done:
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not finish the initial scan")
	}
	return h
}

func (h *harness) stop() {
	h.cancel()
	for range h.engine.Transitions() {
	}
	<-h.done
	h.done <- nil
}

func (h *harness) next(t *testing.T) transition.Transition {
	t.Helper()
	select {
	case tr, ok := <-h.engine.Transitions():
		require.True(t, ok, "transitions closed")
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transition")
	}
	return transition.Transition{}
}

func (h *harness) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case tr := <-h.engine.Transitions():
		t.Fatalf("unexpected transition %s %s seq=%d", tr.Kind, tr.Path, tr.Sequence)
	case <-time.After(wait):
	}
}

func memJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := OpenJournal(t.Context(), db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fpOf(content string) fingerprint.Fingerprint {
	return fingerprint.Of([]byte(content), time.Time{})
}

func TestEngine_InitialScanEmitsCreated(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a.txt"), "a")
	write(t, filepath.Join(root, "sub", "b.txt"), "bb")

	h := startEngine(t, root, memJournal(t), Config{})

	first := h.next(t)
	second := h.next(t)
	assert.Equal(t, transition.Created, first.Kind)
	assert.Equal(t, utils.NormPath(filepath.Join(root, "a.txt")), first.Path)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.True(t, first.Fingerprint.Equal(fpOf("a")))

	assert.Equal(t, transition.Created, second.Kind)
	assert.Equal(t, utils.NormPath(filepath.Join(root, "sub", "b.txt")), second.Path)
	assert.Equal(t, int64(2), second.Fingerprint.Size)
}

func TestEngine_BurstCollapsesToOneCreated(t *testing.T) {
	root := t.TempDir()
	h := startEngine(t, root, memJournal(t), Config{})
	path := filepath.Join(root, "a.txt")

	write(t, path, "x")
	h.source.send(path, debounce.OpCreate)
	for _, content := range []string{"xy", "xyz", "xyzw"} {
		write(t, path, content)
		h.source.send(path, debounce.OpWrite)
	}
	write(t, path, "final")
	h.source.send(path, debounce.OpWrite)

	tr := h.next(t)
	assert.Equal(t, transition.Created, tr.Kind)
	assert.Equal(t, uint64(1), tr.Sequence)
	assert.True(t, tr.Fingerprint.Equal(fpOf("final")))
	h.expectNone(t, 5*testWindow)
}

func TestEngine_CreateThenDeleteEmitsNothing(t *testing.T) {
	root := t.TempDir()
	h := startEngine(t, root, memJournal(t), Config{})
	path := filepath.Join(root, "scratch.txt")

	write(t, path, "temporary")
	h.source.send(path, debounce.OpCreate)
	require.NoError(t, os.Remove(path))
	h.source.send(path, debounce.OpRemove)

	h.expectNone(t, 6*testWindow)
}

func TestEngine_ScanLeavesChangingPathsToDebouncer(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")

	src := newManualSource()
	src.onStart = func(emit func(debounce.Event)) {
		write(t, path, "x")
		emit(debounce.Event{Path: path, Op: debounce.OpCreate})
	}
	h := startEngineWith(t, root, memJournal(t), Config{DebounceWindow: 300 * time.Millisecond}, src)

	write(t, path, "final")
	h.source.send(path, debounce.OpWrite)

	tr := h.next(t)
	assert.Equal(t, transition.Created, tr.Kind)
	assert.Equal(t, uint64(1), tr.Sequence)
	assert.True(t, tr.Fingerprint.Equal(fpOf("final")))
	h.expectNone(t, 400*time.Millisecond)
}

func TestEngine_DeleteAndRecreate(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	write(t, path, "same")

	h := startEngine(t, root, memJournal(t), Config{})
	require.Equal(t, transition.Created, h.next(t).Kind)

	// identical content comes back inside the window: nothing to report
	require.NoError(t, os.Remove(path))
	h.source.send(path, debounce.OpRemove)
	write(t, path, "same")
	h.source.send(path, debounce.OpCreate)
	h.expectNone(t, 6*testWindow)

	// different content: one Modified
	require.NoError(t, os.Remove(path))
	h.source.send(path, debounce.OpRemove)
	write(t, path, "different")
	h.source.send(path, debounce.OpCreate)

	tr := h.next(t)
	assert.Equal(t, transition.Modified, tr.Kind)
	assert.Equal(t, uint64(2), tr.Sequence)
	assert.True(t, tr.Fingerprint.Equal(fpOf("different")))
}

func TestEngine_DeleteIsReportedAfterRenameWindow(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	write(t, path, "a")

	h := startEngine(t, root, memJournal(t), Config{})
	require.Equal(t, transition.Created, h.next(t).Kind)

	require.NoError(t, os.Remove(path))
	h.source.send(path, debounce.OpRemove)

	tr := h.next(t)
	assert.Equal(t, transition.Deleted, tr.Kind)
	assert.Equal(t, uint64(2), tr.Sequence)
	assert.Nil(t, tr.Fingerprint)
}

func TestEngine_Rename(t *testing.T) {
	tests := []struct {
		name  string
		order []string // which notification is delivered first
	}{
		{"old path first", []string{"old", "new"}},
		{"new path first", []string{"new", "old"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			oldPath := filepath.Join(root, "a.txt")
			newPath := filepath.Join(root, "b.txt")
			write(t, oldPath, "payload")

			h := startEngine(t, root, memJournal(t), Config{})
			require.Equal(t, transition.Created, h.next(t).Kind)

			require.NoError(t, os.Rename(oldPath, newPath))
			paths := map[string]string{"old": oldPath, "new": newPath}
			for _, which := range tt.order {
				h.source.send(paths[which], debounce.OpRename)
				time.Sleep(testWindow / 3)
			}

			tr := h.next(t)
			assert.Equal(t, transition.Renamed, tr.Kind)
			assert.Equal(t, utils.NormPath(newPath), tr.Path)
			assert.Equal(t, uint64(1), tr.Sequence)
			assert.Equal(t, utils.NormPath(oldPath), tr.FromPath)
			assert.Equal(t, uint64(2), tr.FromSequence)
			assert.True(t, tr.Fingerprint.Equal(fpOf("payload")))
			h.expectNone(t, 6*testWindow)
			assert.Equal(t, int64(1), h.engine.Stats().Renamed)
		})
	}
}

func TestEngine_RenameDisabledDegradesToDeleteAndCreate(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.txt")
	newPath := filepath.Join(root, "b.txt")
	write(t, oldPath, "payload")

	h := startEngine(t, root, memJournal(t), Config{RenameWindow: -1})
	require.Equal(t, transition.Created, h.next(t).Kind)

	require.NoError(t, os.Rename(oldPath, newPath))
	h.source.send(oldPath, debounce.OpRename)
	h.source.send(newPath, debounce.OpRename)

	kinds := map[transition.Kind]string{}
	for range 2 {
		tr := h.next(t)
		kinds[tr.Kind] = tr.Path
	}
	assert.Equal(t, utils.NormPath(oldPath), kinds[transition.Deleted])
	assert.Equal(t, utils.NormPath(newPath), kinds[transition.Created])
}

func TestEngine_DirectoryRemoval(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "dir")
	write(t, filepath.Join(dir, "one.txt"), "1")
	write(t, filepath.Join(dir, "two.txt"), "22")

	h := startEngine(t, root, memJournal(t), Config{RenameWindow: -1})
	h.next(t)
	h.next(t)

	require.NoError(t, os.RemoveAll(dir))
	h.source.send(dir, debounce.OpRemove)

	deleted := map[string]bool{}
	for range 2 {
		tr := h.next(t)
		require.Equal(t, transition.Deleted, tr.Kind)
		deleted[tr.Path] = true
	}
	assert.True(t, deleted[utils.NormPath(filepath.Join(dir, "one.txt"))])
	assert.True(t, deleted[utils.NormPath(filepath.Join(dir, "two.txt"))])
}

func TestEngine_ShutdownFlushesPending(t *testing.T) {
	root := t.TempDir()
	h := startEngine(t, root, memJournal(t), Config{DebounceWindow: time.Hour, RenameWindow: -1})
	path := filepath.Join(root, "late.txt")

	write(t, path, "late")
	h.source.send(path, debounce.OpCreate)
	h.cancel()

	tr := h.next(t)
	assert.Equal(t, transition.Created, tr.Kind)

	_, ok := <-h.engine.Transitions()
	assert.False(t, ok)
}

func TestEngine_RestartUsesJournal(t *testing.T) {
	root := t.TempDir()
	stateDir := t.TempDir()
	journalPath := filepath.Join(stateDir, "journal.db")

	acked := filepath.Join(root, "acked.txt")
	unacked := filepath.Join(root, "unacked.txt")
	untouched := filepath.Join(root, "untouched.txt")
	write(t, acked, "v1")
	write(t, unacked, "u")
	write(t, untouched, "same")

	j1, err := OpenJournal(t.Context(), journalPath)
	require.NoError(t, err)
	h1 := startEngine(t, root, j1, Config{})
	var first []transition.Transition
	for range 3 {
		first = append(first, h1.next(t))
	}
	for _, tr := range first {
		if tr.Path != utils.NormPath(unacked) {
			require.NoError(t, j1.Ack(t.Context(), []transition.Transition{tr}))
		}
	}
	h1.stop()
	require.NoError(t, j1.Close())

	// offline changes
	write(t, acked, "version-2")

	j2, err := OpenJournal(t.Context(), journalPath)
	require.NoError(t, err)
	defer j2.Close()
	h2 := startEngine(t, root, j2, Config{})

	got := map[string]transition.Transition{}
	for range 2 {
		tr := h2.next(t)
		got[tr.Path] = tr
	}
	h2.expectNone(t, 4*testWindow)

	mod := got[utils.NormPath(acked)]
	assert.Equal(t, transition.Modified, mod.Kind)
	assert.Equal(t, uint64(2), mod.Sequence)

	re := got[utils.NormPath(unacked)]
	assert.Equal(t, transition.Created, re.Kind)
	assert.Equal(t, uint64(2), re.Sequence)

	_, reported := got[utils.NormPath(untouched)]
	assert.False(t, reported)
}

func TestNew_RootInaccessible(t *testing.T) {
	_, err := New(Config{Root: filepath.Join(t.TempDir(), "missing")}, memJournal(t))
	assert.True(t, errors.Is(err, ErrRootInaccessible))

	file := filepath.Join(t.TempDir(), "file")
	write(t, file, "x")
	_, err = New(Config{Root: file}, memJournal(t))
	assert.True(t, errors.Is(err, ErrRootInaccessible))
}
