package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []statestore.Change
}

func (r *recorder) Notify(c statestore.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []transition.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transition.Kind
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

type failingStore struct {
	Store
	fail atomic.Bool
}

func (f *failingStore) CompareAndSwap(ctx context.Context, updates []statestore.Update) ([]statestore.Change, error) {
	if f.fail.Load() {
		return nil, errors.New("disk full")
	}
	return f.Store.CompareAndSwap(ctx, updates)
}

func newStore(t *testing.T) *statestore.Store {
	t.Helper()
	s, err := statestore.Open(t.Context(), statestore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fp(content string) *fingerprint.Fingerprint {
	f := fingerprint.Of([]byte(content), time.Unix(1700000000, 0))
	return &f
}

func batch(id string, ts ...transition.Transition) *transition.Batch {
	return &transition.Batch{ClientID: "client-1", BatchID: id, Transitions: ts}
}

func created(path string, seq uint64, content string) transition.Transition {
	return transition.Transition{Path: path, Kind: transition.Created, Fingerprint: fp(content), Sequence: seq, Timestamp: time.Now()}
}

func modified(path string, seq uint64, content string) transition.Transition {
	return transition.Transition{Path: path, Kind: transition.Modified, Fingerprint: fp(content), Sequence: seq, Timestamp: time.Now()}
}

func deleted(path string, seq uint64) transition.Transition {
	return transition.Transition{Path: path, Kind: transition.Deleted, Sequence: seq, Timestamp: time.Now()}
}

func statuses(resp *transition.BatchResponse) []transition.Status {
	out := make([]transition.Status, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, r.Status)
	}
	return out
}

func TestService_ApplyRules(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	svc := New(store, Config{}, rec)
	ctx := t.Context()

	resp, err := svc.Ingest(ctx, batch("b1",
		created("/w/a.txt", 1, "x"),
		modified("/w/a.txt", 2, "x"),
		modified("/w/a.txt", 3, "y"),
		modified("/w/a.txt", 3, "z"),
	))
	require.NoError(t, err)
	assert.Equal(t, "b1", resp.BatchID)
	assert.Equal(t, []transition.Status{
		transition.StatusAccepted,
		transition.StatusUnchanged,
		transition.StatusAccepted,
		transition.StatusDuplicate,
	}, statuses(resp))

	got, err := store.Get(ctx, "/w/a.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Sequence)
	assert.True(t, got.Fingerprint.Equal(*fp("y")))
	assert.Equal(t, "client-1", got.ClientID)

	assert.Equal(t, []transition.Kind{transition.Created, transition.Modified}, rec.kinds())
	assert.Equal(t, Stats{Batches: 1, Accepted: 2, Unchanged: 1, Duplicates: 1}, svc.Stats())
}

func TestService_DeleteTombstones(t *testing.T) {
	store := newStore(t)
	svc := New(store, Config{})
	ctx := t.Context()

	resp, err := svc.Ingest(ctx, batch("b1", deleted("/w/never.txt", 4)))
	require.NoError(t, err)
	assert.Equal(t, []transition.Status{transition.StatusUnchanged}, statuses(resp))

	// the tombstone pins the sequence, an older create arriving late is stale
	resp, err = svc.Ingest(ctx, batch("b0", created("/w/never.txt", 2, "old")))
	require.NoError(t, err)
	assert.Equal(t, []transition.Status{transition.StatusDuplicate}, statuses(resp))

	resp, err = svc.Ingest(ctx, batch("b2", created("/w/never.txt", 5, "new"), deleted("/w/never.txt", 6), deleted("/w/never.txt", 7)))
	require.NoError(t, err)
	assert.Equal(t, []transition.Status{
		transition.StatusAccepted,
		transition.StatusAccepted,
		transition.StatusUnchanged,
	}, statuses(resp))

	got, err := store.Get(ctx, "/w/never.txt")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusDeleted, got.Status)
	assert.Equal(t, uint64(7), got.Sequence)
}

func TestService_Rename(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	svc := New(store, Config{}, rec)
	ctx := t.Context()

	_, err := svc.Ingest(ctx, batch("b1", created("/w/old.txt", 1, "content")))
	require.NoError(t, err)

	rename := transition.Transition{
		Path: "/w/new.txt", Kind: transition.Renamed, Fingerprint: fp("content"),
		Sequence: 1, FromPath: "/w/old.txt", FromSequence: 2, Timestamp: time.Now(),
	}
	resp, err := svc.Ingest(ctx, batch("b2", rename))
	require.NoError(t, err)
	assert.Equal(t, []transition.Status{transition.StatusAccepted}, statuses(resp))

	moved, err := store.Get(ctx, "/w/new.txt")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusPresent, moved.Status)
	assert.True(t, moved.Fingerprint.Equal(*fp("content")))

	vacated, err := store.Get(ctx, "/w/old.txt")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusDeleted, vacated.Status)
	assert.Equal(t, uint64(2), vacated.Sequence)

	assert.Equal(t, []transition.Kind{transition.Created, transition.Renamed}, rec.kinds())

	// replay is a duplicate and leaves both paths alone
	resp, err = svc.Ingest(ctx, batch("b2", rename))
	require.NoError(t, err)
	assert.Equal(t, []transition.Status{transition.StatusDuplicate}, statuses(resp))
}

func TestService_RenameKeepsNewerSource(t *testing.T) {
	store := newStore(t)
	svc := New(store, Config{})
	ctx := t.Context()

	// the vacated path was already recreated with a later sequence
	_, err := svc.Ingest(ctx, batch("b1", created("/w/old.txt", 1, "a"), modified("/w/old.txt", 5, "b")))
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, batch("b2", transition.Transition{
		Path: "/w/new.txt", Kind: transition.Renamed, Fingerprint: fp("a"),
		Sequence: 1, FromPath: "/w/old.txt", FromSequence: 2, Timestamp: time.Now(),
	}))
	require.NoError(t, err)

	old, err := store.Get(ctx, "/w/old.txt")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusPresent, old.Status)
	assert.Equal(t, uint64(5), old.Sequence)

	moved, err := store.Get(ctx, "/w/new.txt")
	require.NoError(t, err)
	assert.Equal(t, statestore.StatusPresent, moved.Status)
}

func TestService_ValidationError(t *testing.T) {
	store := newStore(t)
	svc := New(store, Config{})

	_, err := svc.Ingest(t.Context(), batch("b1", created("relative/../x", 1, "x")))
	var verr *transition.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = store.Get(t.Context(), "relative/../x")
	assert.ErrorIs(t, err, statestore.ErrRecordNotFound)
	assert.Equal(t, int64(1), svc.Stats().Invalid)
	assert.Zero(t, svc.Stats().Batches)
}

func TestService_StoreFailureRejects(t *testing.T) {
	store := &failingStore{Store: newStore(t)}
	svc := New(store, Config{})
	ctx := t.Context()

	store.fail.Store(true)
	resp, err := svc.Ingest(ctx, batch("b1", created("/w/a.txt", 1, "x"), created("/w/b.txt", 1, "y")))
	require.NoError(t, err)
	require.Len(t, resp.Rejected(), 2)
	assert.Contains(t, resp.Results[0].Error, "disk full")

	// resending the same batch after recovery applies it once
	store.fail.Store(false)
	resp, err = svc.Ingest(ctx, batch("b1", created("/w/a.txt", 1, "x"), created("/w/b.txt", 1, "y")))
	require.NoError(t, err)
	assert.Empty(t, resp.Rejected())
	assert.Equal(t, Stats{Batches: 2, Accepted: 2, Rejected: 2}, svc.Stats())
}

func TestService_ConcurrentBatchesSamePath(t *testing.T) {
	store := newStore(t)
	svc := New(store, Config{Concurrency: 4})
	ctx := t.Context()

	var wg sync.WaitGroup
	for seq := uint64(1); seq <= 20; seq++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ingest(ctx, batch("b", modified("/w/hot.txt", seq, "v")))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "/w/hot.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Sequence)
	assert.Zero(t, svc.locks.size())
}

func TestGroupByPath(t *testing.T) {
	ts := []transition.Transition{
		created("/a", 1, "1"),
		created("/b", 1, "1"),
		{Path: "/c", Kind: transition.Renamed, Fingerprint: fp("1"), Sequence: 1, FromPath: "/a", FromSequence: 2},
		modified("/d", 1, "1"),
		modified("/c", 2, "2"),
		modified("/b", 2, "2"),
	}

	assert.Equal(t, [][]int{{0, 2, 4}, {1, 5}, {3}}, groupByPath(ts))
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.Lock("/b", "/a", "/a")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("/a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}
