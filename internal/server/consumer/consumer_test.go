package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
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

type memSink struct {
	mu      sync.Mutex
	batches [][]statestore.Change
	fail    bool
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Deliver(_ context.Context, changes []statestore.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.batches = append(m.batches, append([]statestore.Change(nil), changes...))
	return nil
}

func (m *memSink) ids() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, b := range m.batches {
		for _, c := range b {
			out = append(out, c.ID)
		}
	}
	return out
}

func change(id int64, kind transition.Kind, path string) statestore.Change {
	c := statestore.Change{ID: id, Path: path, Kind: kind, Sequence: uint64(id), ClientID: "client-1", BatchID: "b"}
	if kind != transition.Deleted {
		f := fingerprint.Of([]byte(path), time.Unix(1700000000, 0))
		c.Fingerprint = &f
	}
	return c
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(sink, 16)

	for i := int64(1); i <= 5; i++ {
		d.Notify(change(i, transition.Created, "/w/a"))
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.ids()) == 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, sink.ids())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, Stats{Delivered: 5}, d.Stats())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	d := NewDispatcher(&memSink{}, 2)
	for i := int64(1); i <= 5; i++ {
		d.Notify(change(i, transition.Modified, "/w/a"))
	}
	assert.Equal(t, int64(3), d.Stats().Dropped)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &memSink{}
	d := NewDispatcher(sink, 16)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	d.Notify(change(1, transition.Created, "/w/a"))
	d.Notify(change(2, transition.Created, "/w/b"))

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, []int64{1, 2}, sink.ids())
}

func TestDispatcher_CountsFailures(t *testing.T) {
	sink := &memSink{fail: true}
	d := NewDispatcher(sink, 16)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	d.Notify(change(1, transition.Created, "/w/a"))

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, int64(1), d.Stats().Failed)
}

func TestWebhook_Deliver(t *testing.T) {
	var calls atomic.Int32
	var got WebhookPayload
	var delivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivery = r.Header.Get(HeaderDelivery)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL + "/hook")
	require.NoError(t, err)

	err = hook.Deliver(t.Context(), []statestore.Change{
		change(7, transition.Created, "/w/a.txt"),
		change(8, transition.Deleted, "/w/b.txt"),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "7-8", delivery)
	require.Len(t, got.Changes, 2)
	assert.Equal(t, transition.Deleted, got.Changes[1].Kind)
	assert.Nil(t, got.Changes[1].Fingerprint)
}

func TestWebhook_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL)
	require.NoError(t, err)

	err = hook.Deliver(t.Context(), []statestore.Change{change(1, transition.Created, "/w/a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhook_InvalidURL(t *testing.T) {
	_, err := NewWebhook("not a url")
	assert.Error(t, err)
}

func TestOutputDir_MirrorsChanges(t *testing.T) {
	out, err := NewOutputDir(t.TempDir())
	require.NoError(t, err)
	ctx := t.Context()

	a, err := out.Target("client-1", "/w/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out.Dir(), "client-1", "w", "a.txt.json"), a)

	require.NoError(t, out.Deliver(ctx, []statestore.Change{change(1, transition.Created, "/w/a.txt")}))
	data, err := os.ReadFile(a)
	require.NoError(t, err)
	var written statestore.Change
	require.NoError(t, json.Unmarshal(data, &written))
	assert.Equal(t, int64(1), written.ID)
	assert.Equal(t, "/w/a.txt", written.Path)

	renamed := change(2, transition.Renamed, "/w/sub/b.txt")
	renamed.FromPath = "/w/a.txt"
	require.NoError(t, out.Deliver(ctx, []statestore.Change{renamed}))
	assert.NoFileExists(t, a)
	b, _ := out.Target("client-1", "/w/sub/b.txt")
	assert.FileExists(t, b)

	require.NoError(t, out.Deliver(ctx, []statestore.Change{change(3, transition.Deleted, "/w/sub/b.txt")}))
	assert.NoFileExists(t, b)

	// deleting something never written is fine
	assert.NoError(t, out.Deliver(ctx, []statestore.Change{change(4, transition.Deleted, "/w/none")}))
}

func TestOutputDir_TargetStaysInside(t *testing.T) {
	out, err := NewOutputDir(t.TempDir())
	require.NoError(t, err)

	p, err := out.Target("../evil", "../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out.Dir(), ".._evil", "etc", "passwd.json"), p)

	_, err = out.Target("client-1", "/")
	assert.Error(t, err)
}
