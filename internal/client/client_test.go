package client

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caltaylor/dirwatch/internal/client/config"
	"github.com/caltaylor/dirwatch/internal/fingerprint"
	"github.com/caltaylor/dirwatch/internal/server"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()

	cfg := server.Default()
	cfg.DbPath = ":memory:"
	cfg.HTTP.RateLimit = ""
	require.NoError(t, cfg.Validate())

	srv, err := server.New(t.Context(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Services().Start(ctx))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Services().Shutdown(context.Background())
	})
	return srv, ts.URL
}

func waitRecord(t *testing.T, store *statestore.Store, path string, cond func(*statestore.Record) bool) *statestore.Record {
	t.Helper()
	var rec *statestore.Record
	require.Eventually(t, func() bool {
		r, err := store.Get(context.Background(), path)
		if err != nil {
			return false
		}
		rec = r
		return cond(r)
	}, 10*time.Second, 20*time.Millisecond)
	return rec
}

func TestClient_ReportsChangesToServer(t *testing.T) {
	srv, url := startServer(t)
	root := t.TempDir()

	cfg := config.Default()
	cfg.WatchDir = root
	cfg.ServerURL = url
	cfg.ClientID = "e2e"
	cfg.StateDir = t.TempDir()
	cfg.ForcePoll = true
	cfg.PollInterval = 20 * time.Millisecond
	cfg.DebounceWindow = 30 * time.Millisecond
	cfg.FlushInterval = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())

	c, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("client did not stop")
		}
	})

	store := srv.Services().Store
	file := filepath.Join(root, "a.txt")
	path := utils.NormPath(file)

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	rec := waitRecord(t, store, path, func(r *statestore.Record) bool {
		return r.Status == statestore.StatusPresent
	})
	assert.Equal(t, "e2e", rec.ClientID)
	assert.Equal(t, fingerprint.Of([]byte("x"), time.Time{}).Hash, rec.Fingerprint.Hash)
	created := rec.Sequence

	require.NoError(t, os.WriteFile(file, []byte("yy"), 0o644))
	rec = waitRecord(t, store, path, func(r *statestore.Record) bool {
		return r.Sequence > created
	})
	assert.Equal(t, statestore.StatusPresent, rec.Status)
	assert.Equal(t, int64(2), rec.Fingerprint.Size)

	require.NoError(t, os.Remove(file))
	waitRecord(t, store, path, func(r *statestore.Record) bool {
		return r.Status == statestore.StatusDeleted
	})

	// the state dir lives outside the root, nothing else was reported
	records, err := store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), records)
}
