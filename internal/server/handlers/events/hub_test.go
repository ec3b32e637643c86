package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/events", hub.Handler)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		hub.Shutdown()
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	var hello Message
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	assert.Equal(t, MsgSystem, hello.Type)
	assert.Equal(t, "ok", hello.Status)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	var msg Message
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestHub_StreamsChanges(t *testing.T) {
	hub, url := startHub(t)
	all := dial(t, url)
	jsonOnly := dial(t, url+"?pattern=/w/**.json")

	require.Eventually(t, func() bool { return hub.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	hub.Notify(statestore.Change{ID: 1, Path: "/w/a.txt", Kind: transition.Created, Sequence: 1})
	hub.Notify(statestore.Change{ID: 2, Path: "/w/sub/b.json", Kind: transition.Modified, Sequence: 4})

	first := read(t, all)
	require.Equal(t, MsgChange, first.Type)
	assert.Equal(t, "/w/a.txt", first.Change.Path)
	assert.Equal(t, "/w/sub/b.json", read(t, all).Change.Path)

	filtered := read(t, jsonOnly)
	assert.Equal(t, int64(2), filtered.Change.ID)
	assert.Equal(t, transition.Modified, filtered.Change.Kind)
}

func TestHub_RemovesClosedSubscribers(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_InvalidPattern(t *testing.T) {
	_, url := startHub(t)

	_, resp, err := websocket.Dial(t.Context(), url+"?pattern=%5B", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestClient_Wants(t *testing.T) {
	c := &Client{Info: &ClientInfo{}}
	assert.True(t, c.Wants(&statestore.Change{Path: "/anything"}))
}
