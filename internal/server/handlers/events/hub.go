// Package events streams applied changes to websocket subscribers
package events

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/caltaylor/dirwatch/internal/server/handlers/api"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/caltaylor/dirwatch/internal/version"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/glob"
)

const maxMessageSize = 4 * 1024

type Hub struct {
	clients  map[string]*Client // map of ConnID -> Client
	register chan *Client
	done     chan struct{}

	wg sync.WaitGroup
	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		register: make(chan *Client),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	slog.Info("events hub started")
	defer slog.Info("events hub stopped")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			slog.Debug("events hub registered", "connId", client.ConnID, "addr", client.Info.IPAddr, "active", len(h.clients))
			h.mu.Unlock()

			h.wg.Add(1)
			client.Start(ctx)
			go func() {
				<-client.Closed

				h.mu.Lock()
				defer h.mu.Unlock()

				delete(h.clients, client.ConnID)
				slog.Debug("events hub removed", "connId", client.ConnID, "active", len(h.clients))
				h.wg.Done()
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes every subscriber and waits for them to be removed
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		go c.Close()
	}

	h.wg.Wait()
	slog.Info("events hub shutdown")
}

// Notify fans the change out to every matching subscriber without blocking.
// A subscriber whose buffer is full misses the change and can catch up from the change log.
func (h *Hub) Notify(change statestore.Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := NewChangeMessage(change)
	for _, client := range h.clients {
		if !client.Wants(&change) {
			continue
		}
		select {
		case client.MsgTx <- msg:
		default:
			slog.Warn("events hub send buffer full", "connId", client.ConnID, "path", change.Path)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the connection and subscribes it. An optional `pattern` query
// restricts the stream to changes whose path (or source path) matches the glob.
func (h *Hub) Handler(ctx *gin.Context) {
	var filter glob.Glob
	if pattern := ctx.Query("pattern"); pattern != "" {
		var err error
		if filter, err = glob.Compile(pattern, '/'); err != nil {
			api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidPattern, fmt.Errorf("invalid pattern: %w", err))
			return
		}
	}

	conn, err := websocket.Accept(ctx.Writer, ctx.Request, nil)
	if err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := NewClient(conn, &ClientInfo{
		IPAddr:  ctx.ClientIP(),
		Headers: ctx.Request.Header.Clone(),
		Filter:  filter,
	})
	client.MsgTx <- NewSystemMessage(version.Version, "ok")

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, shutdownReason)
	}
}
