package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

const (
	writeTimeout   = 20 * time.Second
	shutdownReason = "shutdown"
	sendBuffer     = 256
)

type ClientInfo struct {
	IPAddr  string
	Headers http.Header
	Filter  glob.Glob // nil streams every change
}

type MessageType string

const (
	MsgSystem MessageType = "system"
	MsgChange MessageType = "change"
)

type Message struct {
	Type    MessageType        `json:"type"`
	Change  *statestore.Change `json:"change,omitempty"`
	Version string             `json:"version,omitempty"`
	Status  string             `json:"status,omitempty"`
}

func NewChangeMessage(c statestore.Change) *Message {
	return &Message{Type: MsgChange, Change: &c}
}

func NewSystemMessage(version, status string) *Message {
	return &Message{Type: MsgSystem, Version: version, Status: status}
}

// Client is one websocket subscriber. The stream is server to client only.
type Client struct {
	ConnID string
	Info   *ClientInfo
	MsgTx  chan *Message
	Closed chan struct{}

	conn      *websocket.Conn
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(conn *websocket.Conn, info *ClientInfo) *Client {
	return &Client{
		ConnID: uuid.NewString()[:8],
		Info:   info,
		MsgTx:  make(chan *Message, sendBuffer),
		Closed: make(chan struct{}),
		wsDone: make(chan struct{}),
		conn:   conn,
	}
}

// Wants reports whether the change matches the subscriber's filter
func (c *Client) Wants(change *statestore.Change) bool {
	if c.Info.Filter == nil {
		return true
	}
	if c.Info.Filter.Match(change.Path) {
		return true
	}
	return change.FromPath != "" && c.Info.Filter.Match(change.FromPath)
}

func (c *Client) Start(ctx context.Context) {
	slog.Debug("events client start", "connId", c.ConnID)
	c.wg.Add(1)
	go c.writeLoop(ctx)
}

func (c *Client) Close() {
	c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
}

func (c *Client) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason) //nolint:errcheck

		c.wg.Wait()

		close(c.Closed)
		slog.Debug("events client closed", "connId", c.ConnID)
	})
}

func (c *Client) writeLoop(ctx context.Context) {
	// CloseRead discards anything the subscriber sends and cancels readCtx once the peer goes away
	readCtx := c.conn.CloseRead(ctx)

	defer func() {
		slog.Debug("events client writer shutdown", "connId", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-c.MsgTx:
			ctxWrite, cancel := context.WithTimeout(readCtx, writeTimeout)
			err := wsjson.Write(ctxWrite, c.conn, msg)
			cancel()
			if err != nil {
				slog.Warn("events client writer", "connId", c.ConnID, "type", msg.Type, "error", err)
				return
			}

		case <-c.wsDone:
			return

		case <-readCtx.Done():
			return
		}
	}
}
