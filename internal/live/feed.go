// Package live streams a call's change feed to browser clients over
// websockets: status changes, recap lifecycle updates and transcript turns
// as they are committed.
package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"callline-platform/internal/calls"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type FeedHandler struct {
	Store calls.Store
	Log   *slog.Logger

	upgrader websocket.Upgrader
}

func NewFeedHandler(store calls.Store, log *slog.Logger) *FeedHandler {
	return &FeedHandler{
		Store: store,
		Log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is served from another origin in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams the call's change feed until the
// client disconnects or the session resolves. The first frame is always a
// snapshot of the session as currently stored, so clients need no separate
// initial fetch and a feed event dropped before the upgrade is harmless.
func (h *FeedHandler) Serve(c *gin.Context) {
	callID := c.Param("id")
	session, err := h.Store.Get(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.Log.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	feed, err := h.Store.Subscribe(ctx, callID)
	if err != nil {
		h.Log.Warn("feed subscribe failed", "call_id", callID, "error", err)
		return
	}

	// Reader goroutine: we never expect client frames, but reading is the
	// only way to notice a close and to answer protocol pings.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := h.Log.With("call_id", callID)
	log.Debug("live feed attached")

	send := func(ev calls.ChangeEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug("live feed client gone", "error", err)
			return false
		}
		return true
	}

	if !send(calls.ChangeEvent{Kind: calls.ChangeSession, Session: &session}) {
		return
	}
	if session.Resolved() {
		h.closeNormally(conn)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
			if ev.Kind == calls.ChangeSession && ev.Session != nil && ev.Session.Resolved() {
				log.Debug("live feed closing, session resolved")
				h.closeNormally(conn)
				return
			}
		}
	}
}

func (h *FeedHandler) closeNormally(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call resolved"))
}
