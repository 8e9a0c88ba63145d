package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rzbill/changeflo/internal/changestream"
	"github.com/rzbill/changeflo/internal/streamerr"
)

const wsWriteWait = 10 * time.Second

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSink sends each change event as one JSON text message.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Send(doc changestream.Document) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(doc)
}

func (s *wsSink) Context() context.Context { return s.ctx }

// Flush is a no-op; every message is written as a whole frame.
func (s *wsSink) Flush() error { return nil }

// handleWatchWebsocket upgrades the connection and pushes change events
// until the stream ends or the client goes away. Failures are sent as a
// final {"error","code"} message followed by a close frame.
func (c *ChangeStreamsController) handleWatchWebsocket(w http.ResponseWriter, r *http.Request) {
	req, err := watchRequestFromQuery(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is only used to notice the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = c.svc.Watch(req, &wsSink{ctx: ctx, conn: conn})
	deadline := time.Now().Add(wsWriteWait)
	if err != nil {
		_, body := streamerr.ToHTTP(err)
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteJSON(body)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, body.Code), deadline)
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
