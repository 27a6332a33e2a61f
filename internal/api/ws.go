package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single event write may block before the
// connection is dropped.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents upgrades the connection to a WebSocket and forwards execution
// events until the client disconnects. Slow clients miss events rather than
// stall the broker.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		h.errorResponse(w, "event stream is not configured", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, cancel := h.broker.Subscribe()
	defer cancel()

	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream connected")

	// The read loop exists only to notice the client going away; inbound
	// messages are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Msg("event stream write failed")
				}
				return
			}
		}
	}
}
