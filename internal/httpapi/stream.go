package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamBuffer  = 64
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// streamEvents upgrades the connection to a websocket and relays bus events
// until the client hangs up. Slow readers fall behind on the subscriber
// buffer and the bus drops events for them rather than stalling publishers.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read pump only exists to notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	id, ch := h.deps.Bus.Subscribe(streamBuffer)
	defer h.deps.Bus.Unsubscribe(id)

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")
	defer h.log.Debug().Str("remote", r.RemoteAddr).Msg("event stream closed")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		case evt := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
