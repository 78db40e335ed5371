package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/bypassd/internal/events"
)

const (
	eventWriteWait    = 10 * time.Second
	eventPingInterval = 30 * time.Second
	eventBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The stream is read-only operational data served on the same
	// listener as the API, which has no origin policy either.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. An optional
// ?source= query keeps only events from that source.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	source := r.URL.Query().Get("source")

	// Subscribe before the handshake completes so nothing published
	// after the client sees the upgrade is missed.
	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "source", source)

	// Reads only detect the client going away; inbound frames are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(eventWriteWait))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !matchSource(e, source) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

func matchSource(e events.Event, source string) bool {
	return source == "" || e.Source == source
}
