package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/forlifetrading/filevault/internal/events"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// subscriberBuffer is how many events a slow client may lag before drops.
	subscriberBuffer = 32
	wsPingInterval   = 30 * time.Second
	wsReadTimeout    = 90 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is applied by the HTTP middleware
	},
}

// handleSSE streams lifecycle events as server-sent events.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sub := s.opts.Bus.Subscribe(subscriberBuffer)
	defer sub.Close()
	log.Debug().Int("subscribers", s.opts.Bus.Subscribers()).Msg("SSE client connected")

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := events.Encode(ev)
			if err != nil {
				log.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event")
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleWebSocket streams lifecycle events as JSON websocket messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("event websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.opts.Bus.Subscribe(subscriberBuffer)
	defer sub.Close()

	// The read loop only services control frames; it ends when the client goes away.
	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	go func() {
		defer close(done)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("event websocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("event websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
