package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveWriteWait  = 10 * time.Second
	livePingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Counting runs on a closed network; the dashboard origin is not
	// known ahead of time.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// liveEvents streams a running job's crossing events over a websocket as
// JSON messages. The connection closes when the job finishes or the
// client goes away; slow clients lose events rather than stall the job.
func (s *Server) liveEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.manager.Get(r.PathValue("id"))
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Printf("api: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := j.Subscribe()
	defer unsubscribe()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces close frames and dead connections.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(livePingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(liveWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(s.convertEventSpeed(ev)); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
