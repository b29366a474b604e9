package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS streams run events as JSON websocket messages. The connection
// is closed with a normal closure after the terminal event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(req.runID, 256)
	defer s.events.Unsubscribe(req.runID, ch)
	finished := s.finished(req.runID)

	cur := &cursor{sent: req.since}
	// send reports whether the stream is finished
	send := func(ev streaming.Event) (bool, error) {
		if !cur.next(ev) {
			return false, nil
		}
		if req.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				return true, err
			}
		}
		return terminal(ev), nil
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(time.Second))
	}

	for _, ev := range s.events.ReplaySince(req.runID, req.since) {
		done, err := send(ev)
		if err != nil {
			return
		}
		if done {
			closeNormal()
			return
		}
	}
	if finished {
		closeNormal()
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump; client messages are discarded
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := send(ev)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
