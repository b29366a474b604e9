package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskrouter/internal/streaming"
)

var heartbeatInterval = 15 * time.Second

// streamRequest is the parsed query of an event stream request
type streamRequest struct {
	runID  string
	since  uint64
	filter map[string]struct{}
}

func parseStreamRequest(r *http.Request) streamRequest {
	req := streamRequest{runID: r.PathValue("id"), filter: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				req.filter[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.since = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.since == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.since = n
		}
	}
	return req
}

func (q streamRequest) wants(ev streaming.Event) bool {
	if len(q.filter) == 0 {
		return true
	}
	_, ok := q.filter[ev.Type]
	return ok
}

func terminal(ev streaming.Event) bool {
	return ev.Type == streaming.EventRunCompleted || ev.Type == streaming.EventRunFailed
}

// cursor drops events already delivered. Replay and live delivery overlap
// because the subscription is opened before the backlog is read.
type cursor struct {
	sent uint64
}

func (c *cursor) next(ev streaming.Event) bool {
	if ev.Seq > 0 && ev.Seq <= c.sent {
		return false
	}
	if ev.Seq > c.sent {
		c.sent = ev.Seq
	}
	return true
}

// handleSSE streams run events as Server-Sent Events.
// GET /v1/runs/{id}/events?types=a,b&last_event_id=N
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := s.events.Subscribe(req.runID, 256)
	defer s.events.Unsubscribe(req.runID, ch)
	// A finished run has published everything the replay can return
	finished := s.finished(req.runID)

	fmt.Fprintf(w, ": connected to run %s\n\n", req.runID)
	flusher.Flush()

	cur := &cursor{sent: req.since}
	// write reports whether the stream is finished
	write := func(ev streaming.Event) bool {
		if !cur.next(ev) {
			return false
		}
		if req.wants(ev) {
			if ev.Seq > 0 {
				fmt.Fprintf(w, "id: %d\n", ev.Seq)
			}
			if ev.Type != "" {
				fmt.Fprintf(w, "event: %s\n", ev.Type)
			}
			fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
		}
		return terminal(ev)
	}

	for _, ev := range s.events.ReplaySince(req.runID, req.since) {
		if write(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()
	if finished {
		return
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", req.runID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done := write(ev)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
