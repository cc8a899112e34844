package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
)

var logEventsHeartbeatInterval = 15 * time.Second

func (s *Server) handleLogEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.followLog(r.Context(), queryInt(r, "n", defaultLogLines),
		func(line logging.Line) error { return writeSSEEvent(w, flusher, "line", line) },
		func() error { return writeSSEComment(w, flusher, "keepalive") },
	)
}

// followLog replays up to backlog recent feed lines, then emits live lines
// until ctx ends, the server shuts down or emit fails.
func (s *Server) followLog(ctx context.Context, backlog int, emit func(logging.Line) error, heartbeat func() error) {
	// Subscribe before reading the backlog so no line falls in between.
	live, cancel := s.cfg.Feed.Subscribe()
	defer cancel()

	var last time.Time
	for _, line := range s.cfg.Feed.Lines(backlog) {
		if err := emit(line); err != nil {
			return
		}
		last = line.At
	}

	ticker := time.NewTicker(logEventsHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if err := heartbeat(); err != nil {
				return
			}
		case line, ok := <-live:
			if !ok {
				return
			}
			if !line.At.After(last) {
				continue
			}
			if err := emit(line); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
