package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatpilot/chatpilot/internal/chat"
	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/queue"
	"github.com/chatpilot/chatpilot/internal/statedb"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type healthResponse struct {
	OK         bool      `json:"ok"`
	Paused     bool      `json:"paused"`
	ActiveRoom string    `json:"activeRoom,omitempty"`
	Queued     int       `json:"queued"`
	Uptime     string    `json:"uptime"`
	Time       time.Time `json:"time"`
}

type queueResponse struct {
	Paused     bool                `json:"paused"`
	ActiveRoom string              `json:"activeRoom,omitempty"`
	Entries    []queue.EntryStatus `json:"entries"`
}

type sessionSummary struct {
	Key          string            `json:"key"`
	LastSpeaker  string            `json:"lastSpeaker"`
	Relationship chat.Relationship `json:"relationship"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	Version      uint64            `json:"version"`
	Active       bool              `json:"active,omitempty"`
}

type sessionDetailsResponse struct {
	sessionSummary
	Transcript string             `json:"transcript"`
	Queue      *queue.EntryStatus `json:"queue,omitempty"`
	History    []statedb.Entry    `json:"history,omitempty"`
}

type controlResponse struct {
	Paused bool `json:"paused"`
}

const (
	defaultLogLines     = 100
	defaultHistoryLimit = 50
	maxListLimit        = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		OK:     true,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Time:   time.Now().UTC(),
	}
	if s.cfg.Control != nil {
		resp.Paused = s.cfg.Control.Paused()
		resp.ActiveRoom = s.cfg.Control.ActiveRoom()
	}
	if s.cfg.Queue != nil {
		resp.Queued = len(s.cfg.Queue.Snapshot())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	resp := queueResponse{Entries: []queue.EntryStatus{}}
	if s.cfg.Queue != nil {
		if entries := s.cfg.Queue.Snapshot(); entries != nil {
			resp.Entries = entries
		}
	}
	if s.cfg.Control != nil {
		resp.Paused = s.cfg.Control.Paused()
		resp.ActiveRoom = s.cfg.Control.ActiveRoom()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	out := []sessionSummary{}
	if s.cfg.Sessions != nil {
		active := s.activeRoom()
		for _, rec := range s.cfg.Sessions.Snapshot() {
			out = append(out, sessionSummary{
				Key:          rec.Key,
				LastSpeaker:  rec.LastSpeaker,
				Relationship: rec.Relationship,
				UpdatedAt:    rec.UpdatedAt,
				Version:      rec.Version,
				Active:       rec.Key == active,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionByKey(w http.ResponseWriter, r *http.Request) {
	const prefix = "/api/sessions/"
	key := strings.TrimPrefix(r.URL.Path, prefix)
	if key == "" || strings.Contains(key, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session key is required")
		return
	}
	if s.cfg.Sessions == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	rec, ok := s.cfg.Sessions.Get(key)
	if !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	resp := sessionDetailsResponse{
		sessionSummary: sessionSummary{
			Key:          rec.Key,
			LastSpeaker:  rec.LastSpeaker,
			Relationship: rec.Relationship,
			UpdatedAt:    rec.UpdatedAt,
			Version:      rec.Version,
			Active:       rec.Key == s.activeRoom(),
		},
		Transcript: rec.Transcript,
	}
	if s.cfg.Queue != nil {
		for _, e := range s.cfg.Queue.Snapshot() {
			if e.Key == key {
				entry := e
				resp.Queue = &entry
				break
			}
		}
	}
	if s.cfg.History != nil {
		entries, err := s.cfg.History.Timeline(r.Context(), key, queryInt(r, "limit", defaultHistoryLimit))
		if err != nil {
			webLog.Warn("history_read_failed", "key", key, "error", err)
		} else {
			resp.History = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.setPaused(w, true)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.setPaused(w, false)
}

func (s *Server) setPaused(w http.ResponseWriter, paused bool) {
	if s.cfg.ReadOnly {
		writeAPIError(w, http.StatusForbidden, "READ_ONLY", "dashboard is read-only")
		return
	}
	if s.cfg.Control == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "no pilot attached")
		return
	}
	if paused {
		s.cfg.Control.Pause()
		webLog.Info("paused_via_api")
		s.cfg.Feed.Printf(logging.CompWeb, "list watch paused")
	} else {
		s.cfg.Control.Resume()
		webLog.Info("resumed_via_api")
		s.cfg.Feed.Printf(logging.CompWeb, "list watch resumed")
	}
	writeJSON(w, http.StatusOK, controlResponse{Paused: s.cfg.Control.Paused()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	lines := s.cfg.Feed.Lines(queryInt(r, "n", defaultLogLines))
	if lines == nil {
		lines = []logging.Line{}
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "history is disabled")
		return
	}
	limit := queryInt(r, "limit", defaultHistoryLimit)
	var (
		entries []statedb.Entry
		err     error
	)
	if key := strings.TrimSpace(r.URL.Query().Get("key")); key != "" {
		entries, err = s.cfg.History.Timeline(r.Context(), key, limit)
	} else {
		entries, err = s.cfg.History.Recent(r.Context(), limit)
	}
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to read history")
		return
	}
	if entries == nil {
		entries = []statedb.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) activeRoom() string {
	if s.cfg.Control == nil {
		return ""
	}
	return s.cfg.Control.ActiveRoom()
}

// queryInt reads a positive integer parameter, clamped to maxListLimit.
func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxListLimit)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
