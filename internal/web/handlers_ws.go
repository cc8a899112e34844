package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatpilot/chatpilot/internal/logging"
)

type wsClientMessage struct {
	Type string `json:"type"` // ping, pause, resume
}

type wsServerMessage struct {
	Type    string        `json:"type"` // status, line, error
	Event   string        `json:"event,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Line    *logging.Line `json:"line,omitempty"`
	Paused  *bool         `json:"paused,omitempty"`
	Time    time.Time     `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) status(event string) error {
	return w.WriteJSON(wsServerMessage{Type: "status", Event: event, Time: time.Now().UTC()})
}

func (w *wsConnWriter) fail(code, message string) error {
	return w.WriteJSON(wsServerMessage{Type: "error", Code: code, Message: message, Time: time.Now().UTC()})
}

func (s *Server) handleLogWS(w http.ResponseWriter, r *http.Request) {
	backlog := queryInt(r, "n", defaultLogLines)

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := &wsConnWriter{conn: conn}
	if err := writer.status("connected"); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		s.readWSCommands(conn, writer)
	}()

	s.followLog(ctx, backlog,
		func(line logging.Line) error {
			return writer.WriteJSON(wsServerMessage{Type: "line", Line: &line})
		},
		func() error { return writer.status("keepalive") },
	)
}

// readWSCommands handles client messages until the connection drops.
func (s *Server) readWSCommands(conn *websocket.Conn, writer *wsConnWriter) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.fail("INVALID_MESSAGE", "invalid json payload")
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.status("pong")
		case "pause", "resume":
			if s.cfg.ReadOnly {
				_ = writer.fail("READ_ONLY", "dashboard is read-only")
				continue
			}
			if s.cfg.Control == nil {
				_ = writer.fail("UNAVAILABLE", "no pilot attached")
				continue
			}
			if msg.Type == "pause" {
				s.cfg.Control.Pause()
			} else {
				s.cfg.Control.Resume()
			}
			s.cfg.Feed.Printf(logging.CompWeb, "list watch %sd", msg.Type)
			paused := s.cfg.Control.Paused()
			_ = writer.WriteJSON(wsServerMessage{Type: "status", Event: msg.Type, Paused: &paused, Time: time.Now().UTC()})
		default:
			_ = writer.fail("UNSUPPORTED_MESSAGE", "supported message types: ping,pause,resume")
		}
	}
}
