package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatpilot/chatpilot/internal/logging"
)

func wsURL(baseURL, path string) string {
	if strings.HasPrefix(baseURL, "https://") {
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + path
	}
	return "ws://" + strings.TrimPrefix(baseURL, "http://") + path
}

func readWS(t *testing.T, conn *websocket.Conn) wsServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func TestWSUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t, Config{Token: "secret-token"})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/log"), nil)
	if err == nil {
		t.Fatal("expected websocket dial error for unauthorized request")
	}
	if resp == nil {
		t.Fatal("expected HTTP response for unauthorized websocket upgrade")
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWSStreamsLines(t *testing.T) {
	srv, deps := newTestServer(t, Config{Token: "secret-token"})
	deps.feed.Printf(logging.CompQueue, "엄마 waiting 1m0s")

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/log?token=secret-token"), nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial failed with status %d: %v", resp.StatusCode, err)
		}
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if msg := readWS(t, conn); msg.Type != "status" || msg.Event != "connected" {
		t.Fatalf("expected connected status, got %+v", msg)
	}
	msg := readWS(t, conn)
	if msg.Type != "line" || msg.Line == nil || msg.Line.Text != "엄마 waiting 1m0s" {
		t.Fatalf("expected backlog line, got %+v", msg)
	}

	time.Sleep(20 * time.Millisecond)
	deps.feed.Printf(logging.CompWatch, "watching 엄마")
	msg = readWS(t, conn)
	if msg.Type != "line" || msg.Line == nil || msg.Line.Text != "watching 엄마" {
		t.Fatalf("expected live line, got %+v", msg)
	}
}

func TestWSCommands(t *testing.T) {
	srv, deps := newTestServer(t, Config{})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/log"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readWS(t, conn) // connected

	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if msg := readWS(t, conn); msg.Event != "pong" {
		t.Fatalf("expected pong, got %+v", msg)
	}

	if err := conn.WriteJSON(wsClientMessage{Type: "pause"}); err != nil {
		t.Fatalf("write pause: %v", err)
	}
	// The feed line announcing the pause may arrive before the status reply.
	var status wsServerMessage
	for i := 0; i < 2; i++ {
		if msg := readWS(t, conn); msg.Type == "status" {
			status = msg
			break
		}
	}
	if status.Event != "pause" || status.Paused == nil || !*status.Paused {
		t.Fatalf("expected paused status, got %+v", status)
	}
	if !deps.flags.Paused() {
		t.Fatal("pause command did not pause the pilot")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{")); err != nil {
		t.Fatalf("write invalid: %v", err)
	}
	for i := 0; i < 2; i++ {
		msg := readWS(t, conn)
		if msg.Type == "error" {
			if msg.Code != "INVALID_MESSAGE" {
				t.Fatalf("expected INVALID_MESSAGE, got %+v", msg)
			}
			return
		}
	}
	t.Fatal("no error reply for invalid payload")
}

func TestWSReadOnlyRefusesPause(t *testing.T) {
	srv, deps := newTestServer(t, Config{ReadOnly: true})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(testServer.URL, "/ws/log"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	readWS(t, conn) // connected

	if err := conn.WriteJSON(wsClientMessage{Type: "pause"}); err != nil {
		t.Fatalf("write pause: %v", err)
	}
	if msg := readWS(t, conn); msg.Type != "error" || msg.Code != "READ_ONLY" {
		t.Fatalf("expected READ_ONLY error, got %+v", msg)
	}
	if deps.flags.Paused() {
		t.Fatal("read-only dashboard paused the pilot")
	}
}

func TestAllowWSOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://localhost:8787/ws/log", nil)
	if !allowWSOrigin(req) {
		t.Fatal("missing origin should be allowed")
	}
	req.Header.Set("Origin", "http://localhost:8787")
	if !allowWSOrigin(req) {
		t.Fatal("same origin should be allowed")
	}
	req.Header.Set("Origin", "http://evil.example")
	if allowWSOrigin(req) {
		t.Fatal("cross origin should be refused")
	}
}
