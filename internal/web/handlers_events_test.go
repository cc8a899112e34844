package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chatpilot/chatpilot/internal/logging"
)

func TestLogEventsStreamsBacklogThenLive(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.feed.Printf(logging.CompDetect, "change in 민수")

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+"/events/log", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Fatalf("expected text/event-stream content-type, got: %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	event, payload, err := readSSEEvent(reader)
	if err != nil {
		t.Fatalf("failed to read backlog event: %v", err)
	}
	if event != "line" {
		t.Fatalf("expected event 'line', got %q", event)
	}
	var line logging.Line
	if err := json.Unmarshal([]byte(payload), &line); err != nil {
		t.Fatalf("invalid line payload: %v", err)
	}
	if line.Component != logging.CompDetect || line.Text != "change in 민수" {
		t.Fatalf("unexpected backlog line: %+v", line)
	}

	// The handler subscribes before replaying, so a line published now is
	// delivered live.
	time.Sleep(20 * time.Millisecond)
	deps.feed.Printf(logging.CompProtocol, "민수 <INSTANT>")

	_, payload, err = readSSEEvent(reader)
	if err != nil {
		t.Fatalf("failed to read live event: %v", err)
	}
	if !strings.Contains(payload, "\\u003cINSTANT\\u003e") && !strings.Contains(payload, "<INSTANT>") {
		t.Fatalf("unexpected live payload: %s", payload)
	}
}

func TestLogEventsEndsWhenFeedCloses(t *testing.T) {
	srv, deps := newTestServer(t, Config{})

	testServer := httptest.NewServer(srv.Handler())
	defer testServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+"/events/log", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	time.Sleep(20 * time.Millisecond)
	deps.feed.Close()

	reader := bufio.NewReader(resp.Body)
	if _, _, err := readSSEEvent(reader); err == nil {
		t.Fatal("expected stream to end after the feed closed")
	}
}

func readSSEEvent(r *bufio.Reader) (string, string, error) {
	var (
		event string
		data  string
	)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event != "" || data != "" {
				return event, data, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}
