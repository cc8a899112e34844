package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/chatpilot/chatpilot/internal/logging"
	"github.com/chatpilot/chatpilot/internal/queue"
	"github.com/chatpilot/chatpilot/internal/statedb"
)

func serve(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestAPIUnauthorizedWhenTokenEnabled(t *testing.T) {
	srv, _ := newTestServer(t, Config{Token: "secret-token"})

	for _, path := range []string{"/api/queue", "/api/sessions", "/api/log", "/api/history", "/events/log", "/ws/log"} {
		rr := serve(srv, http.MethodGet, path, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected status %d, got %d", path, http.StatusUnauthorized, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"code":"UNAUTHORIZED"`) {
			t.Fatalf("%s: expected UNAUTHORIZED body, got: %s", path, rr.Body.String())
		}
	}
}

func TestAPIAuthorizedWithBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, Config{Token: "secret-token"})

	rr := serve(srv, http.MethodGet, "/api/queue", http.Header{"Authorization": {"Bearer secret-token"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/queue?token=secret-token", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token: expected status %d, got %d", http.StatusOK, rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/queue", http.Header{"Authorization": {"Bearer wrong"}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer abc":       "abc",
		"  Bearer  abc  ":  "abc",
		"Basic abc":        "",
		"Bearer ":          "",
		"bearer lowercase": "",
	}
	for in, want := range cases {
		if got := bearerToken(in); got != want {
			t.Errorf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQueueEndpoint(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.queue.entries = []queue.EntryStatus{
		{Key: "민수", Status: queue.StatusProcessing},
		{Key: "엄마", Status: queue.StatusWaiting},
	}
	deps.flags.BeginRoomWatch("민수")

	rr := serve(srv, http.MethodGet, "/api/queue", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp queueResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.ActiveRoom != "민수" || len(resp.Entries) != 2 || resp.Entries[1].Status != queue.StatusWaiting {
		t.Fatalf("unexpected queue response: %+v", resp)
	}
}

func TestQueueEndpointEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rr := serve(srv, http.MethodGet, "/api/queue", nil)
	if !strings.Contains(rr.Body.String(), `"entries":[]`) {
		t.Fatalf("expected empty entries array, got: %s", rr.Body.String())
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.store.Replace("민수", "[민수] [오후 3:00] 뭐해")
	deps.store.Replace("엄마", "[나] [오후 2:00] 네")
	deps.flags.BeginRoomWatch("엄마")

	rr := serve(srv, http.MethodGet, "/api/sessions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var out []sessionSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 sessions, got %+v", out)
	}
	byKey := map[string]sessionSummary{}
	for _, s := range out {
		byKey[s.Key] = s
	}
	if byKey["민수"].LastSpeaker != "민수" || byKey["민수"].Active {
		t.Fatalf("unexpected summary: %+v", byKey["민수"])
	}
	if !byKey["엄마"].Active || byKey["엄마"].LastSpeaker != "나" {
		t.Fatalf("unexpected summary: %+v", byKey["엄마"])
	}
	if strings.Contains(rr.Body.String(), "뭐해") {
		t.Fatalf("session list should not carry transcripts: %s", rr.Body.String())
	}
}

func TestSessionByKey(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.store.Replace("민수", "[민수] [오후 3:00] 뭐해")
	deps.queue.entries = []queue.EntryStatus{{Key: "민수", Status: queue.StatusPending}}
	deps.history.entries = []statedb.Entry{
		{ID: "1", Key: "민수", Kind: statedb.KindDecision, Detail: "<INSTANT>", OK: true},
		{ID: "2", Key: "엄마", Kind: statedb.KindFinish, Detail: "tag", OK: true},
	}

	rr := serve(srv, http.MethodGet, "/api/sessions/"+url.PathEscape("민수"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp sessionDetailsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Key != "민수" || !strings.Contains(resp.Transcript, "뭐해") {
		t.Fatalf("unexpected details: %+v", resp)
	}
	if resp.Queue == nil || resp.Queue.Status != queue.StatusPending {
		t.Fatalf("expected queue entry, got %+v", resp.Queue)
	}
	if len(resp.History) != 1 || resp.History[0].Detail != "<INSTANT>" {
		t.Fatalf("unexpected history: %+v", resp.History)
	}
}

func TestSessionByKeyWithSpace(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.store.Replace("대학 동기", "[철수] [오전 9:00] 안녕")

	rr := serve(srv, http.MethodGet, "/api/sessions/"+url.PathEscape("대학 동기"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestSessionByKeyNotFound(t *testing.T) {
	srv, _ := newTestServer(t, Config{})

	rr := serve(srv, http.MethodGet, "/api/sessions/"+url.PathEscape("없음"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/api/sessions/", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestSessionByKeyHistoryErrorStillAnswers(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.store.Replace("민수", "[민수] [오후 3:00] 뭐해")
	deps.history.err = errors.New("database is locked")

	rr := serve(srv, http.MethodGet, "/api/sessions/"+url.PathEscape("민수"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestPauseResume(t *testing.T) {
	srv, deps := newTestServer(t, Config{})

	rr := serve(srv, http.MethodGet, "/api/pause", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause: expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}

	rr = serve(srv, http.MethodPost, "/api/pause", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"paused":true`) {
		t.Fatalf("pause: %d %s", rr.Code, rr.Body.String())
	}
	if !deps.flags.Paused() || !deps.flags.ListWatchSuspended() {
		t.Fatal("pause did not suspend the list watch")
	}

	rr = serve(srv, http.MethodPost, "/api/resume", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"paused":false`) {
		t.Fatalf("resume: %d %s", rr.Code, rr.Body.String())
	}
	if deps.flags.Paused() {
		t.Fatal("resume left the pilot paused")
	}

	lines := deps.feed.Lines(0)
	if len(lines) != 2 || lines[0].Text != "list watch paused" {
		t.Fatalf("unexpected feed lines: %+v", lines)
	}
}

func TestPauseReadOnly(t *testing.T) {
	srv, deps := newTestServer(t, Config{ReadOnly: true})

	rr := serve(srv, http.MethodPost, "/api/pause", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rr.Code)
	}
	if deps.flags.Paused() {
		t.Fatal("read-only dashboard paused the pilot")
	}
}

func TestLogEndpoint(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	for _, text := range []string{"one", "two", "three"} {
		deps.feed.Printf(logging.CompQueue, "%s", text)
	}

	rr := serve(srv, http.MethodGet, "/api/log?n=2", nil)
	var lines []logging.Line
	if err := json.Unmarshal(rr.Body.Bytes(), &lines); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(lines) != 2 || lines[0].Text != "two" || lines[1].Text != "three" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.history.entries = []statedb.Entry{
		{ID: "1", Key: "민수", Kind: statedb.KindDispatch, Detail: "밥 먹어", OK: true},
		{ID: "2", Key: "엄마", Kind: statedb.KindFinish, Detail: "grace", OK: true},
	}

	rr := serve(srv, http.MethodGet, "/api/history?limit=1", nil)
	var entries []statedb.Entry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	rr = serve(srv, http.MethodGet, "/api/history?key="+url.QueryEscape("엄마"), nil)
	entries = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "엄마" {
		t.Fatalf("unexpected timeline: %+v", entries)
	}
}

func TestHistoryEndpointFailure(t *testing.T) {
	srv, deps := newTestServer(t, Config{})
	deps.history.err = errors.New("disk I/O error")

	rr := serve(srv, http.MethodGet, "/api/history", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestQueryInt(t *testing.T) {
	cases := map[string]int{
		"":         7,
		"?n=3":     3,
		"?n=0":     7,
		"?n=-1":    7,
		"?n=abc":   7,
		"?n=99999": maxListLimit,
	}
	for q, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/log"+q, nil)
		if got := queryInt(req, "n", 7); got != want {
			t.Errorf("queryInt(%q) = %d, want %d", q, got, want)
		}
	}
}
