package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind names the table a history Entry came from.
type Kind string

const (
	KindDecision   Kind = "decision"
	KindDispatch   Kind = "dispatch"
	KindTranscript Kind = "transcript"
	KindFinish     Kind = "finish"
)

// Entry is one row of a session's history.
type Entry struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Kind Kind   `json:"kind"`
	// Detail is the tag, the sent text, the transcript or the finish reason.
	Detail string    `json:"detail"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s *StateDB) insert(ctx context.Context, table, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		historyLog.Warn("history_insert_failed", "table", table, "error", err)
		return fmt.Errorf("statedb: insert %s: %w", table, err)
	}
	if err := s.Touch(); err != nil {
		historyLog.Debug("history_touch_failed", "error", err)
	}
	return nil
}

// RecordDecision stores an oracle decision and the transcript it saw.
func (s *StateDB) RecordDecision(ctx context.Context, key, tag, transcript string, cause error) error {
	return s.insert(ctx, "decisions",
		"INSERT INTO decisions (id, session_key, tag, transcript, error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), key, tag, transcript, errText(cause), s.now().UnixNano())
}

// RecordDispatch stores one send attempt.
func (s *StateDB) RecordDispatch(ctx context.Context, key, text string, sendErr error) error {
	ok := 0
	if sendErr == nil {
		ok = 1
	}
	return s.insert(ctx, "dispatches",
		"INSERT INTO dispatches (id, session_key, text, ok, error, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		uuid.NewString(), key, text, ok, errText(sendErr), s.now().UnixNano())
}

// RecordTranscript stores the pane as read back after a dispatch.
func (s *StateDB) RecordTranscript(ctx context.Context, key, transcript string) error {
	return s.insert(ctx, "transcripts",
		"INSERT INTO transcripts (id, session_key, transcript, created_at) VALUES (?, ?, ?, ?)",
		uuid.NewString(), key, transcript, s.now().UnixNano())
}

// RecordFinish stores why a session was closed.
func (s *StateDB) RecordFinish(ctx context.Context, key, reason string) error {
	return s.insert(ctx, "finishes",
		"INSERT INTO finishes (id, session_key, reason, created_at) VALUES (?, ?, ?, ?)",
		uuid.NewString(), key, reason, s.now().UnixNano())
}

const historyUnion = `
	SELECT id, session_key, 'decision' AS kind, tag AS detail, (error = '') AS ok, error, created_at FROM decisions
	UNION ALL
	SELECT id, session_key, 'dispatch', text, ok, error, created_at FROM dispatches
	UNION ALL
	SELECT id, session_key, 'transcript', transcript, 1, '', created_at FROM transcripts
	UNION ALL
	SELECT id, session_key, 'finish', reason, 1, '', created_at FROM finishes`

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			ok   int
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Key, &kind, &e.Detail, &ok, &e.Error, &at); err != nil {
			return nil, fmt.Errorf("statedb: scan history: %w", err)
		}
		e.Kind = Kind(kind)
		e.OK = ok != 0
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Timeline returns the newest limit entries for key in chronological order.
func (s *StateDB) Timeline(ctx context.Context, key string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT * FROM ("+historyUnion+") WHERE session_key = ? ORDER BY created_at DESC LIMIT ?",
		key, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: timeline: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	return entries, nil
}

// Recent returns the newest limit entries across all sessions, newest first.
func (s *StateDB) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT * FROM ("+historyUnion+") ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: recent: %w", err)
	}
	return scanEntries(rows)
}

// Keys returns every session key with history, most recently active first.
func (s *StateDB) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_key FROM ("+historyUnion+") GROUP BY session_key ORDER BY MAX(created_at) DESC")
	if err != nil {
		return nil, fmt.Errorf("statedb: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("statedb: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TagCounts counts decisions per tag, optionally for one key ("" for all).
func (s *StateDB) TagCounts(ctx context.Context, key string) (map[string]int, error) {
	query := "SELECT tag, COUNT(*) FROM decisions"
	var args []any
	if key != "" {
		query += " WHERE session_key = ?"
		args = append(args, key)
	}
	rows, err := s.db.QueryContext(ctx, query+" GROUP BY tag", args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: tag counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			tag string
			n   int
		)
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("statedb: scan tag count: %w", err)
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}
