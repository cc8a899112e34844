package statedb

import (
	"fmt"
	"strconv"
)

// SchemaVersion is the version Migrate brings a database to.
// Bump this when appending to migrations.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instance_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			tag         TEXT NOT NULL,
			transcript  TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dispatches (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			text        TEXT NOT NULL,
			ok          INTEGER NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			transcript  TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_key ON decisions (session_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_key ON dispatches (session_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_key ON transcripts (session_key, created_at)`,
	},
	{
		`CREATE TABLE IF NOT EXISTS finishes (
			id          TEXT PRIMARY KEY,
			session_key TEXT NOT NULL,
			reason      TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_finishes_key ON finishes (session_key, created_at)`,
	},
}

// Migrate creates tables if they don't exist and runs any pending migrations
// in one transaction.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migrations[0][0]); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	version := 0
	var raw string
	if err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw); err == nil {
		if v, convErr := strconv.Atoi(raw); convErr == nil {
			version = v
		}
	}
	if version > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than this binary (%d)", version, SchemaVersion)
	}

	for v := version; v < SchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statedb: migrate to %d: %w", v+1, err)
			}
		}
		historyLog.Info("schema_migrated", "version", v+1)
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}
	return tx.Commit()
}
