// Package storage is the core's single relational store: temporal
// messages and summaries, present state, long-term memory entries,
// workers, and session config, backed by a pure-Go SQLite driver. The
// driver itself is treated as an opaque transactional relational store
// with a triggered full-text index; this package owns the schema and
// the CAS/coverage logic on top of it.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentkernel/agentkernel/internal/core"
	"github.com/agentkernel/agentkernel/internal/ids"
	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"
)

// Store wraps a single SQLite database file implementing every storage
// operation named in the spec's §4.2.
type Store struct {
	db     *sql.DB
	ids    *ids.Service
	logger *slog.Logger
}

// Open opens (creating if absent) the database at path and runs
// migrations. path may be ":memory:" for tests. idSvc is kept on the
// Store; AppendMessage, CreateSummary and CreateWorker take ids the
// caller has already minted. Callers own its lifetime.
func Open(path string, idSvc *ids.Service, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps the core's single-writer, sequential
	// access model explicit even though SQLite itself would tolerate
	// more; the agent loop and the compaction worker share this pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, ids: idSvc, logger: logger.With("component", "storage")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS temporal_messages (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_use_id TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			tokens INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_temporal_messages_id ON temporal_messages(id)`,

		`CREATE TABLE IF NOT EXISTS temporal_summaries (
			id TEXT PRIMARY KEY,
			summary_order INTEGER NOT NULL,
			start_id TEXT NOT NULL,
			end_id TEXT NOT NULL,
			narrative TEXT NOT NULL,
			key_observations TEXT NOT NULL,
			tags TEXT NOT NULL,
			tokens INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_temporal_summaries_id ON temporal_summaries(id)`,

		`CREATE TABLE IF NOT EXISTS present_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			mission TEXT,
			status TEXT,
			tasks TEXT NOT NULL DEFAULT '[]',
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ltm_entries (
			slug TEXT PRIMARY KEY,
			parent_slug TEXT,
			path TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			links TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL,
			created_by TEXT NOT NULL,
			updated_by TEXT NOT NULL,
			archived_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ltm_entries_parent ON ltm_entries(parent_slug)`,

		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			error TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS session_config (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session_id, key)
		)`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(id UNINDEXED, content)`,
		`CREATE TRIGGER IF NOT EXISTS temporal_messages_ai AFTER INSERT ON temporal_messages BEGIN
			INSERT INTO messages_fts(id, content) VALUES (new.id, new.content);
		END`,

		`CREATE VIRTUAL TABLE IF NOT EXISTS ltm_fts USING fts5(slug UNINDEXED, title, body)`,
		`CREATE TRIGGER IF NOT EXISTS ltm_entries_ai AFTER INSERT ON ltm_entries BEGIN
			INSERT INTO ltm_fts(slug, title, body) VALUES (new.slug, new.title, new.body);
		END`,
		`CREATE TRIGGER IF NOT EXISTS ltm_entries_au AFTER UPDATE ON ltm_entries BEGIN
			DELETE FROM ltm_fts WHERE slug = old.slug;
			INSERT INTO ltm_fts(slug, title, body) VALUES (new.slug, new.title, new.body);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// RebuildFTS repopulates both full-text indexes from their base tables.
// Idempotent, so migrations and manual recovery can call it repeatedly.
func (s *Store) RebuildFTS() error {
	stmts := []string{
		`DELETE FROM messages_fts`,
		`INSERT INTO messages_fts(id, content) SELECT id, content FROM temporal_messages`,
		`DELETE FROM ltm_fts`,
		`INSERT INTO ltm_fts(slug, title, body) SELECT slug, title, body FROM ltm_entries`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild fts: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// sortKey is core.SortKey under a short local name used throughout this
// package's coverage-range comparisons.
func sortKey(id string) string { return core.SortKey(id) }
