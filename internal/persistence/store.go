// Package persistence is the sqlite-backed record of the swarm: the market's
// task board (tasks, bids, awards, task events), per-agent records, tiered
// memory, persona snapshots, the reputation ledger and the tool-call ledger.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "hive-v1-2026-10-18-market-board"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gohive", "gohive.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	// Timestamps that take part in ordering or dedup are unix nanoseconds.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			deadline_ns INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('OPEN','BIDDING','AWARDED','IN_PROGRESS','COMPLETED','FAILED','EXPIRED')),
			round INTEGER NOT NULL DEFAULT 0,
			retry_credits INTEGER NOT NULL DEFAULT 0,
			reposts INTEGER NOT NULL DEFAULT 0,
			source_id TEXT NOT NULL DEFAULT '',
			awarded_to TEXT NOT NULL DEFAULT '',
			reason_code TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			artifact TEXT NOT NULL DEFAULT '',
			created_ns INTEGER NOT NULL,
			updated_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT NOT NULL DEFAULT '-',
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS bids (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			agent_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			confidence REAL NOT NULL,
			cost REAL NOT NULL,
			evidence_ref TEXT NOT NULL DEFAULT '',
			submitted_ns INTEGER NOT NULL,
			PRIMARY KEY (task_id, agent_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS awards (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			round INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			score REAL NOT NULL,
			report_json TEXT NOT NULL DEFAULT '{}',
			created_ns INTEGER NOT NULL,
			UNIQUE(task_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			archetype TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 0,
			lifecycle_state TEXT NOT NULL,
			offduty_mode TEXT NOT NULL DEFAULT '',
			budget_quota REAL NOT NULL DEFAULT 0,
			budget_remaining REAL NOT NULL DEFAULT 0,
			shift_started_ns INTEGER NOT NULL DEFAULT 0,
			shift_ends_ns INTEGER NOT NULL DEFAULT 0,
			last_shift_exit_ns INTEGER NOT NULL DEFAULT 0,
			cycles_since_exit INTEGER NOT NULL DEFAULT 0,
			persona_version INTEGER NOT NULL DEFAULT 0,
			archive_count INTEGER NOT NULL DEFAULT 0,
			updated_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			tier TEXT NOT NULL CHECK(tier IN ('episodic','semantic','procedural','autobiographical')),
			key TEXT NOT NULL,
			content TEXT NOT NULL,
			tags_json TEXT NOT NULL DEFAULT '[]',
			content_hash TEXT NOT NULL,
			decay_weight REAL NOT NULL DEFAULT 1.0,
			writer TEXT NOT NULL,
			source TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			committed INTEGER NOT NULL DEFAULT 1,
			created_ns INTEGER NOT NULL,
			updated_ns INTEGER NOT NULL,
			UNIQUE(agent_id, tier, key)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_state (
			agent_id TEXT PRIMARY KEY,
			dream_watermark_ns INTEGER NOT NULL DEFAULT 0,
			updated_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS persona_snapshots (
			agent_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			traits_json TEXT NOT NULL,
			style_json TEXT NOT NULL,
			modality_json TEXT NOT NULL,
			continuity REAL NOT NULL,
			damping REAL NOT NULL DEFAULT 1.0,
			diff_json TEXT NOT NULL DEFAULT '{}',
			reason TEXT NOT NULL DEFAULT '',
			created_ns INTEGER NOT NULL,
			PRIMARY KEY (agent_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS reputation_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL,
			quality REAL NOT NULL,
			merit REAL NOT NULL,
			at_ns INTEGER NOT NULL,
			UNIQUE(agent_id, task_id, round)
		);`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			round INTEGER NOT NULL DEFAULT 0,
			step INTEGER NOT NULL,
			attempt INTEGER NOT NULL,
			tool TEXT NOT NULL,
			input_json TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memory_agent_tier ON memory_records(agent_id, tier, created_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_agent ON reputation_events(agent_id, at_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_task ON tool_calls(task_id, round, step, attempt);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// RetentionResult holds the counts of purged records.
type RetentionResult struct {
	PurgedTaskEvents int64 `json:"purged_task_events"`
	PurgedAuditLogs  int64 `json:"purged_audit_logs"`
	PurgedToolCalls  int64 `json:"purged_tool_calls"`
}

// RunRetention deletes event-style records older than the given windows.
// A zero window keeps that category forever. Memory, persona and reputation
// history are never purged.
func (s *Store) RunRetention(ctx context.Context, now time.Time, taskEventDays, auditLogDays, toolCallDays int) (RetentionResult, error) {
	var result RetentionResult
	if taskEventDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}
	if auditLogDays > 0 {
		cutoff := now.UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format("2006-01-02 15:04:05"))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}
	if toolCallDays > 0 {
		cutoff := now.AddDate(0, 0, -toolCallDays).UnixNano()
		res, err := s.db.ExecContext(ctx, `DELETE FROM tool_calls WHERE created_ns < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge tool_calls: %w", err)
		}
		result.PurgedToolCalls, _ = res.RowsAffected()
	}
	return result, nil
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func timeToNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
