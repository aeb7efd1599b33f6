// Package audit records governance decisions: constitution verdicts on
// results, identity checks on sourced tasks and rejected tool calls. Entries
// go to logs/audit.jsonl and, when a database is attached, to audit_log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-hive/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Entry is one governance decision.
type Entry struct {
	Decision    string
	Action      string
	Reason      string
	RuleVersion string
	Subject     string
}

type line struct {
	Timestamp   string `json:"timestamp"`
	TraceID     string `json:"trace_id"`
	Decision    string `json:"decision"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
	RuleVersion string `json:"rule_version"`
	Subject     string `json:"subject,omitempty"`
}

// Log is an append-only audit sink. The zero value discards entries but
// still counts denials.
type Log struct {
	mu    sync.Mutex
	file  *os.File
	db    *sql.DB
	denys atomic.Int64
}

// Open creates or appends to <homeDir>/logs/audit.jsonl. db may be nil.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, db: db}, nil
}

// AttachDB starts mirroring entries into the audit_log table. The log is
// opened before the store during startup, so the database arrives later.
func (l *Log) AttachDB(db *sql.DB) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Denials returns the number of deny decisions recorded by this log.
func (l *Log) Denials() int64 {
	if l == nil {
		return 0
	}
	return l.denys.Load()
}

// Record writes one entry. Reason and subject are redacted first. Write
// failures are swallowed; auditing never blocks the decision it records.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Decision == DecisionDeny {
		l.denys.Add(1)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)
	traceID := shared.TraceID(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		b, err := json.Marshal(line{
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:     traceID,
			Decision:    e.Decision,
			Action:      e.Action,
			Reason:      e.Reason,
			RuleVersion: e.RuleVersion,
			Subject:     e.Subject,
		})
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, e.Subject, e.Action, e.Decision, e.Reason, e.RuleVersion)
	}
}
