package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-hive/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

func readLines(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, l := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(l), &m); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	log.Record(ctx, Entry{Decision: DecisionDeny, Action: "result.accept", Reason: "forbidden tag", RuleVersion: "c-1", Subject: "scout-01"})
	log.Record(ctx, Entry{Decision: DecisionAllow, Action: "task.source", Reason: "signature ok", RuleVersion: "c-1", Subject: "ops"})

	lines := readLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	if lines[0]["decision"] != "deny" || lines[0]["action"] != "result.accept" {
		t.Fatalf("unexpected first entry: %#v", lines[0])
	}
	if lines[0]["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id, got %#v", lines[0]["trace_id"])
	}
	if log.Denials() != 1 {
		t.Fatalf("expected one denial, got %d", log.Denials())
	}
}

func TestRecordRedactsReason(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	log.Record(context.Background(), Entry{Decision: DecisionDeny, Action: "tool.invoke", Reason: "api_key=supersecretvalue12345"})
	lines := readLines(t, home)
	if strings.Contains(lines[0]["reason"].(string), "supersecretvalue12345") {
		t.Fatalf("secret leaked into audit log: %#v", lines[0])
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	log.Record(context.Background(), Entry{Decision: DecisionAllow, Action: "op1"})
	_ = log.Close()

	reopened, err := Open(home, nil)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	reopened.Record(context.Background(), Entry{Decision: DecisionAllow, Action: "op2"})

	lines := readLines(t, home)
	if len(lines) != 2 || lines[0]["action"] != "op1" || lines[1]["action"] != "op2" {
		t.Fatalf("expected both entries in order, got %#v", lines)
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	home := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(home, "audit.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE audit_log (
		audit_id INTEGER PRIMARY KEY AUTOINCREMENT, trace_id TEXT, subject TEXT, action TEXT NOT NULL,
		decision TEXT NOT NULL, reason TEXT, policy_version TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP);`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	log.Record(context.Background(), Entry{Decision: DecisionDeny, Action: "runtime.startup", Reason: "before attach"})
	log.AttachDB(db)
	log.Record(context.Background(), Entry{Decision: DecisionDeny, Action: "task.source", Reason: "bad signature"})

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE decision = 'deny';`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one audit row, got %d", n)
	}
}

func TestNilLogIsSafe(t *testing.T) {
	var log *Log
	log.Record(context.Background(), Entry{Decision: DecisionDeny})
	if log.Denials() != 0 {
		t.Fatal("nil log should report zero denials")
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close nil log: %v", err)
	}
}
