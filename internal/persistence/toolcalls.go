package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolCallRecord is one attempt of one plan step.
type ToolCallRecord struct {
	ID        string
	AgentID   string
	TaskID    string
	Round     int
	Step      int
	Attempt   int
	Tool      string
	Input     string
	Output    string
	Error     string
	Duration  time.Duration
	CreatedAt time.Time
}

// RecordToolCall appends an entry to the tool-call ledger.
func (s *Store) RecordToolCall(ctx context.Context, rec ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Input == "" {
		rec.Input = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tool_calls (id, agent_id, task_id, round, step, attempt, tool, input_json,
				output, error, duration_ms, created_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.AgentID, rec.TaskID, rec.Round, rec.Step, rec.Attempt, rec.Tool, rec.Input,
			rec.Output, rec.Error, rec.Duration.Milliseconds(), timeToNS(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("record tool call: %w", err)
		}
		return nil
	})
}

// ListToolCalls returns the ledger for one task in execution order.
func (s *Store) ListToolCalls(ctx context.Context, taskID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, task_id, round, step, attempt, tool, input_json, output, error,
			duration_ms, created_ns
		FROM tool_calls WHERE task_id = ? ORDER BY round ASC, step ASC, attempt ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var ms, created int64
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.TaskID, &rec.Round, &rec.Step, &rec.Attempt,
			&rec.Tool, &rec.Input, &rec.Output, &rec.Error, &ms, &created); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		rec.CreatedAt = nsToTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
