package persistence

import (
	"context"
	"fmt"
	"time"
)

// ReputationEvent is one append-only entry in the reputation ledger.
type ReputationEvent struct {
	AgentID string
	TaskID  string
	Round   int
	Success bool
	Quality float64
	Merit   float64
	At      time.Time
}

// AppendReputationEvent records an outcome. Re-recording the same
// (agent, task, round) is ignored and reported as false.
func (s *Store) AppendReputationEvent(ctx context.Context, ev ReputationEvent) (bool, error) {
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO reputation_events (agent_id, task_id, round, success, quality, merit, at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.AgentID, ev.TaskID, ev.Round, ev.Success, ev.Quality, ev.Merit, timeToNS(ev.At))
		if err != nil {
			return fmt.Errorf("append reputation event: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// ListReputationEvents returns the ledger for one agent, or for every agent
// when agentID is empty, ordered by (at, task id).
func (s *Store) ListReputationEvents(ctx context.Context, agentID string) ([]ReputationEvent, error) {
	query := `SELECT agent_id, task_id, round, success, quality, merit, at_ns FROM reputation_events`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY at_ns ASC, task_id ASC, round ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reputation events: %w", err)
	}
	defer rows.Close()

	var out []ReputationEvent
	for rows.Next() {
		var ev ReputationEvent
		var at int64
		if err := rows.Scan(&ev.AgentID, &ev.TaskID, &ev.Round, &ev.Success, &ev.Quality, &ev.Merit, &at); err != nil {
			return nil, fmt.Errorf("scan reputation event: %w", err)
		}
		ev.At = nsToTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
