package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AgentRecord is the persisted per-agent state: lifecycle position, budgets
// and the pointers into persona and memory history.
type AgentRecord struct {
	ID              string    `json:"id"`
	Archetype       string    `json:"archetype"`
	Level           int       `json:"level"`
	LifecycleState  string    `json:"lifecycle_state"`
	OffDutyMode     string    `json:"offduty_mode,omitempty"`
	BudgetQuota     float64   `json:"budget_quota"`
	BudgetRemaining float64   `json:"budget_remaining"`
	ShiftStartedAt  time.Time `json:"shift_started_at"`
	ShiftEndsAt     time.Time `json:"shift_ends_at"`
	LastShiftExitAt time.Time `json:"last_shift_exit_at"`
	CyclesSinceExit int       `json:"cycles_since_exit"`
	PersonaVersion  int       `json:"persona_version"`
	ArchiveCount    int       `json:"archive_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const agentColumns = `id, archetype, level, lifecycle_state, offduty_mode, budget_quota, budget_remaining,
	shift_started_ns, shift_ends_ns, last_shift_exit_ns, cycles_since_exit, persona_version, archive_count, updated_ns`

// UpsertAgent writes the full agent record.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				archetype = excluded.archetype,
				level = excluded.level,
				lifecycle_state = excluded.lifecycle_state,
				offduty_mode = excluded.offduty_mode,
				budget_quota = excluded.budget_quota,
				budget_remaining = excluded.budget_remaining,
				shift_started_ns = excluded.shift_started_ns,
				shift_ends_ns = excluded.shift_ends_ns,
				last_shift_exit_ns = excluded.last_shift_exit_ns,
				cycles_since_exit = excluded.cycles_since_exit,
				persona_version = excluded.persona_version,
				archive_count = excluded.archive_count,
				updated_ns = excluded.updated_ns;
		`, rec.ID, rec.Archetype, rec.Level, rec.LifecycleState, rec.OffDutyMode, rec.BudgetQuota,
			rec.BudgetRemaining, timeToNS(rec.ShiftStartedAt), timeToNS(rec.ShiftEndsAt),
			timeToNS(rec.LastShiftExitAt), rec.CyclesSinceExit, rec.PersonaVersion, rec.ArchiveCount,
			timeToNS(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

func scanAgent(scanFn func(dest ...any) error, rec *AgentRecord) error {
	var started, ends, exit, updated int64
	if err := scanFn(&rec.ID, &rec.Archetype, &rec.Level, &rec.LifecycleState, &rec.OffDutyMode,
		&rec.BudgetQuota, &rec.BudgetRemaining, &started, &ends, &exit, &rec.CyclesSinceExit,
		&rec.PersonaVersion, &rec.ArchiveCount, &updated); err != nil {
		return err
	}
	rec.ShiftStartedAt = nsToTime(started)
	rec.ShiftEndsAt = nsToTime(ends)
	rec.LastShiftExitAt = nsToTime(exit)
	rec.UpdatedAt = nsToTime(updated)
	return nil
}

// GetAgent returns the agent record for id.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	var rec AgentRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	if err := scanAgent(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
