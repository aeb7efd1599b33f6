package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/shared"
)

type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "OPEN"
	TaskStatusBidding    TaskStatus = "BIDDING"
	TaskStatusAwarded    TaskStatus = "AWARDED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusExpired    TaskStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are expected. Expired is
// terminal only once the market has stopped re-posting, which the caller
// tracks through the reason code.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusOpen: {
		TaskStatusBidding: {},
		TaskStatusFailed:  {},
	},
	TaskStatusBidding: {
		TaskStatusAwarded: {},
		TaskStatusExpired: {},
		TaskStatusFailed:  {},
	},
	TaskStatusExpired: {
		TaskStatusBidding: {}, // Re-post after cooldown.
		TaskStatusExpired: {}, // Deadline passed during cooldown.
		TaskStatusFailed:  {},
	},
	TaskStatusAwarded: {
		TaskStatusInProgress: {},
		TaskStatusBidding:    {}, // Award released by the winner.
		TaskStatusFailed:     {},
		TaskStatusExpired:    {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusBidding:   {}, // Reopened with one fewer retry credit.
		TaskStatusExpired:   {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ErrStaleTransition means the stored status no longer matches the caller's
// view. The market treats it as a concurrency conflict.
var ErrStaleTransition = fmt.Errorf("stale task transition: %w", shared.ErrConcurrencyConflict)

// TaskRecord is the persisted task board row.
type TaskRecord struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Tags         []string   `json:"tags"`
	Deadline     time.Time  `json:"deadline"`
	Status       TaskStatus `json:"status"`
	Round        int        `json:"round"`
	RetryCredits int        `json:"retry_credits"`
	Reposts      int        `json:"reposts"`
	SourceID     string     `json:"source_id,omitempty"`
	AwardedTo    string     `json:"awarded_to,omitempty"`
	ReasonCode   string     `json:"reason_code,omitempty"`
	Detail       string     `json:"detail,omitempty"`
	Artifact     string     `json:"artifact,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BidRecord is one agent's bid in one bidding round.
type BidRecord struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Round       int       `json:"round"`
	Confidence  float64   `json:"confidence"`
	Cost        float64   `json:"cost"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AwardRecord is the clearing decision for one round.
type AwardRecord struct {
	TaskID    string    `json:"task_id"`
	Round     int       `json:"round"`
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	Report    string    `json:"report"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvent is one row of a task's audit trail.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `id, description, tags_json, deadline_ns, status, round, retry_credits, reposts,
	source_id, awarded_to, reason_code, detail, artifact, created_ns, updated_ns`

func scanTask(scanFn func(dest ...any) error, rec *TaskRecord) error {
	var tagsJSON string
	var deadline, created, updated int64
	if err := scanFn(
		&rec.ID, &rec.Description, &tagsJSON, &deadline, &rec.Status, &rec.Round, &rec.RetryCredits,
		&rec.Reposts, &rec.SourceID, &rec.AwardedTo, &rec.ReasonCode, &rec.Detail, &rec.Artifact,
		&created, &updated,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return fmt.Errorf("decode task tags: %w", err)
	}
	rec.Deadline = nsToTime(deadline)
	rec.CreatedAt = nsToTime(created)
	rec.UpdatedAt = nsToTime(updated)
	return nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?);
	`, taskID, shared.TraceID(ctx), eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// InsertTask stores a new task in OPEN status.
func (s *Store) InsertTask(ctx context.Context, rec TaskRecord) error {
	if rec.Status == "" {
		rec.Status = TaskStatusOpen
	}
	tags, err := json.Marshal(nonNilStrings(rec.Tags))
	if err != nil {
		return fmt.Errorf("encode task tags: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.Description, string(tags), timeToNS(rec.Deadline), rec.Status, rec.Round,
			rec.RetryCredits, rec.Reposts, rec.SourceID, rec.AwardedTo, rec.ReasonCode, rec.Detail,
			rec.Artifact, timeToNS(rec.CreatedAt), timeToNS(rec.UpdatedAt)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, rec.ID, "", rec.Status, "task.posted", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TransitionTask moves a task from `from` to rec.Status and rewrites the
// mutable columns, appending a task event. The update is conditional on the
// stored status so a stale writer gets ErrStaleTransition.
func (s *Store) TransitionTask(ctx context.Context, rec TaskRecord, from TaskStatus, eventType, payload string) error {
	if !canTransition(from, rec.Status) {
		return fmt.Errorf("illegal transition %s -> %s", from, rec.Status)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.transitionTaskTx(ctx, tx, rec, from, eventType, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: rec.ID, OldStatus: string(from), NewStatus: string(rec.Status),
		})
	}
	return err
}

func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, rec TaskRecord, from TaskStatus, eventType, payload string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, round = ?, retry_credits = ?, reposts = ?, awarded_to = ?,
			reason_code = ?, detail = ?, artifact = ?, updated_ns = ?
		WHERE id = ? AND status = ?;
	`, rec.Status, rec.Round, rec.RetryCredits, rec.Reposts, rec.AwardedTo, rec.ReasonCode,
		rec.Detail, rec.Artifact, timeToNS(rec.UpdatedAt), rec.ID, from)
	if err != nil {
		return fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return ErrStaleTransition
	}
	return s.appendTaskEventTx(ctx, tx, rec.ID, from, rec.Status, eventType, payload)
}

// AwardTask records the clearing decision and moves the task BIDDING ->
// AWARDED in one transaction. A second award for the same round violates the
// awards uniqueness constraint and surfaces as a concurrency conflict.
func (s *Store) AwardTask(ctx context.Context, rec TaskRecord, award AwardRecord) error {
	if rec.Status != TaskStatusAwarded {
		return fmt.Errorf("award requires status %s, got %s", TaskStatusAwarded, rec.Status)
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin award tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO awards (task_id, round, agent_id, score, report_json, created_ns)
			VALUES (?, ?, ?, ?, ?, ?);
		`, award.TaskID, award.Round, award.AgentID, award.Score, award.Report, timeToNS(award.CreatedAt)); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("duplicate award for %s round %d: %w", award.TaskID, award.Round, shared.ErrConcurrencyConflict)
			}
			return fmt.Errorf("insert award: %w", err)
		}
		if err := s.transitionTaskTx(ctx, tx, rec, TaskStatusBidding, "task.awarded", award.Report); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == nil {
		s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: rec.ID, OldStatus: string(TaskStatusBidding), NewStatus: string(TaskStatusAwarded),
		})
	}
	return err
}

// UpsertBid stores a bid, replacing the agent's earlier bid in the same round.
func (s *Store) UpsertBid(ctx context.Context, bid BidRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bids (task_id, agent_id, round, confidence, cost, evidence_ref, submitted_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, agent_id, round) DO UPDATE SET
				confidence = excluded.confidence,
				cost = excluded.cost,
				evidence_ref = excluded.evidence_ref,
				submitted_ns = excluded.submitted_ns;
		`, bid.TaskID, bid.AgentID, bid.Round, bid.Confidence, bid.Cost, bid.EvidenceRef, timeToNS(bid.SubmittedAt))
		if err != nil {
			return fmt.Errorf("upsert bid: %w", err)
		}
		return nil
	})
}

// ListBids returns the bids of one round ordered by submission time.
func (s *Store) ListBids(ctx context.Context, taskID string, round int) ([]BidRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, agent_id, round, confidence, cost, evidence_ref, submitted_ns
		FROM bids WHERE task_id = ? AND round = ?
		ORDER BY submitted_ns ASC, agent_id ASC;
	`, taskID, round)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	defer rows.Close()

	var out []BidRecord
	for rows.Next() {
		var b BidRecord
		var submitted int64
		if err := rows.Scan(&b.TaskID, &b.AgentID, &b.Round, &b.Confidence, &b.Cost, &b.EvidenceRef, &submitted); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		b.SubmittedAt = nsToTime(submitted)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListAwards returns every award ever made for a task, oldest round first.
func (s *Store) ListAwards(ctx context.Context, taskID string) ([]AwardRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, round, agent_id, score, report_json, created_ns
		FROM awards WHERE task_id = ? ORDER BY round ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list awards: %w", err)
	}
	defer rows.Close()

	var out []AwardRecord
	for rows.Next() {
		var a AwardRecord
		var created int64
		if err := rows.Scan(&a.TaskID, &a.Round, &a.AgentID, &a.Score, &a.Report, &created); err != nil {
			return nil, fmt.Errorf("scan award: %w", err)
		}
		a.CreatedAt = nsToTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetTask returns the task board record for id.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	var rec TaskRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &rec, nil
}

// ListTasks returns tasks in any of the given statuses (all tasks if none).
func (s *Store) ListTasks(ctx context.Context, statuses ...TaskStatus) ([]TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholders(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_ns ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := scanTask(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTaskEvents returns the audit trail of a task in order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ", ?"...)
	}
	return string(out)
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
