package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MemoryRow is the storage form of a tiered memory record.
type MemoryRow struct {
	ID          string
	AgentID     string
	Tier        string
	Key         string
	Content     string
	Tags        []string
	ContentHash string
	DecayWeight float64
	Writer      string
	Source      string
	TaskID      string
	Committed   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const memoryColumns = `id, agent_id, tier, key, content, tags_json, content_hash, decay_weight,
	writer, source, task_id, committed, created_ns, updated_ns`

// InsertMemory appends a record and ignores it when (agent, tier, key) already
// exists. It reports whether a row was written.
func (s *Store) InsertMemory(ctx context.Context, row MemoryRow) (bool, error) {
	tags, err := json.Marshal(nonNilStrings(row.Tags))
	if err != nil {
		return false, fmt.Errorf("encode memory tags: %w", err)
	}
	var inserted bool
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_records (`+memoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, row.ID, row.AgentID, row.Tier, row.Key, row.Content, string(tags), row.ContentHash,
			row.DecayWeight, row.Writer, row.Source, row.TaskID, row.Committed,
			timeToNS(row.CreatedAt), timeToNS(row.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert memory rows affected: %w", err)
		}
		inserted = n == 1
		return nil
	})
	return inserted, err
}

// UpsertMemory writes a mutable-tier record keyed by (agent, tier, key). The
// original id and creation time are kept on update.
func (s *Store) UpsertMemory(ctx context.Context, row MemoryRow) (MemoryRow, error) {
	tags, err := json.Marshal(nonNilStrings(row.Tags))
	if err != nil {
		return row, fmt.Errorf("encode memory tags: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_records (`+memoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, tier, key) DO UPDATE SET
				content = excluded.content,
				tags_json = excluded.tags_json,
				content_hash = excluded.content_hash,
				decay_weight = excluded.decay_weight,
				writer = excluded.writer,
				source = excluded.source,
				task_id = excluded.task_id,
				committed = excluded.committed,
				updated_ns = excluded.updated_ns;
		`, row.ID, row.AgentID, row.Tier, row.Key, row.Content, string(tags), row.ContentHash,
			row.DecayWeight, row.Writer, row.Source, row.TaskID, row.Committed,
			timeToNS(row.CreatedAt), timeToNS(row.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert memory: %w", err)
		}
		return nil
	})
	if err != nil {
		return row, err
	}
	return s.getMemoryByKey(ctx, row.AgentID, row.Tier, row.Key)
}

func (s *Store) getMemoryByKey(ctx context.Context, agentID, tier, key string) (MemoryRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memory_records
		WHERE agent_id = ? AND tier = ? AND key = ?;`, agentID, tier, key)
	if err != nil {
		return MemoryRow{}, fmt.Errorf("get memory: %w", err)
	}
	out, err := scanMemoryRows(rows)
	if err != nil {
		return MemoryRow{}, err
	}
	if len(out) == 0 {
		return MemoryRow{}, fmt.Errorf("memory %s/%s/%s: %w", agentID, tier, key, ErrNotFound)
	}
	return out[0], nil
}

// ListMemories returns an agent's records in the given tiers (all if none),
// oldest first.
func (s *Store) ListMemories(ctx context.Context, agentID string, tiers ...string) ([]MemoryRow, error) {
	query := `SELECT ` + memoryColumns + ` FROM memory_records WHERE agent_id = ?`
	args := []any{agentID}
	if len(tiers) > 0 {
		query += ` AND tier IN (?` + repeatPlaceholders(len(tiers)-1) + `)`
		for _, t := range tiers {
			args = append(args, t)
		}
	}
	query += ` ORDER BY created_ns ASC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return scanMemoryRows(rows)
}

func scanMemoryRows(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}) ([]MemoryRow, error) {
	defer rows.Close()
	var out []MemoryRow
	for rows.Next() {
		var m MemoryRow
		var tagsJSON string
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Tier, &m.Key, &m.Content, &tagsJSON, &m.ContentHash,
			&m.DecayWeight, &m.Writer, &m.Source, &m.TaskID, &m.Committed, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, fmt.Errorf("decode memory tags: %w", err)
		}
		m.CreatedAt = nsToTime(created)
		m.UpdatedAt = nsToTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMemoryWeight updates the decay weight of one record.
func (s *Store) SetMemoryWeight(ctx context.Context, id string, weight float64, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE memory_records SET decay_weight = ?, updated_ns = ? WHERE id = ?;`,
			weight, timeToNS(at), id)
		if err != nil {
			return fmt.Errorf("set memory weight: %w", err)
		}
		return nil
	})
}

// DeleteMemories removes records by id. Callers never pass episodic ids.
func (s *Store) DeleteMemories(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM memory_records WHERE tier != 'episodic' AND id IN (?`+
			repeatPlaceholders(len(ids)-1)+`);`, args...)
		if err != nil {
			return fmt.Errorf("delete memories: %w", err)
		}
		return nil
	})
}

// DreamWatermark returns the creation time of the newest episodic record
// already compacted for agentID, or the zero time.
func (s *Store) DreamWatermark(ctx context.Context, agentID string) (time.Time, error) {
	var ns int64
	err := s.db.QueryRowContext(ctx, `SELECT dream_watermark_ns FROM memory_state WHERE agent_id = ?;`, agentID).Scan(&ns)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("read dream watermark: %w", err)
	}
	return nsToTime(ns), nil
}

// SetDreamWatermark advances the compaction watermark for agentID.
func (s *Store) SetDreamWatermark(ctx context.Context, agentID string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_state (agent_id, dream_watermark_ns, updated_ns) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				dream_watermark_ns = MAX(memory_state.dream_watermark_ns, excluded.dream_watermark_ns),
				updated_ns = excluded.updated_ns;
		`, agentID, timeToNS(at), time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("set dream watermark: %w", err)
		}
		return nil
	})
}
