package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PersonaRow is one immutable persona snapshot.
type PersonaRow struct {
	AgentID    string
	Version    int
	Traits     map[string]float64
	Style      map[string]float64
	Modality   map[string]float64
	Continuity float64
	Damping    float64
	Diff       map[string]float64
	Reason     string
	CreatedAt  time.Time
}

func marshalWeights(m map[string]float64) (string, error) {
	if m == nil {
		m = map[string]float64{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// InsertPersonaSnapshot appends a snapshot. A second write of the same
// (agent, version) is a concurrency conflict.
func (s *Store) InsertPersonaSnapshot(ctx context.Context, row PersonaRow) error {
	traits, err := marshalWeights(row.Traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}
	style, err := marshalWeights(row.Style)
	if err != nil {
		return fmt.Errorf("encode style: %w", err)
	}
	modality, err := marshalWeights(row.Modality)
	if err != nil {
		return fmt.Errorf("encode modality: %w", err)
	}
	diff, err := marshalWeights(row.Diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO persona_snapshots (agent_id, version, traits_json, style_json, modality_json,
				continuity, damping, diff_json, reason, created_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, row.AgentID, row.Version, traits, style, modality, row.Continuity, row.Damping, diff,
			row.Reason, timeToNS(row.CreatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("persona %s v%d: %w", row.AgentID, row.Version, ErrStaleTransition)
			}
			return fmt.Errorf("insert persona snapshot: %w", err)
		}
		return nil
	})
}

// ListPersonaSnapshots returns an agent's snapshot chain in version order.
func (s *Store) ListPersonaSnapshots(ctx context.Context, agentID string) ([]PersonaRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, version, traits_json, style_json, modality_json, continuity, damping,
			diff_json, reason, created_ns
		FROM persona_snapshots WHERE agent_id = ? ORDER BY version ASC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list persona snapshots: %w", err)
	}
	defer rows.Close()

	var out []PersonaRow
	for rows.Next() {
		var p PersonaRow
		var traits, style, modality, diff string
		var created int64
		if err := rows.Scan(&p.AgentID, &p.Version, &traits, &style, &modality, &p.Continuity,
			&p.Damping, &diff, &p.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan persona snapshot: %w", err)
		}
		for _, f := range []struct {
			raw string
			dst *map[string]float64
		}{{traits, &p.Traits}, {style, &p.Style}, {modality, &p.Modality}, {diff, &p.Diff}} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("decode persona snapshot: %w", err)
			}
		}
		p.CreatedAt = nsToTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// LatestPersona returns the highest version snapshot for an agent.
func (s *Store) LatestPersona(ctx context.Context, agentID string) (*PersonaRow, error) {
	all, err := s.ListPersonaSnapshots(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("persona %s: %w", agentID, ErrNotFound)
	}
	latest := all[len(all)-1]
	return &latest, nil
}
