package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Step is one tool call in a procedure.
type Step struct {
	Tool string `json:"tool"`
}

// Procedure is a reusable plan template stored in the procedural tier.
type Procedure struct {
	Name      string   `json:"name"`
	Tags      []string `json:"tags"`
	Steps     []Step   `json:"steps"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	// Filled from the record, not the content.
	Committed bool    `json:"-"`
	Weight    float64 `json:"-"`
	Source    string  `json:"-"`
}

// Tools lists the step tools in order.
func (p Procedure) Tools() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Tool
	}
	return out
}

func procedureKey(name string) string { return "procedure:" + name }

func decodeProcedure(r Record) (Procedure, error) {
	var p Procedure
	if err := json.Unmarshal([]byte(r.Content), &p); err != nil {
		return p, fmt.Errorf("decode procedure %s: %w", r.Key, err)
	}
	p.Committed = r.Committed
	p.Weight = r.DecayWeight
	p.Source = r.Provenance.Source
	return p, nil
}

// PutProcedure stores p. Uncommitted procedures are Play candidates.
func (s *Store) PutProcedure(ctx context.Context, p Procedure, committed bool, prov Provenance) (Record, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Record{}, fmt.Errorf("procedure name is required")
	}
	if len(p.Steps) == 0 {
		return Record{}, fmt.Errorf("procedure %s has no steps", p.Name)
	}
	p.Tags = NormalizeTags(p.Tags)
	raw, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("encode procedure: %w", err)
	}
	return s.Put(ctx, Record{
		Tier:       Procedural,
		Key:        procedureKey(p.Name),
		Content:    string(raw),
		Tags:       p.Tags,
		Provenance: prov,
		Committed:  committed,
	})
}

// Procedures returns stored procedures, committed ones only unless
// includeCandidates is set, ordered by name.
func (s *Store) Procedures(ctx context.Context, includeCandidates bool) ([]Procedure, error) {
	recs, err := s.List(ctx, Procedural)
	if err != nil {
		return nil, err
	}
	out := make([]Procedure, 0, len(recs))
	for _, r := range recs {
		if !r.Committed && !includeCandidates {
			continue
		}
		p, err := decodeProcedure(r)
		if err != nil {
			s.logger.Warn("skipping unreadable procedure", "key", r.Key, "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TagSimilarity is the Jaccard index of two tag sets.
func TagSimilarity(a, b []string) float64 {
	a, b = NormalizeTags(a), NormalizeTags(b)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	inter := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Match is a procedure scored against a task's tags.
type Match struct {
	Procedure  Procedure
	Similarity float64
}

// MatchProcedures scores every procedure against tags, best first. A
// candidate ranks ahead of a committed procedure only when strictly more
// similar.
func (s *Store) MatchProcedures(ctx context.Context, tags []string) ([]Match, error) {
	procs, err := s.Procedures(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(procs))
	for _, p := range procs {
		out = append(out, Match{Procedure: p, Similarity: TagSimilarity(tags, p.Tags)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].Procedure.Committed != out[j].Procedure.Committed {
			return out[i].Procedure.Committed
		}
		return out[i].Procedure.Name < out[j].Procedure.Name
	})
	return out, nil
}

// RecordProcedureOutcome counts a use of the named procedure and refreshes
// its weight on success.
func (s *Store) RecordProcedureOutcome(ctx context.Context, name string, success bool, prov Provenance) error {
	rec, ok, err := s.Get(ctx, Procedural, procedureKey(name))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("procedure %s: not found", name)
	}
	p, err := decodeProcedure(rec)
	if err != nil {
		return err
	}
	weight := rec.DecayWeight
	if success {
		p.Successes++
		weight = 1.0
	} else {
		p.Failures++
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode procedure: %w", err)
	}
	rec.Content = string(raw)
	rec.DecayWeight = weight
	rec.Provenance = prov
	if rec.Provenance.Source == "" {
		rec.Provenance.Source = p.Source
	}
	_, err = s.Put(ctx, rec)
	return err
}

// PromoteCandidate commits a Play candidate once an accepted task has
// validated it. Promoting a committed procedure is a no-op.
func (s *Store) PromoteCandidate(ctx context.Context, name string, prov Provenance) error {
	rec, ok, err := s.Get(ctx, Procedural, procedureKey(name))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("procedure %s: not found", name)
	}
	if rec.Committed {
		return nil
	}
	rec.Committed = true
	rec.DecayWeight = 1.0
	rec.Provenance = prov
	_, err = s.Put(ctx, rec)
	if err == nil {
		s.logger.Info("play candidate promoted", "procedure", name, "task_id", prov.TaskID)
	}
	return err
}

// Episode is the content of an episodic record written at Archive.
type Episode struct {
	TaskID      string    `json:"task_id"`
	Round       int       `json:"round"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Procedure   string    `json:"procedure"`
	Accepted    bool      `json:"accepted"`
	Partial     bool      `json:"partial"`
	Quality     float64   `json:"quality"`
	Artifact    string    `json:"artifact,omitempty"`
	Violations  []string  `json:"violations,omitempty"`
	At          time.Time `json:"at"`
}

// AppendEpisode writes ep to the episodic tier.
func (s *Store) AppendEpisode(ctx context.Context, ep Episode, prov Provenance) (Record, bool, error) {
	ep.Tags = NormalizeTags(ep.Tags)
	if ep.At.IsZero() {
		ep.At = s.now()
	}
	raw, err := json.Marshal(ep)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode episode: %w", err)
	}
	return s.Append(ctx, Record{
		Content:    string(raw),
		Tags:       ep.Tags,
		Provenance: prov,
		CreatedAt:  ep.At,
	})
}

// Episodes decodes every episodic record, oldest first.
func (s *Store) Episodes(ctx context.Context) ([]Episode, []Record, error) {
	recs, err := s.List(ctx, Episodic)
	if err != nil {
		return nil, nil, err
	}
	eps := make([]Episode, 0, len(recs))
	kept := make([]Record, 0, len(recs))
	for _, r := range recs {
		var ep Episode
		if err := json.Unmarshal([]byte(r.Content), &ep); err != nil {
			s.logger.Warn("skipping unreadable episode", "id", r.ID, "error", err)
			continue
		}
		eps = append(eps, ep)
		kept = append(kept, r)
	}
	return eps, kept, nil
}
