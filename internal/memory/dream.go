package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/tools"
)

// SourceSeed marks procedures planted at onboarding. They decay like any
// other record but are never pruned.
const SourceSeed = "seed"

// Fact is the content of a semantic record compacted from episodes that
// share a tag set.
type Fact struct {
	Tags         []string  `json:"tags"`
	Observations int       `json:"observations"`
	Accepted     int       `json:"accepted"`
	MeanQuality  float64   `json:"mean_quality"`
	Keywords     []string  `json:"keywords"`
	Procedures   []string  `json:"procedures,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

func factKey(tags []string) string { return "fact:" + strings.Join(tags, ",") }

// DreamReport summarizes one Dream cycle.
type DreamReport struct {
	Compacted int `json:"compacted"`
	Facts     int `json:"facts"`
	Decayed   int `json:"decayed"`
	Pruned    int `json:"pruned"`
}

// Dream compacts episodes newer than the watermark into semantic facts,
// then decays every semantic and procedural record it did not reinforce and
// prunes those below the floor. Episodic records are read, never written.
func (s *Store) Dream(ctx context.Context) (DreamReport, error) {
	var report DreamReport
	watermark, err := s.db.DreamWatermark(ctx, s.agentID)
	if err != nil {
		return report, err
	}
	eps, recs, err := s.Episodes(ctx)
	if err != nil {
		return report, err
	}

	groups := make(map[string][]Episode)
	newest := watermark
	for i, ep := range eps {
		if !recs[i].CreatedAt.After(watermark) {
			continue
		}
		report.Compacted++
		groups[factKey(ep.Tags)] = append(groups[factKey(ep.Tags)], ep)
		if recs[i].CreatedAt.After(newest) {
			newest = recs[i].CreatedAt
		}
	}

	prov := Provenance{Writer: "lifecycle.dream", Source: "dream"}
	reinforced := make(map[string]struct{}, len(groups))
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rec, err := s.mergeFact(ctx, key, groups[key], prov)
		if err != nil {
			return report, err
		}
		reinforced[rec.ID] = struct{}{}
		report.Facts++
	}

	decayed, pruned, err := s.decay(ctx, reinforced)
	if err != nil {
		return report, err
	}
	report.Decayed, report.Pruned = decayed, pruned

	if newest.After(watermark) {
		if err := s.db.SetDreamWatermark(ctx, s.agentID, newest); err != nil {
			return report, err
		}
	}
	s.logger.Info("dream cycle complete",
		"compacted", report.Compacted, "facts", report.Facts, "decayed", report.Decayed, "pruned", report.Pruned)
	return report, nil
}

func (s *Store) mergeFact(ctx context.Context, key string, eps []Episode, prov Provenance) (Record, error) {
	var fact Fact
	existing, ok, err := s.Get(ctx, Semantic, key)
	if err != nil {
		return Record{}, err
	}
	if ok {
		if err := json.Unmarshal([]byte(existing.Content), &fact); err != nil {
			return Record{}, fmt.Errorf("decode fact %s: %w", key, err)
		}
	}
	fact.Tags = eps[0].Tags
	totalQuality := fact.MeanQuality * float64(fact.Observations)
	var text strings.Builder
	text.WriteString(strings.Join(fact.Keywords, " "))
	procs := make(map[string]struct{})
	for _, p := range fact.Procedures {
		procs[p] = struct{}{}
	}
	for _, ep := range eps {
		fact.Observations++
		totalQuality += ep.Quality
		if ep.Accepted {
			fact.Accepted++
		}
		if ep.Procedure != "" {
			procs[ep.Procedure] = struct{}{}
		}
		if ep.At.After(fact.LastSeen) {
			fact.LastSeen = ep.At
		}
		text.WriteString(" " + ep.Description)
	}
	fact.MeanQuality = totalQuality / float64(fact.Observations)
	fact.Keywords = tools.Keywords(text.String(), 8)
	fact.Procedures = fact.Procedures[:0]
	for p := range procs {
		fact.Procedures = append(fact.Procedures, p)
	}
	sort.Strings(fact.Procedures)

	raw, err := json.Marshal(fact)
	if err != nil {
		return Record{}, fmt.Errorf("encode fact: %w", err)
	}
	rec := Record{Tier: Semantic, Key: key, Content: string(raw), Tags: fact.Tags, Provenance: prov, Committed: true, DecayWeight: 1.0}
	if ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	return s.Put(ctx, rec)
}

func (s *Store) decay(ctx context.Context, skip map[string]struct{}) (int, int, error) {
	recs, err := s.List(ctx, Semantic, Procedural)
	if err != nil {
		return 0, 0, err
	}
	factor := s.cfg.DecayFactor
	if factor <= 0 || factor >= 1 {
		factor = 0.9
	}
	floor := s.cfg.PruneFloor
	now := s.now()

	var decayed int
	var prune []string
	for _, r := range recs {
		if _, ok := skip[r.ID]; ok {
			continue
		}
		w := r.DecayWeight * factor
		if w < floor {
			if r.Tier == Procedural && r.Provenance.Source == SourceSeed {
				w = floor
			} else {
				prune = append(prune, r.ID)
				continue
			}
		}
		if err := s.db.SetMemoryWeight(ctx, r.ID, w, now); err != nil {
			return decayed, 0, err
		}
		decayed++
	}
	if err := s.db.DeleteMemories(ctx, prune...); err != nil {
		return decayed, 0, err
	}
	if err := s.unindex(ctx, prune...); err != nil {
		return decayed, 0, fmt.Errorf("unindex pruned records: %w", err)
	}
	return decayed, len(prune), nil
}

// PlayReport summarizes one Play cycle.
type PlayReport struct {
	Candidates []string `json:"candidates"`
}

// Play recombines committed procedures with each other and with semantic
// tag sets into new uncommitted candidates. rng drives every choice, so a
// seeded source reproduces a cycle.
func (s *Store) Play(ctx context.Context, rng *rand.Rand, maxCandidates int) (PlayReport, error) {
	var report PlayReport
	if maxCandidates <= 0 {
		maxCandidates = 2
	}
	procs, err := s.Procedures(ctx, false)
	if err != nil {
		return report, err
	}
	if len(procs) == 0 {
		s.logger.Info("play cycle complete", "candidates", 0)
		return report, nil
	}
	facts, err := s.List(ctx, Semantic)
	if err != nil {
		return report, err
	}

	prov := Provenance{Writer: "lifecycle.play", Source: "play"}
	seen := make(map[string]struct{})
	for attempt := 0; attempt < maxCandidates*4 && len(report.Candidates) < maxCandidates; attempt++ {
		i := rng.IntN(len(procs))
		a := procs[i]
		cand := Procedure{Tags: append([]string(nil), a.Tags...)}
		if len(procs) > 1 && (len(facts) == 0 || rng.IntN(2) == 0) {
			j := rng.IntN(len(procs) - 1)
			if j >= i {
				j++
			}
			b := procs[j]
			cut := (len(a.Steps) + 1) / 2
			cand.Steps = append(append([]Step(nil), a.Steps[:cut]...), b.Steps[len(b.Steps)/2:]...)
			cand.Tags = append(cand.Tags, b.Tags...)
		} else {
			cand.Steps = append([]Step(nil), a.Steps...)
			if len(facts) > 0 {
				cand.Tags = append(cand.Tags, facts[rng.IntN(len(facts))].Tags...)
			}
		}
		cand.Tags = NormalizeTags(cand.Tags)
		sig := strings.Join(cand.Tags, ",") + "|" + strings.Join(cand.Tools(), ",")
		if _, dup := seen[sig]; dup || sameAsAny(cand, procs) {
			continue
		}
		seen[sig] = struct{}{}
		cand.Name = "play-" + ContentHash(sig)[:10]
		if _, exists, err := s.Get(ctx, Procedural, procedureKey(cand.Name)); err != nil {
			return report, err
		} else if exists {
			continue
		}
		if _, err := s.PutProcedure(ctx, cand, false, prov); err != nil {
			return report, err
		}
		report.Candidates = append(report.Candidates, cand.Name)
	}
	s.logger.Info("play cycle complete", "candidates", len(report.Candidates))
	return report, nil
}

func sameAsAny(c Procedure, procs []Procedure) bool {
	for _, p := range procs {
		if strings.Join(p.Tags, ",") == strings.Join(c.Tags, ",") && strings.Join(p.Tools(), ",") == strings.Join(c.Tools(), ",") {
			return true
		}
	}
	return false
}

const autobiographyKey = "self"

// Recompact rewrites the autobiographical summary from the episodic log,
// semantic facts and procedures.
func (s *Store) Recompact(ctx context.Context) (Record, error) {
	eps, _, err := s.Episodes(ctx)
	if err != nil {
		return Record{}, err
	}
	facts, err := s.List(ctx, Semantic)
	if err != nil {
		return Record{}, err
	}
	procs, err := s.Procedures(ctx, false)
	if err != nil {
		return Record{}, err
	}

	accepted := 0
	tagCount := make(map[string]int)
	for _, ep := range eps {
		if ep.Accepted {
			accepted++
		}
		for _, t := range ep.Tags {
			tagCount[t]++
		}
	}
	block := NewSummaryBlock()
	block.Add("episodes", fmt.Sprintf("%d", len(eps)), 1)
	if len(eps) > 0 {
		block.Add("acceptance_rate", fmt.Sprintf("%.2f", float64(accepted)/float64(len(eps))), 0.9)
	}
	block.Add("top_tags", strings.Join(topN(tagCount, 5), ", "), 0.8)
	for _, f := range facts {
		block.Add(f.Key, strings.Join(f.Tags, ",")+" weight "+fmt.Sprintf("%.2f", f.DecayWeight), f.DecayWeight)
	}
	for _, p := range procs {
		block.Add(procedureKey(p.Name), fmt.Sprintf("%d ok / %d failed", p.Successes, p.Failures), p.Weight)
	}

	rec := Record{
		Tier:       Autobiographical,
		Key:        autobiographyKey,
		Content:    block.Format(),
		Provenance: Provenance{Writer: "kernel.archive", Source: "recompaction"},
		Committed:  true,
		Tags:       topN(tagCount, 5),
	}
	if existing, ok, err := s.Get(ctx, Autobiographical, autobiographyKey); err != nil {
		return Record{}, err
	} else if ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	}
	return s.Put(ctx, rec)
}

func topN(counts map[string]int, n int) []string {
	out := make([]string, 0, len(counts))
	for k := range counts {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
