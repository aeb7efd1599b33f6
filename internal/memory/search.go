package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/basket/go-hive/internal/tools"
)

// Query is a hybrid retrieval request.
type Query struct {
	Text               string
	Tags               []string
	Tiers              []Tier
	Limit              int
	IncludeUncommitted bool
}

// Hit is one scored search result.
type Hit struct {
	Record  Record  `json:"record"`
	Score   float64 `json:"score"`
	Keyword float64 `json:"keyword"`
	Vector  float64 `json:"vector"`
	Recency float64 `json:"recency"`
}

// queryTerms are the query tags plus the content words of the query text.
func queryTerms(q Query) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, t := range NormalizeTags(q.Tags) {
		terms[t] = struct{}{}
	}
	for _, w := range tools.Keywords(q.Text, 16) {
		terms[w] = struct{}{}
	}
	return terms
}

func keywordOverlap(terms map[string]struct{}, r Record) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]struct{}, len(r.Tags)+16)
	for _, t := range r.Tags {
		have[t] = struct{}{}
	}
	for _, w := range tools.Keywords(r.Content, 16) {
		have[w] = struct{}{}
	}
	matched := 0
	for t := range terms {
		if _, ok := have[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// Search scores records as
// wKeyword*overlap + wVector*cosine + wRecency*decay_weight
// and returns the best Limit hits. Ties go to the newer record.
func (s *Store) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	if limit <= 0 {
		limit = 8
	}
	recs, err := s.List(ctx, q.Tiers...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	similarity, err := s.vectorScores(ctx, q)
	if err != nil {
		return nil, err
	}
	terms := queryTerms(q)

	hits := make([]Hit, 0, len(recs))
	for _, r := range recs {
		if !r.Committed && !q.IncludeUncommitted {
			continue
		}
		h := Hit{
			Record:  r,
			Keyword: keywordOverlap(terms, r),
			Vector:  similarity[r.ID],
			Recency: r.DecayWeight,
		}
		h.Score = s.cfg.KeywordWeight*h.Keyword + s.cfg.VectorWeight*h.Vector + s.cfg.RecencyWeight*h.Recency
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Record.CreatedAt.Equal(hits[j].Record.CreatedAt) {
			return hits[i].Record.CreatedAt.After(hits[j].Record.CreatedAt)
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// vectorScores returns cosine similarity against every indexed record,
// clamped to [0,1].
func (s *Store) vectorScores(ctx context.Context, q Query) (map[string]float64, error) {
	text := q.Text
	for _, t := range q.Tags {
		text += " " + t
	}
	emb, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.index.Count()
	out := make(map[string]float64, n)
	if n == 0 {
		return out, nil
	}
	results, err := s.index.QueryEmbedding(ctx, emb, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query memory index: %w", err)
	}
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < 0 {
			sim = 0
		}
		if sim > 1 {
			sim = 1
		}
		out[r.ID] = sim
	}
	return out, nil
}
