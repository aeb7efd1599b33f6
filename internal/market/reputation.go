package market

import (
	"math"
	"sort"

	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/persistence"
)

// Reputation is an agent's standing derived from the ledger.
type Reputation struct {
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	Merit     float64 `json:"merit"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	// SuccessRate is the rolling EMA of outcomes, identical to Score.
	SuccessRate float64 `json:"success_rate"`
	Eligible    bool    `json:"promotion_eligible"`
}

// Replay folds ledger events into per-agent reputations. Events are sorted
// by (time, task, round) first, so any arrival order of concurrent writers
// yields the same result.
func Replay(cfg config.ReputationConfig, promo config.LifecycleConfig, events []persistence.ReputationEvent) map[string]Reputation {
	sorted := append([]persistence.ReputationEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.At.Equal(b.At) {
			return a.At.Before(b.At)
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		return a.AgentID < b.AgentID
	})
	out := make(map[string]Reputation)
	for _, ev := range sorted {
		r, ok := out[ev.AgentID]
		if !ok {
			r = Reputation{AgentID: ev.AgentID, Score: cfg.Initial}
		}
		target := 0.0
		if ev.Success {
			target = ev.Quality
			r.Completed++
		} else {
			r.Failed++
		}
		r.Score = bound(cfg, (1-cfg.Alpha)*r.Score+cfg.Alpha*target)
		r.Merit += ev.Merit
		out[ev.AgentID] = r
	}
	for id, r := range out {
		r.SuccessRate = r.Score
		r.Eligible = r.Score >= promo.PromotionReputation && r.Merit >= promo.PromotionMerit &&
			r.Completed >= promo.PromotionMinTasks
		out[id] = r
	}
	return out
}

func bound(cfg config.ReputationConfig, v float64) float64 {
	return math.Max(cfg.Floor, math.Min(cfg.Ceiling, v))
}

// Score weighs one bid. Reputation and fit come from the market, the rest
// from the bid.
func Score(w config.ScoreWeights, confidence, reputation, cost, fit float64) float64 {
	return w.Confidence*confidence + w.Reputation*reputation + w.InverseCost*(1/(1+math.Max(0, cost))) + w.Fit*fit
}
