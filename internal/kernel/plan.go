package kernel

import (
	"context"
	"fmt"
	"math"

	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/shared"
)

// Proposal is a planned approach to a task.
type Proposal struct {
	TaskID     string        `json:"task_id"`
	Procedure  string        `json:"procedure"`
	Candidate  bool          `json:"candidate"`
	Steps      []memory.Step `json:"steps"`
	Similarity float64       `json:"similarity"`
	Fit        float64       `json:"fit"`
	Recall     float64       `json:"recall"`
	Confidence float64       `json:"confidence"`
	Cost       float64       `json:"cost"`
}

// Tools lists the planned tool names.
func (p Proposal) Tools() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Tool
	}
	return out
}

// Plan picks the best procedure for task without touching the budget.
func (k *Kernel) Plan(ctx context.Context, task Task) (Proposal, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.plan(ctx, task)
}

// plan matches task tags against procedural memory. Procedures using tools
// outside the archetype's scope are skipped, and uncommitted Play
// candidates are only tried by curious personas. Confidence blends tag
// similarity, archetype fit, the procedure's track record and semantic
// recall.
func (k *Kernel) plan(ctx context.Context, task Task) (Proposal, error) {
	matches, err := k.mem.MatchProcedures(ctx, task.Tags)
	if err != nil {
		return Proposal{}, err
	}
	arch := k.agent.Archetype()
	curious := k.persona == nil || k.persona.Trait(persona.TraitCuriosity) >= 0.5

	var best *memory.Match
	for i := range matches {
		m := &matches[i]
		if m.Similarity < k.cfg.MinSimilarity {
			break
		}
		if !m.Procedure.Committed && !curious {
			continue
		}
		if !allAllowed(arch.AllowsTool, m.Procedure.Tools()) {
			continue
		}
		best = m
		break
	}
	if best == nil {
		top := 0.0
		if len(matches) > 0 {
			top = matches[0].Similarity
		}
		return Proposal{}, fmt.Errorf("%w: best similarity %.2f below %.2f for tags %v",
			shared.ErrCapabilityMismatch, top, k.cfg.MinSimilarity, task.Tags)
	}

	fit := arch.Fit(task.Tags)
	proc := best.Procedure
	track := float64(proc.Successes+1) / float64(proc.Successes+proc.Failures+2)
	recall := k.recall(ctx, task)
	confidence := 0.45*best.Similarity + 0.3*fit + 0.15*track + 0.1*recall
	if !proc.Committed {
		confidence *= 0.9
	}
	stepCost := k.cfg.StepCost
	if stepCost <= 0 {
		stepCost = 1
	}
	return Proposal{
		TaskID:     task.ID,
		Procedure:  proc.Name,
		Candidate:  !proc.Committed,
		Steps:      append([]memory.Step(nil), proc.Steps...),
		Similarity: best.Similarity,
		Fit:        fit,
		Recall:     recall,
		Confidence: math.Max(0, math.Min(1, confidence)),
		Cost:       float64(len(proc.Steps)) * stepCost,
	}, nil
}

// recall is the best semantic-memory score for the task. A failed search
// only costs confidence.
func (k *Kernel) recall(ctx context.Context, task Task) float64 {
	hits, err := k.mem.Search(ctx, memory.Query{
		Text:  task.Description,
		Tags:  task.Tags,
		Tiers: []memory.Tier{memory.Semantic},
		Limit: 1,
	})
	if err != nil {
		k.scoped(ctx, task).Debug("plan recall failed", "error", err)
		return 0
	}
	if len(hits) == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, hits[0].Score))
}

func allAllowed(allows func(string) bool, names []string) bool {
	for _, n := range names {
		if !allows(n) {
			return false
		}
	}
	return true
}
