package kernel

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/tools"
)

// Verdict is Critique's judgement of a result.
type Verdict struct {
	Accepted    bool     `json:"accepted"`
	Quality     float64  `json:"quality"`
	Violations  []string `json:"violations,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	RuleVersion int      `json:"rule_version"`
	RuleHash    string   `json:"rule_hash"`
}

// Critique judges result against the constitution.
func (k *Kernel) Critique(ctx context.Context, task Task, p Proposal, r Result) (Verdict, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.critique(ctx, task, p, r)
}

// critique rejects partial results and low-quality work, and lists every
// constitution breach: forbidden tags, tools outside the archetype's scope,
// missing evidence, evidence that does not match a successful call in
// the tool ledger, and secrets leaked into the artifact.
func (k *Kernel) critique(ctx context.Context, task Task, p Proposal, r Result) (Verdict, error) {
	arch := k.agent.Archetype()
	rules, err := k.constitution.Rules(ctx, string(arch.Tag))
	if err != nil {
		return Verdict{}, fmt.Errorf("constitution rules: %w", err)
	}
	fabricated, err := k.fabricated(ctx, task, r.Evidence)
	if err != nil {
		return Verdict{}, err
	}

	v := Verdict{RuleVersion: rules.Version, RuleHash: rules.Hash, Quality: quality(task, p, r)}
	judged := rules
	if r.Partial {
		// A partial result has already failed; missing evidence is expected.
		judged.RequireEvidence = false
	}
	v.Violations, _ = judged.Judge(governance.Work{
		Tags:       task.Tags,
		ToolsUsed:  r.ToolsUsed(),
		Evidence:   r.Evidence,
		Quality:    v.Quality,
		Fabricated: fabricated,
		Artifact:   r.Artifact,
	})
	for _, tool := range r.ToolsUsed() {
		if !arch.AllowsTool(tool) {
			v.Violations = append(v.Violations, "tool outside archetype scope: "+tool)
		}
	}

	minQ := math.Max(k.cfg.MinQuality, rules.MinQuality)
	switch {
	case len(v.Violations) > 0:
		v.Reasons = append(v.Reasons, "constitution violation")
	case r.Partial:
		v.Reasons = append(v.Reasons, "partial result: "+r.FailureReason)
	case v.Quality < minQ:
		v.Reasons = append(v.Reasons, fmt.Sprintf("quality %.2f below %.2f", v.Quality, minQ))
	default:
		v.Accepted = true
	}
	return v, nil
}

// fabricated returns evidence references with no successful ledger entry
// for this task and round.
func (k *Kernel) fabricated(ctx context.Context, task Task, evidence []string) ([]string, error) {
	if len(evidence) == 0 {
		return nil, nil
	}
	calls, err := k.db.ListToolCalls(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("tool ledger: %w", err)
	}
	known := make(map[string]bool, len(calls))
	for _, c := range calls {
		if c.Round == task.Round && c.Error == "" {
			known[tools.CallKey(c.TaskID, c.Tool, []byte(c.Input))] = true
		}
	}
	var out []string
	for _, ref := range evidence {
		if !known[ref] {
			out = append(out, ref)
		}
	}
	return out, nil
}

// quality blends step completion with how many of the task's key terms the
// artifact covers.
func quality(task Task, p Proposal, r Result) float64 {
	planned := len(p.Steps)
	if planned == 0 {
		return 0
	}
	completion := float64(r.Completed()) / float64(planned)
	terms := tools.Keywords(task.Description, 8)
	coverage := 1.0
	if len(terms) > 0 {
		artifact := strings.ToLower(r.Artifact)
		hit := 0
		for _, t := range terms {
			if strings.Contains(artifact, t) {
				hit++
			}
		}
		coverage = float64(hit) / float64(len(terms))
	}
	return math.Max(0, math.Min(1, 0.6*completion+0.4*coverage))
}
