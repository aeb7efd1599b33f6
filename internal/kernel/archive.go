package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/tools"
)

const maxArtifactChars = 1000

// truncateArtifact cuts s to at most n bytes without splitting a rune.
func truncateArtifact(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Lesson is the semantic record written for an accepted, high-quality run.
type Lesson struct {
	Procedure string   `json:"procedure"`
	Tags      []string `json:"tags"`
	Quality   float64  `json:"quality"`
	Keywords  []string `json:"keywords"`
}

// Archive records a finished run. It reports whether a new episode was
// written; re-archiving the same outcome is a no-op.
func (k *Kernel) Archive(ctx context.Context, task Task, out Outcome) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.archive(ctx, task, out)
}

// archive always writes the episode. Semantic and procedural memory change
// only for accepted results that clear the learning threshold. The persona
// hears about every judged outcome, and the autobiographical summary is
// recompacted every RecompactionEvery archives.
func (k *Kernel) archive(ctx context.Context, task Task, out Outcome) (bool, error) {
	prov := memory.Provenance{Writer: "kernel.archive", Source: "task", TaskID: task.ID}
	artifact := truncateArtifact(out.Result.Artifact, maxArtifactChars)
	at := out.Result.FinishedAt
	if at.IsZero() {
		at = k.now()
	}
	_, inserted, err := k.mem.AppendEpisode(ctx, memory.Episode{
		TaskID:      task.ID,
		Round:       task.Round,
		Description: task.Description,
		Tags:        task.Tags,
		Procedure:   out.Proposal.Procedure,
		Accepted:    out.Verdict.Accepted,
		Partial:     out.Result.Partial,
		Quality:     out.Verdict.Quality,
		Artifact:    artifact,
		Violations:  out.Verdict.Violations,
		At:          at,
	}, prov)
	if err != nil {
		return false, fmt.Errorf("append episode: %w", err)
	}
	if !inserted {
		k.scoped(ctx, task).Debug("episode already archived", "round", task.Round)
		return false, nil
	}

	if out.Verdict.Accepted && out.Verdict.Quality >= k.cfg.LearningThreshold && out.Proposal.Procedure != "" {
		if err := k.learn(ctx, task, out, prov); err != nil {
			return true, err
		}
	}

	if out.Proposal.Procedure != "" && k.persona != nil {
		if _, err := k.persona.Feedback(ctx, out.Verdict.Accepted, out.Verdict.Quality); err != nil {
			if !errors.Is(err, persona.ErrContinuityBreach) {
				return true, fmt.Errorf("persona feedback: %w", err)
			}
			k.scoped(ctx, task).Info("persona update rejected", "error", err)
		}
	}

	count, err := k.agent.NoteArchive(ctx)
	if err != nil {
		return true, err
	}
	if every := k.cfg.RecompactionEvery; every > 0 && count%every == 0 {
		if _, err := k.mem.Recompact(ctx); err != nil {
			return true, fmt.Errorf("recompact: %w", err)
		}
	}
	return true, nil
}

func (k *Kernel) learn(ctx context.Context, task Task, out Outcome, prov memory.Provenance) error {
	name := out.Proposal.Procedure
	if out.Proposal.Candidate {
		if err := k.mem.PromoteCandidate(ctx, name, prov); err != nil {
			return fmt.Errorf("promote candidate: %w", err)
		}
	}
	if err := k.mem.RecordProcedureOutcome(ctx, name, true, prov); err != nil {
		return fmt.Errorf("procedure outcome: %w", err)
	}
	tags := memory.NormalizeTags(task.Tags)
	raw, err := json.Marshal(Lesson{
		Procedure: name,
		Tags:      tags,
		Quality:   out.Verdict.Quality,
		Keywords:  tools.Keywords(task.Description+" "+out.Result.Artifact, 6),
	})
	if err != nil {
		return fmt.Errorf("encode lesson: %w", err)
	}
	_, err = k.mem.Put(ctx, memory.Record{
		Tier:       memory.Semantic,
		Key:        "lesson:" + name + ":" + strings.Join(tags, ","),
		Content:    string(raw),
		Tags:       tags,
		Provenance: prov,
		Committed:  true,
	})
	return err
}
