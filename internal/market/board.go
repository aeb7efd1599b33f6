package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/audit"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

// TaskSpec is what a task source posts.
type TaskSpec struct {
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Deadline    time.Time `json:"deadline,omitempty"`
	// SourceID and Signature identify an external source; when SourceID is
	// set the signature must verify over SigningPayload.
	SourceID  string `json:"source_id,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SigningPayload is the canonical byte form a source signs.
func (s TaskSpec) SigningPayload() []byte {
	deadline := ""
	if !s.Deadline.IsZero() {
		deadline = s.Deadline.UTC().Format(time.RFC3339)
	}
	return []byte(strings.Join([]string{s.Description, strings.Join(memory.NormalizeTags(s.Tags), ","), deadline}, "\n"))
}

// Bid is an agent's offer for a task in the current round.
type Bid struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Confidence  float64   `json:"confidence"`
	Cost        float64   `json:"cost"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Ranked is one scored bid in a clearing report.
type Ranked struct {
	AgentID     string  `json:"agent_id"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Reputation  float64 `json:"reputation"`
	InverseCost float64 `json:"inverse_cost"`
	Fit         float64 `json:"fit"`
	Skipped     string  `json:"skipped,omitempty"`
}

// Award is the result of a clearing.
type Award struct {
	TaskID  string   `json:"task_id"`
	AgentID string   `json:"agent_id"`
	Round   int      `json:"round"`
	Score   float64  `json:"score"`
	Ranking []Ranked `json:"ranking"`
}

// Outcome is a terminal result delivered to task sources.
type Outcome struct {
	TaskID     string    `json:"task_id"`
	Status     string    `json:"status"`
	ReasonCode string    `json:"reason_code"`
	Artifact   string    `json:"artifact,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Round      int       `json:"round"`
	At         time.Time `json:"at"`
}

// Verdict is the kind of result an awarded agent reports.
type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictRejected  Verdict = "rejected"
	VerdictViolation Verdict = "violation"
)

// Report is an awarded agent's account of its run.
type Report struct {
	TaskID   string
	AgentID  string
	Round    int
	Verdict  Verdict
	Quality  float64
	Artifact string
	Detail   string
}

// Listing is a biddable task as seen by agents.
type Listing struct {
	TaskID         string    `json:"task_id"`
	Description    string    `json:"description"`
	Tags           []string  `json:"tags"`
	Round          int       `json:"round"`
	WindowClosesAt time.Time `json:"window_closes_at"`
}

type openTask struct {
	rec       persistence.TaskRecord
	bids      map[string]Bid
	postedAt  time.Time
	closesAt  time.Time
	window    *time.Timer
	cooldown  *time.Timer
	deadline  *time.Timer
	startedAt time.Time
}

func (t *openTask) stopTimers() {
	for _, tm := range []*time.Timer{t.window, t.cooldown, t.deadline} {
		if tm != nil {
			tm.Stop()
		}
	}
}

// PostTask verifies an externally sourced task, stores it and opens its
// first bidding window.
func (m *Market) PostTask(ctx context.Context, spec TaskSpec) (string, error) {
	spec.Description = strings.TrimSpace(spec.Description)
	spec.Tags = memory.NormalizeTags(spec.Tags)
	if spec.Description == "" || len(spec.Tags) == 0 {
		return "", fmt.Errorf("%w: description and at least one tag are required", ErrInvalidTask)
	}
	if spec.SourceID != "" && m.verifier != nil {
		if err := m.verifier.Verify(spec.SourceID, spec.SigningPayload(), spec.Signature); err != nil {
			m.audit.Record(ctx, audit.Entry{
				Decision: audit.DecisionDeny, Action: "market.post", Subject: spec.SourceID,
				Reason: shared.ReasonUnverifiedSource + ": " + err.Error(),
			})
			return "", fmt.Errorf("%w: %s: %w", ErrUnverifiedSource, spec.SourceID, err)
		}
	}
	id := uuid.NewString()
	err := m.do(ctx, func(ctx context.Context) error {
		now := m.now()
		rec := persistence.TaskRecord{
			ID: id, Description: spec.Description, Tags: spec.Tags, Deadline: spec.Deadline,
			Status: persistence.TaskStatusOpen, RetryCredits: m.cfg.RetryCredits, SourceID: spec.SourceID,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := m.db.InsertTask(ctx, rec); err != nil {
			return err
		}
		t := &openTask{rec: rec, postedAt: now}
		m.tasks[id] = t
		if !spec.Deadline.IsZero() {
			m.armDeadline(t)
		}
		return m.openWindow(ctx, t, "task.bidding", "")
	})
	if err != nil {
		return "", err
	}
	m.logger.Info("task posted", "task_id", id, "tags", spec.Tags, "source", spec.SourceID)
	return id, nil
}

// openWindow moves t into Bidding for the next round and arms its window
// timer. Loop only.
func (m *Market) openWindow(ctx context.Context, t *openTask, event, payload string) error {
	from := t.rec.Status
	next := t.rec
	next.Status = persistence.TaskStatusBidding
	next.Round++
	next.AwardedTo = ""
	next.UpdatedAt = m.now()
	if err := m.checkConflict(m.db.TransitionTask(ctx, next, from, event, payload)); err != nil {
		return err
	}
	t.rec = next
	t.bids = make(map[string]Bid)
	m.armWindow(t)
	m.bus.Publish(bus.TopicTaskPosted, bus.TaskPostedEvent{
		TaskID: next.ID, Tags: append([]string(nil), next.Tags...), Round: next.Round, WindowClosesAt: t.closesAt,
	})
	return nil
}

// armWindow schedules the clearing of t's current round.
func (m *Market) armWindow(t *openTask) {
	t.closesAt = m.now().Add(m.cfg.Window())
	id, round := t.rec.ID, t.rec.Round
	t.window = time.AfterFunc(m.cfg.Window(), func() {
		m.enqueue(func(ctx context.Context) error {
			_, err := m.clear(ctx, id, round)
			if errors.Is(err, ErrBiddingClosed) || errors.Is(err, ErrUnknownTask) {
				return nil
			}
			return err
		})
	})
}

func (m *Market) armDeadline(t *openTask) {
	id := t.rec.ID
	d := t.rec.Deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	t.deadline = time.AfterFunc(d, func() {
		m.enqueue(func(ctx context.Context) error { return m.expireDeadline(ctx, id) })
	})
}

// SubmitBid records a bid for the current round, replacing the agent's
// earlier bid. Eligibility is checked before the command is queued.
func (m *Market) SubmitBid(ctx context.Context, bid Bid) error {
	p, ok := m.participant(bid.AgentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, bid.AgentID)
	}
	if p.eligible != nil {
		if err := p.eligible(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrNotEligible, bid.AgentID, err)
		}
	}
	if bid.Confidence < 0 || bid.Confidence > 1 || bid.Cost < 0 {
		return fmt.Errorf("%w: confidence %.2f cost %.2f", ErrInvalidBid, bid.Confidence, bid.Cost)
	}
	return m.do(ctx, func(ctx context.Context) error {
		t, ok := m.tasks[bid.TaskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, bid.TaskID)
		}
		if t.rec.Status != persistence.TaskStatusBidding {
			return fmt.Errorf("%w: %s is %s", ErrBiddingClosed, bid.TaskID, t.rec.Status)
		}
		if m.constitution != nil {
			rules, err := m.constitution.Rules(ctx, string(p.arch.Tag))
			if err != nil {
				return fmt.Errorf("constitution rules: %w", err)
			}
			if tag, bad := rules.ForbiddenTag(t.rec.Tags); bad {
				m.audit.Record(ctx, audit.Entry{
					Decision: audit.DecisionDeny, Action: "market.bid", Subject: bid.AgentID + "@" + bid.TaskID,
					Reason: "forbidden tag " + tag, RuleVersion: fmt.Sprintf("v%d:%s", rules.Version, rules.Hash),
				})
				return fmt.Errorf("%w: task tag %q forbidden for %s", shared.ErrConstitutionViolation, tag, p.arch.Tag)
			}
		}
		if bid.SubmittedAt.IsZero() {
			bid.SubmittedAt = m.now()
		}
		if err := m.db.UpsertBid(ctx, persistence.BidRecord{
			TaskID: bid.TaskID, AgentID: bid.AgentID, Round: t.rec.Round, Confidence: bid.Confidence,
			Cost: bid.Cost, EvidenceRef: bid.EvidenceRef, SubmittedAt: bid.SubmittedAt,
		}); err != nil {
			return err
		}
		t.bids[bid.AgentID] = bid
		if m.metrics != nil {
			m.metrics.BidsReceived.Add(ctx, 1, metric.WithAttributes(hiveotel.AttrArchetype.String(string(p.arch.Tag))))
		}
		m.bus.Publish(bus.TopicBidAccepted, bid)
		return nil
	})
}

// ClearMarket closes the task's current window now.
func (m *Market) ClearMarket(ctx context.Context, taskID string) (*Award, error) {
	var award *Award
	err := m.do(ctx, func(ctx context.Context) error {
		t, ok := m.tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		var err error
		award, err = m.clear(ctx, taskID, t.rec.Round)
		return err
	})
	return award, err
}

// clear scores the round's bids and awards the best one whose agent has
// spare concurrency. With no usable bid the task expires. Loop only.
func (m *Market) clear(ctx context.Context, taskID string, round int) (*Award, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if t.rec.Status != persistence.TaskStatusBidding || t.rec.Round != round {
		return nil, fmt.Errorf("%w: %s round %d is %s", ErrBiddingClosed, taskID, t.rec.Round, t.rec.Status)
	}
	if t.window != nil {
		t.window.Stop()
	}
	if !t.rec.Deadline.IsZero() && !m.now().Before(t.rec.Deadline) {
		return nil, m.finish(ctx, t, persistence.TaskStatusExpired, shared.ReasonDeadlineExceeded, "", "deadline passed before award")
	}

	ranking := m.rank(t)
	winner := -1
	for i := range ranking {
		p, _ := m.participant(ranking[i].AgentID)
		if m.busy[ranking[i].AgentID] >= max(1, p.arch.ConcurrencyLimit) {
			ranking[i].Skipped = "concurrency_limit"
			continue
		}
		winner = i
		break
	}
	if winner < 0 {
		return nil, m.expireEmpty(ctx, t, len(ranking))
	}

	w := ranking[winner]
	award := &Award{TaskID: taskID, AgentID: w.AgentID, Round: round, Score: w.Score, Ranking: ranking}
	report, err := json.Marshal(award)
	if err != nil {
		return nil, fmt.Errorf("encode award: %w", err)
	}
	next := t.rec
	next.Status = persistence.TaskStatusAwarded
	next.AwardedTo = w.AgentID
	next.UpdatedAt = m.now()
	if err := m.checkConflict(m.db.AwardTask(ctx, next, persistence.AwardRecord{
		TaskID: taskID, Round: round, AgentID: w.AgentID, Score: w.Score, Report: string(report), CreatedAt: next.UpdatedAt,
	})); err != nil {
		return nil, err
	}
	t.rec = next
	m.busy[w.AgentID]++
	if m.metrics != nil {
		m.metrics.Awards.Add(ctx, 1)
	}
	m.audit.Record(ctx, audit.Entry{
		Decision: audit.DecisionAllow, Action: "market.award", Subject: w.AgentID + "@" + taskID,
		Reason: fmt.Sprintf("round %d score %.4f of %d bids", round, w.Score, len(ranking)),
	})
	m.logger.Info("task awarded", "task_id", taskID, "agent_id", w.AgentID, "round", round, "score", w.Score, "bids", len(ranking))
	m.bus.Publish(bus.TopicTaskAwarded, bus.TaskAwardedEvent{TaskID: taskID, AgentID: w.AgentID, Round: round, Score: w.Score})
	return award, nil
}

// rank scores every bid fresh. Ties go to the earlier bid, then the lower
// agent id.
func (m *Market) rank(t *openTask) []Ranked {
	type scored struct {
		Ranked
		at time.Time
	}
	all := make([]scored, 0, len(t.bids))
	for _, b := range t.bids {
		p, _ := m.participant(b.AgentID)
		rep := m.Reputation(b.AgentID).Score
		fit := p.arch.Fit(t.rec.Tags)
		all = append(all, scored{
			Ranked: Ranked{
				AgentID:     b.AgentID,
				Score:       Score(m.cfg.Weights, b.Confidence, rep, b.Cost, fit),
				Confidence:  b.Confidence,
				Reputation:  rep,
				InverseCost: 1 / (1 + b.Cost),
				Fit:         fit,
			},
			at: b.SubmittedAt,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if !all[i].at.Equal(all[j].at) {
			return all[i].at.Before(all[j].at)
		}
		return all[i].AgentID < all[j].AgentID
	})
	out := make([]Ranked, len(all))
	for i, s := range all {
		out[i] = s.Ranked
	}
	return out
}

// expireEmpty handles a window with no usable bid: re-post after the
// cooldown while re-posts remain, otherwise fail with no bidders.
func (m *Market) expireEmpty(ctx context.Context, t *openTask, bids int) error {
	if t.rec.Reposts >= m.cfg.MaxReposts {
		next := t.rec
		next.Status = persistence.TaskStatusExpired
		next.UpdatedAt = m.now()
		if err := m.checkConflict(m.db.TransitionTask(ctx, next, t.rec.Status, "task.expired", "")); err != nil {
			return err
		}
		t.rec = next
		return m.finish(ctx, t, persistence.TaskStatusFailed, shared.ReasonFailedNoBidders, "",
			fmt.Sprintf("no usable bids after %d re-posts", t.rec.Reposts))
	}
	next := t.rec
	next.Status = persistence.TaskStatusExpired
	next.UpdatedAt = m.now()
	if err := m.checkConflict(m.db.TransitionTask(ctx, next, t.rec.Status, "task.expired",
		fmt.Sprintf(`{"bids":%d}`, bids))); err != nil {
		return err
	}
	t.rec = next
	id, round := t.rec.ID, t.rec.Round
	t.cooldown = time.AfterFunc(m.cfg.Cooldown(), func() {
		m.enqueue(func(ctx context.Context) error { return m.repost(ctx, id, round) })
	})
	m.logger.Info("bidding window empty", "task_id", id, "round", round, "bids", bids, "cooldown", m.cfg.Cooldown())
	return nil
}

func (m *Market) repost(ctx context.Context, taskID string, round int) error {
	t, ok := m.tasks[taskID]
	if !ok || t.rec.Status != persistence.TaskStatusExpired || t.rec.Round != round {
		return nil
	}
	t.rec.Reposts++
	if m.metrics != nil {
		m.metrics.Reposts.Add(ctx, 1)
	}
	if err := m.openWindow(ctx, t, "task.reposted", ""); err != nil {
		t.rec.Reposts--
		return err
	}
	return nil
}

// Repost re-opens an expired task immediately instead of waiting for the
// cooldown.
func (m *Market) Repost(ctx context.Context, taskID string) error {
	return m.do(ctx, func(ctx context.Context) error {
		t, ok := m.tasks[taskID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
		}
		if t.rec.Status != persistence.TaskStatusExpired {
			return fmt.Errorf("%w: %s is %s", ErrBiddingClosed, taskID, t.rec.Status)
		}
		if t.cooldown != nil {
			t.cooldown.Stop()
		}
		return m.repost(ctx, taskID, t.rec.Round)
	})
}

func (m *Market) expireDeadline(ctx context.Context, taskID string) error {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	return m.finish(ctx, t, persistence.TaskStatusExpired, shared.ReasonDeadlineExceeded, "", "deadline passed")
}

// finish moves t to a terminal status, frees its agent slot and tells the
// source. Loop only.
func (m *Market) finish(ctx context.Context, t *openTask, status persistence.TaskStatus, reason, artifact, detail string) error {
	from := t.rec.Status
	next := t.rec
	next.Status = status
	next.ReasonCode = reason
	next.Artifact = artifact
	next.Detail = detail
	next.UpdatedAt = m.now()
	payload, _ := json.Marshal(map[string]string{"reason_code": reason, "detail": detail})
	if err := m.checkConflict(m.db.TransitionTask(ctx, next, from, "task."+strings.ToLower(string(status)), string(payload))); err != nil {
		return err
	}
	if (from == persistence.TaskStatusAwarded || from == persistence.TaskStatusInProgress) && t.rec.AwardedTo != "" {
		m.release(t.rec.AwardedTo)
	}
	t.rec = next
	t.stopTimers()
	delete(m.tasks, t.rec.ID)

	if m.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("status", string(status)), attribute.String("reason", reason))
		m.metrics.TaskOutcomes.Add(ctx, 1, attrs)
		m.metrics.TaskDuration.Record(ctx, m.now().Sub(t.postedAt).Seconds(), attrs)
	}
	m.logger.Info("task finished", "task_id", next.ID, "status", status, "reason", reason, "round", next.Round)
	m.emit(Outcome{
		TaskID: next.ID, Status: string(status), ReasonCode: reason, Artifact: artifact, Detail: detail,
		AgentID: next.AwardedTo, Round: next.Round, At: next.UpdatedAt,
	})
	return nil
}

func (m *Market) release(agentID string) {
	if m.busy[agentID] > 0 {
		m.busy[agentID]--
	}
	if m.busy[agentID] == 0 {
		delete(m.busy, agentID)
	}
}

// awarded returns the open task awarded to agentID in round. Loop only.
func (m *Market) awarded(taskID, agentID string, round int) (*openTask, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	st := t.rec.Status
	if (st != persistence.TaskStatusAwarded && st != persistence.TaskStatusInProgress) || t.rec.AwardedTo != agentID {
		return nil, fmt.Errorf("%w: %s is %s for %q", ErrNotAwarded, taskID, st, t.rec.AwardedTo)
	}
	if round > 0 && t.rec.Round != round {
		return nil, fmt.Errorf("%w: %s round %d, report for %d", ErrNotAwarded, taskID, t.rec.Round, round)
	}
	return t, nil
}

// Start marks an awarded task in progress.
func (m *Market) Start(ctx context.Context, taskID, agentID string) (persistence.TaskRecord, error) {
	var rec persistence.TaskRecord
	err := m.do(ctx, func(ctx context.Context) error {
		t, err := m.awarded(taskID, agentID, 0)
		if err != nil {
			return err
		}
		if t.rec.Status == persistence.TaskStatusInProgress {
			rec = t.rec
			return nil
		}
		next := t.rec
		next.Status = persistence.TaskStatusInProgress
		next.UpdatedAt = m.now()
		if err := m.checkConflict(m.db.TransitionTask(ctx, next, t.rec.Status, "task.started", "")); err != nil {
			return err
		}
		t.rec = next
		t.startedAt = next.UpdatedAt
		rec = next
		return nil
	})
	return rec, err
}

// Release hands back an award the agent cannot afford. The task returns to
// bidding with its retry credits intact and no reputation change.
func (m *Market) Release(ctx context.Context, taskID, agentID string) error {
	return m.do(ctx, func(ctx context.Context) error {
		t, err := m.awarded(taskID, agentID, 0)
		if err != nil {
			return err
		}
		m.release(agentID)
		m.logger.Info("award released", "task_id", taskID, "agent_id", agentID, "round", t.rec.Round)
		return m.openWindow(ctx, t, "task.released", fmt.Sprintf(`{"agent_id":%q}`, agentID))
	})
}

// ReportOutcome settles an awarded task. Only the winner's reputation
// changes. A rejected result reopens the task while retry credits remain;
// a constitution violation fails it outright and is audited.
func (m *Market) ReportOutcome(ctx context.Context, r Report) error {
	return m.do(ctx, func(ctx context.Context) error {
		t, err := m.awarded(r.TaskID, r.AgentID, r.Round)
		if err != nil {
			return err
		}
		success := r.Verdict == VerdictAccepted
		merit := 0.0
		if success {
			merit = m.cfg.Reputation.MeritPerSuccess * r.Quality
		}
		if _, err := m.db.AppendReputationEvent(ctx, persistence.ReputationEvent{
			AgentID: r.AgentID, TaskID: r.TaskID, Round: t.rec.Round, Success: success,
			Quality: r.Quality, Merit: merit, At: m.now(),
		}); err != nil {
			return err
		}
		if err := m.refreshReputation(ctx, r.AgentID); err != nil {
			return err
		}

		switch r.Verdict {
		case VerdictAccepted:
			return m.finish(ctx, t, persistence.TaskStatusCompleted, shared.ReasonCompleted, r.Artifact, r.Detail)
		case VerdictViolation:
			m.audit.Record(ctx, audit.Entry{
				Decision: audit.DecisionDeny, Action: "task.critique", Subject: r.AgentID + "@" + r.TaskID,
				Reason: shared.ReasonConstitutionViolation + ": " + r.Detail,
			})
			return m.finish(ctx, t, persistence.TaskStatusFailed, shared.ReasonConstitutionViolation, "", r.Detail)
		default:
			if t.rec.RetryCredits <= 0 {
				return m.finish(ctx, t, persistence.TaskStatusFailed, shared.ReasonRetriesExhausted, "", r.Detail)
			}
			m.release(r.AgentID)
			t.rec.RetryCredits--
			if err := m.openWindow(ctx, t, "task.reopened", fmt.Sprintf(`{"agent_id":%q}`, r.AgentID)); err != nil {
				t.rec.RetryCredits++
				return err
			}
			if m.metrics != nil {
				m.metrics.Reopens.Add(ctx, 1)
			}
			m.bus.Publish(bus.TopicTaskReopened, bus.TaskReopenedEvent{
				TaskID: r.TaskID, Reason: r.Detail, RetryCredits: t.rec.RetryCredits,
			})
			return nil
		}
	})
}

// Biddable lists tasks currently accepting bids, oldest first.
func (m *Market) Biddable(ctx context.Context) ([]Listing, error) {
	var out []Listing
	err := m.do(ctx, func(context.Context) error {
		for _, t := range m.tasks {
			if t.rec.Status != persistence.TaskStatusBidding {
				continue
			}
			out = append(out, Listing{
				TaskID: t.rec.ID, Description: t.rec.Description, Tags: append([]string(nil), t.rec.Tags...),
				Round: t.rec.Round, WindowClosesAt: t.closesAt,
			})
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowClosesAt.Equal(out[j].WindowClosesAt) {
			return out[i].WindowClosesAt.Before(out[j].WindowClosesAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, err
}

// Assignments lists tasks awarded to agentID that have not started yet.
func (m *Market) Assignments(ctx context.Context, agentID string) ([]persistence.TaskRecord, error) {
	var out []persistence.TaskRecord
	err := m.do(ctx, func(context.Context) error {
		for _, t := range m.tasks {
			if t.rec.Status == persistence.TaskStatusAwarded && t.rec.AwardedTo == agentID {
				out = append(out, t.rec)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, err
}

// InProgress reports how many tasks agentID currently holds.
func (m *Market) InProgress(ctx context.Context, agentID string) (int, error) {
	n := 0
	err := m.do(ctx, func(context.Context) error {
		n = m.busy[agentID]
		return nil
	})
	return n, err
}

// Task returns the stored board record.
func (m *Market) Task(ctx context.Context, taskID string) (*persistence.TaskRecord, error) {
	return m.db.GetTask(ctx, taskID)
}

// recover rebuilds the open-task table after a restart. Bidding and expired
// tasks get fresh timers; awards held by agents that no longer exist in
// memory go back to bidding.
func (m *Market) recover(ctx context.Context) error {
	recs, err := m.db.ListTasks(ctx,
		persistence.TaskStatusOpen, persistence.TaskStatusBidding, persistence.TaskStatusExpired,
		persistence.TaskStatusAwarded, persistence.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	for _, rec := range recs {
		if rec.Status == persistence.TaskStatusExpired && rec.ReasonCode != "" {
			continue
		}
		t := &openTask{rec: rec, postedAt: rec.CreatedAt}
		m.tasks[rec.ID] = t
		if !rec.Deadline.IsZero() {
			m.armDeadline(t)
		}
		switch rec.Status {
		case persistence.TaskStatusBidding:
			bids, err := m.db.ListBids(ctx, rec.ID, rec.Round)
			if err != nil {
				return fmt.Errorf("recover bids: %w", err)
			}
			t.bids = make(map[string]Bid, len(bids))
			for _, b := range bids {
				t.bids[b.AgentID] = Bid{
					TaskID: b.TaskID, AgentID: b.AgentID, Confidence: b.Confidence, Cost: b.Cost,
					EvidenceRef: b.EvidenceRef, SubmittedAt: b.SubmittedAt,
				}
			}
			m.armWindow(t)
		case persistence.TaskStatusExpired:
			id, round := rec.ID, rec.Round
			t.cooldown = time.AfterFunc(m.cfg.Cooldown(), func() {
				m.enqueue(func(ctx context.Context) error { return m.repost(ctx, id, round) })
			})
		default:
			if err := m.openWindow(ctx, t, "task.recovered", ""); err != nil {
				return err
			}
		}
	}
	return nil
}
