package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/audit"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"pgregory.net/rapid"
)

type harness struct {
	db       *persistence.Store
	audit    *audit.Log
	market   *Market
	cancel   context.CancelFunc
	stopped  chan struct{}
	outcomes chan Outcome
}

func newHarness(t *testing.T, mutate func(*config.MarketConfig, *Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "hive.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	al, err := audit.Open(dir, db.DB())
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = al.Close() })

	cfg := config.Default()
	mcfg := cfg.Market
	mcfg.WindowMS = 60_000
	mcfg.CooldownMS = 60_000
	opts := Options{Bus: bus.New(), Audit: al, Promotion: cfg.Lifecycle}
	if mutate != nil {
		mutate(&mcfg, &opts)
	}
	h := &harness{db: db, audit: al, outcomes: make(chan Outcome, 16)}
	h.start(t, mcfg, opts)
	return h
}

func (h *harness) start(t *testing.T, cfg config.MarketConfig, opts Options) {
	t.Helper()
	h.market = New(h.db, cfg, opts)
	h.market.OnOutcome(func(o Outcome) { h.outcomes <- o })
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.stopped = make(chan struct{})
	go func() {
		defer close(h.stopped)
		if err := h.market.Run(ctx); err != nil {
			t.Errorf("market run: %v", err)
		}
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	h.cancel()
	<-h.stopped
}

func (h *harness) register(t *testing.T, id string, tag archetype.Tag, eligible Eligibility) {
	t.Helper()
	arch, err := archetype.Defaults().Lookup(tag)
	if err != nil {
		t.Fatalf("lookup %s: %v", tag, err)
	}
	h.market.Register(id, arch, eligible)
}

func (h *harness) post(t *testing.T, desc string, tags ...string) string {
	t.Helper()
	id, err := h.market.PostTask(context.Background(), TaskSpec{Description: desc, Tags: tags})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return id
}

func (h *harness) bid(t *testing.T, taskID, agentID string, confidence, cost float64) {
	t.Helper()
	if err := h.market.SubmitBid(context.Background(), Bid{TaskID: taskID, AgentID: agentID, Confidence: confidence, Cost: cost}); err != nil {
		t.Fatalf("bid %s on %s: %v", agentID, taskID, err)
	}
}

func (h *harness) clear(t *testing.T, taskID string) *Award {
	t.Helper()
	award, err := h.market.ClearMarket(context.Background(), taskID)
	if err != nil {
		t.Fatalf("clear %s: %v", taskID, err)
	}
	return award
}

func (h *harness) task(t *testing.T, id string) *persistence.TaskRecord {
	t.Helper()
	rec, err := h.market.Task(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return rec
}

func (h *harness) awaitOutcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func (h *harness) runAward(t *testing.T, award *Award, verdict Verdict, quality float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.market.Start(ctx, award.TaskID, award.AgentID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.market.ReportOutcome(ctx, Report{
		TaskID: award.TaskID, AgentID: award.AgentID, Round: award.Round,
		Verdict: verdict, Quality: quality, Artifact: "findings", Detail: string(verdict),
	}); err != nil {
		t.Fatalf("report: %v", err)
	}
}

func TestHighestConfidenceWinsAndReputationRises(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"scout-01", "scout-02", "scout-03"} {
		h.register(t, id, archetype.Scout, nil)
	}
	taskID := h.post(t, "survey vector databases", "research")
	h.bid(t, taskID, "scout-02", 0.7, 2)
	h.bid(t, taskID, "scout-01", 0.9, 2)
	h.bid(t, taskID, "scout-03", 0.6, 2)

	award := h.clear(t, taskID)
	if award.AgentID != "scout-01" {
		t.Fatalf("expected scout-01 to win, got %+v", award)
	}
	if len(award.Ranking) != 3 || award.Ranking[1].AgentID != "scout-02" || award.Ranking[2].AgentID != "scout-03" {
		t.Fatalf("unexpected ranking: %+v", award.Ranking)
	}
	before := h.market.Reputation("scout-01").Score

	h.runAward(t, award, VerdictAccepted, 0.9)
	o := h.awaitOutcome(t)
	if o.Status != string(persistence.TaskStatusCompleted) || o.ReasonCode != shared.ReasonCompleted || o.Artifact != "findings" {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	after := h.market.Reputation("scout-01")
	if after.Score <= before || after.Completed != 1 || after.Merit <= 0 {
		t.Fatalf("winner reputation did not rise: before %.3f after %+v", before, after)
	}
	if got := h.market.Reputation("scout-02").Score; got != before {
		t.Fatalf("loser reputation changed: %.3f", got)
	}
	if rec := h.task(t, taskID); rec.Status != persistence.TaskStatusCompleted || rec.AwardedTo != "scout-01" {
		t.Fatalf("board not completed: %+v", rec)
	}
}

func TestSubmitBid_IneligibleAgentRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-02", archetype.Scout, func() error { return shared.ErrBudgetExhausted })
	taskID := h.post(t, "find sources", "research")

	err := h.market.SubmitBid(context.Background(), Bid{TaskID: taskID, AgentID: "scout-02", Confidence: 0.8, Cost: 1})
	if !errors.Is(err, ErrNotEligible) || !errors.Is(err, shared.ErrBudgetExhausted) {
		t.Fatalf("expected budget ineligibility, got %v", err)
	}
	bids, err := h.db.ListBids(context.Background(), taskID, 1)
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	if len(bids) != 0 {
		t.Fatalf("rejected bid was stored: %+v", bids)
	}
}

func TestSubmitBid_Validation(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "find sources", "research")
	ctx := context.Background()

	if err := h.market.SubmitBid(ctx, Bid{TaskID: taskID, AgentID: "ghost", Confidence: 0.5}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected unknown agent, got %v", err)
	}
	if err := h.market.SubmitBid(ctx, Bid{TaskID: taskID, AgentID: "scout-01", Confidence: 1.5}); !errors.Is(err, ErrInvalidBid) {
		t.Fatalf("expected invalid bid, got %v", err)
	}
	if err := h.market.SubmitBid(ctx, Bid{TaskID: "nope", AgentID: "scout-01", Confidence: 0.5}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	h.bid(t, taskID, "scout-01", 0.5, 1)
	h.clear(t, taskID)
	if err := h.market.SubmitBid(ctx, Bid{TaskID: taskID, AgentID: "scout-01", Confidence: 0.5}); !errors.Is(err, ErrBiddingClosed) {
		t.Fatalf("expected bidding closed, got %v", err)
	}
}

func TestRejectedResultReopensUntilCreditsRunOut(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "compile citations", "research")

	wantCredits := []int{1, 0}
	for i, want := range wantCredits {
		h.bid(t, taskID, "scout-01", 0.8, 1)
		h.runAward(t, h.clear(t, taskID), VerdictRejected, 0.3)
		rec := h.task(t, taskID)
		if rec.Status != persistence.TaskStatusBidding || rec.RetryCredits != want || rec.Round != i+2 {
			t.Fatalf("attempt %d: expected reopen with %d credits, got %+v", i+1, want, rec)
		}
	}

	h.bid(t, taskID, "scout-01", 0.8, 1)
	h.runAward(t, h.clear(t, taskID), VerdictRejected, 0.3)
	o := h.awaitOutcome(t)
	if o.Status != string(persistence.TaskStatusFailed) || o.ReasonCode != shared.ReasonRetriesExhausted {
		t.Fatalf("expected retries exhausted, got %+v", o)
	}
	rep := h.market.Reputation("scout-01")
	if rep.Failed != 3 || rep.Score >= 0.5 {
		t.Fatalf("failures not recorded: %+v", rep)
	}
}

func TestEmptyWindowsRepostOnceThenFailNoBidders(t *testing.T) {
	h := newHarness(t, func(c *config.MarketConfig, _ *Options) {
		c.WindowMS = 20
		c.CooldownMS = 20
		c.MaxReposts = 1
	})
	taskID := h.post(t, "nobody wants this", "astrology")

	o := h.awaitOutcome(t)
	if o.TaskID != taskID || o.Status != string(persistence.TaskStatusFailed) || o.ReasonCode != shared.ReasonFailedNoBidders {
		t.Fatalf("expected failed no bidders, got %+v", o)
	}
	events, err := h.db.ListTaskEvents(context.Background(), taskID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var expired, reposted int
	for _, ev := range events {
		switch ev.EventType {
		case "task.expired":
			expired++
		case "task.reposted":
			reposted++
		}
	}
	if expired != 2 || reposted != 1 {
		t.Fatalf("expected 2 expiries and 1 repost, got %d and %d: %+v", expired, reposted, events)
	}
	if rec := h.task(t, taskID); rec.Reposts != 1 || rec.Round != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestManualRepostSkipsCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "quiet task", "research")
	if _, err := h.market.ClearMarket(context.Background(), taskID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if rec := h.task(t, taskID); rec.Status != persistence.TaskStatusExpired {
		t.Fatalf("expected expired, got %s", rec.Status)
	}
	if err := h.market.Repost(context.Background(), taskID); err != nil {
		t.Fatalf("repost: %v", err)
	}
	h.bid(t, taskID, "scout-01", 0.6, 1)
	if award := h.clear(t, taskID); award.Round != 2 {
		t.Fatalf("expected award in round 2, got %+v", award)
	}
}

func TestViolationFailsTerminallyAndAudits(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "builder-01", archetype.Builder, nil)
	taskID := h.post(t, "ship the patch", "build")
	h.bid(t, taskID, "builder-01", 0.9, 3)
	h.runAward(t, h.clear(t, taskID), VerdictViolation, 0)

	o := h.awaitOutcome(t)
	if o.Status != string(persistence.TaskStatusFailed) || o.ReasonCode != shared.ReasonConstitutionViolation {
		t.Fatalf("expected violation failure, got %+v", o)
	}
	if rec := h.task(t, taskID); rec.RetryCredits != 2 {
		t.Fatalf("violation must not spend retry credits: %+v", rec)
	}
	if h.audit.Denials() == 0 {
		t.Fatal("violation was not audited")
	}
}

func TestClearing_SkipsAgentAtConcurrencyLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "builder-01", archetype.Builder, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	first := h.post(t, "build the cache", "build")
	second := h.post(t, "build the index", "build")
	for _, id := range []string{first, second} {
		h.bid(t, id, "builder-01", 0.9, 1)
		h.bid(t, id, "scout-01", 0.4, 1)
	}
	if award := h.clear(t, first); award.AgentID != "builder-01" {
		t.Fatalf("first award: %+v", award)
	}
	award := h.clear(t, second)
	if award.AgentID != "scout-01" {
		t.Fatalf("busy builder should be skipped: %+v", award)
	}
	if award.Ranking[0].AgentID != "builder-01" || award.Ranking[0].Skipped == "" {
		t.Fatalf("skip not reported: %+v", award.Ranking)
	}
	n, err := h.market.InProgress(context.Background(), "builder-01")
	if err != nil || n != 1 {
		t.Fatalf("expected builder to hold one task, got %d, %v", n, err)
	}
}

func TestClearing_AtMostOneAwardUnderConcurrentClears(t *testing.T) {
	h := newHarness(t, nil)
	for i := range 4 {
		h.register(t, fmt.Sprintf("scout-%02d", i), archetype.Scout, nil)
	}
	taskID := h.post(t, "race for it", "research")
	for i := range 4 {
		h.bid(t, taskID, fmt.Sprintf("scout-%02d", i), 0.5+float64(i)/10, 1)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.market.ClearMarket(context.Background(), taskID)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrBiddingClosed) {
				t.Errorf("unexpected clear error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one award, got %d", winners)
	}
	awards, err := h.db.ListAwards(context.Background(), taskID)
	if err != nil || len(awards) != 1 || awards[0].AgentID != "scout-03" {
		t.Fatalf("expected single award to scout-03, got %+v, %v", awards, err)
	}
}

func TestMarket_InterleavedBidsAndClearsAwardOncePerRound(t *testing.T) {
	h := newHarness(t, func(c *config.MarketConfig, _ *Options) {
		c.WindowMS = 15
		c.CooldownMS = 5
		c.MaxReposts = 2
	})
	// Expiries and reposts emit outcomes nobody awaits here.
	go func(stopped <-chan struct{}) {
		for {
			select {
			case <-h.outcomes:
			case <-stopped:
				return
			}
		}
	}(h.stopped)
	agents := []string{"scout-01", "scout-02", "scout-03", "scout-04", "scout-05"}
	for _, id := range agents {
		h.register(t, id, archetype.Scout, nil)
	}

	type op struct {
		clear      bool
		task       int
		agent      string
		confidence float64
		pause      time.Duration
	}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		tasks := make([]string, rapid.IntRange(1, 4).Draw(rt, "tasks"))
		for i := range tasks {
			id, err := h.market.PostTask(ctx, TaskSpec{Description: fmt.Sprintf("stress %d", i), Tags: []string{"research"}})
			if err != nil {
				rt.Fatalf("post: %v", err)
			}
			tasks[i] = id
		}
		workers := make([][]op, rapid.IntRange(2, 8).Draw(rt, "workers"))
		for w := range workers {
			workers[w] = make([]op, rapid.IntRange(1, 12).Draw(rt, "ops"))
			for i := range workers[w] {
				workers[w][i] = op{
					clear:      rapid.Bool().Draw(rt, "clear"),
					task:       rapid.IntRange(0, len(tasks)-1).Draw(rt, "task"),
					agent:      rapid.SampledFrom(agents).Draw(rt, "agent"),
					confidence: rapid.Float64Range(0, 1).Draw(rt, "confidence"),
					pause:      time.Duration(rapid.IntRange(0, 3).Draw(rt, "pause_ms")) * time.Millisecond,
				}
			}
		}

		var wg sync.WaitGroup
		errs := make(chan error, 128)
		for _, ops := range workers {
			wg.Add(1)
			go func(ops []op) {
				defer wg.Done()
				for _, o := range ops {
					time.Sleep(o.pause)
					var err error
					if o.clear {
						_, err = h.market.ClearMarket(ctx, tasks[o.task])
					} else {
						err = h.market.SubmitBid(ctx, Bid{TaskID: tasks[o.task], AgentID: o.agent, Confidence: o.confidence, Cost: 1})
					}
					if err != nil && !errors.Is(err, ErrBiddingClosed) && !errors.Is(err, ErrUnknownTask) {
						select {
						case errs <- err:
						default:
						}
					}
				}
			}(ops)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			rt.Fatalf("unexpected market error: %v", err)
		}
		if h.market.Halted() {
			rt.Fatal("market halted on a concurrency conflict")
		}
		for _, id := range tasks {
			awards, err := h.db.ListAwards(ctx, id)
			if err != nil {
				rt.Fatalf("list awards: %v", err)
			}
			perRound := make(map[int]int)
			for _, a := range awards {
				perRound[a.Round]++
				if perRound[a.Round] > 1 {
					rt.Fatalf("task %s round %d awarded %d times: %+v", id, a.Round, perRound[a.Round], awards)
				}
			}
		}
	})
}

func TestRelease_ReturnsToBiddingWithoutPenalty(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "too expensive", "research")
	h.bid(t, taskID, "scout-01", 0.9, 50)
	award := h.clear(t, taskID)
	if err := h.market.Release(context.Background(), taskID, award.AgentID); err != nil {
		t.Fatalf("release: %v", err)
	}
	rec := h.task(t, taskID)
	if rec.Status != persistence.TaskStatusBidding || rec.RetryCredits != 2 || rec.Round != 2 {
		t.Fatalf("unexpected record after release: %+v", rec)
	}
	if rep := h.market.Reputation("scout-01"); rep.Failed != 0 || rep.Score != 0.5 {
		t.Fatalf("release changed reputation: %+v", rep)
	}
	if err := h.market.Release(context.Background(), taskID, award.AgentID); !errors.Is(err, ErrNotAwarded) {
		t.Fatalf("expected not awarded, got %v", err)
	}
}

func TestAssignmentsAndBiddable(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	ctx := context.Background()
	a := h.post(t, "first", "research")
	b := h.post(t, "second", "search")

	open, err := h.market.Biddable(ctx)
	if err != nil || len(open) != 2 {
		t.Fatalf("expected two biddable tasks, got %+v, %v", open, err)
	}
	h.bid(t, a, "scout-01", 0.7, 1)
	h.clear(t, a)
	open, _ = h.market.Biddable(ctx)
	if len(open) != 1 || open[0].TaskID != b {
		t.Fatalf("awarded task still biddable: %+v", open)
	}
	got, err := h.market.Assignments(ctx, "scout-01")
	if err != nil || len(got) != 1 || got[0].ID != a {
		t.Fatalf("expected assignment %s, got %+v, %v", a, got, err)
	}
	if _, err := h.market.Start(ctx, a, "scout-01"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, _ := h.market.Assignments(ctx, "scout-01"); len(got) != 0 {
		t.Fatalf("started task still listed: %+v", got)
	}
}

func TestPostTask_SignedSources(t *testing.T) {
	keys := governance.NewKeyring(nil)
	if _, err := keys.Generate("feed"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	h := newHarness(t, func(_ *config.MarketConfig, o *Options) { o.Verifier = keys })
	ctx := context.Background()

	spec := TaskSpec{Description: "summarize the feed", Tags: []string{"summarize"}, SourceID: "feed"}
	sig, err := keys.Sign("feed", spec.SigningPayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	spec.Signature = sig
	if _, err := h.market.PostTask(ctx, spec); err != nil {
		t.Fatalf("signed post rejected: %v", err)
	}

	forged := spec
	forged.Description = "summarize something else"
	if _, err := h.market.PostTask(ctx, forged); !errors.Is(err, ErrUnverifiedSource) {
		t.Fatalf("expected unverified source, got %v", err)
	}
	tasks, err := h.db.ListTasks(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("forged task stored: %+v, %v", tasks, err)
	}
	if h.audit.Denials() != 1 {
		t.Fatalf("expected one audited denial, got %d", h.audit.Denials())
	}
}

func TestPostTask_RequiresDescriptionAndTags(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.market.PostTask(context.Background(), TaskSpec{Description: "  ", Tags: []string{"x"}}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected invalid task, got %v", err)
	}
	if _, err := h.market.PostTask(context.Background(), TaskSpec{Description: "x"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected invalid task, got %v", err)
	}
}

func TestSubmitBid_ForbiddenTagDenied(t *testing.T) {
	c, err := governance.LoadConstitution("")
	if err != nil {
		t.Fatalf("constitution: %v", err)
	}
	t.Cleanup(c.Close)
	h := newHarness(t, func(_ *config.MarketConfig, o *Options) { o.Constitution = c })
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "copy the customer list out", "research", "exfiltrate")

	err = h.market.SubmitBid(context.Background(), Bid{TaskID: taskID, AgentID: "scout-01", Confidence: 0.9, Cost: 1})
	if !errors.Is(err, shared.ErrConstitutionViolation) {
		t.Fatalf("expected constitution violation, got %v", err)
	}
}

func TestDeadlineExpiresOpenTask(t *testing.T) {
	h := newHarness(t, nil)
	id, err := h.market.PostTask(context.Background(), TaskSpec{
		Description: "urgent", Tags: []string{"research"}, Deadline: time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	o := h.awaitOutcome(t)
	if o.TaskID != id || o.Status != string(persistence.TaskStatusExpired) || o.ReasonCode != shared.ReasonDeadlineExceeded {
		t.Fatalf("expected deadline expiry, got %+v", o)
	}
}

func TestStaleBoardHaltsMarket(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "scout-01", archetype.Scout, nil)
	ctx := context.Background()
	taskID := h.post(t, "contested", "research")
	h.bid(t, taskID, "scout-01", 0.9, 1)

	rec := h.task(t, taskID)
	behind := *rec
	behind.Status = persistence.TaskStatusFailed
	if err := h.db.TransitionTask(ctx, behind, persistence.TaskStatusBidding, "external.write", ""); err != nil {
		t.Fatalf("external transition: %v", err)
	}

	_, err := h.market.ClearMarket(ctx, taskID)
	if !errors.Is(err, ErrMarketHalted) || !errors.Is(err, shared.ErrConcurrencyConflict) {
		t.Fatalf("expected halt on conflict, got %v", err)
	}
	if !h.market.Halted() {
		t.Fatal("market not halted")
	}
	if _, err := h.market.PostTask(ctx, TaskSpec{Description: "more", Tags: []string{"research"}}); !errors.Is(err, ErrMarketHalted) {
		t.Fatalf("halted market accepted work: %v", err)
	}
}

func TestRunRecoversBiddingTasks(t *testing.T) {
	h := newHarness(t, nil)
	cfg := config.Default()
	cfg.Market.WindowMS = 60_000
	h.register(t, "scout-01", archetype.Scout, nil)
	taskID := h.post(t, "survive restart", "research")
	h.bid(t, taskID, "scout-01", 0.8, 1)
	h.stop()

	h.start(t, cfg.Market, Options{Promotion: cfg.Lifecycle})
	h.register(t, "scout-01", archetype.Scout, nil)
	open, err := h.market.Biddable(context.Background())
	if err != nil || len(open) != 1 || open[0].TaskID != taskID || open[0].Round != 1 {
		t.Fatalf("task not recovered: %+v, %v", open, err)
	}
	if award := h.clear(t, taskID); award.AgentID != "scout-01" {
		t.Fatalf("recovered bid lost: %+v", award)
	}
}

func TestReplay_OrderIndependent(t *testing.T) {
	cfg := config.Default()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
		events := make([]persistence.ReputationEvent, n)
		for i := range events {
			events[i] = persistence.ReputationEvent{
				AgentID: rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "agent"),
				TaskID:  fmt.Sprintf("t%d", i),
				Round:   1,
				Success: rapid.Bool().Draw(t, "success"),
				Quality: rapid.Float64Range(0, 1).Draw(t, "quality"),
				At:      base.Add(time.Duration(rapid.IntRange(0, 5).Draw(t, "offset")) * time.Second),
			}
		}
		shuffled := append([]persistence.ReputationEvent(nil), events...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		a := Replay(cfg.Market.Reputation, cfg.Lifecycle, events)
		b := Replay(cfg.Market.Reputation, cfg.Lifecycle, shuffled)
		if len(a) != len(b) {
			t.Fatalf("agent sets differ: %d vs %d", len(a), len(b))
		}
		for id, ra := range a {
			if rb := b[id]; ra != rb {
				t.Fatalf("replay of %s depends on order: %+v vs %+v", id, ra, rb)
			}
			if ra.Score < cfg.Market.Reputation.Floor || ra.Score > cfg.Market.Reputation.Ceiling {
				t.Fatalf("score out of bounds: %+v", ra)
			}
		}
	})
}

func TestScore_Monotonic(t *testing.T) {
	w := config.Default().Market.Weights
	rapid.Check(t, func(t *rapid.T) {
		conf := rapid.Float64Range(0, 0.9).Draw(t, "confidence")
		rep := rapid.Float64Range(0, 0.9).Draw(t, "reputation")
		cost := rapid.Float64Range(0, 10).Draw(t, "cost")
		fit := rapid.Float64Range(0, 0.9).Draw(t, "fit")
		d := rapid.Float64Range(0.01, 0.1).Draw(t, "delta")
		s := Score(w, conf, rep, cost, fit)
		if Score(w, conf+d, rep, cost, fit) <= s {
			t.Fatal("higher confidence did not raise score")
		}
		if Score(w, conf, rep+d, cost, fit) <= s {
			t.Fatal("higher reputation did not raise score")
		}
		if Score(w, conf, rep, cost+d, fit) >= s {
			t.Fatal("higher cost did not lower score")
		}
		if Score(w, conf, rep, cost, fit+d) <= s {
			t.Fatal("better fit did not raise score")
		}
	})
}

func TestReputation_SuccessesRaiseFailuresLower(t *testing.T) {
	cfg := config.Default()
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	up := Replay(cfg.Market.Reputation, cfg.Lifecycle, []persistence.ReputationEvent{
		{AgentID: "a", TaskID: "t1", Round: 1, Success: true, Quality: 0.9, Merit: 0.9, At: at},
	})["a"]
	down := Replay(cfg.Market.Reputation, cfg.Lifecycle, []persistence.ReputationEvent{
		{AgentID: "a", TaskID: "t1", Round: 1, Success: false, At: at},
	})["a"]
	if up.Score <= cfg.Market.Reputation.Initial || down.Score >= cfg.Market.Reputation.Initial {
		t.Fatalf("unexpected direction: up %+v down %+v", up, down)
	}
}
