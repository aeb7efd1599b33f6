package lifecycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/shared"
	"pgregory.net/rapid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixedStanding Standing

func (f fixedStanding) Standing(context.Context, string) (Standing, error) { return Standing(f), nil }

type harness struct {
	db    *persistence.Store
	bus   *bus.Bus
	clock *fakeClock
	mem   *memory.Store
	agent *Agent
}

func newHarness(t testing.TB, tag archetype.Tag, standing StandingSource) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := persistence.Open(filepath.Join(dir, "hive.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	h := &harness{db: db, bus: bus.New(), clock: &fakeClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}}
	arch, err := archetype.Defaults().Lookup(tag)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	cfg := config.Default()
	id := string(tag) + "-01"
	h.mem, err = memory.Open(ctx, db, id, cfg.Memory, memory.Options{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	p, err := persona.Load(ctx, db, h.bus, id, arch.Anchor, cfg.Persona)
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}
	h.agent, err = Hatch(ctx, db, h.bus, id, arch, h.mem, p, cfg.Lifecycle, Options{
		Standing: standing,
		Now:      h.clock.Now,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	})
	if err != nil {
		t.Fatalf("hatch: %v", err)
	}
	return h
}

func (h *harness) onboard(t testing.TB) {
	t.Helper()
	if err := h.agent.Onboard(context.Background()); err != nil {
		t.Fatalf("onboard: %v", err)
	}
}

func TestOnboard_SeedsAndStartsShift(t *testing.T) {
	h := newHarness(t, archetype.Scout, nil)
	sub := h.bus.Subscribe(bus.TopicLifecycleTransition)
	h.onboard(t)

	rec := h.agent.Record()
	if State(rec.LifecycleState) != StateShift {
		t.Fatalf("expected shift, got %s", rec.LifecycleState)
	}
	if rec.BudgetRemaining != h.agent.Archetype().BudgetQuota || rec.BudgetQuota != rec.BudgetRemaining {
		t.Fatalf("budget not reset to quota: %+v", rec)
	}
	want := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	if !rec.ShiftEndsAt.Equal(want) {
		t.Fatalf("shift end = %s, want %s", rec.ShiftEndsAt, want)
	}
	procs, err := h.mem.Procedures(context.Background(), false)
	if err != nil || len(procs) != len(h.agent.Archetype().Procedures) {
		t.Fatalf("seed procedures = %d (%v)", len(procs), err)
	}
	for _, p := range procs {
		if p.Source != memory.SourceSeed {
			t.Fatalf("seed %s has source %q", p.Name, p.Source)
		}
	}

	var got []string
	for i := 0; i < 2; i++ {
		ev := (<-sub.Ch()).Payload.(bus.LifecycleTransitionEvent)
		got = append(got, ev.To)
	}
	if got[0] != string(StateOnboard) || got[1] != string(StateShift) {
		t.Fatalf("unexpected transition events: %v", got)
	}

	stored, err := h.db.GetAgent(context.Background(), h.agent.ID())
	if err != nil || stored.LifecycleState != string(StateShift) || stored.PersonaVersion != 1 {
		t.Fatalf("persisted record = %+v (%v)", stored, err)
	}
}

func TestSpend_UnaffordableLeavesBudget(t *testing.T) {
	h := newHarness(t, archetype.Builder, nil)
	h.onboard(t)
	ctx := context.Background()
	quota := h.agent.Remaining()

	err := h.agent.Spend(ctx, quota+1)
	if !errors.Is(err, shared.ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if h.agent.Remaining() != quota || h.agent.State() != StateShift {
		t.Fatal("failed spend must not change the agent")
	}
}

func TestSpend_ExhaustionForcesOffDutyUntilNextShift(t *testing.T) {
	h := newHarness(t, archetype.Builder, nil)
	h.onboard(t)
	ctx := context.Background()

	if err := h.agent.Spend(ctx, h.agent.Remaining()); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if h.agent.State() != StateOffDuty {
		t.Fatalf("expected off-duty, got %s", h.agent.State())
	}
	if err := h.agent.CanBid(); !errors.Is(err, ErrNotOnShift) {
		t.Fatalf("expected off-duty agent to be barred from bidding, got %v", err)
	}
	if Mode(h.agent.Record().OffDutyMode) != ModeDream {
		t.Fatalf("builder persona should dream, got %q", h.agent.Record().OffDutyMode)
	}

	h.clock.Advance(h.agent.Archetype().MinRest)
	if err := h.agent.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.agent.State() != StateShift || h.agent.CanBid() != nil {
		t.Fatalf("expected a fresh shift, got %s", h.agent.State())
	}
	if h.agent.Remaining() != h.agent.Archetype().BudgetQuota {
		t.Fatalf("budget not reset: %v", h.agent.Remaining())
	}
}

func TestResume_RequiresCycleAndRest(t *testing.T) {
	h := newHarness(t, archetype.Scout, nil)
	h.onboard(t)
	ctx := context.Background()
	if err := h.agent.EndShift(ctx, "test"); err != nil {
		t.Fatalf("end shift: %v", err)
	}
	if Mode(h.agent.Record().OffDutyMode) != ModePlay {
		t.Fatalf("curious scout should play, got %q", h.agent.Record().OffDutyMode)
	}

	h.clock.Advance(time.Hour)
	if err := h.agent.Resume(ctx); !errors.Is(err, ErrRestIncomplete) {
		t.Fatalf("resume without a cycle: expected ErrRestIncomplete, got %v", err)
	}

	h2 := newHarness(t, archetype.Scout, nil)
	h2.onboard(t)
	if err := h2.agent.EndShift(ctx, "test"); err != nil {
		t.Fatalf("end shift: %v", err)
	}
	if err := h2.agent.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if err := h2.agent.Resume(ctx); !errors.Is(err, ErrRestIncomplete) {
		t.Fatalf("resume before min rest: expected ErrRestIncomplete, got %v", err)
	}
	h2.clock.Advance(h2.agent.Archetype().MinRest)
	if err := h2.agent.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if h2.agent.State() != StateShift {
		t.Fatalf("expected shift, got %s", h2.agent.State())
	}
}

func TestTick_ScheduleEndsShift(t *testing.T) {
	h := newHarness(t, archetype.Director, nil)
	h.onboard(t)
	ctx := context.Background()
	end := h.agent.Record().ShiftEndsAt

	if err := h.agent.Tick(ctx, end.Add(-time.Second)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.agent.State() != StateShift {
		t.Fatal("shift ended early")
	}
	h.clock.t = end
	if err := h.agent.Tick(ctx, end); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.agent.State() != StateOffDuty {
		t.Fatalf("expected off-duty at shift end, got %s", h.agent.State())
	}
}

func TestReview_PromotesOnStanding(t *testing.T) {
	cfg := config.Default().Lifecycle
	h := newHarness(t, archetype.Scout, fixedStanding{
		Reputation: cfg.PromotionReputation + 0.1,
		Merit:      cfg.PromotionMerit,
		Completed:  cfg.PromotionMinTasks,
	})
	h.onboard(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(bus.TopicLifecycleTransition)
	if err := h.agent.EndShift(ctx, "test"); err != nil {
		t.Fatalf("end shift: %v", err)
	}
	if err := h.agent.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	h.clock.Advance(h.agent.Archetype().MinRest)
	if err := h.agent.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rec := h.agent.Record()
	if rec.Level != 1 {
		t.Fatalf("expected level 1, got %d", rec.Level)
	}
	if rec.BudgetRemaining != h.agent.Archetype().QuotaAt(1) || rec.BudgetRemaining <= h.agent.Archetype().BudgetQuota {
		t.Fatalf("promoted quota not applied: %v", rec.BudgetRemaining)
	}
	var path []string
	for i := 0; i < 4; i++ {
		path = append(path, (<-sub.Ch()).Payload.(bus.LifecycleTransitionEvent).To)
	}
	want := []string{"offduty", "review", "promote", "shift"}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("transition path = %v, want %v", path, want)
		}
	}

	// Same standing does not clear the level-2 bar.
	if err := h.agent.EndShift(ctx, "test"); err != nil {
		t.Fatalf("end shift: %v", err)
	}
	_ = h.agent.RunCycle(ctx)
	h.clock.Advance(h.agent.Archetype().MinRest)
	if err := h.agent.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if h.agent.Record().Level != 1 {
		t.Fatal("promoted twice on unchanged standing")
	}
}

func TestRetire_IsPermanent(t *testing.T) {
	h := newHarness(t, archetype.Scout, nil)
	h.onboard(t)
	ctx := context.Background()
	if err := h.agent.Retire(ctx, "decommissioned"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if err := h.agent.CanBid(); !errors.Is(err, ErrRetired) {
		t.Fatalf("expected ErrRetired, got %v", err)
	}
	if err := h.agent.Spend(ctx, 1); !errors.Is(err, ErrRetired) {
		t.Fatalf("expected ErrRetired, got %v", err)
	}
	h.clock.Advance(24 * time.Hour)
	if err := h.agent.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if h.agent.State() != StateRetired {
		t.Fatalf("retired agent moved to %s", h.agent.State())
	}
}

func TestHatch_ResumesPersistedRecord(t *testing.T) {
	h := newHarness(t, archetype.Builder, nil)
	h.onboard(t)
	ctx := context.Background()
	if err := h.agent.Spend(ctx, 3); err != nil {
		t.Fatalf("spend: %v", err)
	}
	again, err := Hatch(ctx, h.db, nil, h.agent.ID(), h.agent.Archetype(), h.mem, nil, config.Default().Lifecycle, Options{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("rehatch: %v", err)
	}
	if again.State() != StateShift || again.Remaining() != h.agent.Remaining() {
		t.Fatalf("record not resumed: %+v", again.Record())
	}
}

func TestManager_TicksAllAgents(t *testing.T) {
	h1 := newHarness(t, archetype.Scout, nil)
	h2 := newHarness(t, archetype.Builder, nil)
	m := NewManager(nil)
	m.Add(h1.agent)
	m.Add(h2.agent)
	if err := m.Tick(context.Background(), h1.clock.Now()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	for _, a := range m.Agents() {
		if a.State() != StateShift {
			t.Fatalf("%s not onboarded by tick: %s", a.ID(), a.State())
		}
	}
	if _, ok := m.Get(h2.agent.ID()); !ok {
		t.Fatal("agent not registered")
	}
}

func TestSpendNeverExceedsQuota(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, archetype.Director, nil)
		h.onboard(t)
		ctx := context.Background()
		quota := h.agent.Record().BudgetQuota
		var spent float64
		n := rapid.IntRange(1, 40).Draw(rt, "n")
		for i := 0; i < n; i++ {
			cost := float64(rapid.IntRange(0, 8).Draw(rt, "cost"))
			if err := h.agent.Spend(ctx, cost); err == nil {
				spent += cost
			}
			if spent > quota {
				rt.Fatalf("spent %v of quota %v", spent, quota)
			}
			if h.agent.Remaining() != quota-spent {
				rt.Fatalf("remaining %v, want %v", h.agent.Remaining(), quota-spent)
			}
		}
	})
}
