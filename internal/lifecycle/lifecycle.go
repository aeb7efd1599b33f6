// Package lifecycle owns an agent's position in the
// Hatch → Onboard → Shift ⇄ Off-duty → Review → Promote cycle, its budget,
// and the rest gate that keeps an agent off shift until it has dreamed or
// played.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/cron"
	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

// State is a lifecycle position.
type State string

const (
	StateHatch   State = "hatch"
	StateOnboard State = "onboard"
	StateShift   State = "shift"
	StateOffDuty State = "offduty"
	StateReview  State = "review"
	StatePromote State = "promote"
	StateRetired State = "retired"
)

// Mode is the Off-duty activity.
type Mode string

const (
	ModeDream Mode = "dream"
	ModePlay  Mode = "play"
)

var (
	ErrNotOnShift       = errors.New("agent is not on shift")
	ErrRetired          = errors.New("agent is retired")
	ErrRestIncomplete   = errors.New("off-duty rest incomplete")
	ErrIllegalLifecycle = errors.New("illegal lifecycle transition")
)

var legal = map[State][]State{
	StateHatch:   {StateOnboard},
	StateOnboard: {StateShift},
	StateShift:   {StateOffDuty},
	StateOffDuty: {StateReview},
	StateReview:  {StatePromote, StateShift},
	StatePromote: {StateShift},
}

// Standing is the market's view of an agent, consulted at Review.
type Standing struct {
	Reputation float64
	Merit      float64
	Completed  int
}

// StandingSource reports an agent's market standing.
type StandingSource interface {
	Standing(ctx context.Context, agentID string) (Standing, error)
}

// Options carries optional collaborators.
type Options struct {
	Logger   *slog.Logger
	Metrics  *hiveotel.Metrics
	Standing StandingSource
	Now      func() time.Time
	Rand     *rand.Rand
	// MinCost is the smallest charge a task can carry; a budget below it
	// forces the agent off shift.
	MinCost float64
}

// Agent is the lifecycle state machine for one agent. Every transition is
// persisted before it is published.
type Agent struct {
	mu sync.Mutex

	rec     persistence.AgentRecord
	arch    archetype.Archetype
	cfg     config.LifecycleConfig
	db      *persistence.Store
	bus     *bus.Bus
	mem     *memory.Store
	persona *persona.Persona

	logger   *slog.Logger
	metrics  *hiveotel.Metrics
	standing StandingSource
	now      func() time.Time
	rng      *rand.Rand
	minCost  float64
}

// Hatch loads the agent record, creating it in the Hatch state when it does
// not exist. A restarted daemon resumes each agent where it left off.
func Hatch(ctx context.Context, db *persistence.Store, eventBus *bus.Bus, id string, arch archetype.Archetype,
	mem *memory.Store, p *persona.Persona, cfg config.LifecycleConfig, opts Options) (*Agent, error) {
	a := &Agent{
		arch:     arch,
		cfg:      cfg,
		db:       db,
		bus:      eventBus,
		mem:      mem,
		persona:  p,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		standing: opts.Standing,
		now:      opts.Now,
		rng:      opts.Rand,
		minCost:  opts.MinCost,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("agent_id", id, "archetype", string(arch.Tag))
	if a.now == nil {
		a.now = time.Now
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if a.minCost <= 0 {
		a.minCost = 1
	}

	rec, err := db.GetAgent(ctx, id)
	switch {
	case err == nil:
		a.rec = *rec
		return a, nil
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}
	a.rec = persistence.AgentRecord{
		ID:             id,
		Archetype:      string(arch.Tag),
		LifecycleState: string(StateHatch),
		BudgetQuota:    arch.QuotaAt(0),
		UpdatedAt:      a.now(),
	}
	if p != nil {
		a.rec.PersonaVersion = p.Current().Version
	}
	if err := db.UpsertAgent(ctx, a.rec); err != nil {
		return nil, err
	}
	a.publish("", StateHatch, "hatched")
	return a, nil
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.rec.ID }

// Archetype returns the agent's archetype row.
func (a *Agent) Archetype() archetype.Archetype { return a.arch }

// Record returns a copy of the persisted record.
func (a *Agent) Record() persistence.AgentRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State(a.rec.LifecycleState)
}

// CanBid reports why the agent may not bid, or nil.
func (a *Agent) CanBid() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch State(a.rec.LifecycleState) {
	case StateShift:
	case StateRetired:
		return ErrRetired
	default:
		return ErrNotOnShift
	}
	if a.rec.BudgetRemaining <= 0 {
		return fmt.Errorf("%w: %.2f remaining", shared.ErrBudgetExhausted, a.rec.BudgetRemaining)
	}
	return nil
}

// Remaining returns the unspent budget for the current shift.
func (a *Agent) Remaining() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.BudgetRemaining
}

func (a *Agent) publish(from, to State, reason string) {
	a.bus.Publish(bus.TopicLifecycleTransition, bus.LifecycleTransitionEvent{
		AgentID: a.rec.ID, From: string(from), To: string(to), Reason: reason,
	})
}

// transition moves to next, applying mutate to a copy of the record. The
// in-memory record changes only once the write succeeds. Callers hold mu.
func (a *Agent) transition(ctx context.Context, next State, reason string, mutate func(*persistence.AgentRecord)) error {
	from := State(a.rec.LifecycleState)
	if from == StateRetired {
		return ErrRetired
	}
	if next != StateRetired && !allowed(from, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalLifecycle, from, next)
	}
	rec := a.rec
	rec.LifecycleState = string(next)
	if mutate != nil {
		mutate(&rec)
	}
	if a.persona != nil {
		rec.PersonaVersion = a.persona.Current().Version
	}
	rec.UpdatedAt = a.now()
	if err := a.db.UpsertAgent(ctx, rec); err != nil {
		return err
	}
	a.rec = rec
	a.logger.Info("lifecycle transition", "from", from, "to", next, "reason", reason)
	a.publish(from, next, reason)
	return nil
}

func allowed(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Onboard plants the archetype's seed procedures and moves the agent onto
// its first shift. Seeds that already exist keep their learned counters.
func (a *Agent) Onboard(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.onboard(ctx)
}

func (a *Agent) onboard(ctx context.Context) error {
	if State(a.rec.LifecycleState) == StateHatch {
		if err := a.transition(ctx, StateOnboard, "onboard", nil); err != nil {
			return err
		}
	}
	if State(a.rec.LifecycleState) != StateOnboard {
		return nil
	}
	if a.mem != nil {
		if err := a.seed(ctx); err != nil {
			return err
		}
	}
	return a.startShift(ctx, "onboarded")
}

func (a *Agent) seed(ctx context.Context) error {
	have, err := a.mem.Procedures(ctx, true)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(have))
	for _, p := range have {
		known[p.Name] = true
	}
	prov := memory.Provenance{Writer: a.rec.ID, Source: memory.SourceSeed}
	for _, sp := range a.arch.Procedures {
		if known[sp.Name] {
			continue
		}
		steps := make([]memory.Step, len(sp.Tools))
		for i, t := range sp.Tools {
			steps[i] = memory.Step{Tool: t}
		}
		proc := memory.Procedure{Name: sp.Name, Tags: sp.Tags, Steps: steps}
		if _, err := a.mem.PutProcedure(ctx, proc, true, prov); err != nil {
			return fmt.Errorf("seed %s: %w", sp.Name, err)
		}
	}
	return nil
}

// startShift resets the budget to the level-adjusted quota and computes the
// scheduled end from the archetype's shift cron. Callers hold mu.
func (a *Agent) startShift(ctx context.Context, reason string) error {
	now := a.now()
	ends, err := cron.NextRunTime(a.arch.ShiftCron, now)
	if err != nil {
		return fmt.Errorf("shift schedule: %w", err)
	}
	quota := a.arch.QuotaAt(a.rec.Level)
	return a.transition(ctx, StateShift, reason, func(r *persistence.AgentRecord) {
		r.BudgetQuota = quota
		r.BudgetRemaining = quota
		r.ShiftStartedAt = now
		r.ShiftEndsAt = ends
		r.OffDutyMode = ""
	})
}

// Spend charges cost against the shift budget. An unaffordable charge
// returns ErrBudgetExhausted and leaves the budget untouched. A charge that
// leaves less than the minimum task cost sends the agent off duty.
func (a *Agent) Spend(ctx context.Context, cost float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch State(a.rec.LifecycleState) {
	case StateShift:
	case StateRetired:
		return ErrRetired
	default:
		return fmt.Errorf("%w: %s", ErrNotOnShift, a.rec.LifecycleState)
	}
	if cost < 0 {
		return fmt.Errorf("negative cost %.2f", cost)
	}
	if a.rec.BudgetRemaining < cost {
		return fmt.Errorf("%w: need %.2f, have %.2f", shared.ErrBudgetExhausted, cost, a.rec.BudgetRemaining)
	}
	rec := a.rec
	rec.BudgetRemaining -= cost
	rec.UpdatedAt = a.now()
	if err := a.db.UpsertAgent(ctx, rec); err != nil {
		return err
	}
	a.rec = rec
	if a.rec.BudgetRemaining < a.minCost {
		return a.enterOffDuty(ctx, "budget_exhausted")
	}
	return nil
}

// enterOffDuty leaves Shift and picks the mode: Play for curious personas,
// Dream otherwise. Callers hold mu.
func (a *Agent) enterOffDuty(ctx context.Context, reason string) error {
	mode := ModeDream
	if a.persona != nil && a.persona.Trait(persona.TraitCuriosity) >= 0.5 {
		mode = ModePlay
	}
	now := a.now()
	return a.transition(ctx, StateOffDuty, reason, func(r *persistence.AgentRecord) {
		r.OffDutyMode = string(mode)
		r.LastShiftExitAt = now
		r.CyclesSinceExit = 0
	})
}

// EndShift sends a shift-state agent off duty ahead of schedule.
func (a *Agent) EndShift(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if State(a.rec.LifecycleState) != StateShift {
		return fmt.Errorf("%w: %s", ErrNotOnShift, a.rec.LifecycleState)
	}
	return a.enterOffDuty(ctx, reason)
}

// RunCycle performs one Dream or Play cycle while off duty.
func (a *Agent) RunCycle(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runCycle(ctx)
}

func (a *Agent) runCycle(ctx context.Context) error {
	if State(a.rec.LifecycleState) != StateOffDuty {
		return fmt.Errorf("%w: cycle requires off-duty, state %s", ErrIllegalLifecycle, a.rec.LifecycleState)
	}
	mode := Mode(a.rec.OffDutyMode)
	if a.mem != nil {
		switch mode {
		case ModePlay:
			rep, err := a.mem.Play(ctx, a.rng, 2)
			if err != nil {
				return fmt.Errorf("play: %w", err)
			}
			a.logger.Info("play cycle", "candidates", len(rep.Candidates))
		default:
			mode = ModeDream
			rep, err := a.mem.Dream(ctx)
			if err != nil {
				return fmt.Errorf("dream: %w", err)
			}
			a.logger.Info("dream cycle", "compacted", rep.Compacted, "facts", rep.Facts, "pruned", rep.Pruned)
		}
	}
	rec := a.rec
	rec.CyclesSinceExit++
	rec.UpdatedAt = a.now()
	if err := a.db.UpsertAgent(ctx, rec); err != nil {
		return err
	}
	a.rec = rec
	if a.metrics != nil {
		a.metrics.OffDutyCycles.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", string(mode)),
			hiveotel.AttrArchetype.String(a.rec.Archetype),
		))
	}
	return nil
}

// Rested reports whether the agent may leave Off-duty: the archetype's
// minimum rest has elapsed and at least one cycle completed since the exit.
func (a *Agent) Rested(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rested(now)
}

func (a *Agent) rested(now time.Time) bool {
	return a.rec.CyclesSinceExit >= 1 && now.Sub(a.rec.LastShiftExitAt) >= a.arch.MinRest
}

// Resume takes an off-duty agent through Review (and Promote when earned)
// back to Shift. Backlog pressure never bypasses the rest gate.
func (a *Agent) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resume(ctx)
}

func (a *Agent) resume(ctx context.Context) error {
	if State(a.rec.LifecycleState) != StateOffDuty {
		return fmt.Errorf("%w: %s", ErrIllegalLifecycle, a.rec.LifecycleState)
	}
	if !a.rested(a.now()) {
		return fmt.Errorf("%w: %d cycles, rested %s of %s", ErrRestIncomplete,
			a.rec.CyclesSinceExit, a.now().Sub(a.rec.LastShiftExitAt).Round(time.Second), a.arch.MinRest)
	}
	if err := a.transition(ctx, StateReview, "rested", nil); err != nil {
		return err
	}
	return a.review(ctx)
}

// review promotes when the agent's standing clears the level-scaled
// thresholds; otherwise it returns straight to Shift.
func (a *Agent) review(ctx context.Context) error {
	if a.standing != nil && a.eligible(ctx) {
		if err := a.transition(ctx, StatePromote, "review_passed", func(r *persistence.AgentRecord) {
			r.Level++
		}); err != nil {
			return err
		}
		return a.startShift(ctx, "promoted")
	}
	return a.startShift(ctx, "review_complete")
}

func (a *Agent) eligible(ctx context.Context) bool {
	st, err := a.standing.Standing(ctx, a.rec.ID)
	if err != nil {
		a.logger.Warn("review standing unavailable", "error", err)
		return false
	}
	next := float64(a.rec.Level + 1)
	return st.Merit >= a.cfg.PromotionMerit*next &&
		st.Reputation >= a.cfg.PromotionReputation &&
		st.Completed >= a.cfg.PromotionMinTasks*(a.rec.Level+1)
}

// Retire moves the agent permanently out of rotation.
func (a *Agent) Retire(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if State(a.rec.LifecycleState) == StateRetired {
		return nil
	}
	return a.transition(ctx, StateRetired, reason, func(r *persistence.AgentRecord) {
		r.BudgetRemaining = 0
		r.OffDutyMode = ""
	})
}

// NoteArchive counts a completed Archive stage on the agent record.
func (a *Agent) NoteArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.rec
	rec.ArchiveCount++
	if a.persona != nil {
		rec.PersonaVersion = a.persona.Current().Version
	}
	rec.UpdatedAt = a.now()
	if err := a.db.UpsertAgent(ctx, rec); err != nil {
		return a.rec.ArchiveCount, err
	}
	a.rec = rec
	return rec.ArchiveCount, nil
}

// Tick advances the agent one scheduler step: it ends shifts that ran past
// their schedule or budget, runs an off-duty cycle and resumes rested
// agents, and finishes interrupted onboarding or review.
func (a *Agent) Tick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch State(a.rec.LifecycleState) {
	case StateHatch, StateOnboard:
		return a.onboard(ctx)
	case StateShift:
		if !a.rec.ShiftEndsAt.IsZero() && !now.Before(a.rec.ShiftEndsAt) {
			return a.enterOffDuty(ctx, "schedule")
		}
		if a.rec.BudgetRemaining < a.minCost {
			return a.enterOffDuty(ctx, "budget_exhausted")
		}
	case StateOffDuty:
		if err := a.runCycle(ctx); err != nil {
			return err
		}
		if a.rested(now) {
			return a.resume(ctx)
		}
	case StateReview:
		return a.review(ctx)
	case StatePromote:
		return a.startShift(ctx, "promoted")
	}
	return nil
}

// Manager ticks every registered agent; it is the cron scheduler's target.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	logger *slog.Logger
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{agents: make(map[string]*Agent), logger: logger}
}

// Add registers an agent.
func (m *Manager) Add(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID()]; !ok {
		m.order = append(m.order, a.ID())
	}
	m.agents[a.ID()] = a
}

// Get returns the agent with id.
func (m *Manager) Get(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// Agents returns agents in registration order.
func (m *Manager) Agents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id])
	}
	return out
}

// Tick advances every agent. One agent's failure is logged and does not
// stop the others.
func (m *Manager) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	for _, a := range m.Agents() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.Tick(ctx, now); err != nil {
			m.logger.Warn("lifecycle tick failed", "agent_id", a.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.ID(), err))
		}
	}
	return errors.Join(errs...)
}

var _ cron.Target = (*Manager)(nil)
