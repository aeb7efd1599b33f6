// Package agent hatches the roster and runs each agent's work loop: bid on
// posted tasks, run awarded ones through the kernel and report the outcome
// back to the market.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/cron"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/kernel"
	"github.com/basket/go-hive/internal/lifecycle"
	"github.com/basket/go-hive/internal/market"
	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/shared"
	"github.com/basket/go-hive/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

// Deps are the shared services every agent is wired to.
type Deps struct {
	Store        *persistence.Store
	Bus          *bus.Bus
	Market       *market.Market
	Tools        kernel.ToolInvoker
	Constitution governance.Constitution
	Archetypes   *archetype.Table
	Config       config.Config
	Logger       *slog.Logger
	Metrics      *hiveotel.Metrics
	Tracer       trace.Tracer
	Now          func() time.Time
	// PollInterval is the fallback scan of the board for missed bus events.
	PollInterval time.Duration
}

// RunningAgent holds one agent's lifecycle, memory, persona and kernel.
type RunningAgent struct {
	ID        string
	Archetype archetype.Archetype
	Lifecycle *lifecycle.Agent
	Kernel    *kernel.Kernel
	Memory    *memory.Store
	Persona   *persona.Persona

	mu        sync.Mutex
	bidRounds map[string]int
	runs      map[string]int
	startedAt time.Time
}

// Status is the read-only view served by the gateway and the CLI.
type Status struct {
	ID              string    `json:"id"`
	Archetype       string    `json:"archetype"`
	Level           int       `json:"level"`
	State           string    `json:"state"`
	OffDutyMode     string    `json:"offduty_mode,omitempty"`
	BudgetQuota     float64   `json:"budget_quota"`
	BudgetRemaining float64   `json:"budget_remaining"`
	ShiftEndsAt     time.Time `json:"shift_ends_at"`
	Stage           string    `json:"stage"`
	Reputation      float64   `json:"reputation"`
	Merit           float64   `json:"merit"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	PersonaVersion  int       `json:"persona_version"`
	Continuity      float64   `json:"continuity"`
	Memories        int       `json:"memories"`
}

// Registry manages the lifecycle of every agent in the swarm.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]*RunningAgent
	deps    Deps
	manager *lifecycle.Manager
	logger  *slog.Logger
	seq     uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = deps.Config.Market.Window() / 2
		if deps.PollInterval <= 0 {
			deps.PollInterval = time.Second
		}
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	if deps.Archetypes == nil {
		deps.Archetypes = archetype.Defaults()
	}
	return &Registry{
		agents:  make(map[string]*RunningAgent),
		deps:    deps,
		manager: lifecycle.NewManager(telemetry.Component(deps.Logger, "lifecycle")),
		logger:  telemetry.Component(deps.Logger, "agents"),
	}
}

// Manager exposes the lifecycle manager the scheduler ticks.
func (r *Registry) Manager() *lifecycle.Manager { return r.manager }

// CreateAgent hatches or restores an agent and onboards it if it never
// finished onboarding.
func (r *Registry) CreateAgent(ctx context.Context, id string, tag archetype.Tag) (*RunningAgent, error) {
	if id == "" {
		return nil, errors.New("agent id must be non-empty")
	}
	r.mu.RLock()
	_, exists := r.agents[id]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("agent %q already exists", id)
	}
	arch, err := r.deps.Archetypes.Lookup(tag)
	if err != nil {
		return nil, err
	}

	cfg := r.deps.Config
	mem, err := memory.Open(ctx, r.deps.Store, id, cfg.Memory, memory.Options{Logger: r.deps.Logger, Now: r.deps.Now})
	if err != nil {
		return nil, fmt.Errorf("open memory for %s: %w", id, err)
	}
	p, err := persona.Load(ctx, r.deps.Store, r.deps.Bus, id, arch.Anchor, cfg.Persona)
	if err != nil {
		return nil, fmt.Errorf("load persona for %s: %w", id, err)
	}

	r.mu.Lock()
	r.seq++
	seed := r.seq
	r.mu.Unlock()
	var standing lifecycle.StandingSource
	if r.deps.Market != nil {
		standing = r.deps.Market
	}
	la, err := lifecycle.Hatch(ctx, r.deps.Store, r.deps.Bus, id, arch, mem, p, cfg.Lifecycle, lifecycle.Options{
		Logger:   r.deps.Logger,
		Metrics:  r.deps.Metrics,
		Standing: standing,
		Now:      r.deps.Now,
		Rand:     rand.New(rand.NewPCG(uint64(r.deps.Now().UnixNano()), seed)),
	})
	if err != nil {
		return nil, fmt.Errorf("hatch %s: %w", id, err)
	}
	if st := la.State(); st == lifecycle.StateHatch || st == lifecycle.StateOnboard {
		if err := la.Onboard(ctx); err != nil {
			return nil, fmt.Errorf("onboard %s: %w", id, err)
		}
	}

	k := kernel.New(la, mem, p, r.deps.Tools, r.deps.Constitution, r.deps.Store, cfg.Kernel, kernel.Options{
		Logger:  r.deps.Logger,
		Bus:     r.deps.Bus,
		Tracer:  r.deps.Tracer,
		Metrics: r.deps.Metrics,
		Now:     r.deps.Now,
	})
	ra := &RunningAgent{
		ID:        id,
		Archetype: arch,
		Lifecycle: la,
		Kernel:    k,
		Memory:    mem,
		Persona:   p,
		bidRounds: make(map[string]int),
		runs:      make(map[string]int),
		startedAt: r.deps.Now(),
	}

	// Re-check under the write lock; a concurrent create may have won.
	r.mu.Lock()
	if _, dup := r.agents[id]; dup {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %q already exists (concurrent create)", id)
	}
	r.agents[id] = ra
	r.mu.Unlock()

	r.manager.Add(la)
	if r.deps.Market != nil {
		r.deps.Market.Register(id, arch, la.CanBid)
	}
	r.logger.Info("agent ready", "agent_id", id, "archetype", string(tag), "state", la.State())
	return ra, nil
}

// Bootstrap restores persisted agents, then hatches whatever the roster
// still lacks. Ids are "<archetype>-NN".
func (r *Registry) Bootstrap(ctx context.Context, roster map[string]int) error {
	if err := r.RestorePersistedAgents(ctx); err != nil {
		return err
	}
	tags := make([]string, 0, len(roster))
	for tag := range roster {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		for i := 1; i <= roster[tag]; i++ {
			id := fmt.Sprintf("%s-%02d", tag, i)
			if r.GetAgent(id) != nil {
				continue
			}
			// A retired agent keeps its slot.
			if rec, err := r.deps.Store.GetAgent(ctx, id); err == nil && lifecycle.State(rec.LifecycleState) == lifecycle.StateRetired {
				continue
			}
			if _, err := r.CreateAgent(ctx, id, archetype.Tag(tag)); err != nil {
				return err
			}
		}
	}
	r.logger.Info("roster bootstrapped", "agents", len(r.ListAgents()))
	return nil
}

// RestorePersistedAgents re-creates every stored agent that is not retired.
func (r *Registry) RestorePersistedAgents(ctx context.Context) error {
	records, err := r.deps.Store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list persisted agents: %w", err)
	}
	var errs []error
	for _, rec := range records {
		if lifecycle.State(rec.LifecycleState) == lifecycle.StateRetired || r.GetAgent(rec.ID) != nil {
			continue
		}
		if _, err := r.CreateAgent(ctx, rec.ID, archetype.Tag(rec.Archetype)); err != nil {
			r.logger.Warn("failed to restore agent", "agent_id", rec.ID, "error", err)
			errs = append(errs, fmt.Errorf("restore %q: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// RetireAgent takes an agent permanently out of rotation. Its record and
// memories stay in the store.
func (r *Registry) RetireAgent(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	ra, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %q not found", id)
	}
	if err := ra.Lifecycle.Retire(ctx, reason); err != nil {
		return err
	}
	r.logger.Info("agent retired", "agent_id", id, "reason", reason)
	return nil
}

// GetAgent returns a running agent by id, or nil.
func (r *Registry) GetAgent(id string) *RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// ListAgents returns running agents sorted by id.
func (r *Registry) ListAgents() []*RunningAgent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunningAgent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot reports every running agent's status.
func (r *Registry) Snapshot(ctx context.Context) ([]Status, error) {
	agents := r.ListAgents()
	out := make([]Status, 0, len(agents))
	for _, ra := range agents {
		st, err := r.status(ctx, ra)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// AgentStatus reports one agent's status.
func (r *Registry) AgentStatus(ctx context.Context, id string) (Status, error) {
	ra := r.GetAgent(id)
	if ra == nil {
		return Status{}, fmt.Errorf("agent %q not found", id)
	}
	return r.status(ctx, ra)
}

func (r *Registry) status(ctx context.Context, ra *RunningAgent) (Status, error) {
	rec := ra.Lifecycle.Record()
	snap := ra.Persona.Current()
	st := Status{
		ID:              ra.ID,
		Archetype:       rec.Archetype,
		Level:           rec.Level,
		State:           rec.LifecycleState,
		OffDutyMode:     rec.OffDutyMode,
		BudgetQuota:     rec.BudgetQuota,
		BudgetRemaining: rec.BudgetRemaining,
		ShiftEndsAt:     rec.ShiftEndsAt,
		Stage:           string(ra.Kernel.Stage()),
		PersonaVersion:  snap.Version,
		Continuity:      snap.Continuity,
	}
	if r.deps.Market != nil {
		rep := r.deps.Market.Reputation(ra.ID)
		st.Reputation, st.Merit, st.Completed, st.Failed = rep.Score, rep.Merit, rep.Completed, rep.Failed
	}
	counts, err := ra.Memory.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, n := range counts {
		st.Memories += n
	}
	return st, nil
}

// Run starts the lifecycle scheduler and one work loop per agent, and
// blocks until ctx ends or a loop fails.
func (r *Registry) Run(ctx context.Context) error {
	sched := cron.NewScheduler(cron.Config{
		Target:   r.manager,
		Logger:   telemetry.Component(r.deps.Logger, "scheduler"),
		Interval: r.deps.Config.Lifecycle.Tick(),
		Now:      r.deps.Now,
	})
	sched.Start(ctx)
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, ra := range r.ListAgents() {
		g.Go(func() error { return r.work(gctx, ra) })
	}
	return g.Wait()
}

// work is one agent's loop. Bus events drive it; the poll catches tasks and
// awards whose events were dropped.
func (r *Registry) work(ctx context.Context, ra *RunningAgent) error {
	sub := r.deps.Bus.Subscribe("market.task.")
	defer r.deps.Bus.Unsubscribe(sub)
	poll := time.NewTicker(r.deps.PollInterval)
	defer poll.Stop()
	log := telemetry.Scoped(shared.WithAgentID(ctx, ra.ID), r.logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.Ch():
			switch e := ev.Payload.(type) {
			case bus.TaskPostedEvent:
				r.bid(ctx, ra, kernel.Task{ID: e.TaskID, Tags: e.Tags, Round: e.Round}, log)
			case bus.TaskAwardedEvent:
				if e.AgentID == ra.ID {
					r.runAssignments(ctx, ra, log)
				}
			}
		case <-poll.C:
			r.sweep(ctx, ra, log)
		}
	}
}

func (r *Registry) sweep(ctx context.Context, ra *RunningAgent, log *slog.Logger) {
	if ra.Lifecycle.CanBid() == nil {
		open, err := r.deps.Market.Biddable(ctx)
		if err != nil {
			log.Debug("list biddable tasks", "error", err)
			return
		}
		for _, l := range open {
			r.bid(ctx, ra, kernel.Task{ID: l.TaskID, Description: l.Description, Tags: l.Tags, Round: l.Round}, log)
		}
	}
	r.runAssignments(ctx, ra, log)
}

// bid plans task and submits a bid once per round. Agents that cannot bid or
// have no matching procedure stay quiet.
func (r *Registry) bid(ctx context.Context, ra *RunningAgent, task kernel.Task, log *slog.Logger) {
	ra.mu.Lock()
	done := ra.bidRounds[task.ID] >= task.Round
	ra.mu.Unlock()
	if done || ra.Lifecycle.CanBid() != nil {
		return
	}
	if task.Description == "" {
		rec, err := r.deps.Market.Task(ctx, task.ID)
		if err != nil {
			return
		}
		task.Description = rec.Description
	}
	p, err := ra.Kernel.Bid(ctx, task)
	ra.mu.Lock()
	ra.bidRounds[task.ID] = task.Round
	ra.mu.Unlock()
	if err != nil {
		log.Debug("no bid", "task_id", task.ID, "error", err)
		return
	}
	err = r.deps.Market.SubmitBid(ctx, market.Bid{
		TaskID: task.ID, AgentID: ra.ID, Confidence: p.Confidence, Cost: p.Cost, EvidenceRef: p.Procedure,
	})
	if err != nil {
		log.Debug("bid refused", "task_id", task.ID, "error", err)
		return
	}
	log.Debug("bid submitted", "task_id", task.ID, "round", task.Round, "confidence", p.Confidence, "cost", p.Cost)
}

func (r *Registry) runAssignments(ctx context.Context, ra *RunningAgent, log *slog.Logger) {
	tasks, err := r.deps.Market.Assignments(ctx, ra.ID)
	if err != nil {
		log.Debug("list assignments", "error", err)
		return
	}
	for _, rec := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := r.runAward(ctx, ra, rec); err != nil {
			log.Warn("award run failed", "task_id", rec.ID, "error", err)
		}
	}
}

// runAward takes an awarded task through the kernel and settles it with the
// market.
func (r *Registry) runAward(ctx context.Context, ra *RunningAgent, rec persistence.TaskRecord) error {
	ra.mu.Lock()
	if ra.runs[rec.ID] >= rec.Round {
		ra.mu.Unlock()
		return nil
	}
	ra.runs[rec.ID] = rec.Round
	ra.mu.Unlock()

	m := r.deps.Market
	started, err := m.Start(ctx, rec.ID, ra.ID)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	out, runErr := ra.Kernel.Run(ctx, kernel.FromRecord(started))
	if runErr != nil {
		out.Disposition = kernel.DispositionRejected
		out.Reason = runErr.Error()
	}
	if out.Disposition == kernel.DispositionReleased {
		return m.Release(ctx, rec.ID, ra.ID)
	}
	report := market.Report{
		TaskID:   rec.ID,
		AgentID:  ra.ID,
		Round:    started.Round,
		Quality:  out.Verdict.Quality,
		Artifact: out.Result.Artifact,
		Detail:   out.Reason,
	}
	switch out.Disposition {
	case kernel.DispositionCompleted:
		report.Verdict = market.VerdictAccepted
	case kernel.DispositionViolation:
		report.Verdict = market.VerdictViolation
		report.Detail = fmt.Sprintf("%s: %v", out.Reason, out.Verdict.Violations)
	default:
		report.Verdict = market.VerdictRejected
	}
	if err := m.ReportOutcome(ctx, report); err != nil {
		return fmt.Errorf("report outcome: %w", err)
	}
	return runErr
}

// DrainAll waits up to timeout for in-flight kernel runs to reach idle.
func (r *Registry) DrainAll(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for _, ra := range r.ListAgents() {
		for ra.Kernel.Stage() != kernel.StageIdle && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
	}
}
