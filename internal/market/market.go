// Package market is the contract-net task board. A single goroutine owns
// every open task: posts, bids, window closes, awards, outcomes and
// re-posts are commands executed one at a time, and each state change is
// committed to the store before it is announced.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/audit"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/lifecycle"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"github.com/basket/go-hive/internal/telemetry"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

var (
	ErrMarketHalted     = errors.New("market halted")
	ErrMarketStopped    = errors.New("market stopped")
	ErrUnknownAgent     = errors.New("agent not registered with market")
	ErrUnknownTask      = errors.New("task not open on the board")
	ErrBiddingClosed    = errors.New("task is not accepting bids")
	ErrInvalidBid       = errors.New("invalid bid")
	ErrNotEligible      = errors.New("agent not eligible to bid")
	ErrNotAwarded       = errors.New("task not awarded to agent")
	ErrUnverifiedSource = errors.New("task source signature not verified")
	ErrInvalidTask      = errors.New("invalid task")
)

// Verifier checks a task source's signature.
type Verifier interface {
	Verify(principal string, payload []byte, signature string) error
}

// Eligibility reports why an agent may not bid right now, or nil.
type Eligibility func() error

type participant struct {
	arch     archetype.Archetype
	eligible Eligibility
}

// Options carries optional collaborators.
type Options struct {
	Logger       *slog.Logger
	Bus          *bus.Bus
	Audit        *audit.Log
	Constitution governance.Constitution
	Verifier     Verifier
	Metrics      *hiveotel.Metrics
	Promotion    config.LifecycleConfig
	Now          func() time.Time
}

type command struct {
	fn    func(ctx context.Context) error
	ctx   context.Context
	reply chan error
}

// Market is the task board.
type Market struct {
	db           *persistence.Store
	cfg          config.MarketConfig
	promo        config.LifecycleConfig
	bus          *bus.Bus
	audit        *audit.Log
	constitution governance.Constitution
	verifier     Verifier
	metrics      *hiveotel.Metrics
	logger       *slog.Logger
	now          func() time.Time

	cmds    chan command
	done    chan struct{}
	started atomic.Bool
	halted  atomic.Bool

	// Owned by the loop goroutine.
	tasks map[string]*openTask
	busy  map[string]int

	agentsMu sync.RWMutex
	agents   map[string]participant

	repMu sync.RWMutex
	reps  map[string]Reputation

	subsMu sync.Mutex
	subs   []func(Outcome)
}

// New builds a market over db. Call Run to start the command loop.
func New(db *persistence.Store, cfg config.MarketConfig, opts Options) *Market {
	m := &Market{
		db:           db,
		cfg:          cfg,
		promo:        opts.Promotion,
		bus:          opts.Bus,
		audit:        opts.Audit,
		constitution: opts.Constitution,
		verifier:     opts.Verifier,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		cmds:         make(chan command, 64),
		done:         make(chan struct{}),
		tasks:        make(map[string]*openTask),
		busy:         make(map[string]int),
		agents:       make(map[string]participant),
		reps:         make(map[string]Reputation),
	}
	m.logger = telemetry.Component(m.logger, "market")
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Register admits an agent to bidding.
func (m *Market) Register(agentID string, arch archetype.Archetype, eligible Eligibility) {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()
	m.agents[agentID] = participant{arch: arch, eligible: eligible}
}

func (m *Market) participant(agentID string) (participant, bool) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()
	p, ok := m.agents[agentID]
	return p, ok
}

// OnOutcome subscribes fn to terminal outcomes. fn runs on the market
// goroutine and must not block or call back into the market.
func (m *Market) OnOutcome(fn func(Outcome)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = append(m.subs, fn)
}

// Halted reports whether a concurrency conflict stopped the market.
func (m *Market) Halted() bool { return m.halted.Load() }

// Run executes commands until ctx ends. It first replays the reputation
// ledger and recovers open tasks from the store.
func (m *Market) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("market already running")
	}
	defer close(m.done)
	if err := m.loadReputation(ctx); err != nil {
		return err
	}
	if err := m.recover(ctx); err != nil {
		return err
	}
	m.logger.Info("market started", "open_tasks", len(m.tasks))
	for {
		select {
		case <-ctx.Done():
			m.stopTimers()
			m.logger.Info("market stopped")
			return nil
		case cmd := <-m.cmds:
			cctx := cmd.ctx
			if cctx == nil {
				cctx = ctx
			}
			var err error
			if m.halted.Load() {
				err = ErrMarketHalted
			} else {
				err = cmd.fn(cctx)
			}
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *Market) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.halted.Load() {
		return ErrMarketHalted
	}
	reply := make(chan error, 1)
	select {
	case m.cmds <- command{fn: fn, ctx: ctx, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMarketStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMarketStopped
	}
}

// enqueue schedules fn from a timer without waiting for it.
func (m *Market) enqueue(fn func(ctx context.Context) error) {
	select {
	case m.cmds <- command{fn: func(ctx context.Context) error {
		if err := fn(ctx); err != nil && !errors.Is(err, ErrMarketHalted) {
			m.logger.Warn("scheduled market command failed", "error", err)
		}
		return nil
	}}:
	case <-m.done:
	}
}

// halt stops the market after an invariant breach. Loop only.
func (m *Market) halt(cause error) {
	if !m.halted.CompareAndSwap(false, true) {
		return
	}
	m.stopTimers()
	m.logger.Error("market halted on concurrency conflict", "error", cause)
	m.bus.Publish(bus.TopicMarketHalted, map[string]string{"reason": cause.Error()})
	m.audit.Record(context.Background(), audit.Entry{
		Decision: audit.DecisionDeny, Action: "market.halt", Reason: cause.Error(),
	})
}

// checkConflict halts on a concurrency conflict and returns err unchanged.
func (m *Market) checkConflict(err error) error {
	if err != nil && errors.Is(err, shared.ErrConcurrencyConflict) {
		m.halt(err)
		return fmt.Errorf("%w: %w", ErrMarketHalted, err)
	}
	return err
}

func (m *Market) stopTimers() {
	for _, t := range m.tasks {
		t.stopTimers()
	}
}

func (m *Market) loadReputation(ctx context.Context) error {
	events, err := m.db.ListReputationEvents(ctx, "")
	if err != nil {
		return fmt.Errorf("load reputation ledger: %w", err)
	}
	reps := Replay(m.cfg.Reputation, m.promo, events)
	m.repMu.Lock()
	m.reps = reps
	m.repMu.Unlock()
	return nil
}

// Reputation returns the agent's current reputation. Agents without history
// start at the configured initial score.
func (m *Market) Reputation(agentID string) Reputation {
	m.repMu.RLock()
	defer m.repMu.RUnlock()
	if r, ok := m.reps[agentID]; ok {
		return r
	}
	return Reputation{AgentID: agentID, Score: m.cfg.Reputation.Initial, SuccessRate: m.cfg.Reputation.Initial}
}

// Standing implements lifecycle.StandingSource. It never waits on the loop.
func (m *Market) Standing(_ context.Context, agentID string) (lifecycle.Standing, error) {
	r := m.Reputation(agentID)
	return lifecycle.Standing{Reputation: r.Score, Merit: r.Merit, Completed: r.Completed}, nil
}

// refreshReputation replays one agent's ledger after a new event.
func (m *Market) refreshReputation(ctx context.Context, agentID string) error {
	events, err := m.db.ListReputationEvents(ctx, agentID)
	if err != nil {
		return err
	}
	reps := Replay(m.cfg.Reputation, m.promo, events)
	m.repMu.Lock()
	defer m.repMu.Unlock()
	if r, ok := reps[agentID]; ok {
		m.reps[agentID] = r
	}
	return nil
}

func (m *Market) emit(o Outcome) {
	m.bus.Publish(bus.TopicTaskOutcome, bus.TaskOutcomeEvent{
		TaskID: o.TaskID, Status: o.Status, ReasonCode: o.ReasonCode, Artifact: o.Artifact, Detail: o.Detail,
	})
	m.subsMu.Lock()
	subs := append([]func(Outcome){}, m.subs...)
	m.subsMu.Unlock()
	for _, fn := range subs {
		fn(o)
	}
}

var _ lifecycle.StandingSource = (*Market)(nil)
