// Package kernel runs an agent's Plan → Execute → Critique → Archive
// pipeline for an awarded task. One Kernel belongs to one agent and never
// runs two pipelines at once.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/lifecycle"
	"github.com/basket/go-hive/internal/memory"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/persona"
	"github.com/basket/go-hive/internal/shared"
	"github.com/basket/go-hive/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

// Stage is the per-task pipeline position.
type Stage string

const (
	StageIdle             Stage = "idle"
	StagePlanning         Stage = "planning"
	StageExecuting        Stage = "executing"
	StageCritiquing       Stage = "critiquing"
	StageArchivedSuccess  Stage = "archived_success"
	StageArchivedRejected Stage = "archived_rejected"
)

// Task is what the kernel needs to know about an awarded task.
type Task struct {
	ID          string
	Description string
	Tags        []string
	Round       int
}

// FromRecord converts a board record.
func FromRecord(r persistence.TaskRecord) Task {
	return Task{ID: r.ID, Description: r.Description, Tags: r.Tags, Round: r.Round}
}

// Disposition tells the market what to do with the task after a run.
type Disposition string

const (
	// DispositionCompleted: the result was accepted.
	DispositionCompleted Disposition = "completed"
	// DispositionRejected: critique rejected the result or execution was
	// partial; the task reopens with one fewer retry credit.
	DispositionRejected Disposition = "rejected"
	// DispositionViolation: the constitution was breached; the task fails.
	DispositionViolation Disposition = "violation"
	// DispositionReleased: the agent could not afford the award; the task
	// goes back to bidding without penalty.
	DispositionReleased Disposition = "released"
)

// Outcome is the result of one pipeline run.
type Outcome struct {
	TaskID      string
	AgentID     string
	Round       int
	Disposition Disposition
	Proposal    Proposal
	Result      Result
	Verdict     Verdict
	Reason      string
}

// ToolInvoker is the tool layer the kernel calls.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Options carries optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *hiveotel.Metrics
	Now     func() time.Time
	// Sleep waits between tool retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Kernel is one agent's cognitive pipeline.
type Kernel struct {
	mu sync.Mutex

	agent        *lifecycle.Agent
	mem          *memory.Store
	persona      *persona.Persona
	tools        ToolInvoker
	constitution governance.Constitution
	db           *persistence.Store
	cfg          config.KernelConfig

	logger  *slog.Logger
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *hiveotel.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	stageMu sync.Mutex
	stage   Stage
}

// New wires a kernel for agent.
func New(agent *lifecycle.Agent, mem *memory.Store, p *persona.Persona, tools ToolInvoker,
	constitution governance.Constitution, db *persistence.Store, cfg config.KernelConfig, opts Options) *Kernel {
	k := &Kernel{
		agent:        agent,
		mem:          mem,
		persona:      p,
		tools:        tools,
		constitution: constitution,
		db:           db,
		cfg:          cfg,
		logger:       opts.Logger,
		bus:          opts.Bus,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		now:          opts.Now,
		sleep:        opts.Sleep,
		stage:        StageIdle,
	}
	k.logger = telemetry.Component(k.logger, "kernel")
	if k.tracer == nil {
		k.tracer = tracenoop.NewTracerProvider().Tracer(hiveotel.TracerName)
	}
	if k.now == nil {
		k.now = time.Now
	}
	if k.sleep == nil {
		k.sleep = sleepCtx
	}
	return k
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AgentID returns the owning agent's id.
func (k *Kernel) AgentID() string { return k.agent.ID() }

// Stage returns the pipeline position of the task in flight.
func (k *Kernel) Stage() Stage {
	k.stageMu.Lock()
	defer k.stageMu.Unlock()
	return k.stage
}

func (k *Kernel) enter(taskID string, s Stage) {
	k.stageMu.Lock()
	k.stage = s
	k.stageMu.Unlock()
	k.bus.Publish(bus.TopicKernelStage, bus.KernelStageEvent{AgentID: k.agent.ID(), TaskID: taskID, Stage: string(s)})
}

// startStage opens a span for one stage and returns a closer that records
// its duration.
func (k *Kernel) startStage(ctx context.Context, task Task, s Stage) (context.Context, func(err error)) {
	k.enter(task.ID, s)
	start := k.now()
	ctx, span := hiveotel.StartSpan(ctx, k.tracer, "kernel."+string(s),
		hiveotel.AttrAgentID.String(k.agent.ID()),
		hiveotel.AttrArchetype.String(string(k.agent.Archetype().Tag)),
		hiveotel.AttrTaskID.String(task.ID),
		hiveotel.AttrRound.Int(task.Round),
		hiveotel.AttrStage.String(string(s)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if k.metrics != nil {
			k.metrics.StageDuration.Record(ctx, k.now().Sub(start).Seconds(), metric.WithAttributes(
				hiveotel.AttrStage.String(string(s)),
				hiveotel.AttrArchetype.String(string(k.agent.Archetype().Tag)),
			))
		}
	}
}

// scoped tags log lines with the run's trace, agent and task ids.
func (k *Kernel) scoped(ctx context.Context, task Task) *slog.Logger {
	ctx = shared.WithTaskID(shared.WithAgentID(ctx, k.agent.ID()), task.ID)
	return telemetry.Scoped(ctx, k.logger)
}

// Bid plans task for bidding. It shares the kernel lock with Run so that
// planning never interleaves with a pipeline in flight.
func (k *Kernel) Bid(ctx context.Context, task Task) (Proposal, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.agent.CanBid(); err != nil {
		return Proposal{}, err
	}
	p, err := k.plan(ctx, task)
	if err != nil {
		return Proposal{}, err
	}
	if p.Cost > k.agent.Remaining() {
		return Proposal{}, fmt.Errorf("%w: proposal costs %.2f, %.2f remaining", shared.ErrBudgetExhausted, p.Cost, k.agent.Remaining())
	}
	return p, nil
}

// Run drives one awarded task through every stage. The returned outcome
// always carries a disposition; the error is reserved for failures of the
// kernel's own storage.
func (k *Kernel) Run(ctx context.Context, task Task) (Outcome, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	defer k.enter(task.ID, StageIdle)

	if !shared.HasTraceID(ctx) {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithAgentID(ctx, k.agent.ID())
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithRound(ctx, task.Round)
	ctx, span := hiveotel.StartSpan(ctx, k.tracer, "kernel.run",
		hiveotel.AttrAgentID.String(k.agent.ID()),
		hiveotel.AttrTaskID.String(task.ID),
	)
	defer span.End()

	out := Outcome{TaskID: task.ID, AgentID: k.agent.ID(), Round: task.Round}
	log := k.scoped(ctx, task).With("round", task.Round)
	log.Info("kernel run started")

	stageCtx, done := k.startStage(ctx, task, StagePlanning)
	proposal, err := k.plan(stageCtx, task)
	done(err)
	if errors.Is(err, shared.ErrCapabilityMismatch) {
		// The procedure that won the bid is gone. Hand the task back
		// without charging the agent for a round it never worked.
		out.Disposition = DispositionReleased
		out.Reason = string(shared.ClassCapabilityMismatch)
		log.Info("award released", "error", err)
		return out, nil
	}
	if err != nil {
		out.Disposition = DispositionRejected
		out.Reason = string(shared.Classify(err))
		out.Result = Result{TaskID: task.ID, Partial: true, FailureReason: err.Error(), FinishedAt: k.now()}
		out.Verdict = Verdict{Reasons: []string{err.Error()}}
		log.Warn("plan failed after award", "error", err)
		return k.archiveOutcome(ctx, task, out)
	}
	out.Proposal = proposal

	stageCtx, done = k.startStage(ctx, task, StageExecuting)
	result, err := k.execute(stageCtx, task, proposal)
	done(err)
	if err != nil {
		if errors.Is(err, shared.ErrBudgetExhausted) || errors.Is(err, lifecycle.ErrNotOnShift) || errors.Is(err, lifecycle.ErrRetired) {
			out.Disposition = DispositionReleased
			out.Reason = string(shared.ClassBudgetExhausted)
			log.Info("award released", "error", err)
			return out, nil
		}
		return out, err
	}
	out.Result = result

	stageCtx, done = k.startStage(ctx, task, StageCritiquing)
	verdict, err := k.critique(stageCtx, task, proposal, result)
	done(err)
	out.Verdict = verdict
	switch {
	case err != nil:
		// Unjudged work is never accepted.
		out.Disposition = DispositionRejected
		out.Reason = "CRITIQUE_UNAVAILABLE"
		out.Verdict.Reasons = append(out.Verdict.Reasons, err.Error())
		log.Error("critique failed", "error", err)
	case verdict.Accepted:
		out.Disposition = DispositionCompleted
		out.Reason = shared.ReasonCompleted
	case len(verdict.Violations) > 0:
		out.Disposition = DispositionViolation
		out.Reason = shared.ReasonConstitutionViolation
	default:
		out.Disposition = DispositionRejected
		if result.Partial {
			out.Reason = string(shared.ClassToolFailure)
		} else {
			out.Reason = "LOW_QUALITY"
		}
	}
	span.SetAttributes(hiveotel.AttrOutcome.String(string(out.Disposition)), attribute.Float64("hive.task.quality", verdict.Quality))
	return k.archiveOutcome(ctx, task, out)
}

func (k *Kernel) archiveOutcome(ctx context.Context, task Task, out Outcome) (Outcome, error) {
	stageCtx, done := k.startStage(ctx, task, archiveStage(out))
	_, err := k.archive(stageCtx, task, out)
	done(err)
	if err != nil {
		return out, fmt.Errorf("archive %s: %w", task.ID, err)
	}
	k.scoped(ctx, task).Info("kernel run finished", "disposition", out.Disposition, "reason", out.Reason,
		"quality", out.Verdict.Quality)
	return out, nil
}

func archiveStage(out Outcome) Stage {
	if out.Disposition == DispositionCompleted {
		return StageArchivedSuccess
	}
	return StageArchivedRejected
}
