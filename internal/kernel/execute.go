package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"github.com/basket/go-hive/internal/tools"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	hiveotel "github.com/basket/go-hive/internal/otel"
)

// ToolCall summarizes every attempt at one plan step.
type ToolCall struct {
	Step     int    `json:"step"`
	Tool     string `json:"tool"`
	Attempts int    `json:"attempts"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

// Result is what Execute produced. A partial result stopped at a step that
// kept failing.
type Result struct {
	TaskID        string     `json:"task_id"`
	Procedure     string     `json:"procedure"`
	Calls         []ToolCall `json:"calls"`
	Outputs       []string   `json:"outputs"`
	Evidence      []string   `json:"evidence"`
	SideEffects   []string   `json:"side_effects,omitempty"`
	Artifact      string     `json:"artifact"`
	Partial       bool       `json:"partial"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FinishedAt    time.Time  `json:"finished_at"`
}

// ToolsUsed lists the tools that were attempted.
func (r Result) ToolsUsed() []string {
	out := make([]string, 0, len(r.Calls))
	for _, c := range r.Calls {
		out = append(out, c.Tool)
	}
	return out
}

// Completed counts steps that produced output.
func (r Result) Completed() int {
	n := 0
	for _, c := range r.Calls {
		if c.Error == "" {
			n++
		}
	}
	return n
}

// Execute charges the proposal's cost and runs its steps.
func (k *Kernel) Execute(ctx context.Context, task Task, p Proposal) (Result, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.execute(ctx, task, p)
}

// execute spends the budget up front; an unaffordable proposal returns the
// lifecycle error untouched so the caller can release the award. Each step
// receives the task description and is retried with exponential backoff.
// The whole run is bounded by the archetype's execute timeout.
func (k *Kernel) execute(ctx context.Context, task Task, p Proposal) (Result, error) {
	if err := k.agent.Spend(ctx, p.Cost); err != nil {
		return Result{}, err
	}
	timeout := k.agent.Archetype().ExecuteTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := Result{TaskID: task.ID, Procedure: p.Procedure}
	args, err := json.Marshal(map[string]string{"text": task.Description})
	if err != nil {
		return Result{}, fmt.Errorf("encode tool args: %w", err)
	}
	for i, step := range p.Steps {
		call := k.callWithRetry(runCtx, task, i, step.Tool, args)
		res.Calls = append(res.Calls, call)
		if call.Error != "" {
			res.Partial = true
			res.FailureReason = fmt.Sprintf("step %d (%s) failed after %d attempts: %s", i, step.Tool, call.Attempts, call.Error)
			break
		}
		res.Outputs = append(res.Outputs, call.Output)
		res.Evidence = append(res.Evidence, call.Evidence)
		res.SideEffects = append(res.SideEffects, "tool:"+step.Tool)
	}
	res.Artifact = strings.Join(res.Outputs, "\n")
	res.FinishedAt = k.now()
	if res.Partial {
		k.scoped(ctx, task).Warn("execute partial", "reason", res.FailureReason)
	}
	return res, nil
}

func (k *Kernel) backoff(attempt int) time.Duration {
	base := time.Duration(k.cfg.BackoffBaseMS) * time.Millisecond
	maxDelay := time.Duration(k.cfg.BackoffMaxMS) * time.Millisecond
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if maxDelay > 0 && d > maxDelay {
		d = maxDelay
	}
	return d
}

// callWithRetry runs one step, logging every attempt to the tool-call
// ledger. It gives up after the configured attempts or when ctx ends.
func (k *Kernel) callWithRetry(ctx context.Context, task Task, step int, tool string, args json.RawMessage) ToolCall {
	attempts := k.cfg.ToolMaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	call := ToolCall{Step: step, Tool: tool}
	for attempt := 1; attempt <= attempts; attempt++ {
		call.Attempts = attempt
		spanCtx, span := hiveotel.StartSpan(ctx, k.tracer, "tool."+tool,
			hiveotel.AttrToolName.String(tool),
			hiveotel.AttrStep.Int(step),
			hiveotel.AttrTaskID.String(task.ID),
		)
		start := k.now()
		out, err := k.tools.Invoke(spanCtx, tool, args)
		elapsed := k.now().Sub(start)

		rec := persistence.ToolCallRecord{
			AgentID: k.agent.ID(), TaskID: task.ID, Round: task.Round, Step: step, Attempt: attempt,
			Tool: tool, Input: string(args), Output: out, Duration: elapsed, CreatedAt: k.now(),
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if lerr := k.db.RecordToolCall(context.WithoutCancel(ctx), rec); lerr != nil {
			k.scoped(ctx, task).Error("tool call ledger write failed", "tool", tool, "error", lerr)
		}

		if err == nil {
			span.End()
			call.Output = out
			call.Error = ""
			call.Evidence = tools.CallKey(task.ID, tool, args)
			return call
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		call.Error = err.Error()
		if k.metrics != nil {
			k.metrics.ToolCallErrors.Add(ctx, 1, metric.WithAttributes(hiveotel.AttrToolName.String(tool)))
		}
		k.scoped(ctx, task).Warn("tool call failed", "tool", tool, "attempt", attempt,
			"class", shared.Classify(err), "error", err)

		if ctx.Err() != nil || errors.Is(err, tools.ErrUnknownTool) || errors.Is(err, tools.ErrInvalidArgs) {
			return call
		}
		if attempt < attempts {
			if serr := k.sleep(ctx, k.backoff(attempt)); serr != nil {
				return call
			}
		}
	}
	return call
}
