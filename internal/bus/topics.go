package bus

import "time"

// Market topics.
const (
	TopicTaskPosted       = "market.task.posted"
	TopicTaskStateChanged = "market.task.state_changed"
	TopicBidAccepted      = "market.bid.accepted"
	TopicTaskAwarded      = "market.task.awarded"
	TopicTaskReopened     = "market.task.reopened"
	TopicTaskOutcome      = "market.task.outcome"
	TopicMarketHalted     = "market.halted"
)

// Agent-side topics.
const (
	TopicLifecycleTransition  = "lifecycle.transition"
	TopicKernelStage          = "kernel.stage"
	TopicPersonaUpdated       = "persona.updated"
	TopicConstitutionReloaded = "governance.constitution.reloaded"
)

// TaskPostedEvent announces a task that is open for bids.
type TaskPostedEvent struct {
	TaskID         string
	Tags           []string
	Round          int
	WindowClosesAt time.Time
}

// TaskStateChangedEvent is published by the store after a task transition commits.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskAwardedEvent is published after a clearing picks a winner.
type TaskAwardedEvent struct {
	TaskID  string
	AgentID string
	Round   int
	Score   float64
}

// TaskReopenedEvent is published when a task goes back to bidding.
type TaskReopenedEvent struct {
	TaskID       string
	Reason       string
	RetryCredits int
}

// TaskOutcomeEvent carries a terminal outcome to task sources.
type TaskOutcomeEvent struct {
	TaskID     string
	Status     string
	ReasonCode string
	Artifact   string
	Detail     string
}

// LifecycleTransitionEvent is published on every lifecycle state change.
type LifecycleTransitionEvent struct {
	AgentID string
	From    string
	To      string
	Reason  string
}

// KernelStageEvent is published when an agent's kernel enters a new stage.
type KernelStageEvent struct {
	AgentID string
	TaskID  string
	Stage   string
}

// PersonaUpdatedEvent is published when a new persona snapshot is committed.
type PersonaUpdatedEvent struct {
	AgentID    string
	Version    int
	Continuity float64
	Damping    float64
}
