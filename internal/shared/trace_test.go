package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}

func TestAgentAndTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "scout-01")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithRound(ctx, 2)
	if got := AgentID(ctx); got != "scout-01" {
		t.Fatalf("expected scout-01, got %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
	if got := Round(ctx); got != 2 {
		t.Fatalf("expected round 2, got %d", got)
	}
}

func TestHasTraceID(t *testing.T) {
	ctx := context.Background()
	if HasTraceID(ctx) {
		t.Fatal("background context should carry no trace id")
	}
	if HasTraceID(WithTraceID(ctx, "")) {
		t.Fatal("empty trace id should not count")
	}
	if !HasTraceID(WithTraceID(ctx, "abc")) {
		t.Fatal("expected trace id to be present")
	}
}
