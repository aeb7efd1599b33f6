package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/shared"
)

func newBuiltinRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(timeout)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return r
}

func TestInvoke_Builtins(t *testing.T) {
	r := newBuiltinRegistry(t, time.Second)
	ctx := context.Background()

	out, err := r.Invoke(ctx, "echo", json.RawMessage(`{"text":"hello hive"}`))
	if err != nil || out != "hello hive" {
		t.Fatalf("echo: %q %v", out, err)
	}
	out, err = r.Invoke(ctx, "SUMMARIZE", json.RawMessage(`{"text":"First point.  Second point! Third point."}`))
	if err != nil || out != "First point. Second point!" {
		t.Fatalf("summarize: %q %v", out, err)
	}
	out, err = r.Invoke(ctx, "classify", json.RawMessage(`{"text":"research and compare vendor sources"}`))
	if err != nil || out != "research" {
		t.Fatalf("classify: %q %v", out, err)
	}
	out, err = r.Invoke(ctx, "extract_keywords", json.RawMessage(`{"text":"cache cache cache eviction eviction policy and the"}`))
	if err != nil || out != "cache,eviction,policy" {
		t.Fatalf("extract_keywords: %q %v", out, err)
	}
	if got := r.Names(); strings.Join(got, ",") != "classify,echo,extract_keywords,summarize" {
		t.Fatalf("unexpected names: %v", got)
	}
}

func TestInvoke_SchemaRejectsBadArgs(t *testing.T) {
	r := newBuiltinRegistry(t, time.Second)
	for _, args := range []string{`{}`, `{"text":""}`, `{"text":3}`, `{"text":"x","extra":1}`, `not json`} {
		_, err := r.Invoke(context.Background(), "echo", json.RawMessage(args))
		if !errors.Is(err, ErrInvalidArgs) || !errors.Is(err, shared.ErrToolFailure) {
			t.Fatalf("args %s: expected invalid args tool failure, got %v", args, err)
		}
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Invoke(context.Background(), "teleport", nil)
	if !errors.Is(err, ErrUnknownTool) || shared.Classify(err) != shared.ClassToolFailure {
		t.Fatalf("expected unknown tool failure, got %v", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	if err := r.Register(Tool{Name: "slow", Call: func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "late", nil
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, shared.ErrToolFailure) {
		t.Fatalf("expected deadline tool failure, got %v", err)
	}
}

func TestRegister_RejectsBadSchema(t *testing.T) {
	r := NewRegistry(0)
	err := r.Register(Tool{Name: "bad", Schema: json.RawMessage(`{"type": 12}`), Call: func(context.Context, json.RawMessage) (string, error) { return "", nil }})
	if err == nil {
		t.Fatal("expected schema compile error")
	}
	if err := r.Register(Tool{Name: "nil"}); err == nil {
		t.Fatal("expected nil call error")
	}
}

func TestCallKey_Stable(t *testing.T) {
	a := CallKey("t-1", "echo", json.RawMessage(`{"text":"x"}`))
	b := CallKey("t-1", "echo", json.RawMessage(`{"text":"x"}`))
	c := CallKey("t-1", "echo", json.RawMessage(`{"text":"y"}`))
	if a != b || a == c || !strings.HasPrefix(a, "t-1:echo:") {
		t.Fatalf("unexpected keys: %s %s %s", a, b, c)
	}
}

func TestKeywords_TieBreak(t *testing.T) {
	got := Keywords("zeta alpha beta", 2)
	if len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("unexpected keywords: %v", got)
	}
}
