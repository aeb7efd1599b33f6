package gateway_test

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/gateway"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type outcomeFrame struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
}

func dialOutcomes(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/outcomes" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func TestOutcomeStream_DeliversTerminalOutcome(t *testing.T) {
	f := newFixture(t, "")
	conn := dialOutcomes(t, f, "")

	resp, body := f.do(t, http.MethodPost, "/v1/tasks", gateway.PostTaskRequest{
		Description: "Nobody is around to take this.", Tags: []string{"research"},
	}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post: %d", resp.StatusCode)
	}
	id := body["task_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame outcomeFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read outcome: %v", err)
	}
	if frame.Type != "outcome" || frame.TaskID != id {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Status != string(persistence.TaskStatusFailed) || frame.ReasonCode != shared.ReasonFailedNoBidders {
		t.Fatalf("expected FAILED/%s, got %s/%s", shared.ReasonFailedNoBidders, frame.Status, frame.ReasonCode)
	}
}

func TestOutcomeStream_FilterClosesAfterOutcome(t *testing.T) {
	f := newFixture(t, "", withWindow(500*time.Millisecond))

	_, first := f.do(t, http.MethodPost, "/v1/tasks", gateway.PostTaskRequest{Description: "first", Tags: []string{"a"}}, nil)
	_, second := f.do(t, http.MethodPost, "/v1/tasks", gateway.PostTaskRequest{Description: "second", Tags: []string{"b"}}, nil)
	want := second["task_id"].(string)
	if want == first["task_id"] {
		t.Fatal("task ids collide")
	}
	conn := dialOutcomes(t, f, "?task_id="+want)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame outcomeFrame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read outcome: %v", err)
	}
	if frame.TaskID != want {
		t.Fatalf("filter leaked task %s", frame.TaskID)
	}
	if err := wsjson.Read(ctx, conn, &frame); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after filtered outcome, got %v", err)
	}
}
