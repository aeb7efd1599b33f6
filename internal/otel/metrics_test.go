package otel

import (
	"context"
	"testing"

	"github.com/basket/go-hive/internal/config"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.BidsReceived == nil || m.Awards == nil || m.Reposts == nil || m.Reopens == nil {
		t.Fatal("market instruments missing")
	}
	if m.TaskDuration == nil || m.StageDuration == nil || m.RequestDuration == nil {
		t.Fatal("histograms missing")
	}
	if m.ToolCallErrors == nil || m.OffDutyCycles == nil || m.RateLimitRejects == nil || m.TaskOutcomes == nil {
		t.Fatal("counters missing")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.Awards.Add(context.Background(), 1)
	m.TaskDuration.Record(context.Background(), 0.5)
}
