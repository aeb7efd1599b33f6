package persona

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/persistence"
	"pgregory.net/rapid"
)

var scoutAnchor = map[string]float64{
	TraitOpenness: 0.7, TraitConscientiousness: 0.6, TraitExtraversion: 0.4,
	TraitAgreeableness: 0.6, TraitStability: 0.6, TraitCuriosity: 0.8,
}

func openDB(t testing.TB) *persistence.Store {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "hive.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func loadPersona(t testing.TB, db *persistence.Store, cfg config.PersonaConfig) *Persona {
	t.Helper()
	p, err := Load(context.Background(), db, nil, "scout-01", scoutAnchor, cfg)
	if err != nil {
		t.Fatalf("load persona: %v", err)
	}
	return p
}

func TestLoad_WritesVersionOneAtAnchor(t *testing.T) {
	db := openDB(t)
	p := loadPersona(t, db, config.Default().Persona)
	cur := p.Current()
	if cur.Version != 1 || cur.Continuity != 1 || cur.Traits[TraitCuriosity] != 0.8 {
		t.Fatalf("unexpected v1: %+v", cur)
	}
	again := loadPersona(t, db, config.Default().Persona)
	if again.Current().Version != 1 {
		t.Fatal("reload should not write a second v1")
	}
}

func TestPropose_SmallStepAccepted(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicPersonaUpdated)
	db := openDB(t)
	p, err := Load(context.Background(), db, b, "scout-01", scoutAnchor, config.Default().Persona)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	<-sub.Ch() // v1

	next, err := p.Propose(context.Background(), Delta{Traits: map[string]float64{TraitOpenness: 1}}, "test")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if next.Version != 2 || next.Damping != 1 || math.Abs(next.Traits[TraitOpenness]-0.75) > 1e-9 {
		t.Fatalf("unexpected snapshot: %+v", next)
	}
	if math.Abs(next.Diff[TraitOpenness]-0.05) > 1e-9 || len(next.Diff) != 1 {
		t.Fatalf("unexpected diff: %+v", next.Diff)
	}
	ev := (<-sub.Ch()).Payload.(bus.PersonaUpdatedEvent)
	if ev.Version != 2 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestPropose_DampsLargeStep(t *testing.T) {
	db := openDB(t)
	cfg := config.PersonaConfig{ContinuityFloor: 0.9, LearningRate: 1, MinDamping: 0.05}
	p := loadPersona(t, db, cfg)
	next, err := p.Propose(context.Background(), Delta{Traits: map[string]float64{TraitStability: -1}}, "shock")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if next.Damping >= 1 || next.Damping < cfg.MinDamping {
		t.Fatalf("expected damping in [min,1), got %v", next.Damping)
	}
	if next.Continuity < cfg.ContinuityFloor {
		t.Fatalf("continuity %v below floor", next.Continuity)
	}
}

func TestPropose_RejectsWhenDampingTooSmall(t *testing.T) {
	db := openDB(t)
	cfg := config.PersonaConfig{ContinuityFloor: 0.999, LearningRate: 1, MinDamping: 0.5}
	p := loadPersona(t, db, cfg)
	_, err := p.Propose(context.Background(), Delta{Traits: map[string]float64{TraitStability: -1, TraitCuriosity: -1}}, "shock")
	if !errors.Is(err, ErrContinuityBreach) {
		t.Fatalf("expected ErrContinuityBreach, got %v", err)
	}
	if p.Current().Version != 1 {
		t.Fatal("rejected update must not append a snapshot")
	}
}

func TestRollback_AppendsNewVersion(t *testing.T) {
	db := openDB(t)
	p := loadPersona(t, db, config.Default().Persona)
	ctx := context.Background()
	if _, err := p.Feedback(ctx, false, 0); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	rolled, err := p.Rollback(ctx, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.Version != 3 || rolled.Traits[TraitCuriosity] != 0.8 || rolled.Continuity != 1 {
		t.Fatalf("unexpected rollback snapshot: %+v", rolled)
	}
	hist, _ := p.History(ctx)
	if len(hist) != 3 || hist[1].Reason != "task.failure" {
		t.Fatalf("history rewritten: %+v", hist)
	}
	if _, err := p.Rollback(ctx, 42); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestFeedback_Directions(t *testing.T) {
	db := openDB(t)
	p := loadPersona(t, db, config.Default().Persona)
	ctx := context.Background()
	before := p.Current()
	after, err := p.Feedback(ctx, true, 1)
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if after.Traits[TraitConscientiousness] <= before.Traits[TraitConscientiousness] || after.Traits[TraitCuriosity] >= before.Traits[TraitCuriosity] {
		t.Fatalf("success feedback moved traits the wrong way: %+v -> %+v", before.Traits, after.Traits)
	}
	failed, _ := p.Feedback(ctx, false, 0)
	if failed.Traits[TraitCuriosity] <= after.Traits[TraitCuriosity] {
		t.Fatal("failure should raise curiosity")
	}
}

func TestContinuityNeverDropsBelowFloor(t *testing.T) {
	traits := []string{TraitOpenness, TraitConscientiousness, TraitExtraversion, TraitAgreeableness, TraitStability, TraitCuriosity}
	dir := t.TempDir()
	run := 0
	rapid.Check(t, func(rt *rapid.T) {
		run++
		db, err := persistence.Open(filepath.Join(dir, fmt.Sprintf("run-%d.db", run)), nil)
		if err != nil {
			rt.Fatalf("open db: %v", err)
		}
		defer db.Close()
		cfg := config.PersonaConfig{
			ContinuityFloor: rapid.Float64Range(0.6, 0.95).Draw(rt, "floor"),
			LearningRate:    rapid.Float64Range(0.05, 1).Draw(rt, "lr"),
			MinDamping:      0.05,
		}
		p, err := Load(context.Background(), db, nil, "a", scoutAnchor, cfg)
		if err != nil {
			rt.Fatalf("load: %v", err)
		}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			d := Delta{Traits: map[string]float64{}}
			for _, tr := range traits {
				d.Traits[tr] = rapid.Float64Range(-1, 1).Draw(rt, "d")
			}
			snap, err := p.Propose(context.Background(), d, "fuzz")
			if err != nil && !errors.Is(err, ErrContinuityBreach) {
				rt.Fatalf("propose: %v", err)
			}
			if snap.Continuity < cfg.ContinuityFloor-1e-12 {
				rt.Fatalf("continuity %v below floor %v", snap.Continuity, cfg.ContinuityFloor)
			}
			for _, v := range snap.Traits {
				if v < 0 || v > 1 {
					rt.Fatalf("trait out of range: %v", v)
				}
			}
		}
	})
}
