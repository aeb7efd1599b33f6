package archetype

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/go-hive/internal/config"
)

func TestDefaults_ClosedSet(t *testing.T) {
	table := Defaults()
	tags := table.Tags()
	if len(tags) != 3 || tags[0] != Builder || tags[1] != Director || tags[2] != Scout {
		t.Fatalf("unexpected tags %v", tags)
	}
	if _, err := table.Lookup("janitor"); !errors.Is(err, ErrUnknownArchetype) {
		t.Fatalf("expected ErrUnknownArchetype, got %v", err)
	}
	for _, tag := range tags {
		a, err := table.Lookup(tag)
		if err != nil {
			t.Fatalf("lookup %s: %v", tag, err)
		}
		if a.ConcurrencyLimit <= 0 || a.BudgetQuota <= 0 || a.ExecuteTimeout <= 0 {
			t.Fatalf("%s has incomplete limits: %+v", tag, a)
		}
		for _, p := range a.Procedures {
			for _, tool := range p.Tools {
				if !a.AllowsTool(tool) {
					t.Fatalf("%s seeds procedure %s with disallowed tool %s", tag, p.Name, tool)
				}
			}
		}
	}
}

func TestFit_RelativeOrdering(t *testing.T) {
	table := Defaults()
	scout, _ := table.Lookup(Scout)
	builder, _ := table.Lookup(Builder)

	research := []string{"research"}
	if scout.Fit(research) <= builder.Fit(research) {
		t.Fatalf("scout should fit research better: %v vs %v", scout.Fit(research), builder.Fit(research))
	}
	build := []string{"Build", "code"}
	if builder.Fit(build) <= scout.Fit(build) {
		t.Fatal("builder should fit build work better")
	}
	if scout.Fit(nil) != 0 {
		t.Fatal("empty tags should have zero fit")
	}
}

func TestQuotaAt_GrowsWithLevel(t *testing.T) {
	a, _ := Defaults().Lookup(Director)
	if a.QuotaAt(0) != a.BudgetQuota {
		t.Fatalf("level 0 quota = %v", a.QuotaAt(0))
	}
	if a.QuotaAt(2) <= a.QuotaAt(1) {
		t.Fatal("quota should grow with level")
	}
}

func TestNew_AppliesOverrides(t *testing.T) {
	table, err := New(map[string]config.ArchetypeConfig{
		"Scout": {
			BudgetQuota:           7,
			ExecuteTimeoutSeconds: 2,
			CapabilityWeights:     map[string]float64{"Research": 1.5},
			Anchor:                map[string]float64{"curiosity": 0.9},
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a, _ := table.Lookup(Scout)
	if a.BudgetQuota != 7 || a.ExecuteTimeout != 2*time.Second {
		t.Fatalf("overrides not applied: %+v", a)
	}
	if a.CapabilityWeights["research"] != 1 {
		t.Fatalf("weights should be normalized and clamped: %v", a.CapabilityWeights)
	}
	if a.Anchor["curiosity"] != 0.9 || a.Anchor["openness"] != 0.8 {
		t.Fatalf("anchor override should merge: %v", a.Anchor)
	}
	pristine, _ := Defaults().Lookup(Scout)
	if pristine.Anchor["curiosity"] != 0.85 {
		t.Fatal("overrides must not leak into the defaults")
	}
}

func TestNew_RejectsUnknownAndBadCron(t *testing.T) {
	if _, err := New(map[string]config.ArchetypeConfig{"janitor": {}}); !errors.Is(err, ErrUnknownArchetype) {
		t.Fatalf("expected unknown archetype error, got %v", err)
	}
	if _, err := New(map[string]config.ArchetypeConfig{"builder": {ShiftCron: "not a cron"}}); err == nil {
		t.Fatal("expected cron parse error")
	}
}
