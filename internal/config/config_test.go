package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-hive/internal/config"
)

func writeHome(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	if body != "" {
		if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Setenv("GOHIVE_HOME", home)
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := writeHome(t, "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.DBPath != filepath.Join(home, "gohive.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.RosterSize() < 40 {
		t.Fatalf("default roster should hold 40+ agents, got %d", cfg.RosterSize())
	}
	if cfg.Kernel.ToolMaxAttempts != 3 {
		t.Fatalf("tool attempts = %d, want 3", cfg.Kernel.ToolMaxAttempts)
	}
	if cfg.Market.RetryCredits != 2 || cfg.Market.MaxReposts != 1 {
		t.Fatalf("unexpected market defaults %+v", cfg.Market)
	}
}

func TestLoad_FileOverridesAndRosterReplacement(t *testing.T) {
	writeHome(t, `
log_level: debug
market:
  window_ms: 250
  weights:
    confidence: 1
roster:
  scout: 3
archetypes:
  scout:
    budget_quota: 7
`)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Market.WindowMS != 250 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Market.Weights.Confidence != 1 || cfg.Market.Weights.Reputation != 0.3 {
		t.Fatalf("weights should merge over defaults: %+v", cfg.Market.Weights)
	}
	if len(cfg.Roster) != 1 || cfg.Roster["scout"] != 3 {
		t.Fatalf("roster should be replaced, got %v", cfg.Roster)
	}
	if cfg.Archetypes["scout"].BudgetQuota != 7 {
		t.Fatalf("archetype override missing: %+v", cfg.Archetypes)
	}
	if cfg.Market.RetryCredits != 2 {
		t.Fatalf("unset fields should keep defaults, got %d", cfg.Market.RetryCredits)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeHome(t, "market:\n  window_ms: 900\n")
	t.Setenv("GOHIVE_WINDOW_MS", "120")
	t.Setenv("GOHIVE_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("GOHIVE_RETRY_CREDITS", "not-a-number")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Market.WindowMS != 120 {
		t.Fatalf("env override ignored: %d", cfg.Market.WindowMS)
	}
	if cfg.Gateway.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr = %q", cfg.Gateway.BindAddr)
	}
	if cfg.Market.RetryCredits != 2 {
		t.Fatalf("invalid env value should be ignored, got %d", cfg.Market.RetryCredits)
	}
}

func TestLoad_RejectsInvalidReputationBounds(t *testing.T) {
	writeHome(t, "market:\n  reputation:\n    floor: 0.9\n    ceiling: 0.5\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "floor") {
		t.Fatalf("expected reputation bounds error, got %v", err)
	}
}

func TestLoad_ParseError(t *testing.T) {
	writeHome(t, "market: [unclosed\n")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := config.Default()
	b := config.Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
	b.Market.WindowMS++
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with market settings")
	}
}
