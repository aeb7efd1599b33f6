package doctor

import (
	"context"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/go-hive/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HomeDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.HomeDir, "gohive.db")
	cfg.Gateway.BindAddr = "127.0.0.1:0"
	return &cfg
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("check %q missing", name)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")
	if d.System.Version != "test" || len(d.Results) != 7 {
		t.Fatalf("unexpected diagnosis: %+v", d)
	}
	if d.Failed() != 0 {
		t.Fatalf("fresh home should not fail: %+v", d.Results)
	}
	if r := find(t, d, "Config"); r.Status != StatusWarn {
		t.Fatalf("missing config.yaml should warn, got %+v", r)
	}
	for _, name := range []string{"Permissions", "Database", "Constitution", "Archetypes", "Task Sources", "Gateway"} {
		if r := find(t, d, name); r.Status != StatusPass {
			t.Fatalf("%s: expected PASS, got %+v", name, r)
		}
	}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if r := find(t, d, "Config"); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP, got %s", r.Name, r.Status)
		}
	}
}

func TestCheckArchetypes_UnknownRosterEntry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Roster = map[string]int{"scout": 1, "oracle": 2}
	if r := checkArchetypes(context.Background(), cfg); r.Status != StatusFail || r.Detail != "oracle" {
		t.Fatalf("expected FAIL naming oracle, got %+v", r)
	}
}

func TestCheckSources_MalformedKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Sources = map[string]string{
		"good": base64.StdEncoding.EncodeToString(make([]byte, 32)),
		"bad":  base64.StdEncoding.EncodeToString([]byte("short")),
	}
	if r := checkSources(context.Background(), cfg); r.Status != StatusFail || r.Detail != "bad" {
		t.Fatalf("expected FAIL naming bad, got %+v", r)
	}
}

func TestCheckConstitution_Invalid(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(config.ConstitutionPath(cfg.HomeDir), []byte("forbidden_tags: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if r := checkConstitution(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
}

func TestCheckGateway_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg := testConfig(t)
	cfg.Gateway.BindAddr = ln.Addr().String()
	if r := checkGateway(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("expected WARN, got %+v", r)
	}
}
