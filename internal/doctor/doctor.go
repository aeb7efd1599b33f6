// Package doctor runs offline diagnostics against a gohive home directory.
package doctor

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkConstitution,
		checkArchetypes,
		checkSources,
		checkGateway,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; running on defaults",
			Detail: fmt.Sprintf("fingerprint=%s", cfg.Fingerprint())}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: fmt.Sprintf("fingerprint=%s roster=%d", cfg.Fingerprint(), cfg.RosterSize())}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	open, err := store.ListTasks(ctx,
		persistence.TaskStatusOpen, persistence.TaskStatusBidding, persistence.TaskStatusExpired,
		persistence.TaskStatusAwarded, persistence.TaskStatusInProgress)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: fmt.Sprintf("agents=%d open_tasks=%d", len(agents), len(open))}
}

func checkConstitution(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Constitution", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.ConstitutionPath(cfg.HomeDir)
	c, err := governance.LoadConstitution(path)
	if err != nil {
		return CheckResult{Name: "Constitution", Status: StatusFail, Message: fmt.Sprintf("Invalid: %v", err)}
	}
	defer c.Close()
	msg := fmt.Sprintf("Version %d", c.Version())
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		msg = "Using built-in constitution"
	}
	return CheckResult{Name: "Constitution", Status: StatusPass, Message: msg, Detail: "hash=" + c.Hash()}
}

func checkArchetypes(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Archetypes", Status: StatusSkip, Message: "Config missing"}
	}
	table, err := archetype.New(cfg.Archetypes)
	if err != nil {
		return CheckResult{Name: "Archetypes", Status: StatusFail, Message: err.Error()}
	}
	var unknown []string
	for tag, n := range cfg.Roster {
		if _, err := table.Lookup(archetype.Tag(tag)); err != nil && n > 0 {
			unknown = append(unknown, tag)
		}
	}
	if len(unknown) > 0 {
		return CheckResult{Name: "Archetypes", Status: StatusFail,
			Message: "Roster names unknown archetypes", Detail: strings.Join(unknown, ", ")}
	}
	return CheckResult{Name: "Archetypes", Status: StatusPass, Message: fmt.Sprintf("%d archetypes, %d agents in roster", len(table.Tags()), cfg.RosterSize())}
}

func checkSources(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Sources", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Gateway.Sources) == 0 {
		return CheckResult{Name: "Task Sources", Status: StatusPass, Message: "No signed sources configured"}
	}
	var bad []string
	for id, encoded := range cfg.Gateway.Sources {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			bad = append(bad, id)
		}
	}
	if len(bad) > 0 {
		return CheckResult{Name: "Task Sources", Status: StatusFail,
			Message: "Malformed public keys", Detail: strings.Join(bad, ", ")}
	}
	return CheckResult{Name: "Task Sources", Status: StatusPass, Message: fmt.Sprintf("%d trusted sources", len(cfg.Gateway.Sources))}
}

// checkGateway reports whether the bind address is free. A busy port usually
// means a daemon is already running.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Gateway", Status: StatusWarn,
				Message: fmt.Sprintf("%s in use (daemon running?)", cfg.Gateway.BindAddr)}
		}
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.Gateway.BindAddr, err)}
	}
	_ = ln.Close()
	detail := "auth=off"
	if cfg.Gateway.AuthToken != "" {
		detail = "auth=on"
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.BindAddr), Detail: detail}
}
