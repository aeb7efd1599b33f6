package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-hive/internal/agent"
	"github.com/basket/go-hive/internal/archetype"
	"github.com/basket/go-hive/internal/audit"
	"github.com/basket/go-hive/internal/bus"
	"github.com/basket/go-hive/internal/config"
	"github.com/basket/go-hive/internal/gateway"
	"github.com/basket/go-hive/internal/governance"
	"github.com/basket/go-hive/internal/market"
	hiveotel "github.com/basket/go-hive/internal/otel"
	"github.com/basket/go-hive/internal/persistence"
	"github.com/basket/go-hive/internal/telemetry"
	"github.com/basket/go-hive/internal/tools"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                    Run the swarm daemon (default)
  %[1]s post -tags a,b "text"      Post a task to a running daemon
  %[1]s status                     Show daemon health (/healthz)
  %[1]s doctor [-json]             Run offline diagnostics

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOHIVE_HOME             Data directory (default: ~/.gohive)
  GOHIVE_AUTH_TOKEN       Bearer token for the gateway
  GOHIVE_BIND_ADDR        Gateway listen address
  GOHIVE_LOG_LEVEL        debug, info, warn or error
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
	case "post":
		os.Exit(runPostCommand(ctx, args))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "serve":
		// Logs go to the file only when stdout is not a terminal or -quiet is set.
		quietLogs := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
		os.Exit(runServe(ctx, quietLogs))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func runServe(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(ctx, nil, nil, "E_CONFIG_LOAD", err)
	}

	// Audit opens before the logger so logger failures are still recorded.
	auditLog, err := audit.Open(cfg.HomeDir, nil)
	if err != nil {
		return fatalStartup(ctx, nil, nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = auditLog.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fatalStartup(ctx, nil, auditLog, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		if h != "127.0.0.1" && h != "localhost" && h != "::1" && cfg.Gateway.AuthToken == "" {
			logger.Warn("gateway bound to a non-loopback address without an auth token", "bind_addr", cfg.Gateway.BindAddr)
		}
	}

	provider, err := hiveotel.Init(ctx, cfg.OTel)
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := hiveotel.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_STORE_OPEN", err)
	}
	defer store.Close()
	auditLog.AttachDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	constitution, err := governance.LoadConstitution(config.ConstitutionPath(cfg.HomeDir))
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_CONSTITUTION_LOAD", err)
	}
	defer constitution.Close()
	keys, err := loadKeyring(cfg.Gateway.Sources)
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_SOURCE_KEYS", err)
	}
	logger.Info("startup phase", "phase", "governance_loaded",
		"constitution_version", constitution.Version(), "trusted_sources", len(cfg.Gateway.Sources))

	archetypes, err := archetype.New(cfg.Archetypes)
	if err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_ARCHETYPES", err)
	}
	toolReg := tools.NewRegistry(time.Duration(cfg.Kernel.ToolTimeoutMS) * time.Millisecond)
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_TOOLS_INIT", err)
	}

	mkt := market.New(store, cfg.Market, market.Options{
		Logger:       logger,
		Bus:          eventBus,
		Audit:        auditLog,
		Constitution: constitution,
		Verifier:     keys,
		Metrics:      metrics,
		Promotion:    cfg.Lifecycle,
	})
	registry := agent.NewRegistry(agent.Deps{
		Store:        store,
		Bus:          eventBus,
		Market:       mkt,
		Tools:        toolReg,
		Constitution: constitution,
		Archetypes:   archetypes,
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       provider.Tracer,
	})
	if err := registry.Bootstrap(ctx, cfg.Roster); err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_SWARM_BOOTSTRAP", err)
	}
	logger.Info("startup phase", "phase", "swarm_bootstrapped", "agents", len(registry.ListAgents()))

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		return fatalStartup(ctx, logger, auditLog, "E_CONFIG_WATCHER_START", err)
	}

	srv := gateway.New(gateway.Config{
		Store:             store,
		Market:            mkt,
		Agents:            registry,
		Bus:               eventBus,
		AuthToken:         cfg.Gateway.AuthToken,
		RatePerSecond:     cfg.Gateway.RatePerSecond,
		Burst:             cfg.Gateway.Burst,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
		Tracer:            provider.Tracer,
		Metrics:           metrics,
	})
	drain := time.Duration(cfg.DrainTimeoutMS) * time.Millisecond

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mkt.Run(gctx) })
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error {
		watchReloads(gctx, watcher, constitution, logger)
		return nil
	})
	g.Go(func() error {
		runRetentionLoop(gctx, store, cfg.Retention, time.Hour, logger)
		return nil
	})
	g.Go(func() error { return srv.Run(gctx, cfg.Gateway.BindAddr, drain) })
	logger.Info("startup phase", "phase", "serving", "bind_addr", cfg.Gateway.BindAddr)

	err = g.Wait()
	registry.DrainAll(drain)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon stopped with error", "error", err)
		return 1
	}
	logger.Info("daemon stopped")
	return 0
}

// watchReloads applies constitution edits. A rejected document keeps the
// previous rule set. config.yaml changes need a restart.
func watchReloads(ctx context.Context, w *config.Watcher, constitution *governance.FileConstitution, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case config.ReloadConstitution:
				if err := constitution.Reload(); err != nil {
					logger.Error("constitution reload rejected; keeping previous rules", "path", ev.Path, "error", err)
					continue
				}
				logger.Info("constitution reloaded", "version", constitution.Version(), "hash", constitution.Hash())
			case config.ReloadConfig:
				logger.Warn("config.yaml changed; restart to apply", "path", ev.Path)
			}
		}
	}
}

func runRetentionLoop(ctx context.Context, store *persistence.Store, rc config.RetentionConfig, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			result, err := store.RunRetention(ctx, now, rc.TaskEventDays, rc.AuditLogDays, rc.ToolCallDays)
			if err != nil {
				logger.Error("retention job failed", "error", err)
			} else if result.PurgedTaskEvents+result.PurgedAuditLogs+result.PurgedToolCalls > 0 {
				logger.Info("retention job completed",
					"purged_task_events", result.PurgedTaskEvents,
					"purged_audit_logs", result.PurgedAuditLogs,
					"purged_tool_calls", result.PurgedToolCalls,
				)
			}
		}
	}
}

// loadKeyring trusts each configured source's public key.
func loadKeyring(sources map[string]string) (*governance.Keyring, error) {
	keys := governance.NewKeyring(nil)
	for id, encoded := range sources {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, fmt.Errorf("source %s: decode public key: %w", id, err)
		}
		if err := keys.Trust(id, ed25519.PublicKey(raw)); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func fatalStartup(ctx context.Context, logger *slog.Logger, auditLog *audit.Log, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if auditLog != nil {
		auditLog.Record(ctx, audit.Entry{Decision: audit.DecisionDeny, Action: "runtime.startup", Reason: reasonCode + ": " + message})
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	return 1
}
