// Package config loads the daemon configuration from <home>/config.yaml,
// layering GOHIVE_* environment overrides on top of built-in defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoreWeights are the clearing weights applied to each bid.
type ScoreWeights struct {
	Confidence  float64 `yaml:"confidence"`
	Reputation  float64 `yaml:"reputation"`
	InverseCost float64 `yaml:"inverse_cost"`
	Fit         float64 `yaml:"fit"`
}

// ReputationConfig bounds the reputation EMA.
type ReputationConfig struct {
	Alpha           float64 `yaml:"alpha"`
	Floor           float64 `yaml:"floor"`
	Ceiling         float64 `yaml:"ceiling"`
	Initial         float64 `yaml:"initial"`
	MeritPerSuccess float64 `yaml:"merit_per_success"`
}

type MarketConfig struct {
	WindowMS     int              `yaml:"window_ms"`
	CooldownMS   int              `yaml:"cooldown_ms"`
	MaxReposts   int              `yaml:"max_reposts"`
	RetryCredits int              `yaml:"retry_credits"`
	Weights      ScoreWeights     `yaml:"weights"`
	Reputation   ReputationConfig `yaml:"reputation"`
}

func (m MarketConfig) Window() time.Duration   { return time.Duration(m.WindowMS) * time.Millisecond }
func (m MarketConfig) Cooldown() time.Duration { return time.Duration(m.CooldownMS) * time.Millisecond }

type KernelConfig struct {
	MinSimilarity     float64 `yaml:"min_similarity"`
	ToolMaxAttempts   int     `yaml:"tool_max_attempts"`
	BackoffBaseMS     int     `yaml:"backoff_base_ms"`
	BackoffMaxMS      int     `yaml:"backoff_max_ms"`
	ToolTimeoutMS     int     `yaml:"tool_timeout_ms"`
	StepCost          float64 `yaml:"step_cost"`
	LearningThreshold float64 `yaml:"learning_threshold"`
	MinQuality        float64 `yaml:"min_quality"`
	RecompactionEvery int     `yaml:"recompaction_every"`
}

type LifecycleConfig struct {
	TickMS              int     `yaml:"tick_ms"`
	PromotionMerit      float64 `yaml:"promotion_merit"`
	PromotionReputation float64 `yaml:"promotion_reputation"`
	PromotionMinTasks   int     `yaml:"promotion_min_tasks"`
}

func (l LifecycleConfig) Tick() time.Duration { return time.Duration(l.TickMS) * time.Millisecond }

type PersonaConfig struct {
	ContinuityFloor float64 `yaml:"continuity_floor"`
	LearningRate    float64 `yaml:"learning_rate"`
	MinDamping      float64 `yaml:"min_damping"`
}

type MemoryConfig struct {
	DecayFactor   float64 `yaml:"decay_factor"`
	PruneFloor    float64 `yaml:"prune_floor"`
	SearchLimit   int     `yaml:"search_limit"`
	KeywordWeight float64 `yaml:"keyword_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`
	Dimensions    int     `yaml:"dimensions"`
}

// ProcedureConfig seeds a procedural memory entry at onboarding.
type ProcedureConfig struct {
	Name  string   `yaml:"name"`
	Tags  []string `yaml:"tags"`
	Tools []string `yaml:"tools"`
}

// ArchetypeConfig overrides fields of a built-in archetype.
type ArchetypeConfig struct {
	CapabilityWeights     map[string]float64 `yaml:"capability_weights"`
	ConcurrencyLimit      int                `yaml:"concurrency_limit"`
	BudgetQuota           float64            `yaml:"budget_quota"`
	ExecuteTimeoutSeconds int                `yaml:"execute_timeout_seconds"`
	MinRestSeconds        int                `yaml:"min_rest_seconds"`
	ShiftCron             string             `yaml:"shift_cron"`
	AllowedTools          []string           `yaml:"allowed_tools"`
	Anchor                map[string]float64 `yaml:"anchor"`
	Procedures            []ProcedureConfig  `yaml:"procedures"`
}

type GatewayConfig struct {
	BindAddr      string  `yaml:"bind_addr"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	AuthToken     string  `yaml:"auth_token"`
	// AllowOrigins lists browser origins accepted for CORS and the outcome
	// WebSocket. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
	// Sources maps a task source id to its base64 ed25519 public key.
	// Posts carrying a signature are verified against this table.
	Sources map[string]string `yaml:"sources"`
}

// RetentionConfig bounds how long event-style rows are kept. Zero keeps
// a category forever.
type RetentionConfig struct {
	TaskEventDays int `yaml:"task_event_days"`
	AuditLogDays  int `yaml:"audit_log_days"`
	ToolCallDays  int `yaml:"tool_call_days"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel       string `yaml:"log_level"`
	DBPath         string `yaml:"db_path"`
	DrainTimeoutMS int    `yaml:"drain_timeout_ms"`

	Market     MarketConfig               `yaml:"market"`
	Kernel     KernelConfig               `yaml:"kernel"`
	Lifecycle  LifecycleConfig            `yaml:"lifecycle"`
	Persona    PersonaConfig              `yaml:"persona"`
	Memory     MemoryConfig               `yaml:"memory"`
	Roster     map[string]int             `yaml:"roster"`
	Archetypes map[string]ArchetypeConfig `yaml:"archetypes"`
	Gateway    GatewayConfig              `yaml:"gateway"`
	OTel       OTelConfig                 `yaml:"otel"`
	Retention  RetentionConfig            `yaml:"retention"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// ConstitutionPath returns the path to constitution.yaml within the given home directory.
func ConstitutionPath(homeDir string) string {
	return filepath.Join(homeDir, "constitution.yaml")
}

// Fingerprint returns a stable hash of the settings that shape market behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "window=%d|cooldown=%d|reposts=%d|credits=%d|weights=%v|rep=%v|floor=%v|log=%s",
		c.Market.WindowMS, c.Market.CooldownMS, c.Market.MaxReposts, c.Market.RetryCredits,
		c.Market.Weights, c.Market.Reputation, c.Persona.ContinuityFloor, c.LogLevel)
	names := make([]string, 0, len(c.Roster))
	for name := range c.Roster {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%d", name, c.Roster[name])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RosterSize is the total number of agents the daemon bootstraps.
func (c Config) RosterSize() int {
	total := 0
	for _, n := range c.Roster {
		total += n
	}
	return total
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		DrainTimeoutMS: 5000,
		Market: MarketConfig{
			WindowMS:     2000,
			CooldownMS:   5000,
			MaxReposts:   1,
			RetryCredits: 2,
			Weights:      ScoreWeights{Confidence: 0.4, Reputation: 0.3, InverseCost: 0.1, Fit: 0.2},
			Reputation:   ReputationConfig{Alpha: 0.2, Floor: 0.05, Ceiling: 0.98, Initial: 0.5, MeritPerSuccess: 1.0},
		},
		Kernel: KernelConfig{
			MinSimilarity:     0.2,
			ToolMaxAttempts:   3,
			BackoffBaseMS:     50,
			BackoffMaxMS:      1000,
			ToolTimeoutMS:     5000,
			StepCost:          1.0,
			LearningThreshold: 0.6,
			MinQuality:        0.5,
			RecompactionEvery: 10,
		},
		Lifecycle: LifecycleConfig{
			TickMS:              5000,
			PromotionMerit:      10,
			PromotionReputation: 0.75,
			PromotionMinTasks:   5,
		},
		Persona: PersonaConfig{
			ContinuityFloor: 0.8,
			LearningRate:    0.05,
			MinDamping:      0.05,
		},
		Memory: MemoryConfig{
			DecayFactor:   0.9,
			PruneFloor:    0.1,
			SearchLimit:   8,
			KeywordWeight: 0.4,
			VectorWeight:  0.4,
			RecencyWeight: 0.2,
			Dimensions:    128,
		},
		Roster: map[string]int{"scout": 14, "builder": 14, "director": 12},
		Gateway: GatewayConfig{
			BindAddr:      "127.0.0.1:18790",
			RatePerSecond: 5,
			Burst:         10,
		},
		OTel:      OTelConfig{Exporter: "none", ServiceName: "gohive", SampleRate: 1.0},
		Retention: RetentionConfig{TaskEventDays: 30, AuditLogDays: 90, ToolCallDays: 14},
	}
}

// Default returns the built-in configuration without touching the filesystem.
func Default() Config {
	return defaultConfig()
}

func HomeDir() string {
	if override := os.Getenv("GOHIVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gohive")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gohive home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		// A roster in config.yaml replaces the default one rather than merging into it.
		cfg.Roster = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "gohive.db")
	}
	if cfg.DrainTimeoutMS <= 0 {
		cfg.DrainTimeoutMS = def.DrainTimeoutMS
	}
	if cfg.Market.WindowMS <= 0 {
		cfg.Market.WindowMS = def.Market.WindowMS
	}
	if cfg.Market.CooldownMS < 0 {
		cfg.Market.CooldownMS = def.Market.CooldownMS
	}
	if cfg.Market.MaxReposts < 0 {
		cfg.Market.MaxReposts = 0
	}
	if cfg.Market.RetryCredits <= 0 {
		cfg.Market.RetryCredits = def.Market.RetryCredits
	}
	if cfg.Market.Weights == (ScoreWeights{}) {
		cfg.Market.Weights = def.Market.Weights
	}
	if cfg.Market.Reputation.Alpha <= 0 || cfg.Market.Reputation.Alpha > 1 {
		cfg.Market.Reputation.Alpha = def.Market.Reputation.Alpha
	}
	if cfg.Market.Reputation.Ceiling <= 0 {
		cfg.Market.Reputation.Ceiling = def.Market.Reputation.Ceiling
	}
	if cfg.Kernel.ToolMaxAttempts <= 0 {
		cfg.Kernel.ToolMaxAttempts = def.Kernel.ToolMaxAttempts
	}
	if cfg.Kernel.BackoffBaseMS <= 0 {
		cfg.Kernel.BackoffBaseMS = def.Kernel.BackoffBaseMS
	}
	if cfg.Kernel.BackoffMaxMS < cfg.Kernel.BackoffBaseMS {
		cfg.Kernel.BackoffMaxMS = cfg.Kernel.BackoffBaseMS
	}
	if cfg.Kernel.ToolTimeoutMS <= 0 {
		cfg.Kernel.ToolTimeoutMS = def.Kernel.ToolTimeoutMS
	}
	if cfg.Kernel.StepCost <= 0 {
		cfg.Kernel.StepCost = def.Kernel.StepCost
	}
	if cfg.Kernel.RecompactionEvery <= 0 {
		cfg.Kernel.RecompactionEvery = def.Kernel.RecompactionEvery
	}
	if cfg.Lifecycle.TickMS <= 0 {
		cfg.Lifecycle.TickMS = def.Lifecycle.TickMS
	}
	if cfg.Persona.ContinuityFloor <= 0 || cfg.Persona.ContinuityFloor >= 1 {
		cfg.Persona.ContinuityFloor = def.Persona.ContinuityFloor
	}
	if cfg.Persona.LearningRate <= 0 {
		cfg.Persona.LearningRate = def.Persona.LearningRate
	}
	if cfg.Persona.MinDamping <= 0 {
		cfg.Persona.MinDamping = def.Persona.MinDamping
	}
	if cfg.Memory.DecayFactor <= 0 || cfg.Memory.DecayFactor > 1 {
		cfg.Memory.DecayFactor = def.Memory.DecayFactor
	}
	if cfg.Memory.SearchLimit <= 0 {
		cfg.Memory.SearchLimit = def.Memory.SearchLimit
	}
	if cfg.Memory.Dimensions <= 0 {
		cfg.Memory.Dimensions = def.Memory.Dimensions
	}
	if len(cfg.Roster) == 0 {
		cfg.Roster = def.Roster
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	if cfg.Gateway.RatePerSecond <= 0 {
		cfg.Gateway.RatePerSecond = def.Gateway.RatePerSecond
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = def.Gateway.Burst
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
}

func validate(cfg Config) error {
	rep := cfg.Market.Reputation
	if rep.Floor < 0 || rep.Floor >= rep.Ceiling || rep.Ceiling > 1 {
		return fmt.Errorf("market.reputation: floor %.2f and ceiling %.2f must satisfy 0 <= floor < ceiling <= 1", rep.Floor, rep.Ceiling)
	}
	w := cfg.Market.Weights
	if w.Confidence < 0 || w.Reputation < 0 || w.InverseCost < 0 || w.Fit < 0 {
		return fmt.Errorf("market.weights must be non-negative")
	}
	for name, n := range cfg.Roster {
		if n < 0 {
			return fmt.Errorf("roster.%s: negative agent count %d", name, n)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOHIVE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOHIVE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOHIVE_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("GOHIVE_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("GOHIVE_WINDOW_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Market.WindowMS = v
		}
	}
	if raw := os.Getenv("GOHIVE_COOLDOWN_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Market.CooldownMS = v
		}
	}
	if raw := os.Getenv("GOHIVE_RETRY_CREDITS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Market.RetryCredits = v
		}
	}
	if raw := os.Getenv("GOHIVE_TICK_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lifecycle.TickMS = v
		}
	}
	if raw := os.Getenv("GOHIVE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Enabled = raw != "none"
		cfg.OTel.Exporter = raw
	}
}
