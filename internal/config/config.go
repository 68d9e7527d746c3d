// Package config provides configuration loading, validation, and
// hot-reload for the sovereign cognitive runtime.
//
// Configuration file: /etc/sovereignd/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, and log the new
//     values.
//   - The reloaded values are not pushed into running components; any
//     change, including intervals, thresholds and log level, takes
//     effect on restart.
//   - If the new config is invalid, the old config remains active and
//     an error is logged. The process does NOT crash on invalid
//     hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations positive, scores in [0,1]).
//   - File paths must be absolute.
//   - Invalid config on startup: the process refuses to start (fatal
//     error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the runtime. All
// fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// AgentID identifies this runtime instance in Chronos events and
	// approval prompts. Default: hostname.
	AgentID string `yaml:"agent_id"`

	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Vault         VaultConfig         `yaml:"vault"`
	Skills        SkillsConfig        `yaml:"skills"`
	Policy        PolicyConfig        `yaml:"policy"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Governor      GovernorConfig      `yaml:"governor"`
	Rollback      RollbackConfig      `yaml:"rollback"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Operator      OperatorConfig      `yaml:"operator"`
	Health        HealthConfig        `yaml:"health"`
	Observability ObservabilityConfig `yaml:"observability"`
	PlanService   PlanServiceConfig   `yaml:"plan_service"`
}

// KnowledgeConfig holds the nine-slot knowledge store's parameters.
type KnowledgeConfig struct {
	// DataDir is the directory holding the nine per-slot BoltDB files.
	// Default: /var/lib/sovereignd/kb.
	DataDir string `yaml:"data_dir"`

	// SemanticIndexPath is the SQLite file backing the embedding
	// similarity index consulted by Goals carrying an Embedding. Empty
	// disables semantic search; QueryKnowledge falls back to its
	// lexical prefix scan.
	SemanticIndexPath string `yaml:"semantic_index_path"`
}

// VaultConfig holds Shadow-slot encryption key sourcing.
type VaultConfig struct {
	// KeyFile is the path to the 32-byte AES-256 key file used to
	// unlock Slot 9. If empty, the vault starts locked and Shadow-slot
	// operations fail closed until the process is restarted with a key.
	KeyFile string `yaml:"key_file"`
}

// SkillsConfig holds the interpreted-Go skill sandbox's parameters.
type SkillsConfig struct {
	// CallTimeout bounds every skill invocation. Default: 5s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// PolicyConfig holds the Policy Gate's parameters.
type PolicyConfig struct {
	// DefaultLens names a default philosophical lens. Default:
	// "neutral". It is loaded but not read by any component; the active
	// lens comes from the EthosPolicy stored in Slot 6.
	DefaultLens string `yaml:"default_lens"`
}

// OrchestratorConfig holds skill/goal dispatch parameters.
type OrchestratorConfig struct {
	// DispatchTimeout is a per-Dispatch time budget. Default: 10s. It
	// is validated but not passed to the Orchestrator, so Dispatch calls
	// are not bounded by it; skill calls are bounded by
	// SkillsConfig.CallTimeout.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// GovernorConfig holds the Task Governor's parameters (4.F — not to
// be confused with the Health Governor, 4.J, configured separately
// below as HealthConfig).
type GovernorConfig struct {
	// MaxConcurrentTasks is a cap on tasks running at once. Default: 8.
	// It is validated but not read by the Task Governor, which evaluates
	// every stored task without a concurrency cap.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// RollbackConfig holds the Rollback Manager's on-disk layout.
type RollbackConfig struct {
	// PatchesDir stores versioned patch source. Default:
	// /var/lib/sovereignd/patches.
	PatchesDir string `yaml:"patches_dir"`
	// ArtifactsDir stores compiled-artifact bookkeeping. Default:
	// /var/lib/sovereignd/artifacts.
	ArtifactsDir string `yaml:"artifacts_dir"`
	// MaxVersionsPerSkill caps the retained version history per skill.
	// Default: 10.
	MaxVersionsPerSkill int `yaml:"max_versions_per_skill"`
}

// MaintenanceConfig holds the Maintenance & Evolution Loop's cadence.
type MaintenanceConfig struct {
	// Interval is the base cycle period, gated by IdleThreshold.
	// Default: 30m.
	Interval time.Duration `yaml:"interval"`
	// IdleThreshold is the minimum observed idle duration before a
	// cycle runs its full body instead of a no-op idle pulse.
	// Default: 5m.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	// RiskThreshold is the Validator's security-audit RiskScore cutoff:
	// a candidate scoring above it is rejected as red_team_rejected
	// before it is ever compiled. Default: 0.5 (two flagged
	// dangerous-call patterns).
	RiskThreshold float64 `yaml:"risk_threshold"`
}

// ApprovalConfig holds the human-approval bridge's parameters.
type ApprovalConfig struct {
	// SocketPath is the Unix domain socket the approval CLI connects
	// to. Default: /run/sovereignd/approval.sock.
	SocketPath string `yaml:"socket_path"`
}

// OperatorConfig holds the Goal-dispatch Unix socket transport's
// parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket external callers dispatch
	// Goals through. Empty disables the transport. Default:
	// /run/sovereignd/operator.sock.
	SocketPath string `yaml:"socket_path"`
}

// HealthConfig holds the Health Governor's (4.J) sampling cadence and
// alert thresholds.
type HealthConfig struct {
	// Interval is the sampling period. Default: 15s.
	Interval time.Duration `yaml:"interval"`
	// MaxSlotKeys flags any slot at or above this key count. 0 disables.
	MaxSlotKeys int `yaml:"max_slot_keys"`
	// MinSovereigntyScore flags samples below this score. Default: 0.5.
	MinSovereigntyScore float64 `yaml:"min_sovereignty_score"`
	// MaxDeadEnds flags samples at or above this dead-end count.
	// Default: 50.
	MaxDeadEnds int `yaml:"max_dead_ends"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`
	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// PlanServiceConfig selects and configures the Maintenance Loop's
// reflexion backend. Backend decides which backend is used; when it is
// empty the loop runs with synthesis disabled
// (plan.Static{Response: "NO_PATCH_NEEDED"}) whatever GRPCAddr or
// GenAIAPIKey hold.
type PlanServiceConfig struct {
	// Backend selects "grpc", "genai", or "" (disabled). Default: "".
	Backend string `yaml:"backend"`
	// GRPCAddr is the address of an external PlanService sidecar, used
	// when Backend == "grpc".
	GRPCAddr string `yaml:"grpc_addr"`
	// GenAIAPIKey authenticates against Gemini, used when
	// Backend == "genai". Read from the PAGI_GENAI_API_KEY environment
	// variable if empty — never stored in the config file itself.
	GenAIAPIKey string `yaml:"-"`
	// GenAIModel defaults to "gemini-2.0-flash" if empty.
	GenAIModel string `yaml:"genai_model"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		AgentID:       hostname,
		Knowledge: KnowledgeConfig{
			DataDir:           "/var/lib/sovereignd/kb",
			SemanticIndexPath: "/var/lib/sovereignd/kb/embeddings.db",
		},
		Vault: VaultConfig{},
		Skills: SkillsConfig{
			CallTimeout: 5 * time.Second,
		},
		Policy: PolicyConfig{
			DefaultLens: "neutral",
		},
		Orchestrator: OrchestratorConfig{
			DispatchTimeout: 10 * time.Second,
		},
		Governor: GovernorConfig{
			MaxConcurrentTasks: 8,
		},
		Rollback: RollbackConfig{
			PatchesDir:          "/var/lib/sovereignd/patches",
			ArtifactsDir:        "/var/lib/sovereignd/artifacts",
			MaxVersionsPerSkill: 10,
		},
		Maintenance: MaintenanceConfig{
			Interval:      30 * time.Minute,
			IdleThreshold: 5 * time.Minute,
			RiskThreshold: 0.5,
		},
		Approval: ApprovalConfig{
			SocketPath: "/run/sovereignd/approval.sock",
		},
		Operator: OperatorConfig{
			SocketPath: "/run/sovereignd/operator.sock",
		},
		Health: HealthConfig{
			Interval:            15 * time.Second,
			MinSovereigntyScore: 0.5,
			MaxDeadEnds:         50,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		PlanService: PlanServiceConfig{
			GenAIModel: "gemini-2.0-flash",
		},
	}
}

// Load reads and validates a config file from path. Returns the
// merged config (defaults overridden by file values), with
// PlanService.GenAIAPIKey populated from PAGI_GENAI_API_KEY.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	cfg.PlanService.GenAIAPIKey = os.Getenv("PAGI_GENAI_API_KEY")

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks all config fields for correctness, returning a
// descriptive error listing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.AgentID == "" {
		errs = append(errs, "agent_id must not be empty")
	}
	if cfg.Knowledge.DataDir == "" || !filepath.IsAbs(cfg.Knowledge.DataDir) {
		errs = append(errs, fmt.Sprintf("knowledge.data_dir must be an absolute path, got %q", cfg.Knowledge.DataDir))
	}
	if cfg.Skills.CallTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("skills.call_timeout must be > 0, got %s", cfg.Skills.CallTimeout))
	}
	if cfg.Orchestrator.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("orchestrator.dispatch_timeout must be > 0, got %s", cfg.Orchestrator.DispatchTimeout))
	}
	if cfg.Governor.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Sprintf("governor.max_concurrent_tasks must be >= 1, got %d", cfg.Governor.MaxConcurrentTasks))
	}
	if cfg.Rollback.PatchesDir == "" || !filepath.IsAbs(cfg.Rollback.PatchesDir) {
		errs = append(errs, fmt.Sprintf("rollback.patches_dir must be an absolute path, got %q", cfg.Rollback.PatchesDir))
	}
	if cfg.Rollback.ArtifactsDir == "" || !filepath.IsAbs(cfg.Rollback.ArtifactsDir) {
		errs = append(errs, fmt.Sprintf("rollback.artifacts_dir must be an absolute path, got %q", cfg.Rollback.ArtifactsDir))
	}
	if cfg.Rollback.MaxVersionsPerSkill < 1 {
		errs = append(errs, fmt.Sprintf("rollback.max_versions_per_skill must be >= 1, got %d", cfg.Rollback.MaxVersionsPerSkill))
	}
	if cfg.Maintenance.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("maintenance.interval must be > 0, got %s", cfg.Maintenance.Interval))
	}
	if cfg.Maintenance.IdleThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("maintenance.idle_threshold must be > 0, got %s", cfg.Maintenance.IdleThreshold))
	}
	if cfg.Health.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("health.interval must be > 0, got %s", cfg.Health.Interval))
	}
	if cfg.Health.MinSovereigntyScore < 0.0 || cfg.Health.MinSovereigntyScore > 1.0 {
		errs = append(errs, fmt.Sprintf("health.min_sovereignty_score must be in [0.0, 1.0], got %f", cfg.Health.MinSovereigntyScore))
	}
	if cfg.Health.MaxDeadEnds < 0 {
		errs = append(errs, fmt.Sprintf("health.max_dead_ends must be >= 0, got %d", cfg.Health.MaxDeadEnds))
	}
	switch cfg.PlanService.Backend {
	case "", "grpc", "genai":
	default:
		errs = append(errs, fmt.Sprintf("plan_service.backend must be one of \"\", \"grpc\", \"genai\", got %q", cfg.PlanService.Backend))
	}
	if cfg.PlanService.Backend == "grpc" && cfg.PlanService.GRPCAddr == "" {
		errs = append(errs, "plan_service.grpc_addr is required when plan_service.backend is \"grpc\"")
	}
	if cfg.PlanService.Backend == "genai" && cfg.PlanService.GenAIAPIKey == "" {
		errs = append(errs, "PAGI_GENAI_API_KEY must be set when plan_service.backend is \"genai\"")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
