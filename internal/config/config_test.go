package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate(Defaults()): %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "schema_version: \"1\"\nagent_id: test-agent\nhealth:\n  max_dead_ends: 5\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentID != "test-agent" {
		t.Fatalf("expected overridden agent_id, got %q", cfg.AgentID)
	}
	if cfg.Health.MaxDeadEnds != 5 {
		t.Fatalf("expected overridden max_dead_ends, got %d", cfg.Health.MaxDeadEnds)
	}
	if cfg.Maintenance.Interval != Defaults().Maintenance.Interval {
		t.Fatalf("expected default maintenance.interval to survive merge, got %s", cfg.Maintenance.Interval)
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for unsupported schema_version")
	}
}

func TestValidateRejectsRelativeDataDir(t *testing.T) {
	cfg := Defaults()
	cfg.Knowledge.DataDir = "relative/path"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for relative data_dir")
	}
}

func TestValidateRejectsGRPCBackendWithoutAddr(t *testing.T) {
	cfg := Defaults()
	cfg.PlanService.Backend = "grpc"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for grpc backend without grpc_addr")
	}
}

func TestValidateRejectsOutOfRangeSovereigntyScore(t *testing.T) {
	cfg := Defaults()
	cfg.Health.MinSovereigntyScore = 1.5
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for min_sovereignty_score out of range")
	}
}
