package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8844" || cfg.MaxOperations != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Defaults.MaxParallel != 4 || cfg.Defaults.StepBudget != 64 {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
listen: ":9000"
tool_host_url: "http://toolhost:8700/rpc"
tool_timeout: 30s
defaults:
  max_parallel: 2
  hitl: true
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" || cfg.ToolTimeout.Std() != 30*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Defaults.MaxParallel != 2 || !cfg.Defaults.HITL {
		t.Errorf("defaults = %+v", cfg.Defaults)
	}
	// Untouched fields keep defaults.
	if cfg.MaxOperations != 4 {
		t.Errorf("max_operations = %d", cfg.MaxOperations)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`listen: ":9000"`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REDGRAPH_LISTEN", ":7000")
	t.Setenv("REDGRAPH_STEP_BUDGET", "128")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Defaults.StepBudget != 128 {
		t.Errorf("step budget = %d", cfg.Defaults.StepBudget)
	}
}

func TestLoad_RejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`max_operations: 0`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}
