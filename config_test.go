package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should yield defaults: %v", err)
	}
	if cfg.AgentConfig().MaxSteps != 100 {
		t.Errorf("unexpected default max steps: %d", cfg.AgentConfig().MaxSteps)
	}
	if cfg.ModelConfig().BaseURL == "" {
		t.Error("model base URL default missing")
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
data_dir: /tmp/drover-test
language: en
agent:
  max_steps: 25
  device_id: emulator-5554
model:
  base_url: http://model.internal:8000/v1
  name: autoglm-phone-9b
  base_timeout: 30s
  max_timeout: 2m
  requests_per_second: 2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	agent := cfg.AgentConfig()
	if agent.MaxSteps != 25 || agent.DeviceID != "emulator-5554" || agent.Lang != LangEN {
		t.Errorf("unexpected agent config: %+v", agent)
	}

	model := cfg.ModelConfig()
	if model.BaseURL != "http://model.internal:8000/v1" {
		t.Errorf("unexpected base url: %q", model.BaseURL)
	}
	if model.BaseTimeout != 30*time.Second || model.MaxTimeout != 2*time.Minute {
		t.Errorf("durations not parsed: %v %v", model.BaseTimeout, model.MaxTimeout)
	}
	if model.RequestsPerSecond != 2 {
		t.Errorf("unexpected rps: %f", model.RequestsPerSecond)
	}
	if cfg.DataDir != "/tmp/drover-test" {
		t.Errorf("unexpected data dir: %q", cfg.DataDir)
	}
}

func TestConfigEnvKeyOverride(t *testing.T) {
	t.Setenv("DROVER_API_KEY", "sk-from-env")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModelConfig().APIKey != "sk-from-env" {
		t.Errorf("env override not applied: %q", cfg.ModelConfig().APIKey)
	}
}

func TestConfigReloadSwapsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("agent:\n  max_steps: 5\n"), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AgentConfig().MaxSteps != 5 {
		t.Fatalf("initial load wrong: %d", cfg.AgentConfig().MaxSteps)
	}

	// A pinned snapshot must not change under reload.
	snapshot := cfg.AgentConfig()

	os.WriteFile(path, []byte("agent:\n  max_steps: 50\n"), 0644)
	if err := cfg.reload(path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if cfg.AgentConfig().MaxSteps != 50 {
		t.Errorf("reload not applied: %d", cfg.AgentConfig().MaxSteps)
	}
	if snapshot.MaxSteps != 5 {
		t.Errorf("snapshot mutated by reload: %d", snapshot.MaxSteps)
	}
}

func TestConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("agent: [not a map"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}
