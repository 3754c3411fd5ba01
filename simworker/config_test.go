package simworker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigFile(t *testing.T) {
	// WHAT: YAML values are read, durations parsed, zero values defaulted.
	// WHY: operators only write what they change.
	path := filepath.Join(t.TempDir(), "simworker.yaml")
	yml := `
database: /var/lib/uxsim/uxsim.db
http_addr: ":8090"
workers:
  agent_concurrency: 4
  stale_after: 30m
completion:
  default_model: vision-large
  rate_per_second: 2.5
browser:
  provisioner: remote
  remote_url: ws://chrome:9222
  stealth: true
agent:
  repair_policy: strict
aggregate:
  fix_top_n: 3
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database != "/var/lib/uxsim/uxsim.db" || cfg.HTTPAddr != ":8090" {
		t.Errorf("paths = %q %q", cfg.Database, cfg.HTTPAddr)
	}
	if cfg.Workers.AgentConcurrency != 4 || cfg.Workers.ScreenshotConcurrency != 2 || cfg.Workers.AggregateConcurrency != 1 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.Workers.StaleAfter != 30*time.Minute {
		t.Errorf("stale_after = %v", cfg.Workers.StaleAfter)
	}
	if cfg.Completion.DefaultModel != "vision-large" || cfg.Completion.RatePerSecond != 2.5 {
		t.Errorf("completion = %+v", cfg.Completion)
	}
	if cfg.Browser.Provisioner != ProvisionerRemote || !cfg.Browser.Stealth || cfg.Browser.WaitPause != 1500*time.Millisecond {
		t.Errorf("browser = %+v", cfg.Browser)
	}
	if cfg.Agent.RepairPolicy != "strict" || cfg.Agent.MaxSteps != 30 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Aggregate.FixTopN != 3 || cfg.Aggregate.SimilarityThreshold != 0.25 {
		t.Errorf("aggregate = %+v", cfg.Aggregate)
	}
}

func TestLoadConfigFile_EnvOverrides(t *testing.T) {
	t.Setenv(EnvAPIKey, "sk-test")
	t.Setenv(EnvDatabase, "/tmp/env.db")
	t.Setenv(EnvHTTPAddr, ":9999")
	cfg, err := LoadConfigFile("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Completion.APIKey != "sk-test" || cfg.Database != "/tmp/env.db" || cfg.HTTPAddr != ":9999" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.BlobDir != "blobs" || cfg.Screenshot.MaxSteps != 25 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown provisioner": func(c *Config) { c.Browser.Provisioner = "k8s" },
		"remote without url":  func(c *Config) { c.Browser.Provisioner = ProvisionerRemote },
		"bad policy":          func(c *Config) { c.Agent.RepairPolicy = "lenient" },
		"threshold above one": func(c *Config) { c.Aggregate.SimilarityThreshold = 1.5 },
	}
	for name, mutate := range cases {
		c := DefaultConfig()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadConfigFile_Errors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("workers: [1, 2"), 0o644)
	_, err := LoadConfigFile(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("err = %v", err)
	}
}
