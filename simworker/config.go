package simworker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the worker configuration, usually read from YAML.
type Config struct {
	// Database is the SQLite path shared by the store, queues and metrics.
	Database string `yaml:"database"`
	// BlobDir is the root of the filesystem object store.
	BlobDir string `yaml:"blob_dir"`
	// HTTPAddr is the ops/ingress listener. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// WorkerName labels heartbeats. Default: hostname.
	WorkerName string `yaml:"worker_name"`

	Workers    WorkersConfig    `yaml:"workers"`
	Completion CompletionConfig `yaml:"completion"`
	Browser    BrowserConfig    `yaml:"browser"`
	Agent      AgentConfig      `yaml:"agent"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`
	Aggregate  AggregateConfig  `yaml:"aggregate"`
}

// WorkersConfig sizes the pools and the queue behaviour.
type WorkersConfig struct {
	ScreenshotConcurrency int           `yaml:"screenshot_concurrency"`
	AgentConcurrency      int           `yaml:"agent_concurrency"`
	AggregateConcurrency  int           `yaml:"aggregate_concurrency"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	Visibility            time.Duration `yaml:"visibility"`
	MaxAttempts           int           `yaml:"max_attempts"`
	StaleAfter            time.Duration `yaml:"stale_after"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
}

// CompletionConfig configures the OpenAI-compatible completion backend.
type CompletionConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	DefaultModel  string        `yaml:"default_model"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	MaxTokens     int           `yaml:"max_tokens"`
}

// Provisioner backends.
const (
	ProvisionerDocker = "docker"
	ProvisionerLocal  = "local"
	ProvisionerRemote = "remote"
)

// BrowserConfig selects the sandbox backend and tunes browser sessions.
type BrowserConfig struct {
	Provisioner    string        `yaml:"provisioner"`
	Image          string        `yaml:"image"`
	Bin            string        `yaml:"bin"`
	RemoteURL      string        `yaml:"remote_url"`
	ReadyTimeout   time.Duration `yaml:"ready_timeout"`
	SettleTimeout  time.Duration `yaml:"settle_timeout"`
	WaitPause      time.Duration `yaml:"wait_pause"`
	ViewportWidth  int           `yaml:"viewport_width"`
	ViewportHeight int           `yaml:"viewport_height"`
	Stealth        bool          `yaml:"stealth"`
}

// AgentConfig tunes live-browser episodes.
type AgentConfig struct {
	MaxSteps         int    `yaml:"max_steps"`
	MaxElements      int    `yaml:"max_elements"`
	RepairPolicy     string `yaml:"repair_policy"`
	PageExcerptChars int    `yaml:"page_excerpt_chars"`
}

// ScreenshotConfig tunes screenshot episodes.
type ScreenshotConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// AggregateConfig tunes report aggregation.
type AggregateConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	FixTopN             int     `yaml:"fix_top_n"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.Database == "" {
		c.Database = "uxsim.db"
	}
	if c.BlobDir == "" {
		c.BlobDir = "blobs"
	}
	if c.WorkerName == "" {
		c.WorkerName, _ = os.Hostname()
		if c.WorkerName == "" {
			c.WorkerName = "simworker"
		}
	}

	w := &c.Workers
	if w.ScreenshotConcurrency <= 0 {
		w.ScreenshotConcurrency = 2
	}
	if w.AgentConcurrency <= 0 {
		w.AgentConcurrency = 2
	}
	if w.AggregateConcurrency <= 0 {
		w.AggregateConcurrency = 1
	}
	if w.PollInterval <= 0 {
		w.PollInterval = time.Second
	}
	if w.Visibility <= 0 {
		w.Visibility = 2 * time.Minute
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 5
	}
	if w.StaleAfter <= 0 {
		w.StaleAfter = 20 * time.Minute
	}
	if w.HeartbeatInterval <= 0 {
		w.HeartbeatInterval = 15 * time.Second
	}

	cc := &c.Completion
	if cc.BaseURL == "" {
		cc.BaseURL = "https://api.openai.com/v1"
	}
	if cc.DefaultModel == "" {
		cc.DefaultModel = "gpt-4o-mini"
	}
	if cc.Timeout <= 0 {
		cc.Timeout = 90 * time.Second
	}

	b := &c.Browser
	if b.Provisioner == "" {
		b.Provisioner = ProvisionerDocker
	}
	if b.ReadyTimeout <= 0 {
		b.ReadyTimeout = 45 * time.Second
	}
	if b.SettleTimeout <= 0 {
		b.SettleTimeout = 5 * time.Second
	}
	if b.WaitPause <= 0 {
		b.WaitPause = 1500 * time.Millisecond
	}
	if b.ViewportWidth <= 0 {
		b.ViewportWidth = 1280
	}
	if b.ViewportHeight <= 0 {
		b.ViewportHeight = 800
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 30
	}
	if c.Agent.MaxElements <= 0 {
		c.Agent.MaxElements = 50
	}
	if c.Agent.RepairPolicy == "" {
		c.Agent.RepairPolicy = "coerce"
	}
	if c.Screenshot.MaxSteps <= 0 {
		c.Screenshot.MaxSteps = 25
	}
	if c.Aggregate.SimilarityThreshold <= 0 {
		c.Aggregate.SimilarityThreshold = 0.25
	}
	if c.Aggregate.FixTopN <= 0 {
		c.Aggregate.FixTopN = 5
	}
}

// Environment variables that override the file.
const (
	EnvAPIKey   = "UXSIM_LLM_API_KEY"
	EnvBaseURL  = "UXSIM_LLM_BASE_URL"
	EnvDatabase = "UXSIM_DB"
	EnvBlobDir  = "UXSIM_BLOB_DIR"
	EnvHTTPAddr = "UXSIM_HTTP_ADDR"
)

// ApplyEnv overrides secrets and deploy-time settings from getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Completion.APIKey, EnvAPIKey)
	set(&c.Completion.BaseURL, EnvBaseURL)
	set(&c.Database, EnvDatabase)
	set(&c.BlobDir, EnvBlobDir)
	set(&c.HTTPAddr, EnvHTTPAddr)
}

// Validate checks values defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Browser.Provisioner {
	case ProvisionerDocker, ProvisionerLocal:
	case ProvisionerRemote:
		if c.Browser.RemoteURL == "" {
			return fmt.Errorf("simworker: browser.remote_url is required for the remote provisioner")
		}
	default:
		return fmt.Errorf("simworker: unknown browser.provisioner %q (use docker, local or remote)", c.Browser.Provisioner)
	}
	switch c.Agent.RepairPolicy {
	case "coerce", "strict":
	default:
		return fmt.Errorf("simworker: unknown agent.repair_policy %q (use coerce or strict)", c.Agent.RepairPolicy)
	}
	if c.Aggregate.SimilarityThreshold > 1 {
		return fmt.Errorf("simworker: aggregate.similarity_threshold must be in (0,1]")
	}
	return nil
}

// LoadConfigFile reads a YAML config, applies environment overrides and
// defaults, then validates it. An empty path yields the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("simworker: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("simworker: parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
