// Package config loads the single AMOSKYS configuration file. The path
// comes from the AMOSKYS_CONFIG environment variable; no other environment
// lookups happen, and no secrets ride in the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "AMOSKYS_CONFIG"

// Config is the root of the configuration file, with one section per
// component. A process typically reads only its own section.
type Config struct {
	Bus    BusConfig    `yaml:"bus"`
	Agent  AgentConfig  `yaml:"agent"`
	Fusion FusionConfig `yaml:"fusion"`
}

// TLSConfig points at PEM material chained to the operator CA.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// QueueConfig bounds one durable queue directory.
type QueueConfig struct {
	Dir        string `yaml:"dir"`
	MaxRecords int    `yaml:"max_records"`
	MaxBytes   int64  `yaml:"max_bytes"`
}

// BusConfig configures the ingest server.
type BusConfig struct {
	Listen         string      `yaml:"listen"`
	MetricsListen  string      `yaml:"metrics_listen"`
	TLS            TLSConfig   `yaml:"tls"`
	SignerRegistry string      `yaml:"signer_registry"`
	SchemaDir      string      `yaml:"schema_dir"`
	Queue          QueueConfig `yaml:"queue"`

	// Concurrency is the handler hard limit; the soft limit is 80% of it.
	Concurrency     int `yaml:"concurrency"`
	DedupeWindowS   int `yaml:"dedupe_window_s"`
	PublishTimeoutS int `yaml:"publish_timeout_s"`

	// Per-source admission rate limiting.
	SourceRPS   float64 `yaml:"source_rps"`
	SourceBurst int     `yaml:"source_burst"`

	// RedisAddr, when set, fronts the dedupe window with a shared index so
	// multiple bus instances agree on seen event ids.
	RedisAddr string `yaml:"redis_addr"`
}

// AgentConfig configures the agent daemon and its outbox.
type AgentConfig struct {
	SourceID       string      `yaml:"source_id"`
	BusURL         string      `yaml:"bus_url"`
	SigningKeyFile string      `yaml:"signing_key_file"`
	TLS            TLSConfig   `yaml:"tls"`
	Outbox         QueueConfig `yaml:"outbox"`
	SpoolDir       string      `yaml:"spool_dir"`
	MetricsListen  string      `yaml:"metrics_listen"`

	BatchSize        int   `yaml:"batch_size"`
	BatchBytes       int64 `yaml:"batch_bytes"`
	BackoffBaseMs    int   `yaml:"backoff_base_ms"`
	BackoffCapMs     int   `yaml:"backoff_cap_ms"`
	BreakerFailures  int   `yaml:"breaker_failures"`
	BreakerCooldownS int   `yaml:"breaker_cooldown_s"`
	SpoolPollMs      int   `yaml:"spool_poll_ms"`
	SendIdlePollMs   int   `yaml:"send_idle_poll_ms"`
	RequestTimeoutS  int   `yaml:"request_timeout_s"`
}

// RiskConfig tunes the device risk model.
type RiskConfig struct {
	HalfLifeS int                `yaml:"half_life_s"`
	Weights   map[string]float64 `yaml:"weights"`
}

// FusionConfig configures the correlation engine.
type FusionConfig struct {
	Input         QueueConfig `yaml:"input"`
	StorePath     string      `yaml:"store_path"`
	RulesFile     string      `yaml:"rules_file"`
	MetricsListen string      `yaml:"metrics_listen"`
	WindowSlackS  int         `yaml:"window_slack_s"`
	RingCap       int         `yaml:"ring_cap"`
	Risk          RiskConfig  `yaml:"risk"`
}

// Load reads the config file named by AMOSKYS_CONFIG and applies defaults.
func Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set", EnvConfigPath)
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.Bus
	if b.Listen == "" {
		b.Listen = ":8443"
	}
	if b.MetricsListen == "" {
		b.MetricsListen = ":9101"
	}
	if b.Concurrency <= 0 {
		b.Concurrency = runtime.NumCPU() * 4
	}
	if b.DedupeWindowS <= 0 {
		b.DedupeWindowS = int(24 * time.Hour / time.Second)
	}
	if b.PublishTimeoutS <= 0 {
		b.PublishTimeoutS = 5
	}
	if b.SourceRPS <= 0 {
		b.SourceRPS = 500
	}
	if b.SourceBurst <= 0 {
		b.SourceBurst = 1000
	}

	a := &c.Agent
	if a.BatchSize <= 0 {
		a.BatchSize = 32
	}
	if a.BatchBytes <= 0 {
		a.BatchBytes = 1 << 20
	}
	if a.BackoffBaseMs <= 0 {
		a.BackoffBaseMs = 250
	}
	if a.BackoffCapMs <= 0 {
		a.BackoffCapMs = 30000
	}
	if a.BreakerFailures <= 0 {
		a.BreakerFailures = 5
	}
	if a.BreakerCooldownS <= 0 {
		a.BreakerCooldownS = 15
	}
	if a.SpoolPollMs <= 0 {
		a.SpoolPollMs = 500
	}
	if a.SendIdlePollMs <= 0 {
		a.SendIdlePollMs = 200
	}
	if a.RequestTimeoutS <= 0 {
		a.RequestTimeoutS = 10
	}
	if a.MetricsListen == "" {
		a.MetricsListen = ":9102"
	}

	f := &c.Fusion
	if f.MetricsListen == "" {
		f.MetricsListen = ":9103"
	}
	if f.WindowSlackS <= 0 {
		f.WindowSlackS = 60
	}
	if f.RingCap <= 0 {
		f.RingCap = 1000
	}
	if f.Risk.HalfLifeS <= 0 {
		f.Risk.HalfLifeS = int(24 * time.Hour / time.Second)
	}
	if len(f.Risk.Weights) == 0 {
		f.Risk.Weights = map[string]float64{
			"INFO":     1,
			"LOW":      3,
			"MEDIUM":   10,
			"HIGH":     30,
			"CRITICAL": 60,
		}
	}
}

// DedupeWindow returns the bus dedupe window as a duration.
func (b *BusConfig) DedupeWindow() time.Duration {
	return time.Duration(b.DedupeWindowS) * time.Second
}

// PublishTimeout returns the per-publish server deadline.
func (b *BusConfig) PublishTimeout() time.Duration {
	return time.Duration(b.PublishTimeoutS) * time.Second
}

// BackoffBase returns the outbox backoff base.
func (a *AgentConfig) BackoffBase() time.Duration {
	return time.Duration(a.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the outbox backoff ceiling.
func (a *AgentConfig) BackoffCap() time.Duration {
	return time.Duration(a.BackoffCapMs) * time.Millisecond
}

// BreakerCooldown returns the circuit breaker open interval.
func (a *AgentConfig) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownS) * time.Second
}

// RequestTimeout returns the outbox publish request timeout.
func (a *AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutS) * time.Second
}

// SpoolPoll returns the spool directory scan interval.
func (a *AgentConfig) SpoolPoll() time.Duration {
	return time.Duration(a.SpoolPollMs) * time.Millisecond
}

// SendIdlePoll returns the sender's sleep when the outbox is drained.
func (a *AgentConfig) SendIdlePoll() time.Duration {
	return time.Duration(a.SendIdlePollMs) * time.Millisecond
}

// WindowSlack returns the fusion ring trim slack.
func (f *FusionConfig) WindowSlack() time.Duration {
	return time.Duration(f.WindowSlackS) * time.Second
}

// HalfLife returns the risk decay half-life.
func (r *RiskConfig) HalfLife() time.Duration {
	return time.Duration(r.HalfLifeS) * time.Second
}
