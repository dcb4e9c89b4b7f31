// Package config provides YAML-based configuration loading for Stagehand.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Stagehand configuration, loaded from
// stagehand.yaml.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Pool   PoolConfig   `yaml:"pool"`
	Render RenderConfig `yaml:"render"`
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Alerts AlertsConfig `yaml:"alerts"`
}

// EngineConfig describes the external visualization engine executable and
// the wire settings shared by all spawned instances.
type EngineConfig struct {
	Binary             string   `yaml:"binary"`
	Args               []string `yaml:"args"`
	WorkDir            string   `yaml:"work_dir"`
	BasePort           int      `yaml:"base_port"`
	PortRange          int      `yaml:"port_range"`
	SpawnTimeoutSecs   int      `yaml:"spawn_timeout_secs"`
	CommandTimeoutSecs int      `yaml:"command_timeout_secs"`
}

// PoolConfig bounds the process pool and drives the background sweeps.
type PoolConfig struct {
	MaxInstances      int `yaml:"max_instances"`
	ProcessIdleSecs   int `yaml:"process_idle_secs"`
	SessionIdleSecs   int `yaml:"session_idle_secs"`
	SweepIntervalSecs int `yaml:"sweep_interval_secs"`
	HealthRetries     int `yaml:"health_retries"`
}

// RenderConfig bounds the rendering queue. MaxPending 0 leaves the pending
// queue unbounded.
type RenderConfig struct {
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	MaxPending        int    `yaml:"max_pending"`
	JobTimeoutSecs    int    `yaml:"job_timeout_secs"`
	RetentionSecs     int    `yaml:"retention_secs"`
	OutputDir         string `yaml:"output_dir"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig holds the sqlite history database settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AlertsConfig holds optional operator alert destinations. Empty tokens
// disable the corresponding adapter.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack alert credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// DiscordConfig holds Discord alert credentials.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Engine.BasePort == 0 {
		c.Engine.BasePort = 9600
	}
	if c.Engine.PortRange == 0 {
		c.Engine.PortRange = 64
	}
	if c.Engine.SpawnTimeoutSecs == 0 {
		c.Engine.SpawnTimeoutSecs = 30
	}
	if c.Engine.CommandTimeoutSecs == 0 {
		c.Engine.CommandTimeoutSecs = 15
	}
	if c.Pool.MaxInstances == 0 {
		c.Pool.MaxInstances = 4
	}
	if c.Pool.ProcessIdleSecs == 0 {
		c.Pool.ProcessIdleSecs = 900
	}
	if c.Pool.SessionIdleSecs == 0 {
		c.Pool.SessionIdleSecs = 600
	}
	if c.Pool.SweepIntervalSecs == 0 {
		c.Pool.SweepIntervalSecs = 60
	}
	if c.Pool.HealthRetries == 0 {
		c.Pool.HealthRetries = 3
	}
	if c.Render.MaxConcurrentJobs == 0 {
		c.Render.MaxConcurrentJobs = 2
	}
	if c.Render.JobTimeoutSecs == 0 {
		c.Render.JobTimeoutSecs = 120
	}
	if c.Render.RetentionSecs == 0 {
		c.Render.RetentionSecs = 3600
	}
	if c.Render.OutputDir == "" {
		c.Render.OutputDir = "artifacts"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.Path == "" {
		c.Store.Path = "stagehand.db"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Engine.Binary == "" {
		errs = append(errs, "engine.binary is required")
	}
	if c.Engine.BasePort < 1024 || c.Engine.BasePort > 65535 {
		errs = append(errs, "engine.base_port must be between 1024 and 65535")
	}
	if c.Engine.PortRange < 1 {
		errs = append(errs, "engine.port_range must be positive")
	}
	if c.Pool.MaxInstances < 1 {
		errs = append(errs, "pool.max_instances must be positive")
	}
	if c.Pool.MaxInstances > c.Engine.PortRange {
		errs = append(errs, "pool.max_instances cannot exceed engine.port_range")
	}
	if c.Render.MaxConcurrentJobs < 1 {
		errs = append(errs, "render.max_concurrent_jobs must be positive")
	}
	if c.Render.MaxPending < 0 {
		errs = append(errs, "render.max_pending cannot be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SpawnTimeout returns the startup deadline for a new engine process.
func (e EngineConfig) SpawnTimeout() time.Duration {
	return time.Duration(e.SpawnTimeoutSecs) * time.Second
}

// CommandTimeout returns the default per-command deadline.
func (e EngineConfig) CommandTimeout() time.Duration {
	return time.Duration(e.CommandTimeoutSecs) * time.Second
}

// ProcessIdle returns the idle threshold after which a process is swept.
func (p PoolConfig) ProcessIdle() time.Duration {
	return time.Duration(p.ProcessIdleSecs) * time.Second
}

// SessionIdle returns the idle threshold after which a session is closed.
func (p PoolConfig) SessionIdle() time.Duration {
	return time.Duration(p.SessionIdleSecs) * time.Second
}

// SweepInterval returns the cadence of the background sweeps.
func (p PoolConfig) SweepInterval() time.Duration {
	return time.Duration(p.SweepIntervalSecs) * time.Second
}

// JobTimeout returns the end-to-end deadline for one rendering job.
func (r RenderConfig) JobTimeout() time.Duration {
	return time.Duration(r.JobTimeoutSecs) * time.Second
}

// Retention returns how long finished jobs stay queryable in memory.
func (r RenderConfig) Retention() time.Duration {
	return time.Duration(r.RetentionSecs) * time.Second
}
