// Package config loads and validates the Cortex runtime configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Cortex.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	LLM        LLMConfig        `yaml:"llm"`
	Memory     MemoryConfig     `yaml:"memory"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Agent      AgentConfig      `yaml:"agent"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// IngestAPIKey is the bearer token required on authenticated routes.
	IngestAPIKey string `yaml:"ingest_api_key"`
}

type DatabaseConfig struct {
	// Path is the sqlite database file; empty means an in-memory store.
	Path string `yaml:"path"`
}

type LLMConfig struct {
	// SynapseURL is the base URL of the OpenAI-compatible chat proxy.
	SynapseURL string `yaml:"synapse_url"`

	// Model is the chat model used for replies.
	Model string `yaml:"model"`
}

type MemoryConfig struct {
	// EngramURL is the base URL of the memory service. Empty disables recall.
	EngramURL string `yaml:"engram_url"`
}

type OutboxConfig struct {
	PollDefaultBatch int `yaml:"poll_default_batch"`
	LeaseSeconds     int `yaml:"lease_seconds"`
	MaxAttempts      int `yaml:"max_attempts"`
}

type AgentConfig struct {
	ToolTimeoutMs int `yaml:"tool_timeout_ms"`
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

type ExtractionConfig struct {
	// Model used for fact extraction and summarization. Empty disables extraction.
	Model string `yaml:"model"`

	// Interval is the number of processed turns between extraction runs.
	Interval int `yaml:"interval"`
}

type ProcessorConfig struct {
	PollBusyMs int `yaml:"poll_busy_ms"`
	PollIdleMs int `yaml:"poll_idle_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8787
	}
	if c.Outbox.PollDefaultBatch == 0 {
		c.Outbox.PollDefaultBatch = 10
	}
	if c.Outbox.LeaseSeconds == 0 {
		c.Outbox.LeaseSeconds = 30
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 10
	}
	if c.Agent.ToolTimeoutMs == 0 {
		c.Agent.ToolTimeoutMs = 20000
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 6
	}
	if c.Extraction.Interval == 0 {
		c.Extraction.Interval = 6
	}
	if c.Processor.PollBusyMs == 0 {
		c.Processor.PollBusyMs = 100
	}
	if c.Processor.PollIdleMs == 0 {
		c.Processor.PollIdleMs = 2000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Load reads a yaml config file, applies environment overrides for secrets,
// fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's CLI flag
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("CORTEX_INGEST_API_KEY"); key != "" {
		cfg.Server.IngestAPIKey = key
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the ranges every consumer of the config relies on.
func (c *Config) Validate() error {
	if c.Server.IngestAPIKey == "" {
		return fmt.Errorf("server.ingest_api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Outbox.PollDefaultBatch < 1 || c.Outbox.PollDefaultBatch > 100 {
		return fmt.Errorf("outbox.poll_default_batch must be in 1..100, got %d", c.Outbox.PollDefaultBatch)
	}
	if c.Outbox.LeaseSeconds < 10 || c.Outbox.LeaseSeconds > 300 {
		return fmt.Errorf("outbox.lease_seconds must be in 10..300, got %d", c.Outbox.LeaseSeconds)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be >= 1, got %d", c.Outbox.MaxAttempts)
	}
	if c.Agent.ToolTimeoutMs < 1000 {
		return fmt.Errorf("agent.tool_timeout_ms must be >= 1000, got %d", c.Agent.ToolTimeoutMs)
	}
	if c.Agent.MaxToolRounds < 1 || c.Agent.MaxToolRounds > 20 {
		return fmt.Errorf("agent.max_tool_rounds must be in 1..20, got %d", c.Agent.MaxToolRounds)
	}
	if c.Extraction.Interval < 1 {
		return fmt.Errorf("extraction.interval must be >= 1, got %d", c.Extraction.Interval)
	}
	return nil
}
