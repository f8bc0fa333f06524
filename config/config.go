// Package config provides configuration loading and management for Weft.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Weft configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	NATS       NATSConfig       `yaml:"nats"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Retry      RetryConfig      `yaml:"retry"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Polling    PollingConfig    `yaml:"polling"`
	LLM        LLMConfig        `yaml:"llm"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address for the API and webhook endpoints.
	Addr string `yaml:"addr"`
}

// NATSConfig configures the JetStream connection backing persistence.
type NATSConfig struct {
	// URL is the NATS server URL. Empty runs on in-memory stores, which
	// lose state on restart.
	URL string `yaml:"url"`
}

// ConnectorsConfig configures the connector registry.
type ConnectorsConfig struct {
	// Dir holds the connector definition YAML files.
	Dir string `yaml:"dir"`
	// Watch reloads the registry when definition files change.
	Watch bool `yaml:"watch"`
	// Services maps appId to the base URL of the connector service that
	// executes its operations.
	Services map[string]string `yaml:"services,omitempty"`
}

// RuntimeConfig configures execution scheduling.
type RuntimeConfig struct {
	// MaxParallelExecutions caps concurrently running executions.
	MaxParallelExecutions int `yaml:"maxParallelExecutions"`
	// MaxParallelNodesPerExecution caps concurrently running nodes within
	// one execution.
	MaxParallelNodesPerExecution int `yaml:"maxParallelNodesPerExecution"`
	// DefaultNodeTimeoutMs bounds a single node attempt.
	DefaultNodeTimeoutMs int `yaml:"defaultNodeTimeoutMs"`
}

// RetryConfig sets the platform default retry policy. Node-level policies
// merge over it.
type RetryConfig struct {
	DefaultPolicy RetryPolicyConfig `yaml:"defaultPolicy"`
}

// RetryPolicyConfig mirrors the per-node retry policy shape.
type RetryPolicyConfig struct {
	MaxAttempts       int     `yaml:"maxAttempts"`
	InitialBackoffMs  int     `yaml:"initialBackoffMs"`
	MaxBackoffMs      int     `yaml:"maxBackoffMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	// Jitter is "full", "equal", or "none".
	Jitter string `yaml:"jitter"`
}

// WebhookConfig configures webhook intake.
type WebhookConfig struct {
	// SignatureTimestampToleranceSec bounds signed-timestamp skew.
	SignatureTimestampToleranceSec int `yaml:"signatureTimestampToleranceSec"`
	// DedupeWindow is the size of the seen-event LRU, in events.
	DedupeWindow int `yaml:"dedupeWindow"`
}

// PollingConfig configures the polling scheduler.
type PollingConfig struct {
	// MinIntervalSec floors every polling trigger's interval.
	MinIntervalSec int `yaml:"minIntervalSec"`
}

// LLMConfig configures the LLM call shell.
type LLMConfig struct {
	Cache     LLMCacheConfig  `yaml:"cache"`
	Budget    LLMBudgetConfig `yaml:"budget"`
	Endpoints []LLMEndpoint   `yaml:"endpoints"`
}

// LLMCacheConfig configures the response fingerprint cache.
type LLMCacheConfig struct {
	// DefaultTTLSec applies when a call does not set its own TTL.
	DefaultTTLSec int `yaml:"defaultTtlSec"`
}

// LLMBudgetConfig configures the daily spend gate.
type LLMBudgetConfig struct {
	// DailyPerUserUSD caps per-user daily spend. 0 disables the cap.
	DailyPerUserUSD float64 `yaml:"dailyPerUserUsd"`
	// DailyGlobalUSD caps process-wide daily spend. 0 disables the cap.
	DailyGlobalUSD float64 `yaml:"dailyGlobalUsd"`
}

// LLMEndpoint registers one provider/model pair.
type LLMEndpoint struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseUrl"`
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string `yaml:"apiKeyEnv"`
	// Fallbacks lists "provider/model" keys tried in order when this
	// endpoint is unhealthy.
	Fallbacks []string `yaml:"fallbacks"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Connectors: ConnectorsConfig{
			Dir:   "connectors",
			Watch: true,
		},
		Runtime: RuntimeConfig{
			MaxParallelExecutions:        100,
			MaxParallelNodesPerExecution: 4,
			DefaultNodeTimeoutMs:         60000,
		},
		Retry: RetryConfig{
			DefaultPolicy: RetryPolicyConfig{
				MaxAttempts:       3,
				InitialBackoffMs:  500,
				MaxBackoffMs:      30000,
				BackoffMultiplier: 2.0,
				Jitter:            "equal",
			},
		},
		Webhook: WebhookConfig{
			SignatureTimestampToleranceSec: 300,
			DedupeWindow:                   1000,
		},
		Polling: PollingConfig{
			MinIntervalSec: 30,
		},
		LLM: LLMConfig{
			Cache: LLMCacheConfig{
				DefaultTTLSec: 300,
			},
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Connectors.Dir == "" {
		return fmt.Errorf("connectors.dir is required")
	}
	if c.Runtime.MaxParallelExecutions <= 0 {
		return fmt.Errorf("runtime.maxParallelExecutions must be positive")
	}
	if c.Runtime.MaxParallelNodesPerExecution <= 0 {
		return fmt.Errorf("runtime.maxParallelNodesPerExecution must be positive")
	}
	if c.Runtime.DefaultNodeTimeoutMs <= 0 {
		return fmt.Errorf("runtime.defaultNodeTimeoutMs must be positive")
	}
	if p := c.Retry.DefaultPolicy; p.MaxAttempts <= 0 {
		return fmt.Errorf("retry.defaultPolicy.maxAttempts must be positive")
	}
	switch c.Retry.DefaultPolicy.Jitter {
	case "full", "equal", "none":
	default:
		return fmt.Errorf("retry.defaultPolicy.jitter must be full, equal, or none")
	}
	if c.Webhook.SignatureTimestampToleranceSec <= 0 {
		return fmt.Errorf("webhook.signatureTimestampToleranceSec must be positive")
	}
	if c.Webhook.DedupeWindow <= 0 {
		return fmt.Errorf("webhook.dedupeWindow must be positive")
	}
	if c.Polling.MinIntervalSec <= 0 {
		return fmt.Errorf("polling.minIntervalSec must be positive")
	}
	for i, ep := range c.LLM.Endpoints {
		if ep.Provider == "" || ep.Model == "" {
			return fmt.Errorf("llm.endpoints[%d] requires provider and model", i)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Connectors.Dir != "" {
		c.Connectors.Dir = other.Connectors.Dir
	}
	c.Connectors.Watch = other.Connectors.Watch
	if len(other.Connectors.Services) > 0 {
		c.Connectors.Services = other.Connectors.Services
	}

	if other.Runtime.MaxParallelExecutions != 0 {
		c.Runtime.MaxParallelExecutions = other.Runtime.MaxParallelExecutions
	}
	if other.Runtime.MaxParallelNodesPerExecution != 0 {
		c.Runtime.MaxParallelNodesPerExecution = other.Runtime.MaxParallelNodesPerExecution
	}
	if other.Runtime.DefaultNodeTimeoutMs != 0 {
		c.Runtime.DefaultNodeTimeoutMs = other.Runtime.DefaultNodeTimeoutMs
	}

	if other.Retry.DefaultPolicy.MaxAttempts != 0 {
		c.Retry.DefaultPolicy = other.Retry.DefaultPolicy
	}

	if other.Webhook.SignatureTimestampToleranceSec != 0 {
		c.Webhook.SignatureTimestampToleranceSec = other.Webhook.SignatureTimestampToleranceSec
	}
	if other.Webhook.DedupeWindow != 0 {
		c.Webhook.DedupeWindow = other.Webhook.DedupeWindow
	}

	if other.Polling.MinIntervalSec != 0 {
		c.Polling.MinIntervalSec = other.Polling.MinIntervalSec
	}

	if other.LLM.Cache.DefaultTTLSec != 0 {
		c.LLM.Cache.DefaultTTLSec = other.LLM.Cache.DefaultTTLSec
	}
	if other.LLM.Budget.DailyPerUserUSD != 0 {
		c.LLM.Budget.DailyPerUserUSD = other.LLM.Budget.DailyPerUserUSD
	}
	if other.LLM.Budget.DailyGlobalUSD != 0 {
		c.LLM.Budget.DailyGlobalUSD = other.LLM.Budget.DailyGlobalUSD
	}
	if len(other.LLM.Endpoints) > 0 {
		c.LLM.Endpoints = other.LLM.Endpoints
	}
}
