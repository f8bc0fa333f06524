package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.Server.Addr)
	}
	if cfg.Runtime.MaxParallelExecutions != 100 {
		t.Errorf("expected 100 parallel executions, got %d", cfg.Runtime.MaxParallelExecutions)
	}
	if cfg.Runtime.MaxParallelNodesPerExecution != 4 {
		t.Errorf("expected 4 parallel nodes, got %d", cfg.Runtime.MaxParallelNodesPerExecution)
	}
	if cfg.Runtime.DefaultNodeTimeoutMs != 60000 {
		t.Errorf("expected 60000ms node timeout, got %d", cfg.Runtime.DefaultNodeTimeoutMs)
	}
	if cfg.Webhook.SignatureTimestampToleranceSec != 300 {
		t.Errorf("expected 300s timestamp tolerance, got %d", cfg.Webhook.SignatureTimestampToleranceSec)
	}
	if cfg.Webhook.DedupeWindow != 1000 {
		t.Errorf("expected dedupe window 1000, got %d", cfg.Webhook.DedupeWindow)
	}
	if cfg.Polling.MinIntervalSec != 30 {
		t.Errorf("expected 30s min poll interval, got %d", cfg.Polling.MinIntervalSec)
	}
	if cfg.LLM.Cache.DefaultTTLSec != 300 {
		t.Errorf("expected 300s cache TTL, got %d", cfg.LLM.Cache.DefaultTTLSec)
	}
	if cfg.Retry.DefaultPolicy.MaxAttempts != 3 {
		t.Errorf("expected 3 max attempts, got %d", cfg.Retry.DefaultPolicy.MaxAttempts)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing server addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: true,
		},
		{
			name:    "missing connectors dir",
			modify:  func(c *Config) { c.Connectors.Dir = "" },
			wantErr: true,
		},
		{
			name:    "zero parallel executions",
			modify:  func(c *Config) { c.Runtime.MaxParallelExecutions = 0 },
			wantErr: true,
		},
		{
			name:    "negative node timeout",
			modify:  func(c *Config) { c.Runtime.DefaultNodeTimeoutMs = -1 },
			wantErr: true,
		},
		{
			name:    "bad jitter mode",
			modify:  func(c *Config) { c.Retry.DefaultPolicy.Jitter = "sometimes" },
			wantErr: true,
		},
		{
			name:    "zero dedupe window",
			modify:  func(c *Config) { c.Webhook.DedupeWindow = 0 },
			wantErr: true,
		},
		{
			name: "endpoint without model",
			modify: func(c *Config) {
				c.LLM.Endpoints = []LLMEndpoint{{Provider: "ollama"}}
			},
			wantErr: true,
		},
		{
			name: "valid endpoint",
			modify: func(c *Config) {
				c.LLM.Endpoints = []LLMEndpoint{{Provider: "ollama", Model: "llama3", BaseURL: "http://localhost:11434"}}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  addr: ":9090"
nats:
  url: "nats://test:4222"
connectors:
  dir: "/etc/weft/connectors"
  watch: false
runtime:
  maxParallelExecutions: 10
  maxParallelNodesPerExecution: 2
webhook:
  dedupeWindow: 500
llm:
  budget:
    dailyPerUserUsd: 5.0
  endpoints:
    - provider: anthropic
      model: claude-sonnet-4-20250514
      apiKeyEnv: ANTHROPIC_API_KEY
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected addr :9090, got %s", cfg.Server.Addr)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Connectors.Dir != "/etc/weft/connectors" {
		t.Errorf("expected connectors dir override, got %s", cfg.Connectors.Dir)
	}
	if cfg.Runtime.MaxParallelExecutions != 10 {
		t.Errorf("expected 10 parallel executions, got %d", cfg.Runtime.MaxParallelExecutions)
	}
	// Unset fields keep their defaults.
	if cfg.Runtime.DefaultNodeTimeoutMs != 60000 {
		t.Errorf("expected default node timeout, got %d", cfg.Runtime.DefaultNodeTimeoutMs)
	}
	if cfg.Webhook.DedupeWindow != 500 {
		t.Errorf("expected dedupe window 500, got %d", cfg.Webhook.DedupeWindow)
	}
	if cfg.LLM.Budget.DailyPerUserUSD != 5.0 {
		t.Errorf("expected 5 USD daily budget, got %f", cfg.LLM.Budget.DailyPerUserUSD)
	}
	if len(cfg.LLM.Endpoints) != 1 || cfg.LLM.Endpoints[0].APIKeyEnv != "ANTHROPIC_API_KEY" {
		t.Errorf("endpoints = %+v", cfg.LLM.Endpoints)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := DefaultConfig()
	override.Server.Addr = ":7070"
	override.Webhook.DedupeWindow = 2000

	base.Merge(override)

	if base.Server.Addr != ":7070" {
		t.Errorf("expected addr :7070, got %s", base.Server.Addr)
	}
	if base.Webhook.DedupeWindow != 2000 {
		t.Errorf("expected dedupe window 2000, got %d", base.Webhook.DedupeWindow)
	}
	// Polling interval should remain from base since override didn't change it.
	if base.Polling.MinIntervalSec != 30 {
		t.Errorf("expected polling interval to remain default, got %d", base.Polling.MinIntervalSec)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Addr = ":6060"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Server.Addr != ":6060" {
		t.Errorf("expected addr :6060, got %s", loaded.Server.Addr)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WEFT_SERVER_ADDR", ":5050")
	t.Setenv("WEFT_LLM_BUDGET_DAILY_USD", "2.5")

	cfg := DefaultConfig()
	applyEnv(cfg)

	if cfg.Server.Addr != ":5050" {
		t.Errorf("expected env addr :5050, got %s", cfg.Server.Addr)
	}
	if cfg.LLM.Budget.DailyPerUserUSD != 2.5 {
		t.Errorf("expected env budget 2.5, got %f", cfg.LLM.Budget.DailyPerUserUSD)
	}
}
