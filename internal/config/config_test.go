package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${STOCKAGENT_TEST_KEY}\n"), 0600)
	t.Setenv("STOCKAGENT_TEST_KEY", "sk-test-123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "sk-test-123")
	}
	if !cfg.OpenAI.Configured() {
		t.Error("OpenAI.Configured() = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: /var/lib/stockagent\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Agent.MaxLLMCalls != 20 {
		t.Errorf("MaxLLMCalls = %d, want 20", cfg.Agent.MaxLLMCalls)
	}
	if cfg.Agent.MaxToolCalls != 50 {
		t.Errorf("MaxToolCalls = %d, want 50", cfg.Agent.MaxToolCalls)
	}
	if cfg.Agent.ContextBudget != 20000 {
		t.Errorf("ContextBudget = %d, want 20000", cfg.Agent.ContextBudget)
	}
	if cfg.Tools.DataBudget != 5000 || cfg.Tools.ExtractionBudget != 1500 {
		t.Errorf("tool budgets = %d/%d, want 5000/1500", cfg.Tools.DataBudget, cfg.Tools.ExtractionBudget)
	}
	if cfg.Market.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Market.MaxRetries)
	}
	if cfg.Checkpoint.Path != "/var/lib/stockagent/checkpoints.db" {
		t.Errorf("Checkpoint.Path = %q", cfg.Checkpoint.Path)
	}
	if cfg.Models.Auxiliary != cfg.Models.Default {
		t.Errorf("Auxiliary = %q, want default %q", cfg.Models.Auxiliary, cfg.Models.Default)
	}
	if _, ok := cfg.Pricing["gpt-4o-mini"]; !ok {
		t.Error("default pricing missing gpt-4o-mini")
	}
}

func TestLoad_Durations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("market:\n  initial_backoff: 500ms\n  max_backoff: 5s\nagent:\n  call_timeout: 45s\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Market.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", cfg.Market.InitialBackoff)
	}
	if cfg.Market.MaxBackoff != 5*time.Second {
		t.Errorf("MaxBackoff = %v, want 5s", cfg.Market.MaxBackoff)
	}
	if cfg.Agent.CallTimeout != 45*time.Second {
		t.Errorf("CallTimeout = %v, want 45s", cfg.Agent.CallTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "unknown log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "unknown log_format",
		},
		{
			name:    "backoff inverted",
			mutate:  func(c *Config) { c.Market.MaxBackoff = time.Millisecond },
			wantErr: "max_backoff",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Models.Available = []ModelConfig{{Name: "claude", Provider: "anthropic"}}
			},
			wantErr: "unknown provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "qwen3:4b", Provider: "ollama"}}

	if got := cfg.ProviderFor("qwen3:4b"); got != "ollama" {
		t.Errorf("ProviderFor(qwen3:4b) = %q, want ollama", got)
	}
	if got := cfg.ProviderFor("gpt-4o-mini"); got != "openai" {
		t.Errorf("ProviderFor(gpt-4o-mini) = %q, want openai", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not renamed: %s", buf.String())
	}
}
