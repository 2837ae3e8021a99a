// Package config handles stockagent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/stockagent/config.yaml, /etc/stockagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stockagent", "config.yaml"))
	}

	paths = append(paths, "/etc/stockagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all stockagent configuration.
type Config struct {
	Listen     ListenConfig            `yaml:"listen"`
	OpenAI     OpenAIConfig            `yaml:"openai"`
	Ollama     OllamaConfig            `yaml:"ollama"`
	Models     ModelsConfig            `yaml:"models"`
	Agent      AgentConfig             `yaml:"agent"`
	Tools      ToolsConfig             `yaml:"tools"`
	Market     MarketConfig            `yaml:"market"`
	Checkpoint CheckpointConfig        `yaml:"checkpoint"`
	Audit      AuditConfig             `yaml:"audit"`
	Pricing    map[string]PricingEntry `yaml:"pricing"`
	DataDir    string                  `yaml:"data_dir"`
	LogLevel   string                  `yaml:"log_level"`
	LogFormat  string                  `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // Optional; OpenAI-compatible gateways
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool {
	return c.APIKey != ""
}

// OllamaConfig defines the local Ollama provider.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama endpoint is set.
func (c OllamaConfig) Configured() bool {
	return c.URL != ""
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	// Default is the model that drives the agent loop.
	Default string `yaml:"default"`
	// Auxiliary is used for period correction and entity extraction.
	// Empty means Default.
	Auxiliary string        `yaml:"auxiliary"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, ollama
}

// AgentConfig bounds the conversation state machine.
type AgentConfig struct {
	MaxLLMCalls     int           `yaml:"max_llm_calls"`
	MaxToolCalls    int           `yaml:"max_tool_calls"`
	ContextBudget   int           `yaml:"context_budget"`
	ToolParallelism int           `yaml:"tool_parallelism"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	SystemPrompt    string        `yaml:"system_prompt"`
}

// ToolsConfig sets per-tool output budgets.
type ToolsConfig struct {
	DataBudget       int `yaml:"data_budget"`
	ExtractionBudget int `yaml:"extraction_budget"`
	MaxResolved      int `yaml:"max_resolved"`
	HistoryRows      int `yaml:"history_rows"`
}

// MarketConfig configures the upstream market-data provider and the
// per-ticker data client retry policy.
type MarketConfig struct {
	BaseURL         string        `yaml:"base_url"`
	CookieURL       string        `yaml:"cookie_url"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	RequestsPerHour int           `yaml:"requests_per_hour"`
}

// CheckpointConfig locates the per-thread checkpoint database.
type CheckpointConfig struct {
	Path string `yaml:"path"` // Default: <data_dir>/checkpoints.db
}

// AuditConfig configures the run audit sinks.
type AuditConfig struct {
	Enabled       bool       `yaml:"enabled"`
	Path          string     `yaml:"path"` // Default: <data_dir>/audit.db
	MaxTextLength int        `yaml:"max_text_length"`
	MQTT          MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig defines the optional MQTT fan-out for audit records.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PricingEntry holds per-million-token prices in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// DefaultSystemPrompt frames the assistant's role for every thread.
const DefaultSystemPrompt = `You are a financial analysis assistant. Your role is to:
- Analyze stock data and financial statements objectively
- Provide clear, data-driven insights
- Use available tools to gather accurate information
- Always cite your data sources`

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and defaults are applied to any
// field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. Used by
// the CLI when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if c.Models.Auxiliary == "" {
		c.Models.Auxiliary = c.Models.Default
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}

	if c.Agent.MaxLLMCalls == 0 {
		c.Agent.MaxLLMCalls = 20
	}
	if c.Agent.MaxToolCalls == 0 {
		c.Agent.MaxToolCalls = 50
	}
	if c.Agent.ContextBudget == 0 {
		c.Agent.ContextBudget = 20000
	}
	if c.Agent.ToolParallelism == 0 {
		c.Agent.ToolParallelism = 4
	}
	if c.Agent.CallTimeout == 0 {
		c.Agent.CallTimeout = 2 * time.Minute
	}
	if strings.TrimSpace(c.Agent.SystemPrompt) == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}

	if c.Tools.DataBudget == 0 {
		c.Tools.DataBudget = 5000
	}
	if c.Tools.ExtractionBudget == 0 {
		c.Tools.ExtractionBudget = 1500
	}
	if c.Tools.MaxResolved == 0 {
		c.Tools.MaxResolved = 20
	}
	if c.Tools.HistoryRows == 0 {
		c.Tools.HistoryRows = 10
	}

	if c.Market.BaseURL == "" {
		c.Market.BaseURL = "https://query2.finance.yahoo.com"
	}
	if c.Market.CookieURL == "" {
		c.Market.CookieURL = "https://fc.yahoo.com"
	}
	if c.Market.MaxRetries == 0 {
		c.Market.MaxRetries = 3
	}
	if c.Market.InitialBackoff == 0 {
		c.Market.InitialBackoff = 2 * time.Second
	}
	if c.Market.MaxBackoff == 0 {
		c.Market.MaxBackoff = 30 * time.Second
	}
	if c.Market.CallTimeout == 0 {
		c.Market.CallTimeout = 20 * time.Second
	}
	// Yahoo's published soft limit is 2000 requests per hour.
	if c.Market.RequestsPerHour == 0 {
		c.Market.RequestsPerHour = 2000
	}

	if c.Checkpoint.Path == "" {
		c.Checkpoint.Path = filepath.Join(c.DataDir, "checkpoints.db")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
	if c.Audit.MaxTextLength == 0 {
		c.Audit.MaxTextLength = 1000
	}
	if c.Audit.MQTT.Topic == "" {
		c.Audit.MQTT.Topic = "stockagent/audit"
	}
	if c.Audit.MQTT.ClientID == "" {
		c.Audit.MQTT.ClientID = "stockagent"
	}

	if c.Pricing == nil {
		c.Pricing = map[string]PricingEntry{
			"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
			"gpt-4o":      {InputPerMillion: 2.50, OutputPerMillion: 10.00},
		}
	}
}

// Validate checks for values that would make the agent misbehave at
// runtime rather than fail loudly at startup.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Agent.MaxLLMCalls < 1 {
		return fmt.Errorf("agent.max_llm_calls must be positive, got %d", c.Agent.MaxLLMCalls)
	}
	if c.Agent.MaxToolCalls < 1 {
		return fmt.Errorf("agent.max_tool_calls must be positive, got %d", c.Agent.MaxToolCalls)
	}
	if c.Agent.ContextBudget < 1 {
		return fmt.Errorf("agent.context_budget must be positive, got %d", c.Agent.ContextBudget)
	}
	if c.Market.MaxRetries < 1 {
		return fmt.Errorf("market.max_retries must be at least 1, got %d", c.Market.MaxRetries)
	}
	if c.Market.MaxBackoff < c.Market.InitialBackoff {
		return fmt.Errorf("market.max_backoff (%s) is below market.initial_backoff (%s)",
			c.Market.MaxBackoff, c.Market.InitialBackoff)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "ollama":
		default:
			return fmt.Errorf("model %q: unknown provider %q (valid: openai, ollama)", m.Name, m.Provider)
		}
	}
	return nil
}

// ProviderFor returns the configured provider for a model name, or
// "openai" when the model is not listed.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "openai"
}
