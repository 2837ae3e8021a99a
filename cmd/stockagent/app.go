package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/situkun123/stock-assistant/internal/agent"
	"github.com/situkun123/stock-assistant/internal/audit"
	"github.com/situkun123/stock-assistant/internal/checkpoint"
	"github.com/situkun123/stock-assistant/internal/config"
	"github.com/situkun123/stock-assistant/internal/events"
	"github.com/situkun123/stock-assistant/internal/llm"
	"github.com/situkun123/stock-assistant/internal/market"
	"github.com/situkun123/stock-assistant/internal/tools"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	models      *llm.MultiClient
	metered     *llm.MeteredClient
	yahoo       *market.YahooProvider
	markets     *market.Registry
	tools       *tools.Registry
	checkpoints *checkpoint.SQLiteStore
	auditStore  *audit.Store
	mqtt        *audit.MQTTSink
	events      *events.Bus
	loop        *agent.Loop
}

// appOptions selects the optional parts of an app.
type appOptions struct {
	// mqtt starts the MQTT audit sink when a broker is configured.
	// Short-lived commands leave it off so they never wait on a broker.
	mqtt bool
}

// newApp wires the model client, market data, tools, checkpoint store,
// audit sinks, and agent loop from cfg. The caller must Close it.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	a.models = createLLMClient(cfg, logger)
	a.metered = llm.NewMeteredClient(a.models)

	tok, err := llm.NewTokenizer(cfg.Models.Default)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	a.yahoo = market.NewYahooProvider(market.YahooConfig{
		BaseURL:         cfg.Market.BaseURL,
		CookieURL:       cfg.Market.CookieURL,
		RequestsPerHour: cfg.Market.RequestsPerHour,
		Timeout:         cfg.Market.CallTimeout,
	}, logger)
	a.markets = market.NewRegistry(a.yahoo, market.ClientConfig{
		MaxRetries: cfg.Market.MaxRetries,
		Backoff: market.Backoff{
			Initial:    cfg.Market.InitialBackoff,
			Max:        cfg.Market.MaxBackoff,
			Multiplier: 2,
		},
		CallTimeout: cfg.Market.CallTimeout,
	}, logger)

	a.tools = tools.NewRegistry(tools.Deps{
		Markets:   a.markets,
		Searcher:  a.yahoo,
		Completer: &tools.LLMCompleter{Client: a.metered, Model: cfg.Models.Auxiliary},
		Truncator: tools.NewTruncator(tok),
		Budgets: tools.Budgets{
			Data:        cfg.Tools.DataBudget,
			Extraction:  cfg.Tools.ExtractionBudget,
			MaxResolved: cfg.Tools.MaxResolved,
			HistoryRows: cfg.Tools.HistoryRows,
		},
		Logger: logger,
	})

	a.checkpoints, err = checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	var sinks audit.Multi
	if cfg.Audit.Enabled {
		a.auditStore, err = audit.NewStore(cfg.Audit.Path, cfg.Audit.MaxTextLength)
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		sinks = append(sinks, a.auditStore)

		if opts.mqtt && cfg.Audit.MQTT.Configured() {
			a.mqtt = audit.NewMQTTSink(cfg.Audit.MQTT, cfg.Audit.MaxTextLength, logger)
			if err := a.mqtt.Start(ctx); err != nil {
				// The broker being down must not stop the assistant;
				// autopaho keeps retrying in the background.
				logger.Warn("mqtt audit sink not connected", "broker", cfg.Audit.MQTT.Broker, "error", err)
			}
			sinks = append(sinks, a.mqtt)
		}
	}

	a.events = events.New()
	deps := agent.Deps{
		LLM:       a.metered,
		Tools:     a.tools,
		Store:     a.checkpoints,
		Tokenizer: tok,
		Events:    a.events,
		Logger:    logger,
	}
	if len(sinks) > 0 {
		deps.Audit = sinks
	}
	a.loop = agent.NewLoop(agent.Config{
		Model:        cfg.Models.Default,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Limits: agent.Limits{
			MaxLLMCalls:  cfg.Agent.MaxLLMCalls,
			MaxToolCalls: cfg.Agent.MaxToolCalls,
		},
		ContextBudget:   cfg.Agent.ContextBudget,
		ToolParallelism: cfg.Agent.ToolParallelism,
		CallTimeout:     cfg.Agent.CallTimeout,
		Pricing:         cfg.Pricing,
	}, deps)

	return a, nil
}

// Close releases stores and disconnects the MQTT sink.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.mqtt != nil {
		if err := a.mqtt.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop mqtt: %w", err))
		}
	}
	if a.auditStore != nil {
		if err := a.auditStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	if a.checkpoints != nil {
		if err := a.checkpoints.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// createLLMClient builds a multi-provider model client. Each model
// listed in config is routed to its provider; unlisted models go to
// the provider of the default model.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	providers := make(map[string]llm.Client)
	if cfg.OpenAI.Configured() {
		providers["openai"] = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	}
	if cfg.Ollama.Configured() {
		providers["ollama"] = llm.NewOllamaClient(cfg.Ollama.URL, logger)
	}

	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	multi := llm.NewMultiClient(providers[defaultProvider])
	for name, c := range providers {
		multi.AddProvider(name, c)
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	if providers[defaultProvider] == nil {
		logger.Warn("default model has no configured provider",
			"model", cfg.Models.Default, "provider", defaultProvider)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}
