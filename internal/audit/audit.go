// Package audit records one entry per completed agent turn: the
// question, the answer, token and cost totals, and which tools ran.
// Entries go to a SQLite table and, optionally, an MQTT topic.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/situkun123/stock-assistant/internal/config"
)

// DefaultMaxTextLength caps query and response text in stored entries.
const DefaultMaxTextLength = 1000

// Entry is one audited turn.
type Entry struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	ThreadID         string         `json:"thread_id"`
	Query            string         `json:"query"`
	Response         string         `json:"response"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	CostUSD          float64        `json:"total_cost_usd"`
	LLMCalls         int            `json:"llm_calls"`
	ToolCalls        int            `json:"tool_calls"`
	ToolsUsed        map[string]int `json:"tools_used"`
}

// Capped returns a copy of e with Query and Response limited to limit
// characters.
func (e Entry) Capped(limit int) Entry {
	e.Query = Cap(e.Query, limit)
	e.Response = Cap(e.Response, limit)
	return e
}

// Cap shortens text to at most limit runes, ending in "..." when cut.
// A non-positive limit leaves text unchanged.
func Cap(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ComputeCost calculates the USD cost for a model's token usage based
// on the pricing table. Models not in the table are treated as free
// (local/Ollama models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
