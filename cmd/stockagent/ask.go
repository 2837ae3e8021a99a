package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/situkun123/stock-assistant/internal/agent"
)

const welcomeText = "Welcome to the stock assistant! Ask about company profiles, " +
	"price history, or financial statements for any listed ticker."

// askOutput is the -o json shape of an ask.
type askOutput struct {
	ThreadID        string      `json:"thread_id"`
	Answer          string      `json:"answer"`
	Fallback        bool        `json:"fallback"`
	Usage           agent.Usage `json:"usage"`
	CachedCompanies []string    `json:"cached_companies"`
}

// runAsk answers one question on a fresh or existing thread. History
// is persisted, so the printed thread id can be passed back with
// -thread to continue the conversation. Logs go to stderr so stdout
// carries only the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res, err := a.loop.Run(ctx, opts.threadID, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	cached := a.markets.Tickers()

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askOutput{
			ThreadID:        res.ThreadID,
			Answer:          res.Answer,
			Fallback:        res.Fallback,
			Usage:           res.Usage,
			CachedCompanies: cached,
		})
	}

	fmt.Fprintln(stdout, welcomeText)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, res.Answer)
	fmt.Fprintln(stdout)
	writeUsage(stdout, res.Usage, cached)
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "Thread: %s (continue with -thread %s)\n", res.ThreadID, res.ThreadID)
	return nil
}

// writeUsage prints the per-turn statistics block.
func writeUsage(w io.Writer, u agent.Usage, cached []string) {
	fmt.Fprintln(w, "📊 Usage Statistics:")
	fmt.Fprintf(w, "   Total Tokens: %d\n", u.TotalTokens)
	fmt.Fprintf(w, "   Prompt Tokens: %d\n", u.PromptTokens)
	fmt.Fprintf(w, "   Completion Tokens: %d\n", u.CompletionTokens)
	fmt.Fprintf(w, "   Total Cost (USD): $%.6f\n", u.CostUSD)
	fmt.Fprintf(w, "   LLM Calls: %d\n", u.LLMCalls)
	fmt.Fprintf(w, "   Tool Calls: %d\n", u.ToolCalls)
	fmt.Fprintf(w, "   Cached Companies: %s\n", orNone(strings.Join(cached, ", ")))
	fmt.Fprintf(w, "   Tools Used: %s\n", orNone(formatToolsUsed(u.ToolsUsed)))
}

// formatToolsUsed renders counts as "a (2), b (1)" in name order.
func formatToolsUsed(used map[string]int) string {
	parts := make([]string, 0, len(used))
	for _, name := range slices.Sorted(maps.Keys(used)) {
		parts = append(parts, fmt.Sprintf("%s (%d)", name, used[name]))
	}
	return strings.Join(parts, ", ")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
