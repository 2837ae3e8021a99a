// Package tools defines the tools available to the agent.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/situkun123/stock-assistant/internal/market"
)

// Name identifies one tool in the fixed tool set.
type Name string

// The complete tool set. Registry construction fails if any of these
// lacks a handler.
const (
	GetCompanyInfo         Name = "get_company_info"
	GetStockHistory        Name = "get_stock_history"
	GetFinancialStatements Name = "get_financial_statements"
	CorrectPeriodParameter Name = "correct_period_parameter"
	ExtractStockMentions   Name = "extract_stock_mentions"
)

// Names lists every tool in presentation order.
var Names = []Name{
	GetCompanyInfo,
	GetStockHistory,
	GetFinancialStatements,
	CorrectPeriodParameter,
	ExtractStockMentions,
}

// Handler runs a tool with decoded arguments and returns text for the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        Name           `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Budgets are token and row limits applied to tool I/O.
type Budgets struct {
	Data        int // every tool result
	Extraction  int // extract_stock_mentions input
	MaxResolved int // extract_stock_mentions records
	HistoryRows int // get_stock_history rows
}

// Deps are the collaborators the tools call into.
type Deps struct {
	Markets   *market.Registry
	Searcher  Searcher
	Completer Completer
	Truncator *Truncator
	Budgets   Budgets
	Logger    *slog.Logger
}

// Registry holds the fixed tool set.
type Registry struct {
	tools     map[Name]*Tool
	markets   *market.Registry
	periods   *PeriodCorrector
	extractor *EntityExtractor
	truncator *Truncator
	budgets   Budgets
	logger    *slog.Logger
}

// NewRegistry wires every tool in Names to its handler. Deps.Truncator
// is required: every tool result passes through it.
func NewRegistry(deps Deps) *Registry {
	if deps.Truncator == nil {
		panic("tools: NewRegistry requires a Truncator")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	b := deps.Budgets
	if b.Data <= 0 {
		b.Data = 5000
	}
	if b.Extraction <= 0 {
		b.Extraction = 1500
	}
	if b.MaxResolved <= 0 {
		b.MaxResolved = 20
	}
	if b.HistoryRows <= 0 {
		b.HistoryRows = 10
	}

	r := &Registry{
		tools:     make(map[Name]*Tool, len(Names)),
		markets:   deps.Markets,
		periods:   NewPeriodCorrector(deps.Completer, deps.Logger.With("component", "tools")),
		truncator: deps.Truncator,
		budgets:   b,
		logger:    deps.Logger.With("component", "tools"),
	}
	r.extractor = &EntityExtractor{
		completer:   deps.Completer,
		searcher:    deps.Searcher,
		truncator:   deps.Truncator,
		inputBudget: b.Extraction,
		maxResolved: b.MaxResolved,
	}
	r.registerBuiltins()

	for _, n := range Names {
		if r.tools[n] == nil {
			panic(fmt.Sprintf("tools: no handler registered for %s", n))
		}
	}
	return r
}

func tickerParam() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Stock ticker symbol (e.g., AAPL, TSLA, F)",
	}
}

func (r *Registry) registerBuiltins() {
	r.register(&Tool{
		Name:        GetCompanyInfo,
		Description: "Fetch key company metrics like P/E ratio, Market Cap, and business summary.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ticker": tickerParam()},
			"required":   []string{"ticker"},
		},
		Handler: r.handleCompanyInfo,
	})

	r.register(&Tool{
		Name: GetStockHistory,
		Description: "Fetch daily price history (OHLCV) for a given ticker and period. " +
			"The period must be one of: " + strings.Join(ValidPeriods, ", ") + ". " +
			"If the user requests a period that is NOT in that list (e.g. '1w', '2w', '3m', 'week', 'month', 'year'), " +
			"call correct_period_parameter first and pass the corrected value here.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"ticker": tickerParam(),
				"period": map[string]any{
					"type":        "string",
					"description": "History range (default 1mo): " + strings.Join(ValidPeriods, ", "),
				},
				"interval": map[string]any{
					"type":        "string",
					"description": "Bar size (default 1d)",
					"enum":        ValidIntervals,
				},
			},
			"required": []string{"ticker"},
		},
		Handler: r.handleStockHistory,
	})

	r.register(&Tool{
		Name:        GetFinancialStatements,
		Description: "Fetch the annual income statement and financial metrics.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"ticker": tickerParam()},
			"required":   []string{"ticker"},
		},
		Handler: r.handleFinancials,
	})

	r.register(&Tool{
		Name: CorrectPeriodParameter,
		Description: "Convert a user-supplied period string (e.g. '1w', '2w', '3m', 'week', 'month', 'year') " +
			"into the nearest valid period (" + strings.Join(ValidPeriods, ", ") + "). " +
			"Call this BEFORE get_stock_history whenever the requested period is not already a valid value. " +
			"Returns the corrected valid period string.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"invalid_period": map[string]any{
					"type":        "string",
					"description": "The period as the user wrote it",
				},
			},
			"required": []string{"invalid_period"},
		},
		Handler: r.handleCorrectPeriod,
	})

	r.register(&Tool{
		Name: ExtractStockMentions,
		Description: "Extract stock ticker symbols and company names from a user query, " +
			"then search for their symbols. Returns structured data ready for further analysis.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The user's text to scan for tickers and company names",
				},
			},
			"required": []string{"query"},
		},
		Handler: r.handleExtractMentions,
	})
}

func (r *Registry) register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[Name(name)]
}

// List returns all tools for the LLM in Names order.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(Names))
	for _, n := range Names {
		t := r.tools[n]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        string(t.Name),
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Execute runs a tool by name. Unknown names return *ErrToolUnavailable.
// Every result is bounded by the data token budget.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[Name(name)]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := tool.Handler(ctx, args)
	if err != nil {
		return "", err
	}
	return r.truncator.Truncate(out, r.budgets.Data), nil
}

// Tool handlers

func (r *Registry) handleCompanyInfo(ctx context.Context, args map[string]any) (string, error) {
	ticker, err := requireString(args, "ticker")
	if err != nil {
		return "", err
	}
	c := r.markets.Get(ticker)
	return renderOutcome(c.Symbol(), market.AttrInfo, c.Info(ctx)), nil
}

func (r *Registry) handleStockHistory(ctx context.Context, args map[string]any) (string, error) {
	ticker, err := requireString(args, "ticker")
	if err != nil {
		return "", err
	}
	period := optionalString(args, "period", DefaultPeriod)
	interval := optionalString(args, "interval", "1d")
	if !IsValidInterval(interval) {
		return "", fmt.Errorf("invalid interval %q (valid: %s)", interval, strings.Join(ValidIntervals, ", "))
	}

	var note string
	if !IsValidPeriod(period) {
		corrected := r.periods.Correct(ctx, period)
		note = fmt.Sprintf("Note: period %q is not valid; used %q.\n", period, corrected)
		r.logger.Debug("history period corrected", "from", period, "to", corrected)
		period = corrected
	}

	c := r.markets.Get(ticker)
	out := c.History(ctx, period, interval)
	if out.OK() {
		out.Table = out.Table.Tail(r.budgets.HistoryRows)
	}
	return note + renderOutcome(c.Symbol(), market.AttrHistory, out), nil
}

func (r *Registry) handleFinancials(ctx context.Context, args map[string]any) (string, error) {
	ticker, err := requireString(args, "ticker")
	if err != nil {
		return "", err
	}
	c := r.markets.Get(ticker)
	return renderOutcome(c.Symbol(), market.AttrFinancials, c.Financials(ctx)), nil
}

func (r *Registry) handleCorrectPeriod(ctx context.Context, args map[string]any) (string, error) {
	p, err := requireString(args, "invalid_period")
	if err != nil {
		return "", err
	}
	return r.periods.Correct(ctx, p), nil
}

func (r *Registry) handleExtractMentions(ctx context.Context, args map[string]any) (string, error) {
	q, err := requireString(args, "query")
	if err != nil {
		return "", err
	}
	ex, err := r.extractor.Extract(ctx, q)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(ex, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode extraction: %w", err)
	}
	return string(data), nil
}

// renderOutcome formats fetched data, or a diagnostic when the client
// gave up. A failed fetch is never an error to the agent.
func renderOutcome(symbol string, attr market.Attribute, out market.Outcome) string {
	if out.OK() {
		return out.Table.String()
	}
	switch out.Failure {
	case market.ClassTimeout:
		return fmt.Sprintf("Empty DataFrame\nTimed out fetching %s for %s. The data source did not respond in time.", attr, symbol)
	case market.ClassRateLimited:
		return fmt.Sprintf("Empty DataFrame\nRate limited while fetching %s for %s after %d attempt(s). Try again later.", attr, symbol, out.Attempts)
	case market.ClassEmpty:
		return fmt.Sprintf("Empty DataFrame\nNo %s data returned for %s. Check the ticker symbol.", attr, symbol)
	default:
		return fmt.Sprintf("Empty DataFrame\nFailed to fetch %s for %s.", attr, symbol)
	}
}

func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]any, key, def string) string {
	v, _ := args[key].(string)
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}
