package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/situkun123/stock-assistant/internal/market"
)

// Resolution sources.
const (
	SourceTickerMentioned     = "ticker_mentioned"
	SourceCompanyNameSearched = "company_name_searched"
)

const extractionSystemPrompt = `You are a financial entity extractor. Your job is to extract ONLY explicitly mentioned stock tickers and company names.

RULES:
- Ticker symbols are usually 1-5 uppercase letters (e.g. AAPL, TSLA, GOOGL)
- Do NOT extract common English words that happen to be uppercase (e.g. 'IT', 'AI', 'US')
- Do NOT infer tickers from company names; only extract what is literally written
- Include informal references if unambiguous (e.g. 'the EV maker Elon runs' -> Tesla)
- Normalize company names to their official form (e.g. 'Meta' -> 'Meta Platforms')
- If a ticker and company refer to the same entity, include both
- Return empty lists if nothing is explicitly mentioned

Respond with a single JSON object and nothing else:
{"symbols": ["..."], "companies": ["..."]}`

// Searcher resolves a company name to candidate symbols.
type Searcher interface {
	Search(ctx context.Context, query string) (*market.SearchResult, error)
}

// Mentions is the model's structured extraction output.
type Mentions struct {
	Symbols   []string `json:"symbols"`
	Companies []string `json:"companies"`
}

// SearchOutcome records one symbol search.
type SearchOutcome struct {
	Query    string `json:"query"`
	Found    bool   `json:"found"`
	Symbol   string `json:"symbol,omitempty"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Resolution is one extracted entity and how it was resolved.
type Resolution struct {
	Symbol       *string        `json:"symbol"`
	Name         string         `json:"name,omitempty"`
	Source       string         `json:"source"`
	SearchResult *SearchOutcome `json:"search_result"`
}

// Extraction is the extract_stock_mentions tool result.
type Extraction struct {
	Mentions Mentions     `json:"mentions"`
	Resolved []Resolution `json:"resolved"`
	Summary  string       `json:"summary"`
}

// EntityExtractor finds tickers and company names in free text and
// resolves names to symbols.
type EntityExtractor struct {
	completer   Completer
	searcher    Searcher
	truncator   *Truncator
	inputBudget int
	maxResolved int
}

// Extract runs extraction on query.
func (e *EntityExtractor) Extract(ctx context.Context, query string) (*Extraction, error) {
	if e.completer == nil {
		return nil, errors.New("entity extraction requires a model")
	}
	query = e.truncator.Truncate(query, e.inputBudget)

	raw, err := e.completer.Complete(ctx, extractionSystemPrompt, query)
	if err != nil {
		return nil, fmt.Errorf("extract mentions: %w", err)
	}
	mentions, err := parseMentions(raw)
	if err != nil {
		return nil, err
	}

	var resolved []Resolution
	have := map[string]bool{}
	for _, sym := range mentions.Symbols {
		sym = strings.TrimSpace(sym)
		if sym == "" || have[strings.ToUpper(sym)] {
			continue
		}
		have[strings.ToUpper(sym)] = true
		resolved = append(resolved, Resolution{
			Symbol: ptr(sym),
			Source: SourceTickerMentioned,
		})
	}

	for _, company := range mentions.Companies {
		company = strings.TrimSpace(company)
		if company == "" || have[strings.ToUpper(company)] {
			continue
		}
		outcome := e.search(ctx, company)
		if outcome.Found {
			// The name resolved to a ticker the user already wrote.
			if have[strings.ToUpper(outcome.Symbol)] {
				continue
			}
			have[strings.ToUpper(outcome.Symbol)] = true
			resolved = append(resolved, Resolution{
				Symbol:       ptr(outcome.Symbol),
				Name:         outcome.Name,
				Source:       SourceCompanyNameSearched,
				SearchResult: outcome,
			})
			continue
		}
		resolved = append(resolved, Resolution{
			Name:         company,
			Source:       SourceCompanyNameSearched,
			SearchResult: outcome,
		})
	}

	if e.maxResolved > 0 && len(resolved) > e.maxResolved {
		resolved = resolved[:e.maxResolved]
	}

	found := 0
	for _, r := range resolved {
		if r.Symbol != nil {
			found++
		}
	}
	return &Extraction{
		Mentions: mentions,
		Resolved: resolved,
		Summary: fmt.Sprintf("Found %d ticker(s) and %d company name(s). Resolved %d to valid symbols. (Limited to %d results)",
			len(mentions.Symbols), len(mentions.Companies), found, len(resolved)),
	}, nil
}

func (e *EntityExtractor) search(ctx context.Context, company string) *SearchOutcome {
	out := &SearchOutcome{Query: company}
	if e.searcher == nil {
		out.Error = "symbol search unavailable"
		return out
	}
	res, err := e.searcher.Search(ctx, company)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	best, ok := res.Best()
	if !ok {
		return out
	}
	out.Found = true
	out.Symbol = best.Symbol
	out.Name = best.Name
	out.Exchange = best.Exchange
	return out
}

// parseMentions decodes the first JSON object in the model reply,
// tolerating code fences or prose around it.
func parseMentions(raw string) (Mentions, error) {
	var m Mentions
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return m, fmt.Errorf("extract mentions: no JSON object in reply %q", raw)
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &m); err != nil {
		return m, fmt.Errorf("extract mentions: decode reply: %w", err)
	}
	if m.Symbols == nil {
		m.Symbols = []string{}
	}
	if m.Companies == nil {
		m.Companies = []string{}
	}
	return m, nil
}

func ptr[T any](v T) *T { return &v }
