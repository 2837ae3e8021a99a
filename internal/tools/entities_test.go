package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/situkun123/stock-assistant/internal/market"
)

func newExtractor(reply string, p *fakeProvider, maxResolved int) *EntityExtractor {
	return &EntityExtractor{
		completer:   fixedCompleter(reply),
		searcher:    p,
		truncator:   NewTruncator(runeTokenizer{}),
		inputBudget: 1500,
		maxResolved: maxResolved,
	}
}

func TestExtract_TickersAndCompanies(t *testing.T) {
	p := &fakeProvider{search: map[string]market.Quote{
		"ford motor company": {Symbol: "F", Name: "Ford Motor Company", Exchange: "NYQ", QuoteType: "EQUITY"},
		"microsoft":          {Symbol: "MSFT", Name: "Microsoft Corporation", Exchange: "NMS", QuoteType: "EQUITY"},
	}}
	reply := "```json\n" + `{"symbols": ["TSLA", "F"], "companies": ["Ford Motor Company", "Microsoft", "Acme Widgets"]}` + "\n```"
	ex, err := newExtractor(reply, p, 20).Extract(t.Context(), "Compare TSLA and F with Microsoft and Acme Widgets")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	var got []string
	for _, r := range ex.Resolved {
		sym := "<nil>"
		if r.Symbol != nil {
			sym = *r.Symbol
		}
		got = append(got, sym+"/"+r.Source)
	}
	want := []string{
		"TSLA/" + SourceTickerMentioned,
		"F/" + SourceTickerMentioned,
		"MSFT/" + SourceCompanyNameSearched,
		"<nil>/" + SourceCompanyNameSearched,
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("resolved = %v, want %v", got, want)
	}

	last := ex.Resolved[3]
	if last.SearchResult == nil || last.SearchResult.Found || last.Name != "Acme Widgets" {
		t.Errorf("unresolved company record = %+v", last)
	}
	wantSummary := "Found 2 ticker(s) and 3 company name(s). Resolved 3 to valid symbols. (Limited to 4 results)"
	if ex.Summary != wantSummary {
		t.Errorf("Summary = %q, want %q", ex.Summary, wantSummary)
	}
}

func TestExtract_CompanyEqualToSymbolSkipped(t *testing.T) {
	p := &fakeProvider{search: map[string]market.Quote{}}
	ex, err := newExtractor(`{"symbols": ["NVDA"], "companies": ["nvda"]}`, p, 20).Extract(t.Context(), "NVDA?")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(ex.Resolved) != 1 {
		t.Errorf("resolved = %+v, want a single ticker record", ex.Resolved)
	}
}

func TestExtract_Cap(t *testing.T) {
	syms := make([]string, 30)
	for i := range syms {
		syms[i] = fmt.Sprintf("T%02d", i)
	}
	data, _ := json.Marshal(Mentions{Symbols: syms})
	ex, err := newExtractor(string(data), &fakeProvider{}, 20).Extract(t.Context(), "many tickers")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(ex.Resolved) != 20 {
		t.Errorf("resolved %d records, want 20", len(ex.Resolved))
	}
	if !strings.HasSuffix(ex.Summary, "(Limited to 20 results)") {
		t.Errorf("Summary = %q", ex.Summary)
	}
}

func TestExtract_InputTruncated(t *testing.T) {
	var seen string
	e := &EntityExtractor{
		completer: CompleterFunc(func(_ context.Context, _, prompt string) (string, error) {
			seen = prompt
			return `{"symbols": [], "companies": []}`, nil
		}),
		truncator:   NewTruncator(runeTokenizer{}),
		inputBudget: 10,
		maxResolved: 20,
	}
	ex, err := e.Extract(t.Context(), strings.Repeat("a", 50))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.HasPrefix(seen, strings.Repeat("a", 10)+Marker(50, 10)) {
		t.Errorf("prompt = %q, want truncated input", seen)
	}
	if len(ex.Resolved) != 0 || ex.Mentions.Symbols == nil {
		t.Errorf("empty extraction = %+v", ex)
	}
}

func TestParseMentions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		symbols int
		wantErr bool
	}{
		{"bare", `{"symbols":["AAPL"],"companies":[]}`, 1, false},
		{"prose around", `Sure! {"symbols":["AAPL","MSFT"]} hope this helps`, 2, false},
		{"no object", "AAPL", 0, true},
		{"broken", `{"symbols": [}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := parseMentions(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(m.Symbols) != tt.symbols {
				t.Errorf("symbols = %v, want %d", m.Symbols, tt.symbols)
			}
		})
	}
}
