package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/situkun123/stock-assistant/internal/market"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runeTokenizer treats each rune as one token, so Decode(Encode(s)) == s
// and budgets can be checked exactly.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	out := make([]int, 0, len(text))
	for _, r := range text {
		out = append(out, int(r))
	}
	return out
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

func (t runeTokenizer) Count(text string) int { return len(t.Encode(text)) }

// fakeProvider serves canned tables and records requests.
type fakeProvider struct {
	mu       sync.Mutex
	requests []market.Request
	fail     error
	rows     int
	search   map[string]market.Quote
}

func (f *fakeProvider) Fetch(_ context.Context, req market.Request) (*market.Table, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	n := f.rows
	if n == 0 {
		n = 1
	}
	t := &market.Table{Title: req.Symbol + " " + string(req.Attribute), Columns: []string{"Value"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, market.Row{Label: fmt.Sprintf("row%02d", i), Values: []string{req.Symbol}})
	}
	return t, nil
}

func (f *fakeProvider) Search(_ context.Context, q string) (*market.SearchResult, error) {
	res := &market.SearchResult{Query: q}
	if quote, ok := f.search[strings.ToLower(q)]; ok {
		res.Quotes = append(res.Quotes, quote)
	}
	return res, nil
}

func (f *fakeProvider) lastRequest() market.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func fastMarketConfig() market.ClientConfig {
	return market.ClientConfig{
		MaxRetries:  3,
		Backoff:     market.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
		CallTimeout: time.Second,
	}
}

func newTestRegistry(p *fakeProvider, c Completer) *Registry {
	return NewRegistry(Deps{
		Markets:   market.NewRegistry(p, fastMarketConfig(), discardLogger()),
		Searcher:  p,
		Completer: c,
		Truncator: NewTruncator(runeTokenizer{}),
		Logger:    discardLogger(),
	})
}

// fixedCompleter always answers with reply.
func fixedCompleter(reply string) Completer {
	return CompleterFunc(func(context.Context, string, string) (string, error) {
		return reply, nil
	})
}
