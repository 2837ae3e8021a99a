package market

import "context"

// Attribute names one kind of per-ticker data.
type Attribute string

// Attributes served by a Provider.
const (
	AttrInfo       Attribute = "info"
	AttrHistory    Attribute = "history"
	AttrFinancials Attribute = "financials"
)

// Request asks a provider for one attribute of one ticker. Period and
// Interval only apply to AttrHistory.
type Request struct {
	Symbol    string
	Attribute Attribute
	Period    string
	Interval  string
}

// Quote is one symbol search hit.
type Quote struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name,omitempty"`
	Exchange  string `json:"exchange,omitempty"`
	QuoteType string `json:"quote_type,omitempty"`
}

// SearchResult holds the hits for a free-text symbol search.
type SearchResult struct {
	Query  string  `json:"query"`
	Quotes []Quote `json:"quotes"`
}

// Best returns the first equity hit, or the first hit of any type.
func (r *SearchResult) Best() (Quote, bool) {
	if r == nil || len(r.Quotes) == 0 {
		return Quote{}, false
	}
	for _, q := range r.Quotes {
		if q.QuoteType == "EQUITY" {
			return q, true
		}
	}
	return r.Quotes[0], true
}

// Provider is an upstream market-data source. Implementations wrap
// ErrRateLimited and ErrEmptyResponse so callers can classify failures.
type Provider interface {
	Fetch(ctx context.Context, req Request) (*Table, error)
	Search(ctx context.Context, query string) (*SearchResult, error)
}
