package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/situkun123/stock-assistant/internal/config"
	"github.com/situkun123/stock-assistant/internal/httpkit"
)

// quoteSummary modules flattened into the info table, in output order.
var infoModules = []string{
	"price",
	"assetProfile",
	"summaryDetail",
	"defaultKeyStatistics",
	"financialData",
	"quoteType",
}

// Fields that carry no information for the model.
var skipFields = map[string]bool{
	"maxAge":          true,
	"companyOfficers": true,
	"executiveTeam":   true,
}

// YahooConfig configures the Yahoo Finance provider.
type YahooConfig struct {
	BaseURL         string // e.g. https://query2.finance.yahoo.com
	CookieURL       string // e.g. https://fc.yahoo.com
	RequestsPerHour int
	Timeout         time.Duration
}

// YahooProvider reads Yahoo Finance's public JSON endpoints. The
// quoteSummary endpoint requires a session cookie and a matching crumb;
// both are obtained lazily and refreshed once when rejected.
type YahooProvider struct {
	baseURL   string
	cookieURL string
	http      *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	crumb string
}

// NewYahooProvider creates a provider. All sessions share its rate limiter.
func NewYahooProvider(cfg YahooConfig, logger *slog.Logger) *YahooProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = 2000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerHour)/3600), 10)
	return &YahooProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		cookieURL: cfg.CookieURL,
		http: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithCookieJar(),
			httpkit.WithRateLimiter(limiter),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// Fetch implements Provider.
func (y *YahooProvider) Fetch(ctx context.Context, req Request) (*Table, error) {
	switch req.Attribute {
	case AttrInfo:
		return y.info(ctx, req.Symbol)
	case AttrHistory:
		return y.history(ctx, req.Symbol, req.Period, req.Interval)
	case AttrFinancials:
		return y.financials(ctx, req.Symbol)
	default:
		return nil, fmt.Errorf("unsupported attribute %q", req.Attribute)
	}
}

// Search implements Provider.
func (y *YahooProvider) Search(ctx context.Context, query string) (*SearchResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("quotesCount", "5")
	q.Set("newsCount", "0")

	body, err := y.get(ctx, "/v1/finance/search", q, false)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	res := &SearchResult{Query: query}
	gjson.GetBytes(body, "quotes").ForEach(func(_, v gjson.Result) bool {
		sym := v.Get("symbol").String()
		if sym == "" {
			return true
		}
		name := v.Get("longname").String()
		if name == "" {
			name = v.Get("shortname").String()
		}
		res.Quotes = append(res.Quotes, Quote{
			Symbol:    sym,
			Name:      name,
			Exchange:  v.Get("exchange").String(),
			QuoteType: v.Get("quoteType").String(),
		})
		return true
	})
	return res, nil
}

// Ping verifies the session handshake works.
func (y *YahooProvider) Ping(ctx context.Context) error {
	_, err := y.getCrumb(ctx)
	return err
}

func (y *YahooProvider) info(ctx context.Context, symbol string) (*Table, error) {
	body, err := y.quoteSummary(ctx, symbol, infoModules)
	if err != nil {
		return nil, err
	}
	result := gjson.GetBytes(body, "quoteSummary.result.0")
	if !result.Exists() {
		return nil, ErrEmptyResponse
	}

	t := &Table{Title: symbol + " info", Columns: []string{"Value"}}
	seen := map[string]bool{}
	for _, mod := range infoModules {
		result.Get(mod).ForEach(func(k, v gjson.Result) bool {
			key := k.String()
			if skipFields[key] || seen[key] {
				return true
			}
			if s, ok := scalar(v); ok {
				seen[key] = true
				t.Rows = append(t.Rows, Row{Label: key, Values: []string{s}})
			}
			return true
		})
	}
	return t, nil
}

func (y *YahooProvider) history(ctx context.Context, symbol, period, interval string) (*Table, error) {
	if period == "" {
		period = "1mo"
	}
	if interval == "" {
		interval = "1d"
	}
	q := url.Values{}
	q.Set("range", period)
	q.Set("interval", interval)
	q.Set("includePrePost", "false")
	q.Set("events", "div,splits")

	body, err := y.get(ctx, "/v8/finance/chart/"+url.PathEscape(symbol), q, false)
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", symbol, err)
	}
	if desc := gjson.GetBytes(body, "chart.error.description"); desc.Exists() {
		return nil, fmt.Errorf("chart %s: %s", symbol, desc.String())
	}

	result := gjson.GetBytes(body, "chart.result.0")
	stamps := result.Get("timestamp").Array()
	if len(stamps) == 0 {
		return nil, ErrEmptyResponse
	}

	loc := time.UTC
	if tz := result.Get("meta.exchangeTimezoneName").String(); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	layout := "2006-01-02"
	if strings.HasSuffix(interval, "m") || strings.HasSuffix(interval, "h") {
		layout = "2006-01-02 15:04"
	}

	quote := result.Get("indicators.quote.0")
	fields := []string{"open", "high", "low", "close", "volume"}
	series := make([][]gjson.Result, len(fields))
	for i, f := range fields {
		series[i] = quote.Get(f).Array()
	}

	t := &Table{
		Title:   fmt.Sprintf("%s history (%s, %s)", symbol, period, interval),
		Columns: []string{"Open", "High", "Low", "Close", "Volume"},
	}
	for i, ts := range stamps {
		row := Row{
			Label:  time.Unix(ts.Int(), 0).In(loc).Format(layout),
			Values: make([]string, len(fields)),
		}
		for j := range fields {
			row.Values[j] = "NaN"
			if i < len(series[j]) && series[j][i].Type == gjson.Number {
				if fields[j] == "volume" {
					row.Values[j] = strconv.FormatInt(series[j][i].Int(), 10)
				} else {
					row.Values[j] = strconv.FormatFloat(series[j][i].Float(), 'f', 2, 64)
				}
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

func (y *YahooProvider) financials(ctx context.Context, symbol string) (*Table, error) {
	body, err := y.quoteSummary(ctx, symbol, []string{"incomeStatementHistory"})
	if err != nil {
		return nil, err
	}
	statements := gjson.GetBytes(body, "quoteSummary.result.0.incomeStatementHistory.incomeStatementHistory").Array()
	if len(statements) == 0 {
		return nil, ErrEmptyResponse
	}

	t := &Table{Title: symbol + " annual income statement"}
	var metrics []string
	index := map[string]int{}
	for col, st := range statements {
		t.Columns = append(t.Columns, st.Get("endDate.fmt").String())
		st.ForEach(func(k, v gjson.Result) bool {
			key := k.String()
			if key == "endDate" || skipFields[key] {
				return true
			}
			s, ok := scalar(v)
			if !ok {
				return true
			}
			row, ok := index[key]
			if !ok {
				row = len(metrics)
				index[key] = row
				metrics = append(metrics, key)
				t.Rows = append(t.Rows, Row{Label: key, Values: make([]string, len(statements))})
			}
			t.Rows[row].Values[col] = s
			return true
		})
	}
	for i := range t.Rows {
		for j, v := range t.Rows[i].Values {
			if v == "" {
				t.Rows[i].Values[j] = "NaN"
			}
		}
	}
	return t, nil
}

func (y *YahooProvider) quoteSummary(ctx context.Context, symbol string, modules []string) ([]byte, error) {
	q := url.Values{}
	q.Set("modules", strings.Join(modules, ","))
	body, err := y.get(ctx, "/v10/finance/quoteSummary/"+url.PathEscape(symbol), q, true)
	if err != nil {
		// Yahoo reports unknown symbols as 404 with a JSON error body.
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("quoteSummary %s: %w", symbol, ErrEmptyResponse)
		}
		return nil, fmt.Errorf("quoteSummary %s: %w", symbol, err)
	}
	if desc := gjson.GetBytes(body, "quoteSummary.error.description"); desc.Exists() {
		return nil, fmt.Errorf("quoteSummary %s: %s", symbol, desc.String())
	}
	return body, nil
}

// get performs a GET against the API host. When withCrumb is set the
// session crumb is attached and refreshed once on 401.
func (y *YahooProvider) get(ctx context.Context, path string, q url.Values, withCrumb bool) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if withCrumb {
			crumb, err := y.getCrumb(ctx)
			if err != nil {
				return nil, err
			}
			q.Set("crumb", crumb)
		}

		body, status, err := y.do(ctx, y.baseURL+path+"?"+q.Encode())
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized && withCrumb && attempt == 0 {
			y.logger.Debug("crumb rejected, refreshing session")
			y.resetCrumb()
			continue
		}
		if status != http.StatusOK {
			return nil, &StatusError{StatusCode: status, Body: truncateBody(body)}
		}
		if len(body) == 0 {
			return nil, ErrEmptyResponse
		}
		y.logger.Log(ctx, config.LevelTrace, "yahoo response", "path", path, "bytes", len(body))
		return body, nil
	}
}

func (y *YahooProvider) do(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// getCrumb returns the cached crumb, performing the cookie handshake
// on first use.
func (y *YahooProvider) getCrumb(ctx context.Context) (string, error) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.crumb != "" {
		return y.crumb, nil
	}

	// The cookie endpoint answers 404 but still sets the session cookie.
	if y.cookieURL != "" {
		if _, _, err := y.do(ctx, y.cookieURL); err != nil {
			return "", fmt.Errorf("cookie handshake: %w", err)
		}
	}

	body, status, err := y.do(ctx, y.baseURL+"/v1/test/getcrumb")
	if err != nil {
		return "", fmt.Errorf("get crumb: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("get crumb: %w", &StatusError{StatusCode: status, Body: truncateBody(body)})
	}
	crumb := strings.TrimSpace(string(body))
	if crumb == "" || strings.HasPrefix(crumb, "<") {
		return "", fmt.Errorf("get crumb: %w", ErrEmptyResponse)
	}
	y.crumb = crumb
	return crumb, nil
}

func (y *YahooProvider) resetCrumb() {
	y.mu.Lock()
	y.crumb = ""
	y.mu.Unlock()
}

// scalar renders a quoteSummary value. Numeric fields arrive as
// {"raw": 1.5, "fmt": "1.50"}; empty objects mean no value.
func scalar(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		if v.Str == "" {
			return "", false
		}
		return v.Str, true
	case gjson.Number:
		if math.IsNaN(v.Num) {
			return "", false
		}
		return v.Raw, true
	case gjson.True, gjson.False:
		return v.Raw, true
	case gjson.JSON:
		if !v.IsObject() {
			return "", false
		}
		if f := v.Get("fmt"); f.Exists() && f.String() != "" {
			return f.String(), true
		}
		if r := v.Get("raw"); r.Exists() {
			return r.Raw, true
		}
	}
	return "", false
}

func truncateBody(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
