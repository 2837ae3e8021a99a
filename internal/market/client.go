// Package market fetches per-ticker market data from an upstream
// provider. A Client wraps one ticker with retry and empty-result
// detection; a Registry shares one Client per ticker across sessions.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	// Initial is the wait before the second attempt (default: 2s).
	Initial time.Duration

	// Max is the ceiling for backoff growth (default: 30s).
	Max time.Duration

	// Multiplier scales the wait after each retry (default: 2.0).
	Multiplier float64
}

// DefaultBackoff returns the 2s, 4s, 8s ... 30s schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// ClientConfig controls retry behaviour for every Client.
type ClientConfig struct {
	MaxRetries  int
	Backoff     Backoff
	CallTimeout time.Duration
}

func (c *ClientConfig) applyDefaults() {
	def := DefaultBackoff()
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = def.Initial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Max
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Multiplier
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 20 * time.Second
	}
}

// FetchFunc performs one upstream request.
type FetchFunc func(ctx context.Context) (*Table, error)

// Outcome is the result of a retried fetch. Table is nil when every
// attempt failed; Failure then holds the last classification.
type Outcome struct {
	Table    *Table
	Attempts int
	Failure  Class
}

// OK reports whether data was obtained.
func (o Outcome) OK() bool { return o.Table != nil }

// Client fetches data for one ticker. It is safe for concurrent use.
type Client struct {
	symbol   string
	provider Provider
	cfg      ClientConfig
	logger   *slog.Logger
}

// NewClient creates a client for symbol. The symbol is used verbatim;
// the Registry normalises case.
func NewClient(symbol string, provider Provider, cfg ClientConfig, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		symbol:   symbol,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("ticker", symbol),
	}
}

// Symbol returns the ticker this client serves.
func (c *Client) Symbol() string { return c.symbol }

// SafeGet runs fetch with retries and returns the table, or nil when
// every attempt failed. Failures are logged, never returned.
func (c *Client) SafeGet(ctx context.Context, attr Attribute, fetch FetchFunc) *Table {
	return c.Fetch(ctx, attr, fetch).Table
}

// Fetch runs fetch up to MaxRetries times. Rate-limited and empty
// responses wait out the backoff and retry; a timeout or any other error
// stops immediately.
func (c *Client) Fetch(ctx context.Context, attr Attribute, fetch FetchFunc) Outcome {
	var out Outcome
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		out.Attempts = attempt

		table, err := c.attempt(ctx, fetch)
		if err == nil {
			out.Table = table
			out.Failure = ClassNone
			return out
		}

		class := Classify(err)
		out.Failure = class

		if !class.Retryable() {
			c.logger.Warn("fetch failed",
				"attribute", attr,
				"attempt", attempt,
				"class", class.String(),
				"error", err,
			)
			return out
		}

		if attempt == c.cfg.MaxRetries {
			c.logger.Warn("fetch retries exhausted",
				"attribute", attr,
				"attempts", attempt,
				"class", class.String(),
				"error", err,
			)
			return out
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.logger.Info("fetch retrying after backoff",
			"attribute", attr,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
			"class", class.String(),
			"next_delay", delay.String(),
		)
		if !sleepCtx(ctx, delay) {
			out.Failure = ClassTimeout
			return out
		}
	}
	return out
}

// attempt runs one fetch under the per-call deadline and converts an
// empty result into ErrEmptyResponse.
func (c *Client) attempt(ctx context.Context, fetch FetchFunc) (*Table, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	table, err := fetch(callCtx)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, c.cfg.CallTimeout, err)
		}
		return nil, err
	}
	if table.Empty() {
		return nil, ErrEmptyResponse
	}
	return table, nil
}

// Info returns key company metrics.
func (c *Client) Info(ctx context.Context) Outcome {
	return c.Fetch(ctx, AttrInfo, func(ctx context.Context) (*Table, error) {
		return c.provider.Fetch(ctx, Request{Symbol: c.symbol, Attribute: AttrInfo})
	})
}

// History returns OHLCV rows for period at interval.
func (c *Client) History(ctx context.Context, period, interval string) Outcome {
	return c.Fetch(ctx, AttrHistory, func(ctx context.Context) (*Table, error) {
		return c.provider.Fetch(ctx, Request{
			Symbol:    c.symbol,
			Attribute: AttrHistory,
			Period:    period,
			Interval:  interval,
		})
	})
}

// Financials returns the annual income statement.
func (c *Client) Financials(ctx context.Context) Outcome {
	return c.Fetch(ctx, AttrFinancials, func(ctx context.Context) (*Table, error) {
		return c.provider.Fetch(ctx, Request{Symbol: c.symbol, Attribute: AttrFinancials})
	})
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
