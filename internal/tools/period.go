package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// ValidPeriods are the history ranges the market provider accepts.
var ValidPeriods = []string{"1d", "5d", "1mo", "3mo", "6mo", "1y", "2y", "5y", "10y", "ytd", "max"}

// ValidIntervals are the bar sizes the market provider accepts.
var ValidIntervals = []string{"1m", "2m", "5m", "15m", "30m", "60m", "90m", "1h", "1d", "5d", "1wk", "1mo", "3mo"}

// DefaultPeriod is returned when nothing else resolves.
const DefaultPeriod = "1mo"

// periodAliases maps common informal spellings to a valid period,
// rounding up so callers never under-fetch.
var periodAliases = map[string]string{
	"1w":    "5d",
	"2w":    "1mo",
	"3w":    "1mo",
	"4w":    "1mo",
	"week":  "5d",
	"month": "1mo",
	"year":  "1y",
	"3m":    "3mo",
	"6m":    "6mo",
	"2y":    "2y",
	"5y":    "5y",
	"10y":   "10y",
}

const periodSystemPrompt = "Map invalid period to nearest valid option."

const periodPromptTemplate = `Given the invalid period '%s'.
Map it to the nearest valid option, ALWAYS choosing one larger than the invalid value to ensure we get enough data. Valid periods are: %s.
Always choose a period that is larger than the invalid input to ensure sufficient data is returned.
Return ONLY the corrected period value, nothing else.`

// IsValidPeriod reports whether p is accepted as-is.
func IsValidPeriod(p string) bool {
	return slices.Contains(ValidPeriods, p)
}

// IsValidInterval reports whether iv is accepted as-is.
func IsValidInterval(iv string) bool {
	return slices.Contains(ValidIntervals, iv)
}

// PeriodCorrector maps free-form period strings to a valid period.
type PeriodCorrector struct {
	completer Completer
	logger    *slog.Logger
}

// NewPeriodCorrector creates a corrector. A nil completer skips the
// model tier and falls straight through to DefaultPeriod.
func NewPeriodCorrector(c Completer, logger *slog.Logger) *PeriodCorrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodCorrector{completer: c, logger: logger}
}

// Correct resolves input in order: already valid, alias table, model
// suggestion, DefaultPeriod. The result is always in ValidPeriods.
func (p *PeriodCorrector) Correct(ctx context.Context, input string) string {
	key := strings.ToLower(strings.TrimSpace(input))
	if IsValidPeriod(key) {
		return key
	}
	if v, ok := periodAliases[key]; ok {
		return v
	}
	if p.completer == nil {
		return DefaultPeriod
	}

	prompt := fmt.Sprintf(periodPromptTemplate, input, strings.Join(ValidPeriods, ", "))
	answer, err := p.completer.Complete(ctx, periodSystemPrompt, prompt)
	if err != nil {
		p.logger.Warn("period correction failed, using default",
			"period", input, "default", DefaultPeriod, "error", err)
		return DefaultPeriod
	}
	answer = strings.ToLower(strings.Trim(strings.TrimSpace(answer), "`'\"."))
	if IsValidPeriod(answer) {
		p.logger.Debug("period corrected by model", "period", input, "corrected", answer)
		return answer
	}
	p.logger.Warn("model suggested an invalid period, using default",
		"period", input, "suggested", answer, "default", DefaultPeriod)
	return DefaultPeriod
}
