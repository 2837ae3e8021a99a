package agent

import (
	"log/slog"
	"sync/atomic"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// DefaultContextBudget leaves headroom below a 128k-token model window
// for tool schemas and the reply.
const DefaultContextBudget = 20000

// TrimStats counts trimming activity since the Trimmer was created.
type TrimStats struct {
	Trims     int64 `json:"trims"`      // calls that dropped anything
	Dropped   int64 `json:"dropped"`    // messages dropped in total
	Overflows int64 `json:"overflows"` // windows kept over budget
}

// Trimmer fits a message sequence into a token budget before each
// model call. It keeps a leading system message, keeps the newest
// messages that fit, never splits a message, and starts the kept
// window on a user message so tool results never lose their request.
type Trimmer struct {
	tok    llm.Tokenizer
	budget int
	logger *slog.Logger

	trims     atomic.Int64
	dropped   atomic.Int64
	overflows atomic.Int64
}

// NewTrimmer creates a trimmer. A non-positive budget uses
// DefaultContextBudget.
func NewTrimmer(tok llm.Tokenizer, budget int, logger *slog.Logger) *Trimmer {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trimmer{tok: tok, budget: budget, logger: logger}
}

// Budget returns the token budget.
func (t *Trimmer) Budget() int { return t.budget }

// Stats returns a snapshot of the counters.
func (t *Trimmer) Stats() TrimStats {
	return TrimStats{
		Trims:     t.trims.Load(),
		Dropped:   t.dropped.Load(),
		Overflows: t.overflows.Load(),
	}
}

// Trim returns the suffix of msgs to send to the model. When msgs fit
// the budget they are returned as-is. When even the system message
// plus everything from the latest user message onward does not fit,
// that span is kept anyway and the overflow is counted. Trim is
// idempotent.
func (t *Trimmer) Trim(msgs []llm.Message) []llm.Message {
	total := llm.CountMessages(t.tok, msgs)
	if total <= t.budget {
		return msgs
	}

	var head []llm.Message
	rest := msgs
	if len(rest) > 0 && rest[0].Role == llm.RoleSystem {
		head, rest = rest[:1], rest[1:]
	}

	// Newest-first walk: start is the earliest index whose suffix fits.
	used := llm.CountMessages(t.tok, head)
	start := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		n := llm.MessageTokens(t.tok, rest[i])
		if used+n > t.budget {
			break
		}
		used += n
		start = i
	}

	latestUser := -1
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == llm.RoleUser {
			latestUser = i
			break
		}
	}

	overflow := false
	switch {
	case latestUser < 0:
		// No user message to anchor on; keep what fits.
	case start > latestUser:
		start = latestUser
		overflow = true
	default:
		for start < len(rest) && rest[start].Role != llm.RoleUser {
			start++
		}
	}

	kept := make([]llm.Message, 0, len(head)+len(rest)-start)
	kept = append(kept, head...)
	kept = append(kept, rest[start:]...)

	if start > 0 {
		t.trims.Add(1)
		t.dropped.Add(int64(start))
	}
	if overflow {
		t.overflows.Add(1)
	}
	t.logger.Info("conversation trimmed",
		"messages_before", len(msgs),
		"messages_after", len(kept),
		"dropped", start,
		"tokens_before", total,
		"tokens_after", llm.CountMessages(t.tok, kept),
		"budget", t.budget,
		"over_budget", overflow,
	)
	return kept
}
