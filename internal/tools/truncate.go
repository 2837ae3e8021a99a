package tools

import (
	"fmt"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// Truncator bounds text to a token budget using the model's tokenizer.
type Truncator struct {
	tok llm.Tokenizer
}

// NewTruncator creates a truncator backed by tok.
func NewTruncator(tok llm.Tokenizer) *Truncator {
	return &Truncator{tok: tok}
}

// Marker returns the suffix appended when text of n tokens is cut to budget.
func Marker(n, budget int) string {
	return fmt.Sprintf("\n... [output truncated from %d to %d tokens]", n, budget)
}

// Truncate returns text unchanged when it fits in budget tokens.
// Otherwise it keeps the first budget tokens and appends a marker
// stating the original and kept sizes. A non-positive budget disables
// truncation.
func (t *Truncator) Truncate(text string, budget int) string {
	if budget <= 0 {
		return text
	}
	tokens := t.tok.Encode(text)
	if len(tokens) <= budget {
		return text
	}
	return t.tok.Decode(tokens[:budget]) + Marker(len(tokens), budget)
}
