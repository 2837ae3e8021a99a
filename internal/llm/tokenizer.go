package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// Tokenizer converts between text and model tokens. Token budgets for
// tool output and conversation trimming are measured with it.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	Count(text string) int
}

// Per-message framing overhead in the chat format: every message costs
// a few tokens for role and separators, and every reply is primed with
// a few more.
const (
	tokensPerMessage = 3
	tokensPerReply   = 3
)

var loaderOnce sync.Once

// TiktokenTokenizer is a BPE tokenizer backed by tiktoken-go with the
// vocabularies compiled in, so no network access is needed at startup.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer returns the encoding for model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTokenizer(model string) (*TiktokenTokenizer, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load encoding: %w", err)
		}
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Encode returns the token IDs for text.
func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

// Decode returns the text for a token sequence.
func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// Count returns the number of tokens in text.
func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.Encode(text))
}

// MessageTokens approximates the tokens one message occupies in a
// request: framing, content, and any tool call names and arguments.
func MessageTokens(tok Tokenizer, m Message) int {
	n := tokensPerMessage + tok.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += tok.Count(tc.Function.Name)
		if args, err := json.Marshal(tc.Function.Arguments); err == nil {
			n += tok.Count(string(args))
		}
	}
	if m.ToolCallID != "" {
		n += tok.Count(m.ToolCallID)
	}
	return n
}

// CountMessages returns the request-level token count for messages.
func CountMessages(tok Tokenizer, messages []Message) int {
	n := tokensPerReply
	for _, m := range messages {
		n += MessageTokens(tok, m)
	}
	return n
}
