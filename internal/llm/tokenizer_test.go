package llm

import (
	"strings"
	"testing"
)

// wordTokenizer counts whitespace-separated words; deterministic for tests.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	out := make([]int, len(strings.Fields(text)))
	for i := range out {
		out[i] = i
	}
	return out
}
func (wordTokenizer) Decode(tokens []int) string { return strings.Repeat("w ", len(tokens)) }
func (wordTokenizer) Count(text string) int     { return len(strings.Fields(text)) }

func TestMessageTokens(t *testing.T) {
	tok := wordTokenizer{}
	tests := []struct {
		name string
		msg  Message
		want int
	}{
		{"plain", Message{Role: RoleUser, Content: "compare tsla and f"}, 3 + 4},
		{"empty", Message{Role: RoleAssistant}, 3},
		{"tool result", Message{Role: RoleTool, Content: "one two", ToolCallID: "call_1"}, 3 + 2 + 1},
		{
			"tool call",
			Message{Role: RoleAssistant, ToolCalls: []ToolCall{{
				Function: ToolFunction{Name: "get_stock_info", Arguments: map[string]any{"ticker": "F"}},
			}}},
			3 + 1 + 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MessageTokens(tok, tt.msg); got != tt.want {
				t.Errorf("MessageTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCountMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "a b"},
		{Role: RoleUser, Content: "c"},
	}
	if got, want := CountMessages(wordTokenizer{}, msgs), 3+(3+2)+(3+1); got != want {
		t.Errorf("CountMessages = %d, want %d", got, want)
	}
}

func TestTiktokenTokenizer(t *testing.T) {
	tok, err := NewTokenizer("gpt-4o-mini")
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	text := "Apple Inc. reported quarterly revenue of $94.9 billion."
	ids := tok.Encode(text)
	if len(ids) == 0 {
		t.Fatal("Encode returned no tokens")
	}
	if got := tok.Decode(ids); got != text {
		t.Errorf("Decode(Encode(x)) = %q, want %q", got, text)
	}
	if tok.Count(text) != len(ids) {
		t.Errorf("Count = %d, want %d", tok.Count(text), len(ids))
	}
}

func TestNewTokenizer_UnknownModelFallsBack(t *testing.T) {
	tok, err := NewTokenizer("qwen3:4b")
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}
	if tok.Count("hello world") != 2 {
		t.Errorf("cl100k_base Count(hello world) = %d, want 2", tok.Count("hello world"))
	}
}
