package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/situkun123/stock-assistant/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wordTokenizer counts whitespace-separated words as tokens.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) []int {
	words := strings.Fields(text)
	out := make([]int, len(words))
	for i := range words {
		out[i] = i
	}
	return out
}

func (wordTokenizer) Decode([]int) string { return "" }

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

// mockLLM replays scripted responses in order. When the script runs
// out, respond (if set) produces the reply.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	respond   func(call int, msgs []llm.Message) (*llm.ChatResponse, error)
	calls     []mockLLMCall
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})

	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	if m.respond != nil {
		return m.respond(idx, msgs)
	}
	return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.ToolFunction{Name: name, Arguments: args}}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  200,
		OutputTokens: 50,
	}
}

func human(s string) llm.Message  { return llm.Message{Role: llm.RoleUser, Content: s} }
func ai(s string) llm.Message     { return llm.Message{Role: llm.RoleAssistant, Content: s} }
func system(s string) llm.Message { return llm.Message{Role: llm.RoleSystem, Content: s} }

func aiCalls(calls ...llm.ToolCall) llm.Message {
	return llm.Message{Role: llm.RoleAssistant, ToolCalls: calls}
}

func toolResult(id, content string) llm.Message {
	return llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: id}
}
