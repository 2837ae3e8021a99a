package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const completionWithTools = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1760000000,
	"model": "gpt-4o-mini",
	"choices": [{
		"index": 0,
		"finish_reason": "tool_calls",
		"message": {
			"role": "assistant",
			"content": null,
			"tool_calls": [
				{"id": "call_a", "type": "function", "function": {"name": "get_stock_info", "arguments": "{\"ticker\":\"TSLA\"}"}},
				{"id": "call_b", "type": "function", "function": {"name": "get_stock_info", "arguments": "{\"ticker\":\"F\"}"}}
			]
		}
	}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func TestOpenAIClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(completionWithTools))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1/", discardLogger())
	messages := []Message{
		{Role: RoleSystem, Content: "You are a financial analysis assistant."},
		{Role: RoleUser, Content: "Compare TSLA and F"},
	}
	tools := []map[string]any{{
		"type": "function",
		"function": map[string]any{
			"name":        "get_stock_info",
			"description": "Get company info",
			"parameters": map[string]any{
				"type":       "object",
				"properties": map[string]any{"ticker": map[string]any{"type": "string"}},
				"required":   []string{"ticker"},
			},
		},
	}}

	resp, err := c.Chat(t.Context(), "gpt-4o-mini", messages, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.InputTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", resp.InputTokens, resp.OutputTokens)
	}
	if !resp.Message.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 2 || calls[0].ID != "call_a" || calls[1].Function.Arguments["ticker"] != "F" {
		t.Errorf("tool calls = %+v", calls)
	}

	if body["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want 0", body["temperature"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("sent %d messages, want 2", len(msgs))
	}
	if ts, _ := body["tools"].([]any); len(ts) != 1 {
		t.Errorf("sent %d tools, want 1", len(ts))
	}
}

func TestToOpenAIMessage_AssistantToolCalls(t *testing.T) {
	m := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:       "call_1",
			Function: ToolFunction{Name: "get_historical_prices", Arguments: map[string]any{"ticker": "AAPL", "period": "1mo"}},
		}},
	}
	p, err := toOpenAIMessage(m)
	if err != nil {
		t.Fatalf("toOpenAIMessage: %v", err)
	}
	if p.OfAssistant == nil || len(p.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls not converted: %+v", p)
	}
	fn := p.OfAssistant.ToolCalls[0].OfFunction
	if fn.ID != "call_1" || fn.Function.Name != "get_historical_prices" {
		t.Errorf("call = %+v", fn)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(fn.Function.Arguments), &args); err != nil || args["period"] != "1mo" {
		t.Errorf("arguments = %q (%v)", fn.Function.Arguments, err)
	}
}

func TestToOpenAIMessage_UnknownRole(t *testing.T) {
	if _, err := toOpenAIMessage(Message{Role: "narrator"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestToOpenAITool(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		ok   bool
	}{
		{"valid", map[string]any{"function": map[string]any{"name": "x"}}, true},
		{"missing function", map[string]any{"type": "function"}, false},
		{"missing name", map[string]any{"function": map[string]any{"description": "d"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := toOpenAITool(tt.in); ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
		})
	}
}
