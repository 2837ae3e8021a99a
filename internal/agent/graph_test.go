package agent

import (
	"fmt"
	"testing"

	"github.com/situkun123/stock-assistant/internal/llm"
)

func TestDecide(t *testing.T) {
	call := toolCall("c1", "get_company_info", nil)
	lim := Limits{MaxLLMCalls: 3, MaxToolCalls: 4}

	tests := []struct {
		name string
		msgs []llm.Message
		want State
	}{
		{
			name: "plain answer ends",
			msgs: []llm.Message{system("s"), human("hi"), ai("hello")},
			want: StateEnd,
		},
		{
			name: "pending tool call dispatches",
			msgs: []llm.Message{system("s"), human("hi"), aiCalls(call)},
			want: StateTools,
		},
		{
			name: "llm cap with pending tools falls back",
			msgs: []llm.Message{human("q"), aiCalls(call), toolResult("c1", "x"), aiCalls(call), toolResult("c1", "x"), aiCalls(call)},
			want: StateFallback,
		},
		{
			name: "llm cap with final answer falls back",
			msgs: []llm.Message{human("q"), ai("a"), human("q"), ai("a"), human("q"), ai("a")},
			want: StateFallback,
		},
		{
			name: "tool cap counts whole history",
			msgs: []llm.Message{human("q"), aiCalls(call, call, call), human("q"), aiCalls(call)},
			want: StateFallback,
		},
		{
			name: "below tool cap",
			msgs: []llm.Message{human("q"), aiCalls(call, call), human("q"), aiCalls(call)},
			want: StateTools,
		},
		{
			name: "tool cap ignored without pending calls",
			msgs: []llm.Message{human("q"), aiCalls(call, call, call, call, call), ai("done")},
			want: StateEnd,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(NewHistory(tt.msgs...), lim); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

// Whatever the history, reaching the model-call cap always routes to
// fallback, and otherwise tool calls route to tools only below the cap.
func TestDecide_CapProperty(t *testing.T) {
	lim := DefaultLimits()
	for aiCount := 0; aiCount <= 25; aiCount++ {
		for perCall := 0; perCall <= 4; perCall++ {
			var msgs []llm.Message
			msgs = append(msgs, human("q"))
			for i := 0; i < aiCount; i++ {
				var calls []llm.ToolCall
				for j := 0; j < perCall; j++ {
					id := fmt.Sprintf("c%d_%d", i, j)
					calls = append(calls, toolCall(id, "get_company_info", nil))
				}
				msgs = append(msgs, aiCalls(calls...))
			}
			h := NewHistory(msgs...)
			got := Decide(h, lim)

			switch {
			case aiCount >= lim.MaxLLMCalls:
				if got != StateFallback {
					t.Errorf("ai=%d per=%d: got %s, want fallback", aiCount, perCall, got)
				}
			case aiCount == 0 || perCall == 0:
				if got != StateEnd {
					t.Errorf("ai=%d per=%d: got %s, want end", aiCount, perCall, got)
				}
			case aiCount*perCall >= lim.MaxToolCalls:
				if got != StateFallback {
					t.Errorf("ai=%d per=%d: got %s, want fallback", aiCount, perCall, got)
				}
			default:
				if got != StateTools {
					t.Errorf("ai=%d per=%d: got %s, want tools", aiCount, perCall, got)
				}
			}
		}
	}
}

func TestHistory_Counters(t *testing.T) {
	h := NewHistory(
		system("s"),
		human("Compare TSLA and F"),
		aiCalls(toolCall("a", "get_company_info", nil), toolCall("b", "get_company_info", nil)),
		toolResult("a", "TSLA"),
		toolResult("b", "F"),
		ai("TSLA is larger."),
	)
	if h.LLMCalls() != 2 || h.ToolCalls() != 2 {
		t.Errorf("LLMCalls=%d ToolCalls=%d, want 2/2", h.LLMCalls(), h.ToolCalls())
	}
	last, ok := h.LastAI()
	if !ok || last.Content != "TSLA is larger." {
		t.Errorf("LastAI = %+v", last)
	}

	recs := ToolRecords(h.Messages())
	if len(recs) != 2 || recs[0].Result != "TSLA" || recs[1].Result != "F" {
		t.Errorf("ToolRecords = %+v", recs)
	}
	if used := ToolsUsed(recs); used["get_company_info"] != 2 {
		t.Errorf("ToolsUsed = %v", used)
	}

	msgs := h.Messages()
	msgs[0].Content = "mutated"
	if first := h.Since(0)[0]; first.Content != "s" {
		t.Error("Messages returned an aliased slice")
	}
}

func TestCloseToolCalls(t *testing.T) {
	stored := []llm.Message{
		system("s"),
		human("q"),
		aiCalls(toolCall("a", "get_company_info", nil), toolCall("b", "get_company_info", nil)),
		toolResult("a", "TSLA"),
		aiCalls(toolCall("c", "get_financials", nil)),
		system(FallbackMessage),
		human("again"),
	}
	got := closeToolCalls(stored)

	want := []struct {
		role string
		id   string
	}{
		{llm.RoleSystem, ""},
		{llm.RoleUser, ""},
		{llm.RoleAssistant, ""},
		{llm.RoleTool, "a"},
		{llm.RoleTool, "b"},
		{llm.RoleAssistant, ""},
		{llm.RoleTool, "c"},
		{llm.RoleSystem, ""},
		{llm.RoleUser, ""},
	}
	if len(got) != len(want) {
		t.Fatalf("closeToolCalls returned %d messages, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Role != w.role || got[i].ToolCallID != w.id {
			t.Errorf("message %d = %s/%q, want %s/%q", i, got[i].Role, got[i].ToolCallID, w.role, w.id)
		}
	}
	if got[4].Content != SkippedToolResult || got[6].Content != SkippedToolResult {
		t.Errorf("placeholders = %q, %q", got[4].Content, got[6].Content)
	}
	if len(stored) != 7 {
		t.Error("input was modified")
	}

	complete := []llm.Message{human("q"), aiCalls(toolCall("a", "x", nil)), toolResult("a", "ok"), ai("done")}
	if out := closeToolCalls(complete); len(out) != len(complete) {
		t.Errorf("answered calls changed the view: %d messages", len(out))
	}
}
