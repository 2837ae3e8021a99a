package agent

import (
	"slices"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// History is the ordered message sequence of one thread. Messages are
// only ever appended; trimming produces a separate view for the model
// and never rewrites the stored sequence.
type History struct {
	msgs []llm.Message
}

// NewHistory creates a history holding msgs in order.
func NewHistory(msgs ...llm.Message) *History {
	return &History{msgs: slices.Clone(msgs)}
}

// Append adds messages to the end.
func (h *History) Append(msgs ...llm.Message) {
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the sequence.
func (h *History) Messages() []llm.Message {
	return slices.Clone(h.msgs)
}

// Since returns a copy of the messages from index i onward.
func (h *History) Since(i int) []llm.Message {
	if i >= len(h.msgs) {
		return nil
	}
	return slices.Clone(h.msgs[i:])
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.msgs) }

// Last returns the final message.
func (h *History) Last() (llm.Message, bool) {
	if len(h.msgs) == 0 {
		return llm.Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}

// LastAI returns the most recent assistant message.
func (h *History) LastAI() (llm.Message, bool) {
	for i := len(h.msgs) - 1; i >= 0; i-- {
		if h.msgs[i].Role == llm.RoleAssistant {
			return h.msgs[i], true
		}
	}
	return llm.Message{}, false
}

// LLMCalls counts assistant messages; each one is a completed model call.
func (h *History) LLMCalls() int {
	n := 0
	for _, m := range h.msgs {
		if m.Role == llm.RoleAssistant {
			n++
		}
	}
	return n
}

// ToolCalls sums the tool calls requested by every assistant message.
func (h *History) ToolCalls() int {
	return countToolCalls(h.msgs)
}

// ToolCallRecord pairs one tool request with the text it produced.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
}

// ToolRecords returns every tool call in msgs with its result, in
// request order. Calls without a matching tool message have an empty
// Result.
func ToolRecords(msgs []llm.Message) []ToolCallRecord {
	results := make(map[string]string)
	for _, m := range msgs {
		if m.Role == llm.RoleTool {
			results[m.ToolCallID] = m.Content
		}
	}
	var out []ToolCallRecord
	for _, m := range msgs {
		if m.Role != llm.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			out = append(out, ToolCallRecord{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Result:    results[tc.ID],
			})
		}
	}
	return out
}

// ToolsUsed counts tool invocations by name.
func ToolsUsed(records []ToolCallRecord) map[string]int {
	out := make(map[string]int)
	for _, r := range records {
		out[r.Name]++
	}
	return out
}

func countToolCalls(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant {
			n += len(m.ToolCalls)
		}
	}
	return n
}

// SkippedToolResult answers a tool call that was never dispatched
// because the turn ended in the fallback state.
const SkippedToolResult = "Not run: the turn ended at the iteration limit before this call was dispatched."

// closeToolCalls returns msgs with a placeholder tool message after
// every assistant tool call that has no result. Providers reject a
// request in which a tool call is left unanswered, and a fallback turn
// stores exactly that. The input is not modified.
func closeToolCalls(msgs []llm.Message) []llm.Message {
	var out []llm.Message
	for i := 0; i < len(msgs); i++ {
		out = append(out, msgs[i])
		if msgs[i].Role != llm.RoleAssistant || len(msgs[i].ToolCalls) == 0 {
			continue
		}
		calls := msgs[i].ToolCalls
		answered := make(map[string]bool, len(calls))
		for i+1 < len(msgs) && msgs[i+1].Role == llm.RoleTool {
			i++
			answered[msgs[i].ToolCallID] = true
			out = append(out, msgs[i])
		}
		for _, tc := range calls {
			if !answered[tc.ID] {
				out = append(out, llm.Message{Role: llm.RoleTool, Content: SkippedToolResult, ToolCallID: tc.ID})
			}
		}
	}
	return out
}
