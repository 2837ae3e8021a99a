package agent

// State is a node of the conversation graph.
type State string

// Graph states. StateAgent is initial and StateEnd is terminal.
const (
	StateAgent    State = "agent"
	StateTools    State = "tools"
	StateFallback State = "fallback"
	StateEnd      State = "end"
)

// FallbackMessage is appended, as a system message, when a turn hits
// an iteration cap.
const FallbackMessage = "I'm sorry, I wasn't able to find a confident answer for your query. " +
	"Please try rephrasing your question or provide more specific details such as the stock symbol."

// Limits caps how much work one thread may do.
type Limits struct {
	MaxLLMCalls  int
	MaxToolCalls int
}

// DefaultLimits returns 20 model calls and 50 tool calls.
func DefaultLimits() Limits {
	return Limits{MaxLLMCalls: 20, MaxToolCalls: 50}
}

// Decide picks the state that follows an agent step. Both caps are
// measured over the whole history, not just the current turn. The
// model-call cap wins even when tool calls are pending.
func Decide(h *History, lim Limits) State {
	if h.LLMCalls() >= lim.MaxLLMCalls {
		return StateFallback
	}
	last, ok := h.LastAI()
	if !ok || len(last.ToolCalls) == 0 {
		return StateEnd
	}
	if h.ToolCalls() >= lim.MaxToolCalls {
		return StateFallback
	}
	return StateTools
}
