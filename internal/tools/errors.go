package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call names a tool outside
// the fixed tool set. The agent renders it as tool output so the model
// can correct itself; it never aborts a turn.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
