package tools

import (
	"context"
	"fmt"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// Completer answers a single-shot prompt. Period correction and entity
// extraction depend on it so tests can pin the model to fixed output.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMCompleter sends one system and one user message to a model and
// returns the reply text.
type LLMCompleter struct {
	Client llm.Client
	Model  string
}

// Complete implements Completer.
func (c *LLMCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: prompt},
	}
	resp, err := c.Client.Chat(ctx, c.Model, msgs, nil)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	return resp.Message.Content, nil
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, prompt string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}
