package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/situkun123/stock-assistant/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API, or any
// gateway that speaks the same protocol when baseURL is set.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL uses the public API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0), // per-call deadlines come from the context
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger,
	}
}

// Chat sends a chat completion request with temperature 0.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
		Temperature: openai.Float(0),
	}
	for _, m := range messages {
		p, err := toOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		params.Messages = append(params.Messages, p)
	}
	for _, t := range tools {
		p, ok := toOpenAITool(t)
		if !ok {
			return nil, fmt.Errorf("malformed tool schema: %v", t["function"])
		}
		params.Tools = append(params.Tools, p)
	}

	c.logger.Log(ctx, LevelTrace, "openai request",
		"model", model, "messages", len(params.Messages), "tools", len(params.Tools))

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("API error %d: %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("completion returned no choices")
	}

	choice := completion.Choices[0].Message
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Content,
	}
	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Warn("unparseable tool arguments",
					"tool", tc.Function.Name, "arguments", tc.Function.Arguments, "error", err)
				args = map[string]any{}
			}
		}
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       id,
			Function: ToolFunction{Name: tc.Function.Name, Arguments: args},
		})
	}

	return &ChatResponse{
		Model:         completion.Model,
		CreatedAt:     time.Unix(completion.Created, 0),
		Message:       msg,
		Done:          true,
		InputTokens:   int(completion.Usage.PromptTokens),
		OutputTokens:  int(completion.Usage.CompletionTokens),
		TotalDuration: time.Since(start),
	}, nil
}

// Ping lists models, which requires a valid key and a reachable API.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func toOpenAIMessage(m Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case RoleSystem:
		return openai.SystemMessage(m.Content), nil
	case RoleUser:
		return openai.UserMessage(m.Content), nil
	case RoleTool:
		return openai.ToolMessage(m.Content, m.ToolCallID), nil
	case RoleAssistant:
		p := openai.AssistantMessage(m.Content)
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				return p, fmt.Errorf("marshal arguments for %s: %w", tc.Function.Name, err)
			}
			p.OfAssistant.ToolCalls = append(p.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(args),
					},
				},
			})
		}
		return p, nil
	default:
		return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown message role %q", m.Role)
	}
}

// toOpenAITool converts a {"type":"function","function":{...}} schema.
func toOpenAITool(t map[string]any) (openai.ChatCompletionToolUnionParam, bool) {
	fn, ok := t["function"].(map[string]any)
	if !ok {
		return openai.ChatCompletionToolUnionParam{}, false
	}
	name, _ := fn["name"].(string)
	if name == "" {
		return openai.ChatCompletionToolUnionParam{}, false
	}
	def := openai.FunctionDefinitionParam{Name: name}
	if desc, _ := fn["description"].(string); desc != "" {
		def.Description = openai.String(desc)
	}
	if params, ok := fn["parameters"].(map[string]any); ok {
		def.Parameters = openai.FunctionParameters(params)
	}
	return openai.ChatCompletionToolUnionParam{
		OfFunction: &openai.ChatCompletionFunctionToolParam{Function: def},
	}, true
}
