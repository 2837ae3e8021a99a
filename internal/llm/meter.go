package llm

import (
	"context"
	"sync"
)

// Usage is the token tally for one model.
type Usage struct {
	Model        string `json:"model"`
	Calls        int    `json:"calls"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Meter accumulates token usage across every model call made while
// serving one request, including calls made from inside tools.
type Meter struct {
	mu     sync.Mutex
	models map[string]*Usage
	order  []string
}

// NewMeter returns an empty meter.
func NewMeter() *Meter {
	return &Meter{models: make(map[string]*Usage)}
}

// Record adds one response to the tally.
func (m *Meter) Record(model string, resp *ChatResponse) {
	if resp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.models[model]
	if !ok {
		u = &Usage{Model: model}
		m.models[model] = u
		m.order = append(m.order, model)
	}
	u.Calls++
	u.InputTokens += resp.InputTokens
	u.OutputTokens += resp.OutputTokens
}

// Usage returns per-model tallies in first-use order.
func (m *Meter) Usage() []Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Usage, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, *m.models[name])
	}
	return out
}

// Totals sums calls and tokens across all models.
func (m *Meter) Totals() Usage {
	var t Usage
	for _, u := range m.Usage() {
		t.Calls += u.Calls
		t.InputTokens += u.InputTokens
		t.OutputTokens += u.OutputTokens
	}
	return t
}

type meterKey struct{}

// WithMeter attaches m to ctx so MeteredClient can find it.
func WithMeter(ctx context.Context, m *Meter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

// MeterFrom returns the meter attached to ctx, or nil.
func MeterFrom(ctx context.Context) *Meter {
	m, _ := ctx.Value(meterKey{}).(*Meter)
	return m
}

// MeteredClient records every successful call on the context's meter.
type MeteredClient struct {
	Client
}

// NewMeteredClient wraps c.
func NewMeteredClient(c Client) *MeteredClient {
	return &MeteredClient{Client: c}
}

// Chat forwards to the wrapped client and records usage.
func (c *MeteredClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	resp, err := c.Client.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	if m := MeterFrom(ctx); m != nil {
		m.Record(model, resp)
	}
	return resp, nil
}
