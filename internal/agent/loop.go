// Package agent implements the conversation state machine: it alternates
// model calls and tool dispatch for one thread until the model answers
// or an iteration cap routes the turn to a fallback message.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/situkun123/stock-assistant/internal/audit"
	"github.com/situkun123/stock-assistant/internal/checkpoint"
	"github.com/situkun123/stock-assistant/internal/config"
	"github.com/situkun123/stock-assistant/internal/events"
	"github.com/situkun123/stock-assistant/internal/llm"
)

// ToolExecutor runs tools on behalf of the loop.
type ToolExecutor interface {
	// List returns tool schemas in the OpenAI wire shape.
	List() []map[string]any
	// Execute runs one tool and returns text for the model.
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Config controls loop behaviour.
type Config struct {
	Model           string
	SystemPrompt    string
	Limits          Limits
	ContextBudget   int
	ToolParallelism int
	CallTimeout     time.Duration
	Pricing         map[string]config.PricingEntry
}

func (c *Config) applyDefaults() {
	def := DefaultLimits()
	if c.Limits.MaxLLMCalls <= 0 {
		c.Limits.MaxLLMCalls = def.MaxLLMCalls
	}
	if c.Limits.MaxToolCalls <= 0 {
		c.Limits.MaxToolCalls = def.MaxToolCalls
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = config.DefaultSystemPrompt
	}
	if c.ToolParallelism <= 0 {
		c.ToolParallelism = 4
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
}

// Deps are the loop's collaborators. Audit may be nil. LLM is wrapped
// in an [llm.MeteredClient] unless it already is one; pass the same
// metered client to any tool that calls a model so its usage lands on
// the turn's meter too.
type Deps struct {
	LLM       llm.Client
	Tools     ToolExecutor
	Store     checkpoint.Store
	Tokenizer llm.Tokenizer
	Audit     audit.Sink
	Events    *events.Bus
	Logger    *slog.Logger
}

// Usage is the token, cost, and tool tally for one turn.
type Usage struct {
	TotalTokens      int            `json:"total_tokens"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	CostUSD          float64        `json:"total_cost_usd"`
	LLMCalls         int            `json:"llm_calls"`
	ToolCalls        int            `json:"tool_calls"`
	ToolsUsed        map[string]int `json:"tools_used"`
	Models           []llm.Usage    `json:"models,omitempty"`
}

// Result is the outcome of one turn.
type Result struct {
	ThreadID string           `json:"thread_id"`
	Answer   string           `json:"answer"`
	Fallback bool             `json:"fallback"`
	Usage    Usage            `json:"usage"`
	Tools    []ToolCallRecord `json:"tools,omitempty"`
	Revision string           `json:"revision"`
}

// Loop drives turns for any number of threads. Turns on the same
// thread are serialised; distinct threads run concurrently.
type Loop struct {
	cfg     Config
	llm     llm.Client
	tools   ToolExecutor
	store   checkpoint.Store
	trimmer *Trimmer
	audit   audit.Sink
	events  *events.Bus
	logger  *slog.Logger
	locks   threadLocks
}

// NewLoop creates a loop.
func NewLoop(cfg Config, deps Deps) *Loop {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent")
	client := deps.LLM
	if _, ok := client.(*llm.MeteredClient); !ok {
		client = llm.NewMeteredClient(client)
	}
	return &Loop{
		cfg:     cfg,
		llm:     client,
		tools:   deps.Tools,
		store:   deps.Store,
		trimmer: NewTrimmer(deps.Tokenizer, cfg.ContextBudget, logger),
		audit:   deps.Audit,
		events:  deps.Events,
		logger:  logger,
	}
}

// TrimStats reports context trimming activity.
func (l *Loop) TrimStats() TrimStats { return l.trimmer.Stats() }

// Run answers text on threadID. An empty threadID starts a new thread;
// the generated id is returned in the Result. Model failures abort the
// turn without saving; tool failures and cap hits never do.
func (l *Loop) Run(ctx context.Context, threadID, text string) (*Result, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	unlock := l.locks.lock(threadID)
	defer unlock()

	start := time.Now()
	meter := llm.NewMeter()
	ctx = llm.WithMeter(ctx, meter)
	log := l.logger.With("thread", threadID)

	h, err := l.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	turnStart := h.Len()
	h.Append(llm.Message{Role: llm.RoleUser, Content: text})

	log.Info("turn started", "history", turnStart, "model", l.cfg.Model)
	l.publish(events.KindTurnStart, threadID, map[string]any{"history": turnStart, "model": l.cfg.Model})

	fallback := false
	state := StateAgent
	for state != StateEnd {
		switch state {
		case StateAgent:
			msg, err := l.step(ctx, h)
			if err != nil {
				log.Error("agent step failed", "error", err)
				l.publish(events.KindTurnFailed, threadID, map[string]any{"error": err.Error()})
				return nil, err
			}
			h.Append(msg)
			l.publish(events.KindLLMResponse, threadID, map[string]any{"tool_calls": len(msg.ToolCalls)})
			state = Decide(h, l.cfg.Limits)
			log.Debug("agent step", "next", state, "tool_calls", len(msg.ToolCalls),
				"llm_calls", h.LLMCalls(), "total_tool_calls", h.ToolCalls())

		case StateTools:
			last, _ := h.LastAI()
			h.Append(l.dispatch(ctx, log, threadID, last.ToolCalls)...)
			state = StateAgent

		case StateFallback:
			log.Warn("iteration cap reached",
				"llm_calls", h.LLMCalls(), "max_llm_calls", l.cfg.Limits.MaxLLMCalls,
				"tool_calls", h.ToolCalls(), "max_tool_calls", l.cfg.Limits.MaxToolCalls)
			l.publish(events.KindFallback, threadID, map[string]any{"llm_calls": h.LLMCalls(), "tool_calls": h.ToolCalls()})
			h.Append(llm.Message{Role: llm.RoleSystem, Content: FallbackMessage})
			fallback = true
			state = StateEnd
		}
	}

	cp, err := l.store.Save(ctx, threadID, h.Messages())
	if err != nil {
		err = fmt.Errorf("save checkpoint: %w", err)
		l.publish(events.KindTurnFailed, threadID, map[string]any{"error": err.Error()})
		return nil, err
	}

	last, _ := h.Last()
	turn := h.Since(turnStart)
	records := ToolRecords(turn)
	res := &Result{
		ThreadID: threadID,
		Answer:   last.Content,
		Fallback: fallback,
		Usage:    l.usage(meter, records),
		Tools:    records,
		Revision: cp.Revision.String(),
	}

	log.Info("turn completed",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"llm_calls", res.Usage.LLMCalls,
		"tool_calls", res.Usage.ToolCalls,
		"tokens", res.Usage.TotalTokens,
		"cost_usd", res.Usage.CostUSD,
		"fallback", fallback,
	)

	l.publish(events.KindTurnComplete, threadID, map[string]any{
		"llm_calls":      res.Usage.LLMCalls,
		"tool_calls":     res.Usage.ToolCalls,
		"total_tokens":   res.Usage.TotalTokens,
		"total_cost_usd": res.Usage.CostUSD,
		"elapsed_ms":     time.Since(start).Milliseconds(),
		"fallback":       fallback,
	})

	l.record(ctx, log, threadID, text, res)
	return res, nil
}

// Reset deletes the thread's checkpoint. Resetting an unknown thread
// is not an error.
func (l *Loop) Reset(ctx context.Context, threadID string) error {
	unlock := l.locks.lock(threadID)
	defer unlock()
	if err := l.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("reset thread %s: %w", threadID, err)
	}
	l.logger.Info("thread reset", "thread", threadID)
	l.publish(events.KindThreadReset, threadID, nil)
	return nil
}

// History returns the stored messages for threadID, or nil when the
// thread has no checkpoint.
func (l *Loop) History(ctx context.Context, threadID string) ([]llm.Message, error) {
	cp, err := l.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	return cp.Messages, nil
}

func (l *Loop) load(ctx context.Context, threadID string) (*History, error) {
	cp, err := l.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp == nil || len(cp.Messages) == 0 {
		return NewHistory(llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt}), nil
	}
	return NewHistory(cp.Messages...), nil
}

// step makes one model call over the trimmed history. Tool calls left
// unanswered by an earlier fallback are closed in the request only.
func (l *Loop) step(ctx context.Context, h *History) (llm.Message, error) {
	msgs := l.trimmer.Trim(closeToolCalls(h.Messages()))

	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	resp, err := l.llm.Chat(callCtx, l.cfg.Model, msgs, l.tools.List())
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return llm.Message{}, fmt.Errorf("model call timed out after %s: %w", l.cfg.CallTimeout, err)
		}
		return llm.Message{}, fmt.Errorf("model call: %w", err)
	}

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
	return msg, nil
}

// dispatch runs calls with bounded parallelism and returns exactly one
// tool message per call in request order.
func (l *Loop) dispatch(ctx context.Context, log *slog.Logger, threadID string, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, len(calls))

	var g errgroup.Group
	g.SetLimit(l.cfg.ToolParallelism)
	for i, tc := range calls {
		g.Go(func() error {
			began := time.Now()
			l.publish(events.KindToolCall, threadID, map[string]any{"tool": tc.Function.Name, "call_id": tc.ID})
			text, err := l.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			l.publish(events.KindToolDone, threadID, map[string]any{
				"tool":        tc.Function.Name,
				"call_id":     tc.ID,
				"ok":          err == nil,
				"duration_ms": time.Since(began).Milliseconds(),
			})
			if err != nil {
				log.Warn("tool failed", "tool", tc.Function.Name, "call_id", tc.ID, "error", err)
				text = "Error: " + err.Error()
			} else {
				log.Debug("tool executed", "tool", tc.Function.Name, "call_id", tc.ID,
					"elapsed", time.Since(began).Round(time.Millisecond), "bytes", len(text))
			}
			out[i] = llm.Message{Role: llm.RoleTool, Content: text, ToolCallID: tc.ID}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (l *Loop) usage(meter *llm.Meter, records []ToolCallRecord) Usage {
	totals := meter.Totals()
	models := meter.Usage()
	var cost float64
	for _, u := range models {
		cost += audit.ComputeCost(u.Model, u.InputTokens, u.OutputTokens, l.cfg.Pricing)
	}
	return Usage{
		TotalTokens:      totals.InputTokens + totals.OutputTokens,
		PromptTokens:     totals.InputTokens,
		CompletionTokens: totals.OutputTokens,
		CostUSD:          cost,
		LLMCalls:         totals.Calls,
		ToolCalls:        len(records),
		ToolsUsed:        ToolsUsed(records),
		Models:           models,
	}
}

func (l *Loop) publish(kind, threadID string, data map[string]any) {
	l.events.Publish(events.Event{Kind: kind, ThreadID: threadID, Data: data})
}

// record sends the turn to the audit sink. Failures are logged only.
func (l *Loop) record(ctx context.Context, log *slog.Logger, threadID, query string, res *Result) {
	if l.audit == nil {
		return
	}
	err := l.audit.Record(ctx, audit.Entry{
		Timestamp:        time.Now(),
		ThreadID:         threadID,
		Query:            query,
		Response:         res.Answer,
		Model:            l.cfg.Model,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		CostUSD:          res.Usage.CostUSD,
		LLMCalls:         res.Usage.LLMCalls,
		ToolCalls:        res.Usage.ToolCalls,
		ToolsUsed:        res.Usage.ToolsUsed,
	})
	if err != nil {
		log.Warn("audit record failed", "error", err)
	}
}

// threadLocks hands out one mutex per thread id and frees it once no
// caller holds or waits on it.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func (t *threadLocks) lock(id string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*threadLock)
	}
	tl, ok := t.locks[id]
	if !ok {
		tl = &threadLock{}
		t.locks[id] = tl
	}
	tl.refs++
	t.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		t.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// active returns how many thread ids are currently locked or awaited.
func (t *threadLocks) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// ActiveThreads reports how many threads have a turn in progress.
func (l *Loop) ActiveThreads() int { return l.locks.active() }
