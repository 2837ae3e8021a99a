// Package api implements the HTTP and WebSocket front end for the
// stock assistant.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/situkun123/stock-assistant/internal/agent"
	"github.com/situkun123/stock-assistant/internal/audit"
	"github.com/situkun123/stock-assistant/internal/buildinfo"
	"github.com/situkun123/stock-assistant/internal/checkpoint"
	"github.com/situkun123/stock-assistant/internal/connwatch"
	"github.com/situkun123/stock-assistant/internal/events"
	"github.com/situkun123/stock-assistant/internal/llm"
)

// maxRequestBytes bounds a chat request body or WebSocket frame.
const maxRequestBytes = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TickerLister reports which tickers have a cached data client.
type TickerLister interface {
	Tickers() []string
}

// AuditReader is the read side of the audit log.
type AuditReader interface {
	Summary(ctx context.Context, start, end time.Time) (*audit.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*audit.Summary, error)
	Recent(ctx context.Context, threadID string, limit int) ([]audit.Entry, error)
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	loop        *agent.Loop
	registry    TickerLister
	checkpoints checkpoint.Store
	audit       AuditReader
	health      *connwatch.Manager
	events      *events.Bus
	markdown    goldmark.Markdown
	upgrader    websocket.Upgrader
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		loop:     loop,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "api"),
	}
}

// SetRegistry enables GET /v1/registry.
func (s *Server) SetRegistry(r TickerLister) {
	s.registry = r
}

// SetCheckpointStore enables GET /v1/threads.
func (s *Server) SetCheckpointStore(cs checkpoint.Store) {
	s.checkpoints = cs
}

// SetAuditReader enables the /v1/audit endpoints.
func (s *Server) SetAuditReader(a AuditReader) {
	s.audit = a
}

// SetHealth makes /health report upstream reachability.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// SetEvents enables the GET /v1/events progress stream.
func (s *Server) SetEvents(b *events.Bus) {
	s.events = b
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("POST /v1/threads/{id}/reset", s.handleThreadReset)

	mux.HandleFunc("GET /v1/registry", s.handleRegistry)
	mux.HandleFunc("GET /v1/audit/summary", s.handleAuditSummary)
	mux.HandleFunc("GET /v1/audit/recent", s.handleAuditRecent)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops;
// in-flight turns are not tied to ctx so Shutdown can drain them.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // a turn may run several model calls
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found_error"
	case code == http.StatusServiceUnavailable:
		return "unavailable_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "stockagent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string                    `json:"status"` // healthy or degraded
	Uptime        string                    `json:"uptime"`
	Services      []connwatch.ServiceStatus `json:"services"`
	ActiveThreads int                       `json:"active_threads"`
	Trim          agent.TrimStats           `json:"context_trim"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		Uptime:        buildinfo.Uptime().String(),
		Services:      []connwatch.ServiceStatus{},
		ActiveThreads: s.loop.ActiveThreads(),
		Trim:          s.loop.TrimStats(),
	}
	code := http.StatusOK
	if s.health != nil {
		resp.Services = s.health.Status()
		if !s.health.Ready() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

// ChatRequest is the body of POST /v1/chat and each inbound WebSocket
// frame. An empty ThreadID starts a new thread.
type ChatRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Message  string `json:"message"`
}

// ChatResponse is the answer to one turn.
type ChatResponse struct {
	ThreadID   string                 `json:"thread_id"`
	Answer     string                 `json:"answer"`
	AnswerHTML string                 `json:"answer_html"`
	Fallback   bool                   `json:"fallback"`
	Usage      agent.Usage            `json:"usage"`
	Tools      []agent.ToolCallRecord `json:"tools,omitempty"`
	Revision   string                 `json:"revision"`
}

// errEmptyMessage is returned by chat for blank input.
var errEmptyMessage = errors.New("message is required")

// chat runs one turn and renders the response.
func (s *Server) chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errEmptyMessage
	}
	res, err := s.loop.Run(ctx, req.ThreadID, req.Message)
	if err != nil {
		return nil, err
	}
	return &ChatResponse{
		ThreadID:   res.ThreadID,
		Answer:     res.Answer,
		AnswerHTML: s.renderMarkdown(res.Answer),
		Fallback:   res.Fallback,
		Usage:      res.Usage,
		Tools:      res.Tools,
		Revision:   res.Revision,
	}, nil
}

// renderMarkdown converts an answer to HTML. A conversion failure
// yields an empty string; the plain answer is always present.
func (s *Server) renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}

// handleChat runs one turn.
// POST /v1/chat {"thread_id": "abc", "message": "Compare AAPL and MSFT"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.chat(r.Context(), req)
	if errors.Is(err, errEmptyMessage) {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("agent turn failed", "thread", req.ThreadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// ThreadResponse is the body of GET /v1/threads/{id}.
type ThreadResponse struct {
	ThreadID string        `json:"thread_id"`
	Messages []llm.Message `json:"messages"`
	Turns    []audit.Entry `json:"turns,omitempty"`
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.loop.History(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	resp := ThreadResponse{ThreadID: id, Messages: msgs}
	if s.audit != nil {
		turns, err := s.audit.Recent(r.Context(), id, 20)
		if err != nil {
			s.logger.Warn("failed to read thread audit entries", "thread", id, "error", err)
		}
		resp.Turns = turns
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleThreadReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.loop.Reset(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"thread_id": id, "status": "reset"}, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "checkpoint store not configured")
		return
	}
	limit := queryInt(r, "limit", 50)
	cps, err := s.checkpoints.List(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"threads": cps,
		"count":   len(cps),
	}, s.logger)
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	tickers := s.registry.Tickers()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tickers": tickers,
		"count":   len(tickers),
	}, s.logger)
}

// AuditSummaryResponse is the body of GET /v1/audit/summary.
type AuditSummaryResponse struct {
	Start   time.Time                 `json:"start"`
	End     time.Time                 `json:"end"`
	Totals  *audit.Summary            `json:"totals"`
	ByModel map[string]*audit.Summary `json:"by_model"`
}

// handleAuditSummary aggregates audited turns over a trailing window.
// GET /v1/audit/summary?window=24h (default 24h)
func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid window: "+v)
			return
		}
		window = d
	}
	// The audit store keys by whole seconds; round the end up so turns
	// recorded in the current second are included.
	end := time.Now().UTC().Truncate(time.Second).Add(time.Second)
	start := end.Add(-window)

	totals, err := s.audit.Summary(r.Context(), start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := s.audit.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, AuditSummaryResponse{Start: start, End: end, Totals: totals, ByModel: byModel}, s.logger)
}

// handleAuditRecent lists the newest audited turns.
// GET /v1/audit/recent?thread_id=abc&limit=20
func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	entries, err := s.audit.Recent(r.Context(), r.URL.Query().Get("thread_id"), queryInt(r, "limit", 20))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": entries, "count": len(entries)}, s.logger)
}

// queryInt parses a positive integer query parameter, returning def
// when it is absent or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
