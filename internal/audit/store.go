package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Summary holds aggregated totals over audited turns.
type Summary struct {
	Turns          int     `json:"turns"`
	TotalTokens    int64   `json:"total_tokens"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalLLMCalls  int64   `json:"llm_calls"`
	TotalToolCalls int64   `json:"tool_calls"`
}

// Store is an append-only SQLite audit log. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	maxText int
}

// NewStore opens the audit database at dbPath, creating the schema on
// first use. Query and response text longer than maxText characters is
// shortened before it is written.
func NewStore(dbPath string, maxText int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if maxText <= 0 {
		maxText = DefaultMaxTextLength
	}

	s := &Store{db: db, maxText: maxText}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_logs (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		thread_id         TEXT,
		query             TEXT NOT NULL,
		response          TEXT NOT NULL,
		prompt_tokens     INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens      INTEGER NOT NULL DEFAULT 0,
		total_cost_usd    REAL NOT NULL DEFAULT 0,
		llm_calls         INTEGER NOT NULL DEFAULT 0,
		tool_calls        INTEGER NOT NULL DEFAULT 0,
		tools_used        TEXT NOT NULL DEFAULT '{}',
		model_name        TEXT NOT NULL DEFAULT 'gpt-4o-mini'
	);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_timestamp ON agent_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_thread ON agent_logs(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists an entry. If e.ID is empty, a UUIDv7 is generated.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit entry ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Model == "" {
		e.Model = "gpt-4o-mini"
	}
	if e.ToolsUsed == nil {
		e.ToolsUsed = map[string]int{}
	}
	e = e.Capped(s.maxText)

	tools, err := json.Marshal(e.ToolsUsed)
	if err != nil {
		return fmt.Errorf("encode tools_used: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_logs
			(id, timestamp, thread_id, query, response, prompt_tokens, completion_tokens,
			 total_tokens, total_cost_usd, llm_calls, tool_calls, tools_used, model_name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339),
		e.ThreadID,
		e.Query,
		e.Response,
		e.PromptTokens,
		e.CompletionTokens,
		e.TotalTokens,
		e.CostUSD,
		e.LLMCalls,
		e.ToolCalls,
		string(tools),
		e.Model,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for entries within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0),
		        COALESCE(SUM(llm_calls), 0), COALESCE(SUM(tool_calls), 0)
		 FROM agent_logs
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.TotalTokens, &sum.TotalCostUSD, &sum.TotalLLMCalls, &sum.TotalToolCalls); err != nil {
		return nil, fmt.Errorf("query audit summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for entries within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model_name, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost_usd), 0),
		        COALESCE(SUM(llm_calls), 0), COALESCE(SUM(tool_calls), 0)
		 FROM agent_logs
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY model_name
		 ORDER BY SUM(total_cost_usd) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit by model: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var model string
		var sum Summary
		if err := rows.Scan(&model, &sum.Turns, &sum.TotalTokens, &sum.TotalCostUSD, &sum.TotalLLMCalls, &sum.TotalToolCalls); err != nil {
			return nil, fmt.Errorf("scan audit by model: %w", err)
		}
		result[model] = &sum
	}
	return result, rows.Err()
}

// Recent returns the newest entries for a thread, or across all
// threads when threadID is empty.
func (s *Store) Recent(ctx context.Context, threadID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, COALESCE(thread_id, ''), query, response, prompt_tokens, completion_tokens,
		        total_tokens, total_cost_usd, llm_calls, tool_calls, tools_used, model_name
		 FROM agent_logs
		 WHERE ? = '' OR thread_id = ?
		 ORDER BY timestamp DESC, rowid DESC
		 LIMIT ?`,
		threadID, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, tools string
		if err := rows.Scan(&e.ID, &ts, &e.ThreadID, &e.Query, &e.Response, &e.PromptTokens, &e.CompletionTokens,
			&e.TotalTokens, &e.CostUSD, &e.LLMCalls, &e.ToolCalls, &tools, &e.Model); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if err := json.Unmarshal([]byte(tools), &e.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools_used for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
