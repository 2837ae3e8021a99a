package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(t.Context(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "stockagent ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output = %q", out)
	}

	out, _, err = runCLI(t, "-o", "json", "version")
	if err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json not parseable: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCLI(t, args...)
		if err != nil {
			t.Fatalf("run(%q): %v", args, err)
		}
		if !strings.Contains(out, "Commands:") || !strings.Contains(out, "-thread <id>") {
			t.Errorf("run(%q) usage = %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown command", []string{"trade"}, "unknown command: trade"},
		{"unknown flag", []string{"-verbose"}, "unknown flag: -verbose"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without question", []string{"ask"}, "usage: stockagent ask"},
		{"reset without thread", []string{"reset"}, "usage: stockagent reset"},
		{"missing explicit config", []string{"-config", "/nonexistent/config.yaml", "threads"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCLI(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")

	out, _, err := runCLI(t, "init", dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, f := range []string{"config.yaml", ".env.example"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Errorf("%s not written: %v", f, err)
		}
	}
	if fi, err := os.Stat(filepath.Join(dir, "data")); err != nil || !fi.IsDir() {
		t.Errorf("data dir not created: %v", err)
	}
	if !strings.Contains(out, "✓") {
		t.Errorf("init output = %q", out)
	}

	custom := []byte("listen:\n  port: 9000\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, custom, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := runCLI(t, "init", dir); err != nil {
		t.Fatalf("second init: %v", err)
	}
	got, _ := os.ReadFile(cfgPath)
	if !bytes.Equal(got, custom) {
		t.Error("init overwrote an existing config.yaml")
	}
}

// fakeOpenAI serves chat completions that echo the turn number.
func fakeOpenAI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "chatcmpl-%d",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Apple closed at $190 (answer %d)."},
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 6, "total_tokens": 18}
		}`, n, n)
	}))
	t.Cleanup(ts.Close)
	return ts, &calls
}

func writeTestConfig(t *testing.T, openaiURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`openai:
  api_key: sk-test
  base_url: %s/v1
market:
  base_url: %s
  cookie_url: %s
data_dir: %s
audit:
  enabled: true
log_level: error
`, openaiURL, openaiURL, openaiURL, filepath.Join(dir, "data"))
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_AskContinueReset(t *testing.T) {
	ts, calls := fakeOpenAI(t)
	cfgPath := writeTestConfig(t, ts.URL)

	out, _, err := runCLI(t, "-config", cfgPath, "ask", "How", "is", "AAPL", "doing?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	for _, want := range []string{
		welcomeText,
		"Apple closed at $190 (answer 1).",
		"📊 Usage Statistics:",
		"Total Tokens: 18",
		"LLM Calls: 1",
		"Cached Companies: none",
		"Tools Used: none",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("ask output missing %q:\n%s", want, out)
		}
	}

	var thread string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "Thread: "); ok {
			thread, _, _ = strings.Cut(rest, " ")
		}
	}
	if thread == "" {
		t.Fatalf("no thread id in output:\n%s", out)
	}

	out, _, err = runCLI(t, "-config", cfgPath, "-o", "json", "-thread", thread, "ask", "And", "MSFT?")
	if err != nil {
		t.Fatalf("ask json: %v", err)
	}
	var res askOutput
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("ask json output: %v\n%s", err, out)
	}
	if res.ThreadID != thread || res.Answer != "Apple closed at $190 (answer 2)." {
		t.Errorf("continued ask = %+v", res)
	}
	if res.Usage.TotalTokens != 18 || res.Usage.PromptTokens != 12 {
		t.Errorf("usage = %+v", res.Usage)
	}
	if calls.Load() != 2 {
		t.Errorf("model calls = %d, want 2", calls.Load())
	}

	out, _, err = runCLI(t, "-config", cfgPath, "threads")
	if err != nil {
		t.Fatalf("threads: %v", err)
	}
	if !strings.Contains(out, thread) || !strings.Contains(out, "5 msgs") {
		t.Errorf("threads output = %q", out)
	}

	out, _, err = runCLI(t, "-config", cfgPath, "reset", thread)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !strings.Contains(out, "Thread "+thread+" reset.") {
		t.Errorf("reset output = %q", out)
	}

	out, _, _ = runCLI(t, "-config", cfgPath, "threads")
	if !strings.Contains(out, "No threads.") {
		t.Errorf("threads after reset = %q", out)
	}
}

func TestFormatToolsUsed(t *testing.T) {
	got := formatToolsUsed(map[string]int{"get_stock_history": 2, "get_company_info": 1})
	want := "get_company_info (1), get_stock_history (2)"
	if got != want {
		t.Errorf("formatToolsUsed = %q, want %q", got, want)
	}
	if orNone(formatToolsUsed(nil)) != "none" {
		t.Error("empty tools should render as none")
	}
}
