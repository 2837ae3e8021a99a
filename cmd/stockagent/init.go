package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/situkun123/stock-assistant/internal/defaults"
)

// runInit writes a starter config.yaml and .env.example into dir along
// with the data directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing stockagent workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	for _, f := range []struct {
		name    string
		content []byte
	}{
		{"config.yaml", defaults.ConfigYAML},
		{".env.example", defaults.EnvExample},
	} {
		path := filepath.Join(dir, f.name)
		written, err := writeIfMissing(path, f.content)
		if err != nil {
			return err
		}
		mark := "✓"
		if !written {
			mark = "-" // kept existing
		}
		fmt.Fprintf(w, "  %s %s\n", mark, path)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Copy .env.example to .env, set OPENAI_API_KEY, then run: stockagent ask \"How is AAPL doing?\"")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, reporting whether it wrote.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
