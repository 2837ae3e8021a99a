package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/situkun123/stock-assistant/internal/checkpoint"
)

// runThreads lists stored threads, most recently updated first.
func runThreads(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	cps, err := store.List(ctx, 100)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cps)
	}
	if len(cps) == 0 {
		fmt.Fprintln(stdout, "No threads.")
		return nil
	}
	for _, cp := range cps {
		fmt.Fprintln(stdout, cp.Summary())
	}
	return nil
}

// runReset deletes the history of each named thread. Unknown threads
// are not an error.
func runReset(ctx context.Context, stdout io.Writer, opts options, threads []string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	store, err := checkpoint.Open(cfg.Checkpoint.Path)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	for _, id := range threads {
		if err := store.Delete(ctx, id); err != nil {
			return fmt.Errorf("reset thread %s: %w", id, err)
		}
		fmt.Fprintf(stdout, "Thread %s reset.\n", id)
	}
	return nil
}
