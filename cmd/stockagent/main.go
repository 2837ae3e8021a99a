// Stockagent is a conversational financial analysis assistant.
//
// It answers questions about listed companies by letting a language
// model call market-data tools, keeps per-thread conversation history
// in a local checkpoint database, and audits every turn. It runs as an
// HTTP/WebSocket server or as a one-shot CLI. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); built-in defaults apply when none exists.
//
// Usage:
//
//	stockagent serve                    Start the API server
//	stockagent init [dir]               Write a starter config.yaml
//	stockagent ask <question>           Ask a single question
//	stockagent -thread ID ask <q>       Continue an existing thread
//	stockagent threads                  List stored threads
//	stockagent reset <thread>           Delete a thread's history
//	stockagent version                  Print version and build information
//	stockagent -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/situkun123/stock-assistant/internal/buildinfo"
	"github.com/situkun123/stock-assistant/internal/config"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	// Secrets usually live in .env next to config.yaml. A missing file
	// is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %s\n", err)
	}

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	threadID   string
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package, whose package-level state gets in the way of
// calling run concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-thread" && i+1 < len(args):
			opts.threadID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-thread="):
			opts.threadID = strings.TrimPrefix(args[i], "-thread=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: stockagent ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "threads":
		return runThreads(ctx, stdout, opts)
	case "reset":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: stockagent reset <thread>")
		}
		return runReset(ctx, stdout, opts, cmdArgs)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "stockagent - Financial analysis assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: stockagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start the API server")
	fmt.Fprintln(w, "  init [dir]      Write a starter config.yaml and .env.example (default: .)")
	fmt.Fprintln(w, "  ask <question>  Ask a single question")
	fmt.Fprintln(w, "  threads         List stored conversation threads")
	fmt.Fprintln(w, "  reset <thread>  Delete a thread's conversation history")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -thread <id>      Thread to continue (ask)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/stockagent/config.yaml, /etc/stockagent/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; when none is given and none is found in
// the search path, built-in defaults are used and the returned path
// is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger builds the logger for cfg, writing to w.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}
