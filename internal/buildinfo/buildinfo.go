// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// BuildInfo returns static build metadata as a map.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// RuntimeInfo returns build metadata plus process uptime, for health
// and version endpoints.
func RuntimeInfo() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request. Yahoo rejects
// requests without a browser-like agent, so the default advertises
// Mozilla compatibility alongside our own product token.
func UserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 (compatible; stockagent/%s; +https://github.com/situkun123/stock-assistant)", Version)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("stockagent %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
