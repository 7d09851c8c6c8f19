package preflight

import (
	"context"
	"strings"

	"github.com/printlapse/printlapse/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// External binaries (always checked)
	results = append(results, CheckBinaries(cfg)...)

	// Local directories must be writable or nothing else works.
	results = append(results, CheckDirectoryAccess("Fallback directory", cfg.Storage.FallbackDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Daemon.LogDir))

	// Primary tier probe. A failure here is survivable (the fallback tier
	// takes over) but worth surfacing before a long print.
	results = append(results, CheckPrimaryMount(ctx, cfg))

	// Printer status API
	results = append(results, CheckPrinter(ctx, cfg))

	// ntfy (when configured)
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		results = append(results, CheckNtfy(ctx, cfg))
	}

	return results
}

// Failures filters results down to the checks that did not pass.
func Failures(results []Result) []Result {
	var failed []Result
	for _, result := range results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}
