package preflight

import (
	"context"
	"strings"

	"poflow/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Lock directory", cfg.Paths.LockDir),
	}

	if cfg.Storage.DocumentsBucket == "" && strings.TrimSpace(cfg.Paths.DocumentsDir) != "" {
		results = append(results, CheckDirectoryAccess("Documents directory", cfg.Paths.DocumentsDir))
	}
	if cfg.Storage.ArchiveBucket == "" && strings.TrimSpace(cfg.Paths.ArchiveDir) != "" {
		results = append(results, CheckDirectoryAccess("Archive directory", cfg.Paths.ArchiveDir))
	}

	results = append(results, CheckExtraction(cfg.Extraction))

	if cfg.Sync.Enabled {
		results = append(results, CheckEndpoint(ctx, "Commerce sync", cfg.Sync.Endpoint))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
