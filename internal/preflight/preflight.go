package preflight

import (
	"context"

	"stemd/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// MinimumStagingBytes is the free space the staging filesystem must offer
// before the daemon accepts work. Four stems of a long uncompressed mix can
// approach a gigabyte.
const MinimumStagingBytes = 2 << 30

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDiskSpace("Staging free space", cfg.Paths.StagingDir, MinimumStagingBytes),
	}

	if cfg.Paths.OutputDir != "" {
		results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	}

	results = append(results, CheckSeparator(ctx, cfg.Separator.BaseURL, cfg.Separator.APIToken))
	return results
}

// Healthy reports whether every result passed.
func Healthy(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
