package preflight

import (
	"context"
	"strings"

	"fathom/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding service is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	// Working directories (always checked)
	results = append(results, CheckDirectoryAccess("Data directory", cfg.Paths.DataDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	results = append(results, CheckDirectoryAccess("Media cache directory", cfg.Paths.MediaCacheDir))

	// Summarizer LLM
	if strings.TrimSpace(cfg.Summarizer.APIKey) != "" {
		results = append(results, CheckSummarizer(ctx, cfg.SummarizerLLM()))
	}

	// Transcriber
	if strings.TrimSpace(cfg.Transcriber.APIKey) != "" {
		results = append(results, CheckTranscriber(ctx, cfg.Transcriber))
	}

	// Object store
	if strings.TrimSpace(cfg.ObjectStore.Endpoint) != "" {
		results = append(results, CheckObjectStore(ctx, cfg.ObjectStore))
	}

	return results
}
