package preflight

import (
	"context"
	"strings"

	"fathom/internal/config"
)

// CheckSummarizerFromConfig evaluates summarizer status from config and
// connectivity.
func CheckSummarizerFromConfig(cfg *config.Config) Result {
	const name = "Summarizer LLM"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Summarizer.APIKey) == "" {
		return Result{Name: name, Detail: "Missing API key"}
	}
	check := CheckSummarizer(context.Background(), cfg.SummarizerLLM())
	if check.Passed {
		return Result{Name: name, Passed: true, Detail: check.Detail}
	}
	return Result{Name: name, Detail: check.Detail}
}

// CheckTranscriberFromConfig evaluates transcriber status from config and
// connectivity.
func CheckTranscriberFromConfig(cfg *config.Config) Result {
	const name = "Transcriber"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Transcriber.APIKey) == "" {
		return Result{Name: name, Detail: "Missing API key"}
	}
	check := CheckTranscriber(context.Background(), cfg.Transcriber)
	if check.Passed {
		return Result{Name: name, Passed: true, Detail: check.Detail}
	}
	return Result{Name: name, Detail: check.Detail}
}

// CheckObjectStoreFromConfig evaluates object store status from config and
// connectivity. The store is optional; an unset endpoint is not a failure.
func CheckObjectStoreFromConfig(cfg *config.Config) Result {
	const name = "Object store"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.ObjectStore.Endpoint) == "" {
		return Result{Name: name, Passed: true, Detail: "Not configured"}
	}
	check := CheckObjectStore(context.Background(), cfg.ObjectStore)
	if check.Passed {
		return Result{Name: name, Passed: true, Detail: check.Detail}
	}
	return Result{Name: name, Detail: check.Detail}
}

// CheckNotifierFromConfig reports ntfy status from config alone. No probe is
// sent; a real publish would ping every subscriber of the topic.
func CheckNotifierFromConfig(cfg *config.Config) Result {
	const name = "Notifications"

	if cfg == nil {
		return Result{Name: name, Detail: "Unknown"}
	}
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return Result{Name: name, Passed: true, Detail: "Not configured"}
	}
	return Result{Name: name, Passed: true, Detail: "Topic configured"}
}
