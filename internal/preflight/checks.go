package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"fathom/internal/config"
	"fathom/internal/services/groq"
	"fathom/internal/services/llm"
	"fathom/internal/services/objstore"
)

// CheckSummarizer verifies that the summarization API is reachable and the
// key is valid. It uses a 30-second timeout and a single attempt (no retries).
func CheckSummarizer(ctx context.Context, cfg config.LLMConfig) Result {
	const name = "Summarizer LLM"

	if cfg.APIKey == "" {
		return Result{Name: name, Detail: "API key missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client := llm.NewClient(llm.Config{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Referer: cfg.Referer,
		Title:   cfg.Title,
	}, llm.WithRetryMaxAttempts(1))

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeProbeError("LLM API", err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckTranscriber verifies transcription API connectivity and authentication.
// The probe lists models and spends no audio minutes.
func CheckTranscriber(ctx context.Context, cfg config.Transcriber) Result {
	const name = "Transcriber"

	if strings.TrimSpace(cfg.APIKey) == "" {
		return Result{Name: name, Detail: "API key missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client := groq.NewClient(groq.Config{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		Language:       cfg.Language,
		TimeoutSeconds: cfg.TimeoutSeconds,
	})

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeProbeError("transcription API", err)}
	}
	return Result{Name: name, Passed: true, Detail: "API reachable"}
}

// CheckObjectStore verifies the artifact store answers requests with the
// configured credentials. A missing bucket still passes; startup creates it.
func CheckObjectStore(ctx context.Context, cfg config.ObjectStore) Result {
	const name = "Object store"

	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Result{Name: name, Detail: "missing endpoint"}
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return Result{Name: name, Detail: "missing bucket"}
	}

	client, err := objstore.New(cfg)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeProbeError("object store", err)}
	}
	return Result{Name: name, Passed: true, Detail: "Reachable"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// summarizeProbeError produces a human-readable summary for service health
// check failures.
func summarizeProbeError(api string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("health check timed out (%s unresponsive)", api)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("health check timed out (%s unreachable)", api)
	}
	return err.Error()
}
