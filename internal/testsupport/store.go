package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"fathom/internal/config"
	"fathom/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// HashURL returns the hex digest used as a cache key for a URL in tests.
func HashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// NewJob enqueues a job for tests using the provided store.
func NewJob(t testing.TB, st *store.Store, userID, url string) *store.Job {
	t.Helper()

	job, err := st.NewJob(context.Background(), store.NewJobParams{
		UserID:           userID,
		URL:              url,
		URLHash:          HashURL(url),
		PromptKey:        "default",
		TranscriberModel: "whisper-large-v3-turbo",
		SummarizerModel:  "x-ai/grok-4.1-fast",
	})
	if err != nil {
		t.Fatalf("store.NewJob: %v", err)
	}
	return job
}
