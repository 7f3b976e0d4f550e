package summarize_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fathom/internal/config"
	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
	"fathom/internal/summarize"
	"fathom/internal/testsupport"
)

type fakeCompleter struct {
	deltas        []string
	streamErr     error
	full          string
	completeErr   error
	streamCalls   int
	completeCalls int
	lastSystem    string
	lastUser      string
}

func (f *fakeCompleter) CompleteStream(ctx context.Context, systemPrompt, userPrompt string, fn func(delta string) error) error {
	f.streamCalls++
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	for _, delta := range f.deltas {
		if err := fn(delta); err != nil {
			return err
		}
	}
	return f.streamErr
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.completeCalls++
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.full, nil
}

func (f *fakeCompleter) Model() string { return "x-ai/grok-4.1-fast" }

func newSummarizer(t *testing.T, cfg *config.Config, st *store.Store, completer summarize.Completer, opts ...summarize.Option) *summarize.Summarizer {
	t.Helper()

	return summarize.NewSummarizerWithDependencies(cfg, st, logging.NewNop(), completer, opts...)
}

// jobWithTranscript seeds a transcript and returns a job pointing at it, the
// shape a job has after the transcribing lane hands it over.
func jobWithTranscript(t *testing.T, st *store.Store, text string) *store.Job {
	t.Helper()

	const url = "https://www.youtube.com/watch?v=summar12345"
	transcript, _, err := st.InsertOrGetTranscript(context.Background(), &store.Transcript{
		URLHash:         testsupport.HashURL(url),
		VideoID:         "summar12345",
		ProviderModel:   "groq:whisper-large-v3-turbo",
		SourceURL:       url,
		Title:           "Quarterly Review",
		DurationSeconds: 180,
		Text:            text,
	})
	if err != nil {
		t.Fatalf("InsertOrGetTranscript: %v", err)
	}

	job := testsupport.NewJob(t, st, "user-1", url)
	transcriptID := transcript.ID
	job.TranscriptID = &transcriptID
	return job
}

func TestSummarizerReusesCachedSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "quarterly numbers were discussed")

	seeded, _, err := st.InsertOrGetSummary(context.Background(), &store.Summary{
		TranscriptID: *job.TranscriptID,
		PromptKey:    "default",
		Model:        "x-ai/grok-4.1-fast",
		Text:         "## Summary\nAlready written.",
	})
	if err != nil {
		t.Fatalf("InsertOrGetSummary: %v", err)
	}

	completer := &fakeCompleter{}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if completer.streamCalls != 0 || completer.completeCalls != 0 {
		t.Fatalf("expected no model calls on cache hit, got stream=%d complete=%d",
			completer.streamCalls, completer.completeCalls)
	}
	if !job.SummaryCached {
		t.Fatal("expected job marked as summary cache hit")
	}
	if job.SummaryID == nil || *job.SummaryID != seeded.ID {
		t.Fatalf("expected summary id %d, got %v", seeded.ID, job.SummaryID)
	}

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressStage != store.ProgressStageCheckingCache {
		t.Fatalf("expected persisted stage %q, got %q", store.ProgressStageCheckingCache, fetched.ProgressStage)
	}
	if fetched.ProgressMessage != summarize.CheckingCacheMessage {
		t.Fatalf("unexpected persisted message %q", fetched.ProgressMessage)
	}
}

func TestSummarizerStreamsAndStoresSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Summarizer.StreamFlushChars = 10
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "the full transcript body")

	completer := &fakeCompleter{
		deltas: []string{"## Summary\n", "- point one\n", "- point two\n"},
	}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "## Summary\n- point one\n- point two\n"
	if job.SummaryID == nil {
		t.Fatal("expected summary id on job")
	}
	saved, err := st.GetSummary(context.Background(), *job.SummaryID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if saved.Text != want {
		t.Fatalf("unexpected stored summary %q", saved.Text)
	}
	if job.PartialSummary != want {
		t.Fatalf("expected job to carry the final markdown, got %q", job.PartialSummary)
	}
	if completer.completeCalls != 0 {
		t.Fatalf("expected no fallback call, got %d", completer.completeCalls)
	}
	if !strings.Contains(completer.lastSystem, "precise analyst") {
		t.Fatalf("unexpected system prompt %q", completer.lastSystem)
	}
	if completer.lastUser != "the full transcript body" {
		t.Fatalf("expected bare transcript as user prompt, got %q", completer.lastUser)
	}
	if job.SummaryCached {
		t.Fatal("fresh summary must not be marked as a cache hit")
	}

	// Every delta crosses the 10-char threshold, so three flushes land and
	// the rotation has moved to the third message.
	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressPercent != 69 {
		t.Fatalf("expected progress 69 after three flushes, got %v", fetched.ProgressPercent)
	}
	if fetched.ProgressMessage != "Highlighting the sharpest moments" {
		t.Fatalf("unexpected streaming message %q", fetched.ProgressMessage)
	}
	if fetched.PartialSummary != want {
		t.Fatalf("expected persisted partial summary, got %q", fetched.PartialSummary)
	}
}

func TestSummarizerFlushesOnElapsedTime(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Summarizer.StreamFlushChars = 100000
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "timed transcript")

	// Each clock read advances well past the 2.5s default, so every delta
	// trips the elapsed-time flush despite never reaching the char threshold.
	current := time.Unix(1700000000, 0)
	clock := func() time.Time {
		current = current.Add(3 * time.Second)
		return current
	}

	completer := &fakeCompleter{deltas: []string{"a", "b"}}
	summarizer := newSummarizer(t, cfg, st, completer, summarize.WithClock(clock))
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressPercent != 66 {
		t.Fatalf("expected progress 66 after two timed flushes, got %v", fetched.ProgressPercent)
	}
	if fetched.ProgressMessage != "Connecting the dots" {
		t.Fatalf("unexpected streaming message %q", fetched.ProgressMessage)
	}
}

func TestSummarizerCapsStreamProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Summarizer.StreamFlushChars = 1
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "long transcript")

	deltas := make([]string, 15)
	for i := range deltas {
		deltas[i] = "x"
	}
	completer := &fakeCompleter{deltas: deltas}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressPercent != store.ProgressPercentStreamCeiling {
		t.Fatalf("expected progress capped at %d, got %v", store.ProgressPercentStreamCeiling, fetched.ProgressPercent)
	}
}

func TestSummarizerFallsBackWhenStreamFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "flaky stream transcript")

	completer := &fakeCompleter{
		deltas:    []string{"partial "},
		streamErr: errors.New("stream reset by peer"),
		full:      "## Summary\nRecovered without streaming.",
	}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if completer.completeCalls != 1 {
		t.Fatalf("expected one fallback call, got %d", completer.completeCalls)
	}
	saved, err := st.GetSummary(context.Background(), *job.SummaryID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if saved.Text != "## Summary\nRecovered without streaming." {
		t.Fatalf("unexpected stored summary %q", saved.Text)
	}

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressMessage != summarize.FinalizingMessage {
		t.Fatalf("expected finalizing message persisted, got %q", fetched.ProgressMessage)
	}
	if fetched.ProgressPercent != 65 {
		t.Fatalf("expected progress 65 before fallback, got %v", fetched.ProgressPercent)
	}
}

func TestSummarizerFallsBackWhenStreamEmpty(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "silent stream transcript")

	completer := &fakeCompleter{full: "## Summary\nWritten in one shot."}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if completer.streamCalls != 1 || completer.completeCalls != 1 {
		t.Fatalf("expected stream then fallback, got stream=%d complete=%d",
			completer.streamCalls, completer.completeCalls)
	}
	saved, err := st.GetSummary(context.Background(), *job.SummaryID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if saved.Text != "## Summary\nWritten in one shot." {
		t.Fatalf("unexpected stored summary %q", saved.Text)
	}
}

func TestSummarizerSurfacesFallbackFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "doomed transcript")

	wantErr := services.Wrap(services.ErrSummarization, "llm", "complete", "Summarizer request failed", nil)
	completer := &fakeCompleter{streamErr: errors.New("stream down"), completeErr: wantErr}
	summarizer := newSummarizer(t, cfg, st, completer)

	err := summarizer.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrSummarization) {
		t.Fatalf("expected summarization error, got %v", err)
	}
	if services.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestSummarizerNormalizesUnknownPromptKey(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	job := jobWithTranscript(t, st, "prompt key transcript")
	job.PromptKey = "experimental-v9"

	completer := &fakeCompleter{deltas: []string{"## Summary\nProduced under the default prompt."}}
	summarizer := newSummarizer(t, cfg, st, completer)
	if err := summarizer.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	saved, err := st.GetSummary(context.Background(), *job.SummaryID)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if saved.PromptKey != "default" {
		t.Fatalf("expected prompt key normalized to default, got %q", saved.PromptKey)
	}
}

func TestSummarizerFailsWithoutTranscript(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	summarizer := newSummarizer(t, cfg, st, &fakeCompleter{})

	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=notranscrip")
	err := summarizer.Execute(context.Background(), job)
	if err == nil || !services.IsPermanent(err) {
		t.Fatalf("expected permanent error for missing transcript id, got %v", err)
	}

	missing := int64(99999)
	job2 := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=gonerow1234")
	job2.TranscriptID = &missing
	err = summarizer.Execute(context.Background(), job2)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found error for vanished transcript, got %v", err)
	}
}

func TestSummarizerHealthCheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	healthy := newSummarizer(t, cfg, st, &fakeCompleter{})
	if health := healthy.HealthCheck(context.Background()); !health.Ready {
		t.Fatalf("expected ready, got detail %q", health.Detail)
	}

	noClient := newSummarizer(t, cfg, st, nil)
	if health := noClient.HealthCheck(context.Background()); health.Ready || health.Detail != "summarizer client not configured" {
		t.Fatalf("expected missing client detail, got ready=%v detail=%q", health.Ready, health.Detail)
	}

	keyless := testsupport.NewConfig(t)
	keyless.Summarizer.APIKey = ""
	noKey := newSummarizer(t, keyless, st, &fakeCompleter{})
	if health := noKey.HealthCheck(context.Background()); health.Ready || health.Detail != "summarizer API key not configured" {
		t.Fatalf("expected missing key detail, got ready=%v detail=%q", health.Ready, health.Detail)
	}
}
