package summarize

import (
	"context"
	"strings"
	"time"

	"log/slog"

	"fathom/internal/config"
	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/services/llm"
	"fathom/internal/stage"
	"fathom/internal/store"
)

// User-facing progress messages for the summary stage.
const (
	CheckingCacheMessage = "Checking for existing summaries"
	DraftingMessage      = "Drafting your briefing"
	FinalizingMessage    = "Finalizing a full summary"
)

// streamingMessages rotate across partial-summary flushes so a watched job
// never sits on the same status line for long.
var streamingMessages = []string{
	"Pulling out the best insights",
	"Connecting the dots",
	"Highlighting the sharpest moments",
	"Building your action list",
	"Polishing the key takeaways",
	"Shaping the final narrative",
}

const defaultPromptKey = "default"

// systemPrompts maps prompt keys to the system prompt sent with every
// completion. The key participates in the summary cache identity, so adding
// a prompt here never invalidates summaries produced under another key.
var systemPrompts = map[string]string{
	defaultPromptKey: "You are a precise analyst. Produce a structured Markdown summary of the podcast transcript. " +
		"Keep it concise and actionable. Use headings for: Summary, Key Points, Action Items. " +
		"If you are unsure about a detail, say so rather than guessing.",
}

// promptFor resolves a prompt key, normalizing unknown or blank keys to the
// default so cache rows stay keyed by prompts that actually exist.
func promptFor(key string) (string, string) {
	key = strings.TrimSpace(key)
	if prompt, ok := systemPrompts[key]; ok {
		return key, prompt
	}
	return defaultPromptKey, systemPrompts[defaultPromptKey]
}

// Completer is the slice of the chat completion client the stage depends on.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteStream(ctx context.Context, systemPrompt, userPrompt string, fn func(delta string) error) error
	Model() string
}

// Summarizer generates and caches Markdown summaries for claimed jobs.
type Summarizer struct {
	store     *store.Store
	cfg       *config.Config
	logger    *slog.Logger
	completer Completer
	now       func() time.Time
}

// Option customizes a Summarizer.
type Option func(*Summarizer)

// WithClock overrides the time source used for stream flush pacing.
func WithClock(now func() time.Time) Option {
	return func(s *Summarizer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSummarizer constructs the stage with the default completion client.
func NewSummarizer(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) *Summarizer {
	llmCfg := cfg.SummarizerLLM()
	completer := llm.NewClient(llm.Config{
		APIKey:         llmCfg.APIKey,
		BaseURL:        llmCfg.BaseURL,
		Model:          llmCfg.Model,
		Referer:        llmCfg.Referer,
		Title:          llmCfg.Title,
		TimeoutSeconds: llmCfg.TimeoutSeconds,
	})
	return NewSummarizerWithDependencies(cfg, st, logger, completer, opts...)
}

// NewSummarizerWithDependencies allows callers to inject the completion client.
func NewSummarizerWithDependencies(cfg *config.Config, st *store.Store, logger *slog.Logger, completer Completer, opts ...Option) *Summarizer {
	s := &Summarizer{
		store:     st,
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "summarize"),
		completer: completer,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare clears retry leftovers before execution begins.
func (s *Summarizer) Prepare(ctx context.Context, job *store.Job) error {
	logger := logging.WithContext(ctx, s.logger)
	job.ErrorMessage = ""
	job.ErrorCode = ""
	logger.Info("starting summary generation", logging.String("url", job.URL))
	return nil
}

// Execute reuses a cached summary when one exists and otherwise streams a
// fresh completion, falling back to a single blocking call when the stream
// breaks or yields nothing.
func (s *Summarizer) Execute(ctx context.Context, job *store.Job) error {
	logger := logging.WithContext(ctx, s.logger)

	if job.TranscriptID == nil {
		return services.Wrap(
			services.ErrValidation, "summarize", "load transcript",
			"Job has no transcript to summarize", nil)
	}
	if s.completer == nil {
		return services.Wrap(
			services.ErrConfiguration, "summarize", "complete",
			"Summarizer client is not configured", nil)
	}

	model := strings.TrimSpace(job.SummarizerModel)
	if model == "" {
		model = s.completer.Model()
	}
	promptKey, prompt := promptFor(job.PromptKey)

	if err := stage.Advance(ctx, s.store, job, store.ProgressStageCheckingCache, CheckingCacheMessage, store.ProgressPercentCheckingCache); err != nil {
		return err
	}
	cached, err := s.store.LookupSummary(ctx, *job.TranscriptID, promptKey, model)
	if err != nil {
		return err
	}
	if cached != nil {
		summaryID := cached.ID
		job.SummaryID = &summaryID
		job.SummaryCached = true
		logger.Info("summary cache hit",
			logging.Int64("summary_id", cached.ID),
			logging.String("prompt_key", promptKey),
			logging.String("model", model))
		return nil
	}

	transcript, err := s.store.GetTranscript(ctx, *job.TranscriptID)
	if err != nil {
		return err
	}
	if transcript == nil {
		return services.Wrap(
			services.ErrNotFound, "summarize", "load transcript",
			"Transcript for this job no longer exists", nil)
	}

	if err := stage.Advance(ctx, s.store, job, store.ProgressStageSummarizing, DraftingMessage, store.ProgressPercentSummarizing); err != nil {
		return err
	}

	markdown, err := s.streamSummary(ctx, job, prompt, transcript.Text)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Warn("streaming summarization failed, retrying without stream", logging.Error(err))
		markdown = ""
	}
	if strings.TrimSpace(markdown) == "" {
		percent := job.ProgressPercent + 5
		if percent > store.ProgressPercentStreamCeiling {
			percent = store.ProgressPercentStreamCeiling
		}
		if err := stage.Advance(ctx, s.store, job, store.ProgressStageSummarizing, FinalizingMessage, percent); err != nil {
			return err
		}
		markdown, err = s.completer.Complete(ctx, prompt, transcript.Text)
		if err != nil {
			return err
		}
	}

	saved, created, err := s.store.InsertOrGetSummary(ctx, &store.Summary{
		TranscriptID: *job.TranscriptID,
		PromptKey:    promptKey,
		Model:        model,
		Text:         markdown,
	})
	if err != nil {
		return err
	}
	summaryID := saved.ID
	job.SummaryID = &summaryID
	job.PartialSummary = saved.Text
	logger.Info("summary stored",
		logging.Int64("summary_id", saved.ID),
		logging.Bool("newly_created", created),
		logging.Int("markdown_chars", len(saved.Text)))
	return nil
}

// streamSummary accumulates deltas and flushes the partial draft to the job
// row whenever enough characters or enough time has piled up since the last
// flush. The returned text is whatever the stream produced, complete or not.
func (s *Summarizer) streamSummary(ctx context.Context, job *store.Job, prompt, transcriptText string) (string, error) {
	flushChars := s.cfg.Summarizer.StreamFlushChars
	if flushChars <= 0 {
		flushChars = 400
	}
	flushInterval := time.Duration(s.cfg.Summarizer.StreamFlushSeconds * float64(time.Second))
	if flushInterval <= 0 {
		flushInterval = 2500 * time.Millisecond
	}

	logger := logging.WithContext(ctx, s.logger)
	sampler := logging.NewProgressSampler(0)

	var builder strings.Builder
	lastFlushLen := 0
	lastFlushTime := s.now()
	messageIndex := 0

	err := s.completer.CompleteStream(ctx, prompt, transcriptText, func(delta string) error {
		builder.WriteString(delta)
		if builder.Len()-lastFlushLen < flushChars && s.now().Sub(lastFlushTime) < flushInterval {
			return nil
		}
		message := streamingMessages[messageIndex%len(streamingMessages)]
		messageIndex++
		lastFlushLen = builder.Len()
		lastFlushTime = s.now()
		percent := job.ProgressPercent + 3
		if percent > store.ProgressPercentStreamCeiling {
			percent = store.ProgressPercentStreamCeiling
		}
		job.PartialSummary = builder.String()
		if sampler.ShouldLog(percent, store.ProgressStageSummarizing, message) {
			logger.Debug("summary stream flushed",
				logging.Int("draft_chars", builder.Len()),
				logging.Float64("percent", percent))
		}
		return stage.Advance(ctx, s.store, job, store.ProgressStageSummarizing, message, percent)
	})
	return builder.String(), err
}

// HealthCheck verifies local stage dependencies without contacting the model.
func (s *Summarizer) HealthCheck(ctx context.Context) stage.Health {
	const name = "summarize"
	if s.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if s.completer == nil {
		return stage.Unhealthy(name, "summarizer client not configured")
	}
	if strings.TrimSpace(s.cfg.Summarizer.APIKey) == "" {
		return stage.Unhealthy(name, "summarizer API key not configured")
	}
	return stage.Healthy(name)
}
