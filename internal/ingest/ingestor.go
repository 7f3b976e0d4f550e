package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	xlanguage "golang.org/x/text/language"

	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/language"
	"fathom/internal/logging"
	"fathom/internal/media"
	"fathom/internal/services"
	"fathom/internal/services/groq"
	"fathom/internal/services/objstore"
	"fathom/internal/services/ytdlp"
	"fathom/internal/stage"
	"fathom/internal/store"
)

// User-facing progress messages for the transcript stage.
const (
	WarmingMessage      = "Warming up the studio"
	TranscribingMessage = "Transcribing the audio"
)

// scratchPrefix namespaces temporary audio objects so a bucket listing can
// tell them apart from durable PDF exports.
const scratchPrefix = "audio-scratch/"

// scratchRemoveTimeout bounds remote cleanup after the job context is done.
const scratchRemoveTimeout = 30 * time.Second

// Transcriber is the slice of the speech-to-text client the stage depends on.
type Transcriber interface {
	TranscribeURL(ctx context.Context, mediaURL string) (string, error)
	Model() string
}

// ObjectStore holds scratch audio just long enough for the transcription
// provider to fetch it.
type ObjectStore interface {
	UploadFile(ctx context.Context, key, path, contentType string) error
	Presign(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// Ingestor downloads audio and resolves transcripts for claimed jobs.
type Ingestor struct {
	store       *store.Store
	cfg         *config.Config
	engine      *entitlement.Engine
	logger      *slog.Logger
	downloader  ytdlp.Client
	transcriber Transcriber
	objects     ObjectStore
}

// NewIngestor constructs the stage with default collaborators derived from
// configuration.
func NewIngestor(cfg *config.Config, st *store.Store, engine *entitlement.Engine, logger *slog.Logger) *Ingestor {
	downloader := ytdlp.NewCLI(ytdlp.WithBinary(cfg.DownloaderBinary()))
	transcriber := groq.NewClient(groq.Config{
		APIKey:         cfg.Transcriber.APIKey,
		BaseURL:        cfg.Transcriber.BaseURL,
		Model:          cfg.Transcriber.Model,
		Language:       cfg.Transcriber.Language,
		TimeoutSeconds: cfg.Transcriber.TimeoutSeconds,
	})
	var objects ObjectStore
	if client, err := objstore.New(cfg.ObjectStore); err != nil {
		if logger != nil {
			logger.Warn("object store client unavailable", logging.Error(err))
		}
	} else {
		objects = client
	}
	return NewIngestorWithDependencies(cfg, st, engine, logger, downloader, transcriber, objects)
}

// NewIngestorWithDependencies allows callers to inject collaborators.
func NewIngestorWithDependencies(
	cfg *config.Config,
	st *store.Store,
	engine *entitlement.Engine,
	logger *slog.Logger,
	downloader ytdlp.Client,
	transcriber Transcriber,
	objects ObjectStore,
) *Ingestor {
	return &Ingestor{
		store:       st,
		cfg:         cfg,
		engine:      engine,
		logger:      logging.NewComponentLogger(logger, "ingest"),
		downloader:  downloader,
		transcriber: transcriber,
		objects:     objects,
	}
}

// Prepare clears retry leftovers before execution begins.
func (i *Ingestor) Prepare(ctx context.Context, job *store.Job) error {
	logger := logging.WithContext(ctx, i.logger)
	job.ErrorMessage = ""
	job.ErrorCode = ""
	logger.Info("starting transcript resolution",
		logging.String("url", job.URL),
		logging.Int64("duration_seconds", job.DurationSeconds))
	return nil
}

// Execute admits the job, reuses a cached transcript when one exists, and
// otherwise runs the download/upload/transcribe path.
func (i *Ingestor) Execute(ctx context.Context, job *store.Job) error {
	logger := logging.WithContext(ctx, i.logger)

	if i.engine != nil {
		if err := i.engine.Admit(ctx, job.UserID, job.DurationSeconds); err != nil {
			return err
		}
	}

	model := strings.TrimSpace(job.TranscriberModel)
	if model == "" && i.transcriber != nil {
		model = i.transcriber.Model()
	}
	providerModel := "groq:" + model

	videoID := media.ExtractVideoID(job.URL)
	cached, err := i.lookupCached(ctx, videoID, job.URLHash, providerModel)
	if err != nil {
		return err
	}
	if cached != nil {
		transcriptID := cached.ID
		job.TranscriptID = &transcriptID
		job.TranscriptCached = true
		if job.Title == "" {
			job.Title = cached.Title
		}
		if job.DurationSeconds == 0 {
			job.DurationSeconds = cached.DurationSeconds
		}
		logger.Info("transcript cache hit",
			logging.Int64("transcript_id", cached.ID),
			logging.String("provider_model", providerModel),
			logging.Bool("matched_by_video", videoID != "" && cached.VideoID == videoID))
		return nil
	}

	if i.downloader == nil {
		return services.Wrap(services.ErrConfiguration, "ingest", "download", "Audio downloader is not available", nil)
	}
	if i.objects == nil {
		return services.Wrap(services.ErrConfiguration, "ingest", "upload", "Object store is not configured", nil)
	}
	if i.transcriber == nil {
		return services.Wrap(services.ErrConfiguration, "ingest", "transcribe", "Transcription client is not configured", nil)
	}

	if err := stage.Advance(ctx, i.store, job, store.ProgressStageWarming, WarmingMessage, store.ProgressPercentWarming); err != nil {
		return err
	}

	baseName := uuid.New().String()
	dlCtx := ctx
	if timeout := time.Duration(i.cfg.Downloader.TimeoutSeconds) * time.Second; timeout > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := i.downloader.DownloadAudio(dlCtx, job.URL, i.cfg.Paths.MediaCacheDir, baseName)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(result.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("scratch audio file cleanup failed",
				logging.String("path", result.Path),
				logging.Error(err))
		}
	}()

	if limit := i.cfg.Downloader.MaxDurationSeconds; limit > 0 && result.Metadata.DurationSeconds > int64(limit) {
		return services.Wrap(
			services.ErrValidation, "ingest", "duration check",
			fmt.Sprintf("Audio runs %d seconds, above the %d second limit", result.Metadata.DurationSeconds, limit),
			nil)
	}

	if job.Title == "" {
		job.Title = result.Metadata.Title
	}
	if result.Metadata.DurationSeconds > 0 {
		job.DurationSeconds = result.Metadata.DurationSeconds
	}
	job.AudioBytes = result.FilesizeBytes

	ext := strings.TrimPrefix(result.Ext, ".")
	if ext == "" {
		ext = "bin"
	}
	key := scratchPrefix + baseName + "." + ext
	if err := i.objects.UploadFile(ctx, key, result.Path, mime.TypeByExtension("."+ext)); err != nil {
		return err
	}
	job.AudioObjectKey = key
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scratchRemoveTimeout)
		defer cancel()
		if err := i.objects.Remove(rmCtx, key); err != nil {
			logger.Warn("scratch audio object cleanup failed",
				logging.String("object_key", key),
				logging.Error(err))
		}
	}()

	signedURL, err := i.objects.Presign(ctx, key)
	if err != nil {
		return err
	}

	if err := stage.Advance(ctx, i.store, job, store.ProgressStageTranscribing, TranscribingMessage, store.ProgressPercentTranscribing); err != nil {
		return err
	}

	logger.Info("transcribing audio",
		logging.String("object_key", key),
		logging.Int64("audio_bytes", result.FilesizeBytes),
		logging.Int64("duration_seconds", result.Metadata.DurationSeconds))

	text, err := i.transcriber.TranscribeURL(ctx, signedURL)
	if err != nil {
		return err
	}

	if videoID == "" {
		videoID = result.Metadata.VideoID
	}
	saved, created, err := i.store.InsertOrGetTranscript(ctx, &store.Transcript{
		URLHash:         job.URLHash,
		VideoID:         videoID,
		ProviderModel:   providerModel,
		SourceURL:       job.URL,
		Title:           result.Metadata.Title,
		Language:        resolveLanguage(result.Metadata.Language, i.cfg.Transcriber.Language),
		DurationSeconds: result.Metadata.DurationSeconds,
		Text:            text,
	})
	if err != nil {
		return err
	}
	transcriptID := saved.ID
	job.TranscriptID = &transcriptID
	logger.Info("transcript stored",
		logging.Int64("transcript_id", saved.ID),
		logging.Bool("newly_created", created),
		logging.Int("text_chars", len(text)))
	return nil
}

// lookupCached prefers the platform video id so URL variants (watch links,
// short links, shares with tracking parameters) land on the same transcript.
func (i *Ingestor) lookupCached(ctx context.Context, videoID, urlHash, providerModel string) (*store.Transcript, error) {
	if videoID != "" {
		transcript, err := i.store.LookupTranscriptByVideo(ctx, videoID, providerModel)
		if err != nil || transcript != nil {
			return transcript, err
		}
	}
	return i.store.LookupTranscript(ctx, urlHash, providerModel)
}

// HealthCheck verifies local stage dependencies without contacting providers.
func (i *Ingestor) HealthCheck(ctx context.Context) stage.Health {
	const name = "ingest"
	if i.cfg == nil {
		return stage.Unhealthy(name, "configuration unavailable")
	}
	if strings.TrimSpace(i.cfg.Paths.MediaCacheDir) == "" {
		return stage.Unhealthy(name, "media cache directory not configured")
	}
	if i.downloader == nil {
		return stage.Unhealthy(name, "audio downloader unavailable")
	}
	if err := i.downloader.Available(); err != nil {
		return stage.Unhealthy(name, err.Error())
	}
	if i.objects == nil {
		return stage.Unhealthy(name, "object store not configured")
	}
	if i.transcriber == nil {
		return stage.Unhealthy(name, "transcription client not configured")
	}
	if strings.TrimSpace(i.cfg.Transcriber.APIKey) == "" {
		return stage.Unhealthy(name, "transcription API key not configured")
	}
	return stage.Healthy(name)
}

// resolveLanguage reduces whatever language hint the source or configuration
// offers to a two-letter code. yt-dlp reports BCP-47 tags such as "en-US"
// while operators tend to type words such as "english"; both reduce through
// the same chain, first hint wins.
func resolveLanguage(hints ...string) string {
	for _, hint := range hints {
		hint = strings.TrimSpace(hint)
		if hint == "" {
			continue
		}
		if tag, err := xlanguage.Parse(hint); err == nil {
			if base, confidence := tag.Base(); confidence != xlanguage.No {
				return base.String()
			}
		}
		if iso := language.ToISO2(hint); iso != "" {
			return iso
		}
	}
	return ""
}
