package ingest_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/ingest"
	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/services/ytdlp"
	"fathom/internal/store"
	"fathom/internal/testsupport"
)

type fakeDownloader struct {
	metadata    ytdlp.Metadata
	ext         string
	downloadErr error
	unusable    error
	calls       int
	lastPath    string
}

func (f *fakeDownloader) Probe(ctx context.Context, rawURL string) (*ytdlp.Metadata, error) {
	meta := f.metadata
	return &meta, nil
}

func (f *fakeDownloader) DownloadAudio(ctx context.Context, rawURL, outputDir, baseName string) (*ytdlp.DownloadResult, error) {
	f.calls++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	ext := f.ext
	if ext == "" {
		ext = "m4a"
	}
	path := filepath.Join(outputDir, baseName+"."+ext)
	if err := os.WriteFile(path, []byte("fake audio"), 0o644); err != nil {
		return nil, err
	}
	f.lastPath = path
	meta := f.metadata
	return &ytdlp.DownloadResult{Path: path, Ext: ext, FilesizeBytes: 10, Metadata: meta}, nil
}

func (f *fakeDownloader) Available() error { return f.unusable }

type fakeObjects struct {
	uploads   map[string]string
	removed   []string
	uploadErr error
	baseURL   string
}

func (f *fakeObjects) UploadFile(ctx context.Context, key, path, contentType string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if f.uploads == nil {
		f.uploads = make(map[string]string)
	}
	f.uploads[key] = contentType
	return nil
}

func (f *fakeObjects) Presign(ctx context.Context, key string) (string, error) {
	base := f.baseURL
	if base == "" {
		base = "https://media.test/"
	}
	return base + key, nil
}

func (f *fakeObjects) Remove(ctx context.Context, key string) error {
	f.removed = append(f.removed, key)
	return nil
}

type fakeTranscriber struct {
	text          string
	transcribeErr error
	calls         int
	lastSignedURL string
}

func (f *fakeTranscriber) TranscribeURL(ctx context.Context, mediaURL string) (string, error) {
	f.calls++
	f.lastSignedURL = mediaURL
	if f.transcribeErr != nil {
		return "", f.transcribeErr
	}
	return f.text, nil
}

func (f *fakeTranscriber) Model() string { return "whisper-large-v3-turbo" }

func newIngestor(t *testing.T, cfg *config.Config, st *store.Store, downloader ytdlp.Client, transcriber ingest.Transcriber, objects ingest.ObjectStore) *ingest.Ingestor {
	t.Helper()

	engine := entitlement.New(cfg, st, logging.NewNop())
	return ingest.NewIngestorWithDependencies(cfg, st, engine, logging.NewNop(), downloader, transcriber, objects)
}

func seedTranscript(t *testing.T, st *store.Store, transcript *store.Transcript) *store.Transcript {
	t.Helper()

	saved, _, err := st.InsertOrGetTranscript(context.Background(), transcript)
	if err != nil {
		t.Fatalf("InsertOrGetTranscript: %v", err)
	}
	return saved
}

func TestIngestorReusesTranscriptByVideoID(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFreeTier(3600))
	st := testsupport.MustOpenStore(t, cfg)

	seeded := seedTranscript(t, st, &store.Transcript{
		URLHash:         testsupport.HashURL("https://youtu.be/dQw4w9WgXcQ"),
		VideoID:         "dQw4w9WgXcQ",
		ProviderModel:   "groq:whisper-large-v3-turbo",
		SourceURL:       "https://youtu.be/dQw4w9WgXcQ",
		Title:           "Archived Talk",
		Language:        "en",
		DurationSeconds: 212,
		Text:            "hello from the archive",
	})

	// Same video reached through a different URL shape, so the URL hash
	// cannot match and only the video id lookup can.
	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	downloader := &fakeDownloader{}
	ingestor := newIngestor(t, cfg, st, downloader, &fakeTranscriber{}, &fakeObjects{})

	if err := ingestor.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if downloader.calls != 0 {
		t.Fatalf("expected no download on cache hit, got %d calls", downloader.calls)
	}
	if !job.TranscriptCached {
		t.Fatal("expected job marked as transcript cache hit")
	}
	if job.TranscriptID == nil || *job.TranscriptID != seeded.ID {
		t.Fatalf("expected transcript id %d, got %v", seeded.ID, job.TranscriptID)
	}
	if job.Title != "Archived Talk" {
		t.Fatalf("expected title backfilled from transcript, got %q", job.Title)
	}
	if job.DurationSeconds != 212 {
		t.Fatalf("expected duration backfilled from transcript, got %d", job.DurationSeconds)
	}
}

func TestIngestorReusesTranscriptByURLHash(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFreeTier(3600))
	st := testsupport.MustOpenStore(t, cfg)

	const url = "https://youtu.be/abc123xyz00"
	seeded := seedTranscript(t, st, &store.Transcript{
		URLHash:         testsupport.HashURL(url),
		ProviderModel:   "groq:whisper-large-v3-turbo",
		SourceURL:       url,
		Title:           "Hash Matched",
		DurationSeconds: 95,
		Text:            "matched through the url hash",
	})

	job := testsupport.NewJob(t, st, "user-1", url)
	downloader := &fakeDownloader{}
	ingestor := newIngestor(t, cfg, st, downloader, &fakeTranscriber{}, &fakeObjects{})

	if err := ingestor.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if downloader.calls != 0 {
		t.Fatalf("expected no download on cache hit, got %d calls", downloader.calls)
	}
	if job.TranscriptID == nil || *job.TranscriptID != seeded.ID {
		t.Fatalf("expected transcript id %d, got %v", seeded.ID, job.TranscriptID)
	}
	if !job.TranscriptCached {
		t.Fatal("expected job marked as transcript cache hit")
	}
}

func TestIngestorTranscribesOnCacheMiss(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFreeTier(3600))
	st := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=newvid12345")
	downloader := &fakeDownloader{
		metadata: ytdlp.Metadata{
			VideoID:         "newvid12345",
			Title:           "Deep Dive",
			DurationSeconds: 300,
			Language:        "en-US",
		},
	}
	objects := &fakeObjects{}
	transcriber := &fakeTranscriber{text: "the full transcript text"}
	ingestor := newIngestor(t, cfg, st, downloader, transcriber, objects)

	if err := ingestor.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !strings.HasPrefix(job.AudioObjectKey, "audio-scratch/") || !strings.HasSuffix(job.AudioObjectKey, ".m4a") {
		t.Fatalf("unexpected audio object key %q", job.AudioObjectKey)
	}
	if _, ok := objects.uploads[job.AudioObjectKey]; !ok {
		t.Fatalf("expected upload of %q, got %v", job.AudioObjectKey, objects.uploads)
	}
	if transcriber.lastSignedURL != "https://media.test/"+job.AudioObjectKey {
		t.Fatalf("expected transcriber to receive signed URL, got %q", transcriber.lastSignedURL)
	}
	if len(objects.removed) != 1 || objects.removed[0] != job.AudioObjectKey {
		t.Fatalf("expected scratch object removed, got %v", objects.removed)
	}
	if _, err := os.Stat(downloader.lastPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected local audio file removed, stat err %v", err)
	}

	if job.TranscriptID == nil {
		t.Fatal("expected transcript id on job")
	}
	transcript, err := st.GetTranscript(context.Background(), *job.TranscriptID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if transcript.Text != "the full transcript text" {
		t.Fatalf("unexpected transcript text %q", transcript.Text)
	}
	if transcript.VideoID != "newvid12345" {
		t.Fatalf("unexpected transcript video id %q", transcript.VideoID)
	}
	if transcript.Language != "en" {
		t.Fatalf("expected language reduced to two letters, got %q", transcript.Language)
	}
	if transcript.ProviderModel != "groq:whisper-large-v3-turbo" {
		t.Fatalf("unexpected provider model %q", transcript.ProviderModel)
	}
	if job.TranscriptCached {
		t.Fatal("fresh transcription must not be marked as a cache hit")
	}
	if job.Title != "Deep Dive" || job.DurationSeconds != 300 || job.AudioBytes != 10 {
		t.Fatalf("expected metadata copied onto job, got title=%q duration=%d bytes=%d",
			job.Title, job.DurationSeconds, job.AudioBytes)
	}

	fetched, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.ProgressStage != store.ProgressStageTranscribing {
		t.Fatalf("expected persisted progress stage %q, got %q", store.ProgressStageTranscribing, fetched.ProgressStage)
	}
	if fetched.ProgressPercent != store.ProgressPercentTranscribing {
		t.Fatalf("expected persisted progress percent %d, got %v", store.ProgressPercentTranscribing, fetched.ProgressPercent)
	}
	if fetched.ProgressMessage != ingest.TranscribingMessage {
		t.Fatalf("unexpected persisted progress message %q", fetched.ProgressMessage)
	}
}

func TestIngestorRejectsOverlongAudio(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFreeTier(14400))
	cfg.Downloader.MaxDurationSeconds = 600
	st := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=waytoolong1")
	downloader := &fakeDownloader{
		metadata: ytdlp.Metadata{VideoID: "waytoolong1", Title: "Marathon", DurationSeconds: 7200},
	}
	objects := &fakeObjects{}
	ingestor := newIngestor(t, cfg, st, downloader, &fakeTranscriber{}, objects)

	err := ingestor.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected duration ceiling error")
	}
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "above the 600 second limit") {
		t.Fatalf("unexpected error message %q", err.Error())
	}
	if len(objects.uploads) != 0 {
		t.Fatalf("expected no upload for rejected audio, got %v", objects.uploads)
	}
	if _, statErr := os.Stat(downloader.lastPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatalf("expected local audio file removed, stat err %v", statErr)
	}
}

func TestIngestorRefusesWhenCreditExhausted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithFreeTier(0), testsupport.WithDebtCap(60))
	st := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=needscredit")
	job.DurationSeconds = 3600
	downloader := &fakeDownloader{}
	ingestor := newIngestor(t, cfg, st, downloader, &fakeTranscriber{}, &fakeObjects{})

	err := ingestor.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrBillingBlocked) {
		t.Fatalf("expected billing refusal, got %v", err)
	}
	if !services.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if downloader.calls != 0 {
		t.Fatalf("expected refusal before download, got %d calls", downloader.calls)
	}
}

func TestIngestorPrepareClearsPriorError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=retryagain1")
	job.ErrorMessage = "Transcription failed"
	job.ErrorCode = "transcription_error"
	ingestor := newIngestor(t, cfg, st, &fakeDownloader{}, &fakeTranscriber{}, &fakeObjects{})

	if err := ingestor.Prepare(context.Background(), job); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.ErrorMessage != "" || job.ErrorCode != "" {
		t.Fatalf("expected error fields cleared, got %q/%q", job.ErrorMessage, job.ErrorCode)
	}
}

func TestIngestorHealthCheck(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	healthy := newIngestor(t, cfg, st, &fakeDownloader{}, &fakeTranscriber{}, &fakeObjects{})
	if health := healthy.HealthCheck(context.Background()); !health.Ready {
		t.Fatalf("expected ready, got detail %q", health.Detail)
	}

	cases := []struct {
		name     string
		ingestor *ingest.Ingestor
		detail   string
	}{
		{
			name:     "downloader missing",
			ingestor: newIngestor(t, cfg, st, nil, &fakeTranscriber{}, &fakeObjects{}),
			detail:   "audio downloader unavailable",
		},
		{
			name:     "downloader binary broken",
			ingestor: newIngestor(t, cfg, st, &fakeDownloader{unusable: errors.New("yt-dlp not found")}, &fakeTranscriber{}, &fakeObjects{}),
			detail:   "yt-dlp not found",
		},
		{
			name:     "object store missing",
			ingestor: newIngestor(t, cfg, st, &fakeDownloader{}, &fakeTranscriber{}, nil),
			detail:   "object store not configured",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			health := tc.ingestor.HealthCheck(context.Background())
			if health.Ready {
				t.Fatal("expected unhealthy")
			}
			if health.Detail != tc.detail {
				t.Fatalf("expected detail %q, got %q", tc.detail, health.Detail)
			}
		})
	}

	keyless := testsupport.NewConfig(t)
	keyless.Transcriber.APIKey = ""
	noKey := newIngestor(t, keyless, st, &fakeDownloader{}, &fakeTranscriber{}, &fakeObjects{})
	if health := noKey.HealthCheck(context.Background()); health.Ready || health.Detail != "transcription API key not configured" {
		t.Fatalf("expected missing key detail, got ready=%v detail=%q", health.Ready, health.Detail)
	}
}
