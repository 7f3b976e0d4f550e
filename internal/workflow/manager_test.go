package workflow_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/logging"
	"fathom/internal/notify"
	"fathom/internal/services"
	"fathom/internal/stage"
	"fathom/internal/store"
	"fathom/internal/testsupport"
	"fathom/internal/workflow"
)

type stubStage struct {
	mu      sync.Mutex
	stage   string
	prepare func(context.Context, *store.Job) error
	execute func(context.Context, *store.Job) error
	runs    int
}

func (s *stubStage) Prepare(ctx context.Context, job *store.Job) error {
	if s.prepare != nil {
		return s.prepare(ctx, job)
	}
	return nil
}

func (s *stubStage) Execute(ctx context.Context, job *store.Job) error {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(ctx, job)
	}
	return nil
}

func (s *stubStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(s.stage)
}

func (s *stubStage) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type recordingNotifier struct {
	mu       sync.Mutex
	events   []notify.Event
	payloads []notify.Payload
}

func (r *recordingNotifier) Publish(_ context.Context, event notify.Event, payload notify.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingNotifier) received() ([]notify.Event, []notify.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := append([]notify.Event(nil), r.events...)
	payloads := append([]notify.Payload(nil), r.payloads...)
	return events, payloads
}

func startManager(t *testing.T, cfg *config.Config, st *store.Store, notifier notify.Service, set workflow.StageSet) *workflow.Manager {
	t.Helper()
	engine := entitlement.New(cfg, st, logging.NewNop())
	mgr := workflow.NewManagerWithNotifier(cfg, st, engine, logging.NewNop(), notifier)
	mgr.ConfigureStages(set)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func waitForJob(t *testing.T, st *store.Store, id string, ready func(*store.Job) bool) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job != nil && ready(job) {
			return job
		}
		if time.Now().After(deadline) {
			if job == nil {
				t.Fatalf("job %s missing before deadline", id)
			}
			t.Fatalf("job %s stuck in status %s (message %q, error %q)",
				id, job.Status, job.ProgressMessage, job.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerRunsJobThroughPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{
		stage: "ingest",
		execute: func(_ context.Context, job *store.Job) error {
			transcriptID := int64(101)
			job.TranscriptID = &transcriptID
			job.DurationSeconds = 60
			return nil
		},
	}
	summarize := &stubStage{
		stage: "summarize",
		execute: func(_ context.Context, job *store.Job) error {
			summaryID := int64(201)
			job.SummaryID = &summaryID
			return nil
		},
	}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/pipeline-run")
	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	final := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusCompleted && j.SecondsDebited == 60
	})

	if final.ProgressMessage != workflow.CompletedMessage {
		t.Fatalf("progress message = %q, want %q", final.ProgressMessage, workflow.CompletedMessage)
	}
	if final.ProgressPercent != 100 {
		t.Fatalf("progress percent = %v, want 100", final.ProgressPercent)
	}
	if final.ErrorMessage != "" || final.ErrorCode != "" {
		t.Fatalf("completed job still carries error %q (%s)", final.ErrorMessage, final.ErrorCode)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
	if final.ClaimedBy != "" {
		t.Fatalf("completed job still claimed by %q", final.ClaimedBy)
	}
	if final.TranscriptID == nil || *final.TranscriptID != 101 {
		t.Fatalf("transcript id = %v, want 101", final.TranscriptID)
	}
	if final.SummaryID == nil || *final.SummaryID != 201 {
		t.Fatalf("summary id = %v, want 201", final.SummaryID)
	}
	if got := ingest.executions(); got != 1 {
		t.Fatalf("ingest executions = %d, want 1", got)
	}
	if got := summarize.executions(); got != 1 {
		t.Fatalf("summarize executions = %d, want 1", got)
	}

	events, payloads := notifier.received()
	if len(events) != 1 || events[0] != notify.EventJobCompleted {
		t.Fatalf("events = %v, want [job_completed]", events)
	}
	if payloads[0]["jobID"] != job.ID {
		t.Fatalf("notification jobID = %q, want %q", payloads[0]["jobID"], job.ID)
	}
}

func TestManagerCompletesFromCachedSummary(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{
		stage: "ingest",
		execute: func(_ context.Context, job *store.Job) error {
			transcriptID := int64(11)
			job.TranscriptID = &transcriptID
			job.TranscriptCached = true
			return nil
		},
	}
	summarize := &stubStage{
		stage: "summarize",
		execute: func(_ context.Context, job *store.Job) error {
			summaryID := int64(21)
			job.SummaryID = &summaryID
			job.SummaryCached = true
			return nil
		},
	}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/cached-run")
	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	final := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusCompleted
	})

	if final.ProgressMessage != workflow.CompletedCachedMessage {
		t.Fatalf("progress message = %q, want %q", final.ProgressMessage, workflow.CompletedCachedMessage)
	}
	if final.ProgressStage != store.ProgressStageCached {
		t.Fatalf("progress stage = %q, want %q", final.ProgressStage, store.ProgressStageCached)
	}
	if !final.TranscriptCached || !final.SummaryCached {
		t.Fatalf("cache flags = transcript %v summary %v, want both true", final.TranscriptCached, final.SummaryCached)
	}

	events, _ := notifier.received()
	if len(events) != 1 || events[0] != notify.EventJobCached {
		t.Fatalf("events = %v, want [job_cached]", events)
	}
}

func TestManagerFailsPermanentErrorImmediately(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{
		stage: "ingest",
		execute: func(context.Context, *store.Job) error {
			return services.Wrap(services.ErrValidation, "ingest", "duration check",
				"Audio runs 7200 seconds, above the 3600 second limit", nil)
		},
	}
	summarize := &stubStage{stage: "summarize"}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/too-long")
	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	final := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusFailed
	})

	if final.ErrorCode != services.CodeInvalidJobPayload {
		t.Fatalf("error code = %q, want %q", final.ErrorCode, services.CodeInvalidJobPayload)
	}
	if !strings.Contains(final.ErrorMessage, "above the 3600 second limit") {
		t.Fatalf("error message = %q, want duration detail", final.ErrorMessage)
	}
	if final.ProgressMessage != store.FailedMessage {
		t.Fatalf("progress message = %q, want %q", final.ProgressMessage, store.FailedMessage)
	}
	if got := ingest.executions(); got != 1 {
		t.Fatalf("ingest executions = %d, want 1 (no retries for permanent errors)", got)
	}

	events, payloads := notifier.received()
	if len(events) != 1 || events[0] != notify.EventJobFailed {
		t.Fatalf("events = %v, want [job_failed]", events)
	}
	if payloads[0]["error"] != final.ErrorMessage {
		t.Fatalf("notification error = %q, want %q", payloads[0]["error"], final.ErrorMessage)
	}
}

func TestManagerSchedulesRetryForTransientError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{
		stage: "ingest",
		execute: func(context.Context, *store.Job) error {
			return services.Wrap(services.ErrDownload, "ytdlp", "download audio",
				"yt-dlp exited with status 1", nil)
		},
	}
	summarize := &stubStage{stage: "summarize"}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/flaky-download")
	before := time.Now().UTC()
	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	requeued := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusQueued && j.NextAttemptAt != nil
	})

	if requeued.ErrorCode != services.CodeDownloadError {
		t.Fatalf("error code = %q, want %q", requeued.ErrorCode, services.CodeDownloadError)
	}
	if !strings.Contains(requeued.ErrorMessage, "yt-dlp exited with status 1") {
		t.Fatalf("error message = %q, want download detail", requeued.ErrorMessage)
	}
	if requeued.ProgressMessage != store.RetryMessage {
		t.Fatalf("progress message = %q, want %q", requeued.ProgressMessage, store.RetryMessage)
	}
	if requeued.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", requeued.Attempts)
	}
	if requeued.ClaimedBy != "" {
		t.Fatalf("requeued job still claimed by %q", requeued.ClaimedBy)
	}

	// First retry waits one full backoff period from the failure.
	delay := requeued.NextAttemptAt.Sub(before)
	backoff := time.Duration(cfg.Workflow.RetryBackoffSeconds) * time.Second
	if delay < backoff-time.Second || delay > backoff+4*time.Second {
		t.Fatalf("retry delay = %v, want about %v", delay, backoff)
	}

	events, _ := notifier.received()
	if len(events) != 0 {
		t.Fatalf("events = %v, want none while retries remain", events)
	}
}

func TestManagerFailsJobExceedingMaxAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{stage: "ingest"}
	summarize := &stubStage{stage: "summarize"}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/worn-out")
	ctx := context.Background()
	loaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	loaded.Attempts = cfg.Workflow.MaxAttempts
	if err := st.Update(ctx, loaded); err != nil {
		t.Fatalf("update job: %v", err)
	}

	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	final := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusFailed
	})

	if final.ErrorCode != services.CodeMaxAttemptsExceeded {
		t.Fatalf("error code = %q, want %q", final.ErrorCode, services.CodeMaxAttemptsExceeded)
	}
	if final.ErrorMessage != "Job exceeded maximum retry attempts." {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	if got := ingest.executions(); got != 0 {
		t.Fatalf("ingest executions = %d, want 0", got)
	}
}

func TestManagerFailsJobMissingRequiredFields(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{stage: "ingest"}
	summarize := &stubStage{stage: "summarize"}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/half-formed")
	ctx := context.Background()
	loaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	loaded.URL = ""
	if err := st.Update(ctx, loaded); err != nil {
		t.Fatalf("update job: %v", err)
	}

	startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	final := waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusFailed
	})

	if final.ErrorCode != services.CodeInvalidJobPayload {
		t.Fatalf("error code = %q, want %q", final.ErrorCode, services.CodeInvalidJobPayload)
	}
	if final.ErrorMessage != "Job is missing required fields (url or user_id)." {
		t.Fatalf("error message = %q", final.ErrorMessage)
	}
	if got := ingest.executions(); got != 0 {
		t.Fatalf("ingest executions = %d, want 0", got)
	}
}

func TestManagerStartValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	mgr := workflow.NewManagerWithNotifier(cfg, st, nil, logging.NewNop(), &recordingNotifier{})
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected start without stages to fail")
	}

	mgr.ConfigureStages(workflow.StageSet{
		Ingest:    &stubStage{stage: "ingest"},
		Summarize: &stubStage{stage: "summarize"},
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	defer mgr.Stop()
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}
}

func TestManagerStatusReportsPipelineState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &recordingNotifier{}

	ingest := &stubStage{
		stage: "ingest",
		execute: func(_ context.Context, job *store.Job) error {
			transcriptID := int64(31)
			job.TranscriptID = &transcriptID
			return nil
		},
	}
	summarize := &stubStage{
		stage: "summarize",
		execute: func(_ context.Context, job *store.Job) error {
			summaryID := int64(41)
			job.SummaryID = &summaryID
			return nil
		},
	}

	job := testsupport.NewJob(t, st, "user-1", "https://youtu.be/status-check")
	mgr := startManager(t, cfg, st, notifier, workflow.StageSet{Ingest: ingest, Summarize: summarize})

	waitForJob(t, st, job.ID, func(j *store.Job) bool {
		return j.Status == store.StatusCompleted
	})

	summary := mgr.Status(context.Background())
	if !summary.Running {
		t.Fatal("expected manager to report running")
	}
	if summary.LastError != "" {
		t.Fatalf("last error = %q, want empty", summary.LastError)
	}
	if summary.LastJob == nil || summary.LastJob.ID != job.ID {
		t.Fatalf("last job = %+v, want id %s", summary.LastJob, job.ID)
	}
	if summary.QueueStats[store.StatusCompleted] != 1 {
		t.Fatalf("completed count = %d, want 1", summary.QueueStats[store.StatusCompleted])
	}
	for _, name := range []string{"ingest", "summarize"} {
		health, ok := summary.StageHealth[name]
		if !ok || !health.Ready {
			t.Fatalf("stage %s health = %+v, want ready", name, health)
		}
	}
}
