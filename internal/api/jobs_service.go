package api

import (
	"context"
	"log/slog"
	"strings"

	"fathom/internal/config"
	"fathom/internal/logging"
	"fathom/internal/media"
	"fathom/internal/services"
	"fathom/internal/services/ytdlp"
	"fathom/internal/store"
)

// JobQueue abstracts the job persistence interactions needed for submissions
// and status queries.
type JobQueue interface {
	NewJob(ctx context.Context, params store.NewJobParams) (*store.Job, error)
	GetJobForUser(ctx context.Context, id, userID string) (*store.Job, error)
	FindActiveJobForURL(ctx context.Context, userID, urlHash string) (*store.Job, error)
	ListJobsForUser(ctx context.Context, userID string, limit int) ([]*store.Job, error)
}

// MetadataProber resolves video metadata before a job is enqueued.
type MetadataProber interface {
	Probe(ctx context.Context, rawURL string) (*ytdlp.Metadata, error)
}

// Admitter decides whether a user may start a job of the projected length.
type Admitter interface {
	Admit(ctx context.Context, userID string, projectedSeconds int64) error
}

// Waker nudges the worker pool after a submission so queued work starts
// without waiting out a poll interval.
type Waker interface {
	Wake()
}

// JobsService validates submissions and exposes job reads scoped to their
// owner.
type JobsService struct {
	cfg      *config.Config
	store    JobQueue
	prober   MetadataProber
	admitter Admitter
	waker    Waker
	logger   *slog.Logger
}

// NewJobsService constructs a JobsService around the provided collaborators.
// The prober, admitter, and waker may be nil; the corresponding step is
// skipped.
func NewJobsService(cfg *config.Config, queue JobQueue, prober MetadataProber, admitter Admitter, waker Waker, logger *slog.Logger) *JobsService {
	if cfg == nil || queue == nil {
		return nil
	}
	return &JobsService{
		cfg:      cfg,
		store:    queue,
		prober:   prober,
		admitter: admitter,
		waker:    waker,
		logger:   logging.NewComponentLogger(logger, "api-jobs"),
	}
}

// CreateSummaryJob validates a submission and enqueues it. When the user
// already has a live job for the same URL that job is returned instead of
// queueing a duplicate; the created flag reports which happened.
func (s *JobsService) CreateSummaryJob(ctx context.Context, userID, rawURL string) (*JobView, bool, error) {
	if s == nil || s.store == nil {
		return nil, false, services.Wrap(services.ErrConfiguration, "api", "create job", "Job submission is not configured", nil)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, services.Wrap(services.ErrUnauthorized, "api", "create job", "User id is required", nil)
	}
	if _, err := media.ValidateSourceURL(rawURL); err != nil {
		return nil, false, err
	}
	rawURL = strings.TrimSpace(rawURL)
	urlHash := media.URLHash(rawURL)

	existing, err := s.store.FindActiveJobForURL(ctx, userID, urlHash)
	if err != nil {
		return nil, false, services.Wrap(services.ErrTransient, "api", "create job", "Could not check for an existing job", err)
	}
	if existing != nil {
		s.logger.Info("summarize request joined active job",
			logging.String(logging.FieldUserID, userID),
			logging.String(logging.FieldJobID, existing.ID))
		view := FromJob(existing)
		return &view, false, nil
	}

	// Blocked accounts are turned away before the metadata probe spends a
	// subprocess and a network round trip; the projection against the debt
	// cap runs again below once the real duration is known.
	if s.admitter != nil {
		if err := s.admitter.Admit(ctx, userID, 0); err != nil {
			return nil, false, err
		}
	}

	var (
		title    string
		duration int64
	)
	if s.prober != nil {
		meta, err := s.prober.Probe(ctx, rawURL)
		if err != nil {
			return nil, false, err
		}
		if meta != nil {
			title = strings.TrimSpace(meta.Title)
			duration = meta.DurationSeconds
		}
		if max := int64(s.cfg.Downloader.MaxDurationSeconds); max > 0 && duration > max {
			return nil, false, services.Wrap(services.ErrValidation, "api", "validate duration", "Video exceeds maximum allowed duration.", nil)
		}
	}

	if s.admitter != nil {
		if err := s.admitter.Admit(ctx, userID, duration); err != nil {
			return nil, false, err
		}
	}

	job, err := s.store.NewJob(ctx, store.NewJobParams{
		UserID:           userID,
		URL:              rawURL,
		URLHash:          urlHash,
		Title:            title,
		PromptKey:        s.cfg.Summarizer.PromptKey,
		TranscriberModel: s.cfg.Transcriber.Model,
		SummarizerModel:  s.cfg.Summarizer.Model,
	})
	if err != nil {
		return nil, false, services.Wrap(services.ErrTransient, "api", "create job", "Could not enqueue the job", err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	s.logger.Info("summarize job created",
		logging.String(logging.FieldUserID, userID),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int64("duration_seconds", duration))
	view := FromJob(job)
	return &view, true, nil
}

// JobStatus returns the caller's job or a not-found error. Jobs belonging to
// other users are indistinguishable from missing ones.
func (s *JobsService) JobStatus(ctx context.Context, userID, jobID string) (*JobView, error) {
	if s == nil || s.store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "job status", "Job lookups are not configured", nil)
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, services.Wrap(services.ErrValidation, "api", "job status", "Job id is required", nil)
	}
	job, err := s.store.GetJobForUser(ctx, jobID, strings.TrimSpace(userID))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "job status", "Could not load the job", err)
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "job status", "Job not found.", nil)
	}
	view := FromJob(job)
	return &view, nil
}

// ListJobs returns the caller's newest jobs.
func (s *JobsService) ListJobs(ctx context.Context, userID string, limit int) ([]JobView, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	jobs, err := s.store.ListJobsForUser(ctx, strings.TrimSpace(userID), limit)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "list jobs", "Could not list jobs", err)
	}
	return FromJobs(jobs), nil
}
