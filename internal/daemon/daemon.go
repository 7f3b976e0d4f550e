package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"

	"fathom/internal/api"
	"fathom/internal/billing"
	"fathom/internal/config"
	"fathom/internal/deps"
	"fathom/internal/entitlement"
	"fathom/internal/fanout"
	"fathom/internal/logging"
	"fathom/internal/notify"
	"fathom/internal/observability"
	"fathom/internal/services/identity"
	"fathom/internal/store"
	"fathom/internal/workflow"
)

// Daemon coordinates the worker pool, the HTTP API, and the IPC control
// surface, and enforces single-instance execution with a lock file.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	workflow *workflow.Manager
	engine   *entitlement.Engine
	billing  *billing.Service
	events   *fanout.Hub
	notifier notify.Service

	jobs      *api.JobsService
	summaries *api.SummariesService
	verifier  *identity.Verifier

	instruments *observability.Instruments
	metrics     http.Handler

	logPath string
	logHub  *logging.StreamHub
	archive *logging.EventArchive

	apiSrv *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Options carries the optional collaborators exposed through the daemon's
// API and IPC surfaces. Any field may be nil; the corresponding surface then
// reports a configuration error instead of panicking.
type Options struct {
	Engine      *entitlement.Engine
	Billing     *billing.Service
	Events      *fanout.Hub
	Notifier    notify.Service
	Jobs        *api.JobsService
	Summaries   *api.SummariesService
	Verifier    *identity.Verifier
	Instruments *observability.Instruments
	Metrics     http.Handler
	LogPath     string
	LogHub      *logging.StreamHub
	LogArchive  *logging.EventArchive
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	DBPath       string
	LockFilePath string
	Workflow     workflow.StatusSummary
	Dependencies []deps.Status
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, wf *workflow.Manager, opts Options) (*Daemon, error) {
	if cfg == nil || st == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, store, logger, and workflow manager")
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "fathom.lock")
	d := &Daemon{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		workflow:    wf,
		engine:      opts.Engine,
		billing:     opts.Billing,
		events:      opts.Events,
		notifier:    opts.Notifier,
		jobs:        opts.Jobs,
		summaries:   opts.Summaries,
		verifier:    opts.Verifier,
		instruments: opts.Instruments,
		metrics:     opts.Metrics,
		logPath:     opts.LogPath,
		logHub:      opts.LogHub,
		archive:     opts.LogArchive,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}
	if d.verifier == nil {
		d.verifier = identity.NewVerifier(cfg.Auth)
	}

	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.apiSrv = srv
	return d, nil
}

// Start launches the workflow manager, the HTTP API, and acquires the daemon
// lock.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another fathom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.workflow.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start workflow: %w", err)
	}

	if d.apiSrv != nil {
		if err := d.apiSrv.start(d.ctx); err != nil {
			d.workflow.Stop()
			_ = d.lock.Unlock()
			d.cancel()
			d.ctx = nil
			d.cancel = nil
			return fmt.Errorf("start api server: %w", err)
		}
	}

	d.running.Store(true)
	d.logger.Info("fathom daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.apiSrv.stop()
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("fathom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	summary := d.workflow.Status(ctx)
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     summary,
		DBPath:       d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		Dependencies: deps.Check(d.cfg),
	}
}

// ListJobs returns jobs filtered by optional statuses.
func (d *Daemon) ListJobs(ctx context.Context, statuses []store.Status) ([]*store.Job, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.List(ctx, statuses...)
}

// GetJob returns a single job without owner scoping. Admin surfaces only.
func (d *Daemon) GetJob(ctx context.Context, id string) (*store.Job, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.GetJob(ctx, id)
}

// ClearCompleted removes completed jobs.
func (d *Daemon) ClearCompleted(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, errors.New("job store unavailable")
	}
	return d.store.ClearCompleted(ctx)
}

// ClearFailed removes failed jobs.
func (d *Daemon) ClearFailed(ctx context.Context) (int64, error) {
	if d.store == nil {
		return 0, errors.New("job store unavailable")
	}
	return d.store.ClearFailed(ctx)
}

// RetryFailed requeues failed jobs (optionally a subset) for another run.
func (d *Daemon) RetryFailed(ctx context.Context, ids []string) (int64, error) {
	if d.store == nil {
		return 0, errors.New("job store unavailable")
	}
	updated, err := d.store.RetryFailed(ctx, ids...)
	if err == nil && updated > 0 {
		d.workflow.Wake()
	}
	return updated, err
}

// RequeueStale returns claimed jobs with expired heartbeats to the queue.
func (d *Daemon) RequeueStale(ctx context.Context) ([]string, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	timeout := time.Duration(d.cfg.Workflow.HeartbeatTimeout) * time.Second
	requeued, err := d.store.RequeueStaleJobs(ctx, time.Now().UTC().Add(-timeout))
	if err == nil && len(requeued) > 0 {
		d.workflow.Wake()
	}
	return requeued, err
}

// CancelJob cancels a job that is waiting between stages, acting on behalf
// of its owner. In-flight jobs stay with their worker; the false return
// covers both unknown ids and jobs that were not cancellable.
func (d *Daemon) CancelJob(ctx context.Context, id string) (bool, error) {
	if d.store == nil {
		return false, errors.New("job store unavailable")
	}
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return d.store.CancelJob(ctx, id, job.UserID)
}

// RemoveJob deletes a job record outright. Jobs currently being processed
// are refused; their worker still writes to the row.
func (d *Daemon) RemoveJob(ctx context.Context, id string) (bool, error) {
	if d.store == nil {
		return false, errors.New("job store unavailable")
	}
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if job.Status == store.StatusTranscribing || job.Status == store.StatusSummarizing {
		return false, fmt.Errorf("job %s is being processed; cancel it or wait for the stage to finish", id)
	}
	return d.store.Remove(ctx, id)
}

// QueueHealth returns aggregate queue diagnostics.
func (d *Daemon) QueueHealth(ctx context.Context) (store.HealthSummary, error) {
	if d.store == nil {
		return store.HealthSummary{}, errors.New("job store unavailable")
	}
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (store.DatabaseHealth, error) {
	if d.store == nil {
		return store.DatabaseHealth{}, errors.New("job store unavailable")
	}
	return d.store.CheckHealth(ctx)
}

// Usage returns a user's entitlement overview.
func (d *Daemon) Usage(ctx context.Context, userID string) (*entitlement.Overview, error) {
	if d.engine == nil {
		return nil, errors.New("entitlement engine unavailable")
	}
	return d.engine.Overview(ctx, userID)
}

// Plans returns the billing plan catalog.
func (d *Daemon) Plans(ctx context.Context) ([]*store.Plan, error) {
	if d.store == nil {
		return nil, errors.New("job store unavailable")
	}
	return d.store.ListPlans(ctx)
}

// TestNotification triggers a test notification using the current
// configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.cfg == nil {
		return false, "configuration unavailable", errors.New("configuration unavailable")
	}
	if d.cfg.Notifications.NtfyTopic == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := d.notifier
	if notifier == nil {
		notifier = notify.NewService(d.cfg)
	}
	if err := notifier.Publish(ctx, notify.EventTest, nil); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// LogStream returns the in-memory log event hub, if configured.
func (d *Daemon) LogStream() *logging.StreamHub {
	return d.logHub
}

// LogArchive returns the on-disk log event archive, if configured.
func (d *Daemon) LogArchive() *logging.EventArchive {
	return d.archive
}
