package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fathom/internal/api"
	"fathom/internal/billing"
	"fathom/internal/config"
	"fathom/internal/daemon"
	"fathom/internal/entitlement"
	"fathom/internal/fanout"
	"fathom/internal/ingest"
	"fathom/internal/ipc"
	"fathom/internal/logging"
	"fathom/internal/notify"
	"fathom/internal/observability"
	"fathom/internal/preflight"
	"fathom/internal/services/identity"
	"fathom/internal/services/objstore"
	"fathom/internal/services/pdfrender"
	"fathom/internal/services/polar"
	"fathom/internal/services/stripeprovider"
	"fathom/internal/services/ytdlp"
	"fathom/internal/store"
	"fathom/internal/summarize"
	"fathom/internal/workflow"
)

const (
	webhookSweepInterval = 5 * time.Minute
	webhookSweepBatch    = 50
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	SocketPath  string
}

// Run starts the fathom daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("fathom-%s.log", runID))
	eventsPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("fathom-%s.events", runID))
	logHub := logging.NewStreamHub(4096)
	eventArchive, archiveErr := logging.NewEventArchive(eventsPath)
	if archiveErr != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize log archive: %v\n", archiveErr)
	} else if eventArchive != nil {
		logHub.AddSink(eventArchive)
	}

	logger, err := logging.New(logging.Options{
		Level:            opts.LogLevel,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		Stream:           logHub,
		RunID:            runID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update fathom.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "fathom-*.log", Exclude: []string{logPath}},
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "fathom-*.events", Exclude: []string{eventsPath}},
	)
	pidPath := filepath.Join(cfg.Paths.DataDir, "fathom.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	defer st.Close()

	eventHub := fanout.NewHub(1024)
	st.SetJobNotifier(eventHub)
	resetInterruptedJobs(signalCtx, st, logger)

	notifier := notify.NewService(cfg)
	engine := entitlement.New(cfg, st, logger)

	billingSvc := buildBillingService(cfg, st, engine, logger)
	if billingSvc != nil {
		if err := billingSvc.SeedPlans(signalCtx); err != nil {
			logger.Warn("seed billing plans failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "billing_seed_failed"),
				logging.String(logging.FieldErrorHint, "check billing.plans entries in the config file"),
			)
		}
		startWebhookSweeper(signalCtx, billingSvc, logger)
	}

	objects := buildObjectStore(signalCtx, cfg, logger)

	metricsHandler, shutdownMetrics, metricsErr := observability.InitMetrics()
	if metricsErr != nil {
		logger.Warn("metrics init failed", logging.Error(metricsErr))
	} else {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = shutdownMetrics(shutdownCtx)
		}()
	}
	instruments, instErr := observability.NewInstruments()
	if instErr != nil {
		logger.Warn("instrument init failed", logging.Error(instErr))
		instruments = nil
	}
	if err := observability.RegisterQueueDepth(logger, func(ctx context.Context) (int64, error) {
		stats, statsErr := st.Stats(ctx)
		if statsErr != nil {
			return 0, statsErr
		}
		return int64(stats[store.StatusQueued]), nil
	}); err != nil {
		logger.Warn("queue depth gauge unavailable", logging.Error(err))
	}
	if endpoint := strings.TrimSpace(cfg.Observability.TracingEndpoint); endpoint != "" {
		shutdownTracing, tracingErr := observability.InitTracing(signalCtx, "fathom", endpoint)
		if tracingErr != nil {
			logger.Warn("tracing init failed", logging.Error(tracingErr))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = shutdownTracing(shutdownCtx)
			}()
		}
	}

	var mgrOpts []workflow.ManagerOption
	if instruments != nil {
		mgrOpts = append(mgrOpts, workflow.WithInstruments(instruments))
	}
	mgr := workflow.NewManagerWithNotifier(cfg, st, engine, logger, notifier, mgrOpts...)
	registerStages(mgr, cfg, st, engine, logger)

	prober := ytdlp.NewCLI(ytdlp.WithBinary(cfg.DownloaderBinary()))
	jobsSvc := api.NewJobsService(cfg, st, prober, engine, mgr, logger)
	summariesSvc := api.NewSummariesService(st, objects, pdfrender.New(cfg.PDF), logger)

	d, err := daemon.New(cfg, st, logger, mgr, daemon.Options{
		Engine:      engine,
		Billing:     billingSvc,
		Events:      eventHub,
		Notifier:    notifier,
		Jobs:        jobsSvc,
		Summaries:   summariesSvc,
		Verifier:    identity.NewVerifier(cfg.Auth),
		Instruments: instruments,
		Metrics:     metricsHandler,
		LogPath:     logPath,
		LogHub:      logHub,
		LogArchive:  eventArchive,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	socketPath := strings.TrimSpace(opts.SocketPath)
	if socketPath == "" {
		socketPath = cfg.SocketPath()
	}
	ipcServer, err := ipc.NewServer(signalCtx, socketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	for _, result := range preflight.RunAll(signalCtx, cfg) {
		if result.Passed {
			continue
		}
		logger.Warn("preflight check failed",
			logging.String(logging.FieldEventType, "preflight_check_failed"),
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
		)
	}

	if err := d.Start(signalCtx); err != nil {
		logger.Warn("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and job database access"),
			logging.String(logging.FieldImpact, "daemon may not process jobs"),
		)
	}

	<-signalCtx.Done()
	logger.Info("fathom daemon shutting down")
	return nil
}

// resetInterruptedJobs rolls jobs a previous run left mid-processing back to
// the start of their stage so workers can claim them again immediately
// instead of waiting out the staleness window.
func resetInterruptedJobs(ctx context.Context, st *store.Store, logger *slog.Logger) {
	n, err := st.ResetStuckProcessing(ctx)
	if err != nil {
		logger.Warn("reset of interrupted jobs failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "jobs_reset_failed"),
			logging.String(logging.FieldImpact, "interrupted jobs wait for the staleness janitor"),
		)
		return
	}
	if n > 0 {
		logger.Info("returned interrupted jobs to their stage start",
			logging.Int64("count", n),
			logging.String(logging.FieldEventType, "jobs_reset_stuck"),
		)
	}
}

func registerStages(mgr *workflow.Manager, cfg *config.Config, st *store.Store, engine *entitlement.Engine, logger *slog.Logger) {
	if mgr == nil || cfg == nil {
		return
	}
	mgr.ConfigureStages(workflow.StageSet{
		Ingest:    ingest.NewIngestor(cfg, st, engine, logger),
		Summarize: summarize.NewSummarizer(cfg, st, logger),
	})
}

// buildBillingService wires the configured payment provider. Plans seeding
// and webhook handling stay disabled when no provider can be constructed.
func buildBillingService(cfg *config.Config, st *store.Store, engine *entitlement.Engine, logger *slog.Logger) *billing.Service {
	var provider billing.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Billing.Provider)) {
	case "stripe":
		provider = stripeprovider.New(cfg)
	case "", "polar":
		p, err := polar.New(cfg)
		if err != nil {
			logger.Warn("billing provider unavailable",
				logging.Error(err),
				logging.String(logging.FieldEventType, "billing_provider_unavailable"),
				logging.String(logging.FieldErrorHint, "check billing.server in the config file"),
			)
			return nil
		}
		provider = p
	default:
		logger.Warn("unknown billing provider",
			logging.String("provider", cfg.Billing.Provider),
			logging.String(logging.FieldEventType, "billing_provider_unavailable"),
			logging.String(logging.FieldErrorHint, "set billing.provider to polar or stripe"),
		)
		return nil
	}
	return billing.NewService(cfg, st, engine, provider, logger)
}

// startWebhookSweeper reapplies webhook deliveries that were recorded but
// never finished, once at startup and then on an interval.
func startWebhookSweeper(ctx context.Context, svc *billing.Service, logger *slog.Logger) {
	sweep := func() {
		n, err := svc.RetryUnfinishedWebhooks(ctx, webhookSweepBatch)
		if err != nil {
			logger.Warn("webhook retry sweep failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "billing_webhook_sweep_failed"),
			)
			return
		}
		if n > 0 {
			logger.Info("reapplied unfinished billing webhooks",
				logging.Int("count", n),
				logging.String(logging.FieldEventType, "billing_webhook_sweep"),
			)
		}
	}
	go func() {
		sweep()
		ticker := time.NewTicker(webhookSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep()
			}
		}
	}()
}

func buildObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) api.ObjectStore {
	if strings.TrimSpace(cfg.ObjectStore.Endpoint) == "" {
		return nil
	}
	client, err := objstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Warn("object store unavailable",
			logging.Error(err),
			logging.String(logging.FieldEventType, "objstore_unavailable"),
			logging.String(logging.FieldImpact, "summary artifacts stay local only"),
		)
		return nil
	}
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.EnsureBucket(ensureCtx); err != nil {
		logger.Warn("object store bucket not ready",
			logging.Error(err),
			logging.String(logging.FieldEventType, "objstore_bucket_not_ready"),
			logging.String(logging.FieldErrorHint, "verify object_store endpoint and credentials"),
		)
	}
	return client
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "fathom.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	downloader := cfg.DownloaderBinary()
	pdfBinary := cfg.PDFBinary()
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("ytdlp_available", binaryAvailable(downloader)),
		logging.String("ytdlp_binary", downloader),
		logging.Bool("weasyprint_available", binaryAvailable(pdfBinary)),
		logging.String("weasyprint_binary", pdfBinary),
		logging.Bool("transcriber_key_present", strings.TrimSpace(cfg.Transcriber.APIKey) != ""),
		logging.Bool("summarizer_key_present", strings.TrimSpace(cfg.Summarizer.APIKey) != ""),
		logging.Bool("object_store_configured", strings.TrimSpace(cfg.ObjectStore.Endpoint) != ""),
		logging.String("billing_provider", cfg.Billing.Provider),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
