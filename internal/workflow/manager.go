package workflow

import (
	"sync"
	"time"

	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fathom/internal/config"
	"fathom/internal/entitlement"
	"fathom/internal/notify"
	"fathom/internal/observability"
	"fathom/internal/store"
)

// Manager coordinates queue processing using registered stage handlers.
type Manager struct {
	cfg          *config.Config
	store        *store.Store
	engine       *entitlement.Engine
	logger       *slog.Logger
	notifier     notify.Service
	instruments  *observability.Instruments
	pollInterval time.Duration
	heartbeat    *HeartbeatMonitor
	tracer       trace.Tracer

	stages map[store.Status]pipelineStage

	wake chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  func()
	wg      sync.WaitGroup
	lastErr error
	lastJob *store.Job
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithInstruments attaches pipeline metrics. Without it the manager runs
// with recording disabled.
func WithInstruments(instruments *observability.Instruments) ManagerOption {
	return func(m *Manager) {
		m.instruments = instruments
	}
}

// NewManager constructs a workflow manager with the default notifier.
func NewManager(cfg *config.Config, st *store.Store, engine *entitlement.Engine, logger *slog.Logger, opts ...ManagerOption) *Manager {
	return NewManagerWithNotifier(cfg, st, engine, logger, notify.NewService(cfg), opts...)
}

// NewManagerWithNotifier constructs a workflow manager with a custom notifier
// (used in tests).
func NewManagerWithNotifier(cfg *config.Config, st *store.Store, engine *entitlement.Engine, logger *slog.Logger, notifier notify.Service, opts ...ManagerOption) *Manager {
	pollInterval := time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	m := &Manager{
		cfg:          cfg,
		store:        st,
		engine:       engine,
		logger:       logger,
		notifier:     notifier,
		pollInterval: pollInterval,
		heartbeat: NewHeartbeatMonitor(
			st,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		tracer: otel.Tracer("fathom-workflow"),
		stages: make(map[store.Status]pipelineStage),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wake nudges an idle worker so a freshly enqueued job is claimed without
// waiting out the poll interval.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
