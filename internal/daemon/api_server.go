package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"fathom/internal/api"
	"fathom/internal/config"
	"fathom/internal/fanout"
	"fathom/internal/logging"
	"fathom/internal/services"
)

const (
	// sseSliceInterval bounds how long the job event stream waits for hub
	// activity before re-reading the job row, which keeps the original
	// one-second progress cadence for quiet jobs.
	sseSliceInterval = time.Second
	// feedWait bounds the owner event feed long-poll. Kept under the server
	// write timeout so an empty page is still delivered.
	feedWait = 20 * time.Second
)

type apiServer struct {
	bind    string
	cfg     *config.Config
	logger  *slog.Logger
	daemon  *Daemon
	limiter *rateLimiter

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:    bind,
		cfg:     cfg,
		logger:  logger,
		daemon:  d,
		limiter: newRateLimiter(cfg.API.RateLimitPerMinute),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/summaries", srv.handleSummaries)
	mux.HandleFunc("/api/summaries/", srv.handleSummaryItem)
	mux.HandleFunc("/api/jobs", srv.handleJobs)
	mux.HandleFunc("/api/jobs/", srv.handleJobItem)
	mux.HandleFunc("/api/events", srv.handleEventFeed)
	mux.HandleFunc("/api/billing/plans", srv.handlePlans)
	mux.HandleFunc("/api/billing/usage", srv.handleUsage)
	mux.HandleFunc("/api/billing/account", srv.handleAccount)
	mux.HandleFunc("/api/billing/checkout", srv.handleCheckout)
	mux.HandleFunc("/api/billing/portal", srv.handlePortal)
	mux.HandleFunc("/api/billing/refund", srv.handleRefund)
	mux.HandleFunc("/api/webhooks/billing", srv.handleBillingWebhook)
	mux.HandleFunc("/api/status", srv.adminOnly(srv.handleStatus))
	mux.HandleFunc("/api/logs", srv.adminOnly(srv.handleLogs))
	if d.metrics != nil {
		mux.Handle("/metrics", d.metrics)
	}
	mux.HandleFunc("/healthz", srv.handleHealth)

	srv.server = &http.Server{
		Handler:           srv.withMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// handleSummaries accepts job submissions.
func (s *apiServer) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	var req api.SummarizeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	view, created, err := s.daemon.jobs.CreateSummaryJob(r.Context(), userID, req.URL)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, api.JobResponse{Job: *view})
}

// handleSummaryItem serves GET /api/summaries/{id} and POST
// /api/summaries/{id}/pdf.
func (s *apiServer) handleSummaryItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/summaries/")
	idStr, tail, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, services.Wrap(services.ErrValidation, "api", "summaries", "Invalid summary id", nil))
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	switch {
	case tail == "" && r.Method == http.MethodGet:
		view, err := s.daemon.summaries.Summary(r.Context(), userID, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
	case tail == "pdf" && r.Method == http.MethodPost:
		view, err := s.daemon.summaries.RenderSummaryPDF(r.Context(), userID, id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
	case tail == "" || tail == "pdf":
		s.writeMethodNotAllowed(w)
	default:
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "summaries", "Summary not found", nil))
	}
}

// handleJobs lists the caller's recent jobs.
func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	views, err := s.daemon.jobs.ListJobs(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

// handleJobItem serves GET /api/jobs/{id} and GET /api/jobs/{id}/events.
func (s *apiServer) handleJobItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	jobID, tail, _ := strings.Cut(rest, "/")
	if jobID == "" {
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "jobs", "Job not found", nil))
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	switch tail {
	case "":
		view, err := s.daemon.jobs.JobStatus(r.Context(), userID, jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobResponse{Job: *view})
	case "events":
		s.streamJobEvents(w, r, userID, jobID)
	default:
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "jobs", "Job not found", nil))
	}
}

// streamJobEvents pushes job state over SSE until the job reaches a terminal
// status or the client disconnects. Hub events arrive immediately; quiet
// stretches fall back to one snapshot per second so clients always observe
// progress at the poll cadence.
func (s *apiServer) streamJobEvents(w http.ResponseWriter, r *http.Request, userID, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, services.Wrap(services.ErrConfiguration, "api", "job events", "Streaming is not supported on this connection", nil))
		return
	}

	job, err := s.daemon.store.GetJobForUser(r.Context(), jobID, userID)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "job events", "Could not load the job", err))
		return
	}
	if job == nil {
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "job events", "Job not found", nil))
		return
	}

	// Streams outlive the server write timeout by design.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(evt fanout.JobEvent) bool {
		payload, err := json.Marshal(evt)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(fanout.Snapshot(job)) || job.Status.IsTerminal() {
		return
	}

	hub := s.daemon.events
	var since uint64
	if hub != nil {
		_, since, _ = hub.Fetch(r.Context(), math.MaxUint64, 1, false)
	}

	ctx := r.Context()
	ticker := time.NewTicker(sseSliceInterval)
	defer ticker.Stop()

	for {
		var events []fanout.JobEvent
		if hub != nil {
			slice, cancel := context.WithTimeout(ctx, sseSliceInterval)
			events, since, _ = hub.Fetch(slice, since, 64, true)
			cancel()
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		emitted := false
		for _, evt := range events {
			if evt.JobID != jobID {
				continue
			}
			if !writeEvent(evt) {
				return
			}
			emitted = true
			if evt.Terminal {
				return
			}
		}
		if emitted {
			continue
		}

		job, err := s.daemon.store.GetJobForUser(ctx, jobID, userID)
		if err != nil || job == nil {
			return
		}
		if !writeEvent(fanout.Snapshot(job)) || job.Status.IsTerminal() {
			return
		}
	}
}

// handleEventFeed serves the owner-scoped change feed. The request blocks
// until events newer than the cursor arrive or the wait expires, so pollers
// get push-like latency without holding an SSE stream.
func (s *apiServer) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	hub := s.daemon.events
	if hub == nil {
		s.writeJSON(w, http.StatusOK, api.EventFeedResponse{Events: nil, Next: 0})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	wait := query.Get("wait") != "0"

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, feedWait)
		defer cancel()
	}

	events, next, err := hub.FetchForUser(ctx, userID, since, limit, wait)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "event feed", "Could not read the event feed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, api.EventFeedResponse{Events: events, Next: next})
}

func (s *apiServer) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	if _, ok := s.user(w, r); !ok {
		return
	}
	plans, err := s.daemon.Plans(r.Context())
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "plans", "Could not load the plan catalog", err))
		return
	}
	s.writeJSON(w, http.StatusOK, api.PlanListResponse{Plans: api.FromPlans(plans)})
}

func (s *apiServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	overview, err := s.daemon.Usage(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromOverview(overview))
}

func (s *apiServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	overview, err := s.daemon.Usage(ctx, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	lots, err := s.daemon.store.CreditLotsForUser(ctx, userID)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "account", "Could not load credit lots", err))
		return
	}
	orders, err := s.daemon.store.ListOrdersForUser(ctx, userID, 50)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "account", "Could not load orders", err))
		return
	}
	events, err := s.daemon.store.ListUsageEvents(ctx, userID, 50)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrTransient, "api", "account", "Could not load usage history", err))
		return
	}

	s.writeJSON(w, http.StatusOK, api.AccountView{
		Usage:  api.FromOverview(overview),
		Lots:   api.FromCreditLots(lots),
		Orders: api.FromOrders(orders),
		Events: api.FromUsageEvents(events),
	})
}

func (s *apiServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if s.daemon.billing == nil {
		s.writeError(w, services.Wrap(services.ErrConfiguration, "api", "checkout", "Billing is not configured", nil))
		return
	}
	var req api.CheckoutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	session, err := s.daemon.billing.Checkout(r.Context(), userID, req.PlanCode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromCheckoutSession(session))
}

func (s *apiServer) handlePortal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if s.daemon.billing == nil {
		s.writeError(w, services.Wrap(services.ErrConfiguration, "api", "portal", "Billing is not configured", nil))
		return
	}
	session, err := s.daemon.billing.Portal(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromPortalSession(session))
}

func (s *apiServer) handleRefund(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if s.daemon.billing == nil {
		s.writeError(w, services.Wrap(services.ErrConfiguration, "api", "refund", "Billing is not configured", nil))
		return
	}
	var req api.RefundRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	result, err := s.daemon.billing.RequestPackRefund(r.Context(), userID, req.ProviderOrderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromRefundResult(result))
}

// handleBillingWebhook accepts provider webhooks. Authentication is the
// provider signature, verified inside the billing service.
func (s *apiServer) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w)
		return
	}
	if s.daemon.billing == nil {
		s.writeError(w, services.Wrap(services.ErrConfiguration, "api", "webhook", "Billing is not configured", nil))
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeBodyError(w, err)
		return
	}
	if err := s.daemon.billing.HandleWebhook(r.Context(), payload, r.Header); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	status := s.daemon.Status(r.Context())
	depViews := make([]api.DependencyStatus, len(status.Dependencies))
	for i, dep := range status.Dependencies {
		depViews[i] = api.DependencyStatus{
			Name:        dep.Name,
			Command:     dep.Command,
			Description: dep.Description,
			Optional:    dep.Optional,
			Available:   dep.Available,
			Detail:      dep.Detail,
		}
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		DBPath:       status.DBPath,
		LockFilePath: status.LockFilePath,
		Workflow:     api.FromStatusSummary(status.Workflow),
		Dependencies: depViews,
	})
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	hub := s.daemon.LogStream()
	archive := s.daemon.LogArchive()
	if hub == nil && archive == nil {
		s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: nil, Next: 0})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	tail := query.Get("tail") == "1" || strings.EqualFold(query.Get("tail"), "true")

	filterJob := strings.TrimSpace(query.Get("job"))
	filterUser := strings.TrimSpace(query.Get("user"))
	component := strings.TrimSpace(query.Get("component"))
	level := strings.TrimSpace(query.Get("level"))

	var (
		converted []api.LogEvent
		next      uint64
	)

	// Cursors older than the hub retains are served from the on-disk
	// archive, so reconnecting clients do not lose history.
	if archive != nil && since > 0 {
		firstSeq := uint64(0)
		if hub != nil {
			firstSeq = hub.FirstSequence()
		}
		if hub == nil || (firstSeq > 0 && since < firstSeq) {
			archived, cursor, archErr := archive.ReadSince(since, limit)
			if archErr != nil {
				s.log().Warn("log archive read failed", logging.Error(archErr))
			} else if len(archived) > 0 {
				converted = api.FromLogEvents(archived)
				next = cursor
			}
		}
	}
	if tail && since == 0 && !follow && hub != nil {
		raw, cursor := hub.Tail(limit)
		converted = api.FromLogEvents(raw)
		next = cursor
	} else if len(converted) == 0 && hub != nil {
		raw, cursor, fetchErr := hub.Fetch(r.Context(), since, limit, follow)
		if fetchErr != nil && !errors.Is(fetchErr, context.Canceled) && !errors.Is(fetchErr, context.DeadlineExceeded) {
			s.writeError(w, services.Wrap(services.ErrTransient, "api", "logs", "Could not read the log stream", fetchErr))
			return
		}
		converted = api.FromLogEvents(raw)
		next = cursor
	}

	filtered := make([]api.LogEvent, 0, len(converted))
	for _, evt := range converted {
		if filterJob != "" && evt.JobID != filterJob {
			continue
		}
		if filterUser != "" && evt.UserID != filterUser {
			continue
		}
		if component != "" && !strings.EqualFold(component, evt.Component) {
			continue
		}
		if level != "" && !strings.EqualFold(level, evt.Level) {
			continue
		}
		filtered = append(filtered, evt)
	}

	s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: filtered, Next: next})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w)
		return
	}
	if _, err := s.daemon.QueueHealth(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeJSON decodes the request body into dst, reporting validation or body
// size failures to the client. It returns false when a response was written.
func (s *apiServer) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeBodyError(w, err)
		return false
	}
	return true
}

func (s *apiServer) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeErrorCode(w, http.StatusRequestEntityTooLarge, "request_too_large",
			fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	s.writeError(w, services.Wrap(services.ErrValidation, "api", "decode request", "Request body is not valid JSON", err))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

// writeError maps a service error onto the wire envelope.
func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	s.writeErrorCode(w, services.HTTPStatus(err), services.WireCode(err), err.Error())
}

func (s *apiServer) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}

func (s *apiServer) writeMethodNotAllowed(w http.ResponseWriter) {
	s.writeErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// routeLabel collapses path parameters so metrics stay low-cardinality.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/summaries/"):
		if strings.HasSuffix(path, "/pdf") {
			return "/api/summaries/{id}/pdf"
		}
		return "/api/summaries/{id}"
	case strings.HasPrefix(path, "/api/jobs/"):
		if strings.HasSuffix(path, "/events") {
			return "/api/jobs/{id}/events"
		}
		return "/api/jobs/{id}"
	default:
		return path
	}
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}
