package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fathom/internal/daemon"
	"fathom/internal/entitlement"
	"fathom/internal/ipc"
	"fathom/internal/logging"
	"fathom/internal/stage"
	"fathom/internal/store"
	"fathom/internal/testsupport"
	"fathom/internal/workflow"
)

type noopStage struct{}

func (noopStage) Prepare(context.Context, *store.Job) error { return nil }
func (noopStage) Execute(context.Context, *store.Job) error { return nil }
func (noopStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy("noop")
}

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	logPath := filepath.Join(cfg.Paths.LogDir, "ipc-test.log")
	logger := logging.NewNop()
	engine := entitlement.New(cfg, st, logger)
	mgr := workflow.NewManager(cfg, st, engine, logger)
	mgr.ConfigureStages(workflow.StageSet{Ingest: noopStage{}, Summarize: noopStage{}})
	d, err := daemon.New(cfg, st, logger, mgr, daemon.Options{
		Engine:  engine,
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	// Queue maintenance below runs against a stopped daemon so worker claims
	// cannot race the assertions.
	jobA := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=ipcjobA1")
	jobB := testsupport.NewJob(t, st, "user-1", "https://www.youtube.com/watch?v=ipcjobB1")
	jobB.Status = store.StatusFailed
	if err := st.Update(ctx, jobB); err != nil {
		t.Fatalf("Update jobB: %v", err)
	}
	jobC := testsupport.NewJob(t, st, "user-2", "https://www.youtube.com/watch?v=ipcjobC1")
	jobC.Status = store.StatusCompleted
	if err := st.Update(ctx, jobC); err != nil {
		t.Fatalf("Update jobC: %v", err)
	}

	listResp, err := client.QueueList(nil)
	if err != nil {
		t.Fatalf("QueueList failed: %v", err)
	}
	if len(listResp.Jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(listResp.Jobs))
	}

	failedResp, err := client.QueueList([]string{string(store.StatusFailed)})
	if err != nil {
		t.Fatalf("QueueList failed filter: %v", err)
	}
	if len(failedResp.Jobs) != 1 || failedResp.Jobs[0].ID != jobB.ID {
		t.Fatalf("expected failed job %s, got %#v", jobB.ID, failedResp.Jobs)
	}

	describeResp, err := client.QueueDescribe(jobA.ID)
	if err != nil {
		t.Fatalf("QueueDescribe failed: %v", err)
	}
	if describeResp.Job.ID != jobA.ID {
		t.Fatalf("unexpected described job: %s", describeResp.Job.ID)
	}
	if _, err := client.QueueDescribe("does-not-exist"); err == nil {
		t.Fatal("expected describe of unknown job to fail")
	}

	retryResp, err := client.QueueRetry(nil)
	if err != nil {
		t.Fatalf("QueueRetry failed: %v", err)
	}
	if retryResp.Updated != 1 {
		t.Fatalf("expected 1 retried job, got %d", retryResp.Updated)
	}

	// A worker that claimed a job an hour ago is long past the heartbeat
	// deadline, so requeue-stale reclaims it.
	claimed, err := st.ClaimNextJob(ctx, "worker-dead", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected to claim a queued job")
	}
	staleResp, err := client.RequeueStale()
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if len(staleResp.Requeued) != 1 || staleResp.Requeued[0] != claimed.ID {
		t.Fatalf("expected job %s requeued, got %#v", claimed.ID, staleResp.Requeued)
	}

	clearCompletedResp, err := client.QueueClearCompleted()
	if err != nil {
		t.Fatalf("QueueClearCompleted failed: %v", err)
	}
	if clearCompletedResp.Removed != 1 {
		t.Fatalf("expected 1 completed job removed, got %d", clearCompletedResp.Removed)
	}

	clearFailedResp, err := client.QueueClearFailed()
	if err != nil {
		t.Fatalf("QueueClearFailed failed: %v", err)
	}
	if clearFailedResp.Removed != 0 {
		t.Fatalf("expected 0 failed jobs removed after retry, got %d", clearFailedResp.Removed)
	}

	healthResp, err := client.QueueHealth()
	if err != nil {
		t.Fatalf("QueueHealth failed: %v", err)
	}
	if healthResp.Total != 2 || healthResp.Failed != 0 {
		t.Fatalf("unexpected health response: %#v", healthResp)
	}

	usageResp, err := client.Usage("user-1")
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usageResp.Usage.FreeRemaining != cfg.Billing.FreeTierSeconds {
		t.Fatalf("expected fresh free tier, got %#v", usageResp.Usage)
	}
	if _, err := client.Usage(""); err == nil {
		t.Fatal("expected usage without user id to fail")
	}

	if err := st.SeedPlans(ctx, []store.Plan{{
		Code:           "pack-10h",
		Name:           "10 hour pack",
		Kind:           store.PlanPack,
		PriceCents:     900,
		Currency:       "usd",
		SecondsGranted: 36000,
		Active:         true,
	}}); err != nil {
		t.Fatalf("SeedPlans: %v", err)
	}
	plansResp, err := client.Plans()
	if err != nil {
		t.Fatalf("Plans failed: %v", err)
	}
	if len(plansResp.Plans) != 1 || plansResp.Plans[0].Code != "pack-10h" {
		t.Fatalf("unexpected plans: %#v", plansResp.Plans)
	}

	if err := os.WriteFile(logPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	logResp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("LogTail initial failed: %v", err)
	}
	if len(logResp.Lines) != 2 || logResp.Lines[0] != "second" || logResp.Lines[1] != "third" {
		t.Fatalf("unexpected log tail response: %#v", logResp.Lines)
	}

	followDone := make(chan struct{})
	go func(offset int64) {
		resp, err := client.LogTail(ipc.LogTailRequest{Offset: offset, Follow: true, WaitMillis: 500})
		if err != nil {
			t.Errorf("LogTail follow error: %v", err)
			return
		}
		if len(resp.Lines) != 1 || resp.Lines[0] != "fourth" {
			t.Errorf("unexpected follow lines: %#v", resp.Lines)
		}
		close(followDone)
	}(logResp.Offset)

	time.Sleep(100 * time.Millisecond)
	if f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		_, _ = f.WriteString("fourth\n")
		_ = f.Close()
	} else {
		t.Fatalf("append log: %v", err)
	}

	select {
	case <-followDone:
	case <-time.After(10 * time.Second):
		t.Fatal("log tail follow timed out")
	}

	dbHealth, err := client.DatabaseHealth()
	if err != nil {
		t.Fatalf("DatabaseHealth failed: %v", err)
	}
	if !strings.HasSuffix(dbHealth.DBPath, "fathom.db") {
		t.Fatalf("unexpected db path: %s", dbHealth.DBPath)
	}

	notifyResp, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification failed: %v", err)
	}
	if notifyResp == nil || notifyResp.Message == "" {
		t.Fatalf("expected notification message, got %#v", notifyResp)
	}

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if !strings.HasSuffix(status.DBPath, "fathom.db") {
		t.Fatalf("unexpected db path: %s", status.DBPath)
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatal("expected stop response to be true")
	}

	status2, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status2.Running {
		t.Fatal("expected daemon to be stopped")
	}
}
