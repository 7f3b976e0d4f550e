package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestStreamHandler_WithAttrs(t *testing.T) {
	hub := NewStreamHub(100)

	base := slog.NewTextHandler(discardWriter{}, nil)
	handler := newStreamHandler(base, hub)

	// Logger carrying a job_id attribute, as workflow job loggers do.
	logger := slog.New(handler).With(slog.String("job_id", "0b6f9c1e-4c1a-4c83-9f0a-2f2f5a1d9b42"))

	logger.Info("test message", slog.String("extra", "value"))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	if events[0].JobID != "0b6f9c1e-4c1a-4c83-9f0a-2f2f5a1d9b42" {
		t.Errorf("expected job_id from WithAttrs, got %q", events[0].JobID)
	}
	if events[0].Message != "test message" {
		t.Errorf("expected message='test message', got %q", events[0].Message)
	}
}

func TestStreamHandler_NestedWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	base := slog.NewTextHandler(discardWriter{}, nil)
	handler := newStreamHandler(base, hub)

	logger := slog.New(handler).
		With(slog.String("user_id", "user-7")).
		With(slog.String("job_id", "job-99")).
		With(slog.String("stage", "summarizing"))

	logger.Info("summary progress")

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	evt := events[0]
	if evt.JobID != "job-99" {
		t.Errorf("expected job_id='job-99', got %q", evt.JobID)
	}
	if evt.UserID != "user-7" {
		t.Errorf("expected user_id='user-7', got %q", evt.UserID)
	}
	if evt.Stage != "summarizing" {
		t.Errorf("expected stage='summarizing', got %q", evt.Stage)
	}
}

func TestStreamHandler_CallSiteOverridesWithAttrs(t *testing.T) {
	hub := NewStreamHub(100)
	base := slog.NewTextHandler(discardWriter{}, nil)
	handler := newStreamHandler(base, hub)

	logger := slog.New(handler).With(slog.String("stage", "original"))

	logger.Info("message", slog.String("stage", "overridden"))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	if events[0].Stage != "overridden" {
		t.Errorf("expected stage='overridden', got %q", events[0].Stage)
	}
}

func TestStreamHandler_NilHub(t *testing.T) {
	base := slog.NewTextHandler(discardWriter{}, nil)
	handler := newStreamHandler(base, nil)

	if handler != base {
		t.Errorf("expected base handler when hub is nil")
	}
}

func TestStreamHandler_Enabled(t *testing.T) {
	hub := NewStreamHub(100)
	base := slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := newStreamHandler(base, hub)

	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected INFO to be disabled when base level is WARN")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected WARN to be enabled when base level is WARN")
	}
}

func TestStreamHubFetchWaitsForEvents(t *testing.T) {
	hub := NewStreamHub(8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		events, _, err := hub.Fetch(context.Background(), 0, 10, true)
		if err != nil {
			t.Errorf("Fetch returned error: %v", err)
			return
		}
		if len(events) != 1 || events[0].Message != "wake" {
			t.Errorf("unexpected events: %+v", events)
		}
	}()

	hub.Publish(LogEvent{Message: "wake"})
	<-done
}

func TestStreamHubFetchHonorsContextCancel(t *testing.T) {
	hub := NewStreamHub(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := hub.Fetch(ctx, 0, 10, true); err == nil {
		t.Fatal("expected context error from blocked Fetch")
	}
}

func TestStreamHubRollsOverCapacity(t *testing.T) {
	hub := NewStreamHub(3)
	for i := 0; i < 5; i++ {
		hub.Publish(LogEvent{Message: "m"})
	}
	events, next := hub.Tail(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 buffered events, got %d", len(events))
	}
	if next != 5 {
		t.Fatalf("expected next sequence 5, got %d", next)
	}
	if first := hub.FirstSequence(); first != 3 {
		t.Fatalf("expected first buffered sequence 3, got %d", first)
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
