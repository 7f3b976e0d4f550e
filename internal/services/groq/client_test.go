package groq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"fathom/internal/services"
)

func TestTranscribeURLSendsMultipartForm(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("expected /audio/transcriptions path, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart form: %v", err)
		}
		if got := r.FormValue("url"); got != "https://cdn.example/audio.m4a?sig=abc" {
			t.Errorf("unexpected url field: %q", got)
		}
		if got := r.FormValue("model"); got != "whisper-large-v3-turbo" {
			t.Errorf("unexpected model field: %q", got)
		}
		if got := r.FormValue("response_format"); got != "json" {
			t.Errorf("unexpected response_format field: %q", got)
		}
		if got := r.FormValue("temperature"); got != "0" {
			t.Errorf("unexpected temperature field: %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("unexpected language field: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text": "  Welcome back to the show.  "}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Language: "en"})
	text, err := client.TranscribeURL(context.Background(), "https://cdn.example/audio.m4a?sig=abc")
	if err != nil {
		t.Fatalf("TranscribeURL failed: %v", err)
	}
	if text != "Welcome back to the show." {
		t.Fatalf("unexpected transcript: %q", text)
	}
}

func TestTranscribeURLClassifiesErrors(t *testing.T) {
	cases := []struct {
		name          string
		status        int
		wantMarker    error
		wantPermanent bool
	}{
		{name: "rejected key", status: http.StatusUnauthorized, wantMarker: services.ErrConfiguration, wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantMarker: services.ErrTranscription, wantPermanent: false},
		{name: "server error", status: http.StatusBadGateway, wantMarker: services.ErrTranscription, wantPermanent: false},
		{name: "rejected audio", status: http.StatusBadRequest, wantMarker: services.ErrTranscription, wantPermanent: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprintf(w, `{"error":{"message":"refused with %d"}}`, tc.status)
			}))
			defer server.Close()

			client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
			_, err := client.TranscribeURL(context.Background(), "https://cdn.example/audio.m4a")
			if !errors.Is(err, tc.wantMarker) {
				t.Fatalf("expected marker %v, got %v", tc.wantMarker, err)
			}
			if got := services.IsPermanent(err); got != tc.wantPermanent {
				t.Fatalf("expected permanent=%v, got %v for %v", tc.wantPermanent, got, err)
			}
		})
	}
}

func TestTranscribeURLRejectsEmptyTranscript(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text": "   "}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	_, err := client.TranscribeURL(context.Background(), "https://cdn.example/audio.m4a")
	if !errors.Is(err, services.ErrTranscription) {
		t.Fatalf("expected transcription error for empty text, got %v", err)
	}
}

func TestTranscribeURLValidatesInputs(t *testing.T) {
	unconfigured := NewClient(Config{})
	if _, err := unconfigured.TranscribeURL(context.Background(), "https://cdn.example/audio.m4a"); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without API key, got %v", err)
	}

	client := NewClient(Config{APIKey: "test-key"})
	if _, err := client.TranscribeURL(context.Background(), "  "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank media URL, got %v", err)
	}
}

func TestHealthCheckListsModels(t *testing.T) {
	var authorized bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("expected GET /models, got %s %s", r.Method, r.URL.Path)
		}
		authorized = r.Header.Get("Authorization") == "Bearer test-key"
		if !authorized {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"whisper-large-v3-turbo"}]}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "test-key", BaseURL: server.URL})
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	rejected := NewClient(Config{APIKey: "wrong-key", BaseURL: server.URL})
	if err := rejected.HealthCheck(context.Background()); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for rejected key, got %v", err)
	}
}
