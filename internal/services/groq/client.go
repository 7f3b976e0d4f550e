package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fathom/internal/services"
)

const (
	defaultBaseURL     = "https://api.groq.com/openai/v1"
	defaultModel       = "whisper-large-v3-turbo"
	defaultHTTPTimeout = 5 * time.Minute
)

// Config captures the runtime settings required to transcribe audio.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Language       string
	TimeoutSeconds int
}

// Client wraps the Groq audio transcription API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Language:       strings.TrimSpace(cfg.Language),
			TimeoutSeconds: cfg.TimeoutSeconds,
		},
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	if client.cfg.Model == "" {
		client.cfg.Model = defaultModel
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Model reports the transcription model. Transcript rows record the provider
// and model that produced them.
func (c *Client) Model() string {
	return c.cfg.Model
}

// TranscribeURL transcribes remotely hosted audio and returns the transcript
// text. The media URL must stay fetchable for the duration of the call, so
// callers pass a signed URL with a generous TTL.
func (c *Client) TranscribeURL(ctx context.Context, mediaURL string) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", services.Wrap(services.ErrConfiguration, "groq", "transcribe", "Groq API key is not configured", nil)
	}
	if strings.TrimSpace(mediaURL) == "" {
		return "", services.Wrap(services.ErrValidation, "groq", "transcribe", "Media URL is required", nil)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := map[string]string{
		"url":             mediaURL,
		"model":           c.cfg.Model,
		"response_format": "json",
		"temperature":     "0",
	}
	if c.cfg.Language != "" {
		fields["language"] = c.cfg.Language
	}
	for name, value := range fields {
		if err := form.WriteField(name, value); err != nil {
			return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Request form could not be built", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Request form could not be built", err)
	}

	endpoint, err := url.JoinPath(c.cfg.BaseURL, "audio", "transcriptions")
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "groq", "transcribe", "Base URL is not valid", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Request could not be built", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Groq request failed", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Groq response could not be read", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", classifyStatus("transcribe", resp.StatusCode, payload)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Groq response could not be decoded", err)
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return "", services.Wrap(services.ErrTranscription, "groq", "transcribe", "Transcription produced no text", nil)
	}
	return text, nil
}

// HealthCheck verifies the API key by listing models. No audio minutes are
// spent.
func (c *Client) HealthCheck(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return services.Wrap(services.ErrConfiguration, "groq", "health", "Groq API key is not configured", nil)
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "models")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "groq", "health", "Base URL is not valid", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return services.Wrap(services.ErrTranscription, "groq", "health", "Request could not be built", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTranscription, "groq", "health", "Groq is unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return classifyStatus("health", resp.StatusCode, payload)
	}
	return nil
}

// classifyStatus maps a Groq error response onto the service markers. Rate
// limits and server errors stay retryable; a rejected request for a given
// audio input will not succeed on a second attempt and is marked permanent.
func classifyStatus(operation string, status int, payload []byte) error {
	cause := fmt.Errorf("http %d: %s", status, errorMessage(payload))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrConfiguration, "groq", operation, "Groq rejected the API key", cause)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTranscription, "groq", operation, "Groq is unavailable", cause)
	default:
		return services.Permanent(services.Wrap(services.ErrTranscription, "groq", operation, "Groq rejected the audio", cause))
	}
}

func errorMessage(payload []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil {
		if msg := strings.TrimSpace(parsed.Error.Message); msg != "" {
			return msg
		}
	}
	snippet := strings.TrimSpace(string(payload))
	if snippet == "" {
		return "<empty body>"
	}
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	return snippet
}
