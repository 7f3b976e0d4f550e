package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir       string `toml:"data_dir"`
	LogDir        string `toml:"log_dir"`
	MediaCacheDir string `toml:"media_cache_dir"`
	APIBind       string `toml:"api_bind"`
	APIToken      string `toml:"api_token"`
}

// Auth contains verification settings for end-user bearer tokens.
type Auth struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// Downloader contains configuration for audio retrieval via yt-dlp.
type Downloader struct {
	Binary             string `toml:"binary"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	MaxDurationSeconds int    `toml:"max_duration_seconds"`
}

// Transcriber contains configuration for the Groq transcription API.
type Transcriber struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Summarizer contains configuration for the OpenRouter summarization model.
type Summarizer struct {
	APIKey             string  `toml:"api_key"`
	BaseURL            string  `toml:"base_url"`
	Model              string  `toml:"model"`
	PromptKey          string  `toml:"prompt_key"`
	Referer            string  `toml:"referer"`
	Title              string  `toml:"title"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	StreamFlushChars   int     `toml:"stream_flush_chars"`
	StreamFlushSeconds float64 `toml:"stream_flush_seconds"`
}

// PDF contains configuration for summary PDF rendering via WeasyPrint.
type PDF struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ObjectStore contains configuration for the S3-compatible object store used
// for audio scratch files and rendered PDFs.
type ObjectStore struct {
	Endpoint            string `toml:"endpoint"`
	AccessKey           string `toml:"access_key"`
	SecretKey           string `toml:"secret_key"`
	Bucket              string `toml:"bucket"`
	Region              string `toml:"region"`
	UseSSL              bool   `toml:"use_ssl"`
	SignedURLTTLSeconds int    `toml:"signed_url_ttl_seconds"`
}

// Billing contains payment provider and entitlement policy settings.
type Billing struct {
	Provider            string        `toml:"provider"`
	AccessToken         string        `toml:"access_token"`
	WebhookSecret       string        `toml:"webhook_secret"`
	Server              string        `toml:"server"`
	SuccessURL          string        `toml:"success_url"`
	PortalReturnURL     string        `toml:"portal_return_url"`
	DebtCapSeconds      int64         `toml:"debt_cap_seconds"`
	FreeTierSeconds     int64         `toml:"free_tier_seconds"`
	WebhookStaleSeconds int           `toml:"webhook_stale_seconds"`
	PackExpiryDays      int           `toml:"pack_expiry_days"`
	Plans               []BillingPlan `toml:"plans"`
}

// BillingPlan is one purchasable catalog entry mapped to a provider product.
// The daemon seeds these into the plans table at startup.
type BillingPlan struct {
	Code              string `toml:"code"`
	Name              string `toml:"name"`
	Kind              string `toml:"kind"`
	ProviderProductID string `toml:"provider_product_id"`
	PriceCents        int64  `toml:"price_cents"`
	Currency          string `toml:"currency"`
	SecondsGranted    int64  `toml:"seconds_granted"`
}

// Workflow contains configuration for worker timing and retry policy.
type Workflow struct {
	Workers             int `toml:"workers"`
	QueuePollInterval   int `toml:"queue_poll_interval"`
	HeartbeatInterval   int `toml:"heartbeat_interval"`
	HeartbeatTimeout    int `toml:"heartbeat_timeout"`
	MaxAttempts         int `toml:"max_attempts"`
	RetryBackoffSeconds int `toml:"retry_backoff_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format         string            `toml:"format"`
	Level          string            `toml:"level"`
	RetentionDays  int               `toml:"retention_days"`
	StageOverrides map[string]string `toml:"stage_overrides"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobCompleted   bool   `toml:"job_completed"`
	JobFailed      bool   `toml:"job_failed"`
	Billing        bool   `toml:"billing"`
	Errors         bool   `toml:"errors"`
}

// API contains HTTP hardening settings for the public surface.
type API struct {
	MaxRequestBytes    int64 `toml:"max_request_bytes"`
	RateLimitPerMinute int   `toml:"rate_limit_per_minute"`
}

// Observability contains settings for the optional OTLP trace exporter.
type Observability struct {
	TracingEndpoint string `toml:"tracing_endpoint"`
}

// Config encapsulates all configuration values for Fathom.
//
// Configuration sections by subsystem:
//   - Paths: data/log/cache directories and API bind address
//   - Auth: end-user JWT verification
//   - Downloader: yt-dlp audio retrieval
//   - Transcriber: Groq speech-to-text
//   - Summarizer: OpenRouter chat completions
//   - PDF: WeasyPrint rendering
//   - ObjectStore: S3-compatible storage for audio scratch and PDFs
//   - Billing: payment provider, credit and debt policy
//   - Workflow: worker pool sizing, polling, heartbeats, retries
//   - Logging: log format, level, and retention
//   - Notifications: ntfy push settings
//   - API: request size and rate limits
//   - Observability: optional OTLP tracing
type Config struct {
	Paths         Paths         `toml:"paths"`
	Auth          Auth          `toml:"auth"`
	Downloader    Downloader    `toml:"downloader"`
	Transcriber   Transcriber   `toml:"transcriber"`
	Summarizer    Summarizer    `toml:"summarizer"`
	PDF           PDF           `toml:"pdf"`
	ObjectStore   ObjectStore   `toml:"object_store"`
	Billing       Billing       `toml:"billing"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
	API           API           `toml:"api"`
	Observability Observability `toml:"observability"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/fathom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized. A .env file in the working
// directory is folded into the environment first so secret fallbacks resolve.
func Load(path string) (*Config, string, bool, error) {
	_ = godotenv.Load()

	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/fathom/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fathom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.MediaCacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "fathom.db")
}

// SocketPath returns the control socket location inside the data directory.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "fathom.sock")
}

// DownloaderBinary returns the yt-dlp executable name or configured override.
func (c *Config) DownloaderBinary() string {
	if bin := strings.TrimSpace(c.Downloader.Binary); bin != "" {
		return bin
	}
	return "yt-dlp"
}

// PDFBinary returns the WeasyPrint executable name or configured override.
func (c *Config) PDFBinary() string {
	if bin := strings.TrimSpace(c.PDF.Binary); bin != "" {
		return bin
	}
	return "weasyprint"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains common LLM connection settings used by the OpenRouter client.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// SummarizerLLM returns the summarizer connection settings.
func (c *Config) SummarizerLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.Summarizer.APIKey),
		BaseURL:        strings.TrimSpace(c.Summarizer.BaseURL),
		Model:          strings.TrimSpace(c.Summarizer.Model),
		Referer:        strings.TrimSpace(c.Summarizer.Referer),
		Title:          strings.TrimSpace(c.Summarizer.Title),
		TimeoutSeconds: c.Summarizer.TimeoutSeconds,
	}
}
