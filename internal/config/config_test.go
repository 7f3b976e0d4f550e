package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"fathom/internal/config"
)

func setRequiredSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("FATHOM_JWT_SECRET", "test-jwt-secret")
	t.Setenv("GROQ_API_KEY", "test-groq-key")
	t.Setenv("OPENROUTER_API_KEY", "test-openrouter-key")
	t.Setenv("FATHOM_S3_ACCESS_KEY", "test-access")
	t.Setenv("FATHOM_S3_SECRET_KEY", "test-secret")
	t.Setenv("POLAR_WEBHOOK_SECRET", "test-webhook-secret")
}

func TestLoadDefaultConfigUsesEnvSecretsAndExpandsPaths(t *testing.T) {
	setRequiredSecrets(t)
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "fathom")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.MediaCacheDir != filepath.Join(wantData, "cache", "media") {
		t.Fatalf("unexpected media cache dir: %q", cfg.Paths.MediaCacheDir)
	}
	if cfg.Paths.APIBind != "127.0.0.1:8787" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Auth.JWTSecret != "test-jwt-secret" {
		t.Fatalf("expected JWT secret from env, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Transcriber.APIKey != "test-groq-key" {
		t.Fatalf("expected Groq key from env, got %q", cfg.Transcriber.APIKey)
	}
	if cfg.Transcriber.Model != config.Default().Transcriber.Model {
		t.Fatalf("unexpected transcriber model: %q", cfg.Transcriber.Model)
	}
	if cfg.Summarizer.Model != config.Default().Summarizer.Model {
		t.Fatalf("unexpected summarizer model: %q", cfg.Summarizer.Model)
	}
	if cfg.Summarizer.StreamFlushChars != 400 {
		t.Fatalf("unexpected stream flush chars: %d", cfg.Summarizer.StreamFlushChars)
	}
	if cfg.Billing.Provider != "polar" {
		t.Fatalf("expected default billing provider polar, got %q", cfg.Billing.Provider)
	}
	if cfg.Workflow.MaxAttempts != 3 {
		t.Fatalf("unexpected max attempts: %d", cfg.Workflow.MaxAttempts)
	}
	if cfg.Workflow.HeartbeatTimeout != config.Default().Workflow.HeartbeatTimeout {
		t.Fatalf("unexpected heartbeat timeout: %d", cfg.Workflow.HeartbeatTimeout)
	}
	if cfg.DatabasePath() != filepath.Join(wantData, "fathom.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.MediaCacheDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	setRequiredSecrets(t)
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "fathom.toml")

	type payload struct {
		Transcriber struct {
			APIKey string `toml:"api_key"`
			Model  string `toml:"model"`
		} `toml:"transcriber"`
		Summarizer struct {
			Model     string `toml:"model"`
			PromptKey string `toml:"prompt_key"`
		} `toml:"summarizer"`
		Workflow struct {
			Workers           int `toml:"workers"`
			HeartbeatInterval int `toml:"heartbeat_interval"`
			HeartbeatTimeout  int `toml:"heartbeat_timeout"`
		} `toml:"workflow"`
	}
	custom := payload{}
	custom.Transcriber.APIKey = "file-groq"
	custom.Transcriber.Model = "whisper-large-v3"
	custom.Summarizer.Model = "anthropic/claude-sonnet-4.5"
	custom.Summarizer.PromptKey = "concise"
	custom.Workflow.Workers = 4
	custom.Workflow.HeartbeatInterval = 20
	custom.Workflow.HeartbeatTimeout = 200
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Transcriber.APIKey != "file-groq" {
		t.Fatalf("expected Groq key from file, got %q", cfg.Transcriber.APIKey)
	}
	if cfg.Transcriber.Model != "whisper-large-v3" {
		t.Fatalf("expected transcriber model override, got %q", cfg.Transcriber.Model)
	}
	if cfg.Summarizer.Model != "anthropic/claude-sonnet-4.5" {
		t.Fatalf("expected summarizer model override, got %q", cfg.Summarizer.Model)
	}
	if cfg.Summarizer.PromptKey != "concise" {
		t.Fatalf("expected prompt key override, got %q", cfg.Summarizer.PromptKey)
	}
	if cfg.Workflow.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Workflow.Workers)
	}
	if cfg.Workflow.HeartbeatInterval != 20 {
		t.Fatalf("expected heartbeat interval 20, got %d", cfg.Workflow.HeartbeatInterval)
	}
	if cfg.Workflow.HeartbeatTimeout != 200 {
		t.Fatalf("expected heartbeat timeout 200, got %d", cfg.Workflow.HeartbeatTimeout)
	}
}

func TestConfigFileWinsOverEnvForSecrets(t *testing.T) {
	setRequiredSecrets(t)
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "fathom.toml")

	type payload struct {
		Auth struct {
			JWTSecret string `toml:"jwt_secret"`
		} `toml:"auth"`
		Transcriber struct {
			APIKey string `toml:"api_key"`
		} `toml:"transcriber"`
	}
	custom := payload{}
	custom.Auth.JWTSecret = "file-jwt"
	custom.Transcriber.APIKey = "file-groq"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Auth.JWTSecret != "file-jwt" {
		t.Errorf("expected JWT secret from file, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Transcriber.APIKey != "file-groq" {
		t.Errorf("expected Groq key from file, got %q", cfg.Transcriber.APIKey)
	}
	// Secrets absent from the file still resolve from the environment.
	if cfg.Summarizer.APIKey != "test-openrouter-key" {
		t.Errorf("expected OpenRouter key from env, got %q", cfg.Summarizer.APIKey)
	}
	if cfg.Billing.WebhookSecret != "test-webhook-secret" {
		t.Errorf("expected webhook secret from env, got %q", cfg.Billing.WebhookSecret)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "[billing]") {
		t.Fatalf("sample config missing billing section: %s", contents)
	}

	// Validate it decodes
	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}

	// On Windows join uses backslashes; skip path expectation specifics when running there to avoid
	// differences in drive letters during CI.
	if runtime.GOOS != "windows" {
		if !strings.Contains(cfg.Paths.DataDir, "fathom") {
			t.Fatalf("expected data dir to contain fathom, got %q", cfg.Paths.DataDir)
		}
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	valid := func() config.Config {
		cfg := config.Default()
		cfg.Auth.JWTSecret = "secret"
		cfg.Transcriber.APIKey = "groq"
		cfg.Summarizer.APIKey = "openrouter"
		cfg.ObjectStore.AccessKey = "access"
		cfg.ObjectStore.SecretKey = "secret"
		cfg.Billing.WebhookSecret = "whsec"
		return cfg
	}

	cfg := valid()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid baseline config, got %v", err)
	}

	cfg = valid()
	cfg.Auth.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing JWT secret")
	}

	cfg = valid()
	cfg.Downloader.TimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive timeout")
	}

	cfg = valid()
	cfg.Workflow.HeartbeatInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for heartbeat interval")
	}

	cfg = valid()
	cfg.Workflow.HeartbeatTimeout = cfg.Workflow.HeartbeatInterval
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when timeout <= interval")
	}

	cfg = valid()
	cfg.Workflow.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero workers")
	}

	cfg = valid()
	cfg.Billing.Provider = "square"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown billing provider")
	}

	cfg = valid()
	cfg.Logging.Format = "yaml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log format")
	}

	cfg = valid()
	cfg.Billing.Plans = []config.BillingPlan{{Code: "free", Kind: "pack", ProviderProductID: "prod_x", SecondsGranted: 10}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for reserved free plan code")
	}

	cfg = valid()
	cfg.Billing.Plans = []config.BillingPlan{
		{Code: "pack_10h", Kind: "pack", ProviderProductID: "prod_x", SecondsGranted: 10},
		{Code: "pack_10h", Kind: "pack", ProviderProductID: "prod_y", SecondsGranted: 10},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate plan codes")
	}

	cfg = valid()
	cfg.Billing.Plans = []config.BillingPlan{{Code: "sub_weekly", Kind: "weekly", ProviderProductID: "prod_x", SecondsGranted: 10}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown plan kind")
	}

	cfg = valid()
	cfg.Billing.Plans = []config.BillingPlan{{Code: "pack_10h", Kind: "pack", ProviderProductID: "prod_x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for plan without granted seconds")
	}
}

func TestNormalizeAppliesStageOverridesAndTrims(t *testing.T) {
	setRequiredSecrets(t)
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "fathom.toml")

	body := `
[logging]
level = " DEBUG "

[logging.stage_overrides]
" Transcribing " = " WARN "
summarizing = "debug"
"" = "info"
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected normalized level debug, got %q", cfg.Logging.Level)
	}
	if got := cfg.Logging.StageOverrides["transcribing"]; got != "warn" {
		t.Fatalf("expected transcribing override warn, got %q", got)
	}
	if got := cfg.Logging.StageOverrides["summarizing"]; got != "debug" {
		t.Fatalf("expected summarizing override debug, got %q", got)
	}
	if _, ok := cfg.Logging.StageOverrides[""]; ok {
		t.Fatal("expected blank stage override to be dropped")
	}
}
