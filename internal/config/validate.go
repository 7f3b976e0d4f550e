package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAuth(); err != nil {
		return err
	}
	if err := c.validateTranscriber(); err != nil {
		return err
	}
	if err := c.validateSummarizer(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	if err := c.validateBilling(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.JWTSecret == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/fathom/config.toml"
		}
		return fmt.Errorf("auth.jwt_secret is required. Set FATHOM_JWT_SECRET env var or edit %s (create with 'fathom config init')", defaultPath)
	}
	return nil
}

func (c *Config) validateTranscriber() error {
	if c.Transcriber.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/fathom/config.toml"
		}
		return fmt.Errorf("transcriber.api_key is required. Set GROQ_API_KEY env var or edit %s (create with 'fathom config init')", defaultPath)
	}
	if strings.TrimSpace(c.Transcriber.BaseURL) == "" {
		return errors.New("transcriber.base_url must be set")
	}
	if strings.TrimSpace(c.Transcriber.Model) == "" {
		return errors.New("transcriber.model must be set")
	}
	return nil
}

func (c *Config) validateSummarizer() error {
	if c.Summarizer.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/fathom/config.toml"
		}
		return fmt.Errorf("summarizer.api_key is required. Set OPENROUTER_API_KEY env var or edit %s (create with 'fathom config init')", defaultPath)
	}
	if strings.TrimSpace(c.Summarizer.BaseURL) == "" {
		return errors.New("summarizer.base_url must be set")
	}
	if strings.TrimSpace(c.Summarizer.Model) == "" {
		return errors.New("summarizer.model must be set")
	}
	if strings.TrimSpace(c.Summarizer.PromptKey) == "" {
		return errors.New("summarizer.prompt_key must be set")
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if strings.TrimSpace(c.ObjectStore.Endpoint) == "" {
		return errors.New("object_store.endpoint must be set")
	}
	if strings.TrimSpace(c.ObjectStore.AccessKey) == "" {
		return errors.New("object_store.access_key must be set (or set FATHOM_S3_ACCESS_KEY)")
	}
	if strings.TrimSpace(c.ObjectStore.SecretKey) == "" {
		return errors.New("object_store.secret_key must be set (or set FATHOM_S3_SECRET_KEY)")
	}
	if strings.TrimSpace(c.ObjectStore.Bucket) == "" {
		return errors.New("object_store.bucket must be set")
	}
	return nil
}

func (c *Config) validateBilling() error {
	switch c.Billing.Provider {
	case "polar", "stripe":
	default:
		return fmt.Errorf("billing.provider must be either polar or stripe, got %q", c.Billing.Provider)
	}
	if c.Billing.Provider == "polar" {
		switch c.Billing.Server {
		case "sandbox", "production":
		default:
			return fmt.Errorf("billing.server must be either sandbox or production, got %q", c.Billing.Server)
		}
	}
	if strings.TrimSpace(c.Billing.WebhookSecret) == "" {
		return errors.New("billing.webhook_secret must be set (or set POLAR_WEBHOOK_SECRET / STRIPE_WEBHOOK_SECRET)")
	}
	if c.Billing.DebtCapSeconds <= 0 {
		return errors.New("billing.debt_cap_seconds must be positive")
	}
	if c.Billing.FreeTierSeconds < 0 {
		return errors.New("billing.free_tier_seconds must be >= 0")
	}
	seen := make(map[string]bool, len(c.Billing.Plans))
	for i, plan := range c.Billing.Plans {
		if plan.Code == "" {
			return fmt.Errorf("billing.plans[%d].code must be set", i)
		}
		if plan.Code == "free" {
			return fmt.Errorf("billing.plans[%d]: the free plan is built in", i)
		}
		if seen[plan.Code] {
			return fmt.Errorf("billing.plans: duplicate code %q", plan.Code)
		}
		seen[plan.Code] = true
		switch plan.Kind {
		case "subscription", "pack":
		default:
			return fmt.Errorf("billing.plans[%d].kind must be subscription or pack, got %q", i, plan.Kind)
		}
		if plan.ProviderProductID == "" {
			return fmt.Errorf("billing.plans[%d].provider_product_id must be set", i)
		}
		if plan.SecondsGranted <= 0 {
			return fmt.Errorf("billing.plans[%d].seconds_granted must be positive", i)
		}
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"downloader.timeout_seconds":      c.Downloader.TimeoutSeconds,
		"downloader.max_duration_seconds": c.Downloader.MaxDurationSeconds,
		"transcriber.timeout_seconds":     c.Transcriber.TimeoutSeconds,
		"summarizer.timeout_seconds":      c.Summarizer.TimeoutSeconds,
		"pdf.timeout_seconds":             c.PDF.TimeoutSeconds,
		"object_store.signed_url_ttl":     c.ObjectStore.SignedURLTTLSeconds,
		"notifications.request_timeout":   c.Notifications.RequestTimeout,
		"workflow.queue_poll_interval":    c.Workflow.QueuePollInterval,
		"workflow.retry_backoff_seconds":  c.Workflow.RetryBackoffSeconds,
		"billing.webhook_stale_seconds":   c.Billing.WebhookStaleSeconds,
	}); err != nil {
		return err
	}
	if c.Workflow.Workers < 1 {
		return errors.New("workflow.workers must be >= 1")
	}
	if c.Workflow.MaxAttempts < 1 {
		return errors.New("workflow.max_attempts must be >= 1")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.MaxRequestBytes <= 0 {
		return errors.New("api.max_request_bytes must be positive")
	}
	if c.API.RateLimitPerMinute < 0 {
		return errors.New("api.rate_limit_per_minute must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be either console or json, got %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
