package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAuth()
	c.normalizeDownloader()
	c.normalizeTranscriber()
	c.normalizeSummarizer()
	c.normalizePDF()
	c.normalizeObjectStore()
	c.normalizeBilling()
	c.normalizeNotifications()
	c.normalizeLogging()
	c.Observability.TracingEndpoint = strings.TrimSpace(c.Observability.TracingEndpoint)
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.MediaCacheDir) == "" {
		c.Paths.MediaCacheDir = defaultMediaCacheDir
	}
	if c.Paths.MediaCacheDir, err = expandPath(c.Paths.MediaCacheDir); err != nil {
		return fmt.Errorf("paths.media_cache_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("FATHOM_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeAuth() {
	c.Auth.JWTSecret = strings.TrimSpace(c.Auth.JWTSecret)
	if c.Auth.JWTSecret == "" {
		if value, ok := os.LookupEnv("FATHOM_JWT_SECRET"); ok {
			c.Auth.JWTSecret = strings.TrimSpace(value)
		}
	}
	c.Auth.JWTAudience = strings.TrimSpace(c.Auth.JWTAudience)
}

func (c *Config) normalizeDownloader() {
	c.Downloader.Binary = strings.TrimSpace(c.Downloader.Binary)
	if c.Downloader.TimeoutSeconds <= 0 {
		c.Downloader.TimeoutSeconds = defaultDownloaderTimeoutSeconds
	}
	if c.Downloader.MaxDurationSeconds <= 0 {
		c.Downloader.MaxDurationSeconds = defaultDownloaderMaxDurationSeconds
	}
}

func (c *Config) normalizeTranscriber() {
	c.Transcriber.APIKey = strings.TrimSpace(c.Transcriber.APIKey)
	if c.Transcriber.APIKey == "" {
		if value, ok := os.LookupEnv("GROQ_API_KEY"); ok {
			c.Transcriber.APIKey = strings.TrimSpace(value)
		}
	}
	c.Transcriber.BaseURL = strings.TrimRight(strings.TrimSpace(c.Transcriber.BaseURL), "/")
	if c.Transcriber.BaseURL == "" {
		c.Transcriber.BaseURL = defaultTranscriberBaseURL
	}
	c.Transcriber.Model = strings.TrimSpace(c.Transcriber.Model)
	if c.Transcriber.Model == "" {
		c.Transcriber.Model = defaultTranscriberModel
	}
	c.Transcriber.Language = strings.TrimSpace(c.Transcriber.Language)
	if c.Transcriber.TimeoutSeconds <= 0 {
		c.Transcriber.TimeoutSeconds = defaultTranscriberTimeoutSeconds
	}
}

func (c *Config) normalizeSummarizer() {
	c.Summarizer.APIKey = strings.TrimSpace(c.Summarizer.APIKey)
	if c.Summarizer.APIKey == "" {
		if value, ok := os.LookupEnv("OPENROUTER_API_KEY"); ok {
			c.Summarizer.APIKey = strings.TrimSpace(value)
		}
	}
	c.Summarizer.BaseURL = strings.TrimRight(strings.TrimSpace(c.Summarizer.BaseURL), "/")
	if c.Summarizer.BaseURL == "" {
		c.Summarizer.BaseURL = defaultSummarizerBaseURL
	}
	c.Summarizer.Model = strings.TrimSpace(c.Summarizer.Model)
	if c.Summarizer.Model == "" {
		c.Summarizer.Model = defaultSummarizerModel
	}
	c.Summarizer.PromptKey = strings.TrimSpace(c.Summarizer.PromptKey)
	if c.Summarizer.PromptKey == "" {
		c.Summarizer.PromptKey = defaultSummarizerPromptKey
	}
	c.Summarizer.Referer = strings.TrimSpace(c.Summarizer.Referer)
	c.Summarizer.Title = strings.TrimSpace(c.Summarizer.Title)
	if c.Summarizer.Title == "" {
		c.Summarizer.Title = defaultSummarizerTitle
	}
	if c.Summarizer.TimeoutSeconds <= 0 {
		c.Summarizer.TimeoutSeconds = defaultSummarizerTimeoutSeconds
	}
	if c.Summarizer.StreamFlushChars <= 0 {
		c.Summarizer.StreamFlushChars = defaultSummarizerStreamFlushChars
	}
	if c.Summarizer.StreamFlushSeconds <= 0 {
		c.Summarizer.StreamFlushSeconds = defaultSummarizerStreamFlushSeconds
	}
}

func (c *Config) normalizePDF() {
	c.PDF.Binary = strings.TrimSpace(c.PDF.Binary)
	if c.PDF.TimeoutSeconds <= 0 {
		c.PDF.TimeoutSeconds = defaultPDFTimeoutSeconds
	}
}

func (c *Config) normalizeObjectStore() {
	c.ObjectStore.Endpoint = strings.TrimSpace(c.ObjectStore.Endpoint)
	if c.ObjectStore.Endpoint == "" {
		c.ObjectStore.Endpoint = defaultObjectStoreEndpoint
	}
	c.ObjectStore.AccessKey = strings.TrimSpace(c.ObjectStore.AccessKey)
	if c.ObjectStore.AccessKey == "" {
		if value, ok := os.LookupEnv("FATHOM_S3_ACCESS_KEY"); ok {
			c.ObjectStore.AccessKey = strings.TrimSpace(value)
		}
	}
	c.ObjectStore.SecretKey = strings.TrimSpace(c.ObjectStore.SecretKey)
	if c.ObjectStore.SecretKey == "" {
		if value, ok := os.LookupEnv("FATHOM_S3_SECRET_KEY"); ok {
			c.ObjectStore.SecretKey = strings.TrimSpace(value)
		}
	}
	c.ObjectStore.Bucket = strings.TrimSpace(c.ObjectStore.Bucket)
	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = defaultObjectStoreBucket
	}
	c.ObjectStore.Region = strings.TrimSpace(c.ObjectStore.Region)
	if c.ObjectStore.Region == "" {
		c.ObjectStore.Region = defaultObjectStoreRegion
	}
	if c.ObjectStore.SignedURLTTLSeconds <= 0 {
		c.ObjectStore.SignedURLTTLSeconds = defaultObjectStoreSignedURLTTLSeconds
	}
}

func (c *Config) normalizeBilling() {
	c.Billing.Provider = strings.ToLower(strings.TrimSpace(c.Billing.Provider))
	if c.Billing.Provider == "" {
		c.Billing.Provider = defaultBillingProvider
	}
	c.Billing.AccessToken = strings.TrimSpace(c.Billing.AccessToken)
	c.Billing.WebhookSecret = strings.TrimSpace(c.Billing.WebhookSecret)
	switch c.Billing.Provider {
	case "polar":
		if c.Billing.AccessToken == "" {
			if value, ok := os.LookupEnv("POLAR_ACCESS_TOKEN"); ok {
				c.Billing.AccessToken = strings.TrimSpace(value)
			}
		}
		if c.Billing.WebhookSecret == "" {
			if value, ok := os.LookupEnv("POLAR_WEBHOOK_SECRET"); ok {
				c.Billing.WebhookSecret = strings.TrimSpace(value)
			}
		}
	case "stripe":
		if c.Billing.AccessToken == "" {
			if value, ok := os.LookupEnv("STRIPE_SECRET_KEY"); ok {
				c.Billing.AccessToken = strings.TrimSpace(value)
			}
		}
		if c.Billing.WebhookSecret == "" {
			if value, ok := os.LookupEnv("STRIPE_WEBHOOK_SECRET"); ok {
				c.Billing.WebhookSecret = strings.TrimSpace(value)
			}
		}
	}
	c.Billing.Server = strings.ToLower(strings.TrimSpace(c.Billing.Server))
	if c.Billing.Server == "" {
		c.Billing.Server = defaultBillingServer
	}
	c.Billing.SuccessURL = strings.TrimSpace(c.Billing.SuccessURL)
	c.Billing.PortalReturnURL = strings.TrimSpace(c.Billing.PortalReturnURL)
	if c.Billing.DebtCapSeconds <= 0 {
		c.Billing.DebtCapSeconds = defaultBillingDebtCapSeconds
	}
	if c.Billing.FreeTierSeconds < 0 {
		c.Billing.FreeTierSeconds = 0
	}
	if c.Billing.WebhookStaleSeconds <= 0 {
		c.Billing.WebhookStaleSeconds = defaultBillingWebhookStaleSeconds
	}
	if c.Billing.PackExpiryDays <= 0 {
		c.Billing.PackExpiryDays = defaultBillingPackExpiryDays
	}
	for i := range c.Billing.Plans {
		plan := &c.Billing.Plans[i]
		plan.Code = strings.ToLower(strings.TrimSpace(plan.Code))
		plan.Name = strings.TrimSpace(plan.Name)
		plan.Kind = strings.ToLower(strings.TrimSpace(plan.Kind))
		plan.ProviderProductID = strings.TrimSpace(plan.ProviderProductID)
		plan.Currency = strings.ToLower(strings.TrimSpace(plan.Currency))
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("FATHOM_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotificationsRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
	if len(c.Logging.StageOverrides) > 0 {
		normalized := make(map[string]string, len(c.Logging.StageOverrides))
		for stage, level := range c.Logging.StageOverrides {
			stageKey := strings.ToLower(strings.TrimSpace(stage))
			levelValue := strings.ToLower(strings.TrimSpace(level))
			if stageKey == "" || levelValue == "" {
				continue
			}
			normalized[stageKey] = levelValue
		}
		c.Logging.StageOverrides = normalized
	}
}
