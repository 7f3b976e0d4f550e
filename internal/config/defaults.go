package config

const (
	defaultDataDir       = "~/.local/share/fathom"
	defaultLogDir        = "~/.local/share/fathom/logs"
	defaultMediaCacheDir = "~/.local/share/fathom/cache/media"
	defaultAPIBind       = "127.0.0.1:8787"

	defaultDownloaderTimeoutSeconds     = 600
	defaultDownloaderMaxDurationSeconds = 14400

	defaultTranscriberBaseURL        = "https://api.groq.com/openai/v1"
	defaultTranscriberModel          = "whisper-large-v3-turbo"
	defaultTranscriberTimeoutSeconds = 300

	defaultSummarizerBaseURL            = "https://openrouter.ai/api/v1"
	defaultSummarizerModel              = "x-ai/grok-4.1-fast"
	defaultSummarizerPromptKey          = "default"
	defaultSummarizerTitle              = "Fathom"
	defaultSummarizerTimeoutSeconds     = 300
	defaultSummarizerStreamFlushChars   = 400
	defaultSummarizerStreamFlushSeconds = 2.5

	defaultPDFTimeoutSeconds = 120

	defaultObjectStoreEndpoint            = "127.0.0.1:9000"
	defaultObjectStoreBucket              = "fathom"
	defaultObjectStoreRegion              = "us-east-1"
	defaultObjectStoreSignedURLTTLSeconds = 3600

	defaultBillingProvider            = "polar"
	defaultBillingServer              = "sandbox"
	defaultBillingDebtCapSeconds      = 1800
	defaultBillingFreeTierSeconds     = 3600
	defaultBillingWebhookStaleSeconds = 300
	defaultBillingPackExpiryDays      = 365

	defaultWorkflowWorkers             = 2
	defaultWorkflowQueuePollInterval   = 1
	defaultWorkflowHeartbeatInterval   = 15
	defaultWorkflowHeartbeatTimeout    = 900
	defaultWorkflowMaxAttempts         = 3
	defaultWorkflowRetryBackoffSeconds = 5

	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultLogRetentionDays = 60

	defaultNotificationsRequestTimeout = 10

	defaultAPIMaxRequestBytes    = 64 * 1024
	defaultAPIRateLimitPerMinute = 120
)

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:       defaultDataDir,
			LogDir:        defaultLogDir,
			MediaCacheDir: defaultMediaCacheDir,
			APIBind:       defaultAPIBind,
		},
		Downloader: Downloader{
			TimeoutSeconds:     defaultDownloaderTimeoutSeconds,
			MaxDurationSeconds: defaultDownloaderMaxDurationSeconds,
		},
		Transcriber: Transcriber{
			BaseURL:        defaultTranscriberBaseURL,
			Model:          defaultTranscriberModel,
			TimeoutSeconds: defaultTranscriberTimeoutSeconds,
		},
		Summarizer: Summarizer{
			BaseURL:            defaultSummarizerBaseURL,
			Model:              defaultSummarizerModel,
			PromptKey:          defaultSummarizerPromptKey,
			Title:              defaultSummarizerTitle,
			TimeoutSeconds:     defaultSummarizerTimeoutSeconds,
			StreamFlushChars:   defaultSummarizerStreamFlushChars,
			StreamFlushSeconds: defaultSummarizerStreamFlushSeconds,
		},
		PDF: PDF{
			TimeoutSeconds: defaultPDFTimeoutSeconds,
		},
		ObjectStore: ObjectStore{
			Endpoint:            defaultObjectStoreEndpoint,
			Bucket:              defaultObjectStoreBucket,
			Region:              defaultObjectStoreRegion,
			SignedURLTTLSeconds: defaultObjectStoreSignedURLTTLSeconds,
		},
		Billing: Billing{
			Provider:            defaultBillingProvider,
			Server:              defaultBillingServer,
			DebtCapSeconds:      defaultBillingDebtCapSeconds,
			FreeTierSeconds:     defaultBillingFreeTierSeconds,
			WebhookStaleSeconds: defaultBillingWebhookStaleSeconds,
			PackExpiryDays:      defaultBillingPackExpiryDays,
		},
		Workflow: Workflow{
			Workers:             defaultWorkflowWorkers,
			QueuePollInterval:   defaultWorkflowQueuePollInterval,
			HeartbeatInterval:   defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:    defaultWorkflowHeartbeatTimeout,
			MaxAttempts:         defaultWorkflowMaxAttempts,
			RetryBackoffSeconds: defaultWorkflowRetryBackoffSeconds,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotificationsRequestTimeout,
			JobCompleted:   true,
			JobFailed:      true,
			Billing:        true,
			Errors:         true,
		},
		API: API{
			MaxRequestBytes:    defaultAPIMaxRequestBytes,
			RateLimitPerMinute: defaultAPIRateLimitPerMinute,
		},
	}
}
