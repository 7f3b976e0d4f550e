package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"fathom/internal/logging"
)

const meterName = "fathom-daemon"

// Instruments bundles the counters and histograms the daemon records. A nil
// receiver is safe on every method so tests and CLI tools can run without a
// metrics pipeline.
type Instruments struct {
	jobsClaimed   metric.Int64Counter
	jobsSucceeded metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsRequeued  metric.Int64Counter
	cacheHits     metric.Int64Counter
	transcribeDur metric.Float64Histogram
	summarizeDur  metric.Float64Histogram
	usageDebited  metric.Int64Counter
	webhookEvents metric.Int64Counter
	httpRequests  metric.Int64Counter
}

// NewInstruments registers the daemon's instruments on the global meter
// provider. Call after InitMetrics; without it the global provider is a
// no-op and recordings are discarded.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(meterName)

	var err error
	newCounter := func(name string, opts ...metric.Int64CounterOption) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, opts...)
		if cerr != nil && err == nil {
			err = fmt.Errorf("register %s: %w", name, cerr)
		}
		return c
	}
	newHistogram := func(name string, opts ...metric.Float64HistogramOption) metric.Float64Histogram {
		h, herr := meter.Float64Histogram(name, opts...)
		if herr != nil && err == nil {
			err = fmt.Errorf("register %s: %w", name, herr)
		}
		return h
	}

	ins := &Instruments{
		jobsClaimed: newCounter("fathom.jobs.claimed",
			metric.WithDescription("Jobs claimed by workers")),
		jobsSucceeded: newCounter("fathom.jobs.succeeded",
			metric.WithDescription("Jobs that reached completed")),
		jobsFailed: newCounter("fathom.jobs.failed",
			metric.WithDescription("Jobs that reached failed")),
		jobsRequeued: newCounter("fathom.jobs.requeued",
			metric.WithDescription("Jobs returned to the queue by retry or the stale janitor")),
		cacheHits: newCounter("fathom.cache.hits",
			metric.WithDescription("Transcript and summary cache hits")),
		transcribeDur: newHistogram("fathom.transcribe.duration",
			metric.WithDescription("Wall time of the transcription stage"),
			metric.WithUnit("s")),
		summarizeDur: newHistogram("fathom.summarize.duration",
			metric.WithDescription("Wall time of the summarization stage"),
			metric.WithUnit("s")),
		usageDebited: newCounter("fathom.usage.debited",
			metric.WithDescription("Audio seconds debited from user credit"),
			metric.WithUnit("s")),
		webhookEvents: newCounter("fathom.webhook.events",
			metric.WithDescription("Billing webhook deliveries by outcome")),
		httpRequests: newCounter("fathom.http.requests",
			metric.WithDescription("API requests by route and response code")),
	}
	if err != nil {
		return nil, err
	}
	return ins, nil
}

// JobClaimed counts a worker claiming a job from the queue.
func (i *Instruments) JobClaimed(ctx context.Context) {
	if i == nil {
		return
	}
	i.jobsClaimed.Add(ctx, 1)
}

// JobSucceeded counts a job reaching completed.
func (i *Instruments) JobSucceeded(ctx context.Context) {
	if i == nil {
		return
	}
	i.jobsSucceeded.Add(ctx, 1)
}

// JobFailed counts a job reaching failed.
func (i *Instruments) JobFailed(ctx context.Context) {
	if i == nil {
		return
	}
	i.jobsFailed.Add(ctx, 1)
}

// JobsRequeued counts jobs returned to the queue, whether by retry
// scheduling or by the stale janitor.
func (i *Instruments) JobsRequeued(ctx context.Context, n int64) {
	if i == nil || n <= 0 {
		return
	}
	i.jobsRequeued.Add(ctx, n)
}

// CacheHit counts a cache hit. Kind is "transcript" or "summary".
func (i *Instruments) CacheHit(ctx context.Context, kind string) {
	if i == nil {
		return
	}
	i.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveTranscribe records the wall time of a transcription stage run.
func (i *Instruments) ObserveTranscribe(ctx context.Context, seconds float64) {
	if i == nil {
		return
	}
	i.transcribeDur.Record(ctx, seconds)
}

// ObserveSummarize records the wall time of a summarization stage run.
func (i *Instruments) ObserveSummarize(ctx context.Context, seconds float64) {
	if i == nil {
		return
	}
	i.summarizeDur.Record(ctx, seconds)
}

// UsageDebited adds audio seconds debited from a user's credit.
func (i *Instruments) UsageDebited(ctx context.Context, seconds int64) {
	if i == nil || seconds <= 0 {
		return
	}
	i.usageDebited.Add(ctx, seconds)
}

// WebhookEvent counts a billing webhook delivery by outcome, for example
// "processed", "duplicate", or "failed".
func (i *Instruments) WebhookEvent(ctx context.Context, status string) {
	if i == nil {
		return
	}
	i.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// HTTPRequest counts an API request against its route pattern and response
// code.
func (i *Instruments) HTTPRequest(ctx context.Context, route string, code int) {
	if i == nil {
		return
	}
	i.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("code", code),
	))
}

// RegisterQueueDepth registers an observable gauge that samples the number
// of jobs waiting for a worker each time the metrics endpoint is scraped.
// Sample errors are logged and skipped so a database hiccup cannot fail a
// scrape.
func RegisterQueueDepth(logger *slog.Logger, sample func(context.Context) (int64, error)) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge("fathom.queue.depth",
		metric.WithDescription("Jobs waiting for a worker"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			n, sampleErr := sample(ctx)
			if sampleErr != nil {
				if logger != nil {
					logger.Warn("queue depth sample failed", logging.Error(sampleErr))
				}
				return nil
			}
			obs.Observe(n)
			return nil
		}),
	)
	return err
}
