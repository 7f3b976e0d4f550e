package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fathom/internal/config"
)

const userAgent = "Fathom/0.1.0"

// Event names a notification-worthy moment in the pipeline or billing flow.
type Event string

const (
	EventJobCompleted    Event = "job_completed"
	EventJobCached       Event = "job_cached"
	EventJobFailed       Event = "job_failed"
	EventRefundRequested Event = "refund_requested"
	EventWebhookFailed   Event = "webhook_failed"
	EventTest            Event = "test"
)

// Payload carries the human-facing fields an event message is built from.
// Keys vary by event; missing keys degrade to shorter messages.
type Payload map[string]string

// Service defines the notification surface exposed to the daemon and the
// workflow manager.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		toggles:  cfg.Notifications,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	toggles  config.Notifications
}

// Publish composes and sends the message for an event. Events muted by the
// per-event config toggles return nil without sending. The test event always
// sends so operators can verify their topic.
func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.compose(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) compose(event Event, p Payload) (message, bool) {
	get := func(key string) string { return strings.TrimSpace(p[key]) }

	switch event {
	case EventJobCompleted:
		if !n.toggles.JobCompleted {
			return message{}, false
		}
		body := "Summary ready"
		if title := get("title"); title != "" {
			body = fmt.Sprintf("Summary ready: %s", title)
		}
		return message{
			title: "Fathom - Summary Ready",
			body:  body,
			tags:  []string{"fathom", "job", "completed"},
		}, true

	case EventJobCached:
		if !n.toggles.JobCompleted {
			return message{}, false
		}
		body := "Summary ready (cached)"
		if title := get("title"); title != "" {
			body = fmt.Sprintf("Summary ready (cached): %s", title)
		}
		return message{
			title: "Fathom - Summary Ready",
			body:  body,
			tags:  []string{"fathom", "job", "cached"},
		}, true

	case EventJobFailed:
		if !n.toggles.JobFailed {
			return message{}, false
		}
		subject := get("title")
		if subject == "" {
			subject = get("jobID")
		}
		var b strings.Builder
		b.WriteString("Summary failed")
		if subject != "" {
			b.WriteString(" for ")
			b.WriteString(subject)
		}
		if reason := get("error"); reason != "" {
			b.WriteString(": ")
			b.WriteString(reason)
		}
		return message{
			title:    "Fathom - Job Failed",
			body:     b.String(),
			tags:     []string{"fathom", "job", "failed"},
			priority: "high",
		}, true

	case EventRefundRequested:
		if !n.toggles.Billing {
			return message{}, false
		}
		body := "Refund requested"
		if orderID := get("orderID"); orderID != "" {
			body = fmt.Sprintf("Refund requested for order %s", orderID)
		}
		if amount := get("amount"); amount != "" {
			body = fmt.Sprintf("%s (%s)", body, amount)
		}
		return message{
			title:    "Fathom - Refund Requested",
			body:     body,
			tags:     []string{"fathom", "billing", "refund"},
			priority: "high",
		}, true

	case EventWebhookFailed:
		if !n.toggles.Errors {
			return message{}, false
		}
		var b strings.Builder
		b.WriteString("Billing webhook failed")
		if kind := get("event"); kind != "" {
			b.WriteString(" (")
			b.WriteString(kind)
			b.WriteString(")")
		}
		if reason := get("error"); reason != "" {
			b.WriteString(": ")
			b.WriteString(reason)
		}
		return message{
			title:    "Fathom - Webhook Failed",
			body:     b.String(),
			tags:     []string{"fathom", "webhook", "error"},
			priority: "high",
		}, true

	case EventTest:
		return message{
			title:    "Fathom - Test",
			body:     "Notification system test",
			tags:     []string{"fathom", "test"},
			priority: "low",
		}, true

	default:
		return message{}, false
	}
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
