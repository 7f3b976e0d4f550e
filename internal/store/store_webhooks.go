package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const webhookColumns = "id, provider, event_id, event_type, payload, status, attempts, started_at, processed_at, last_error, created_at"

func scanWebhookEvent(scanner interface{ Scan(dest ...any) error }) (*WebhookEvent, error) {
	var (
		id           int64
		provider     string
		eventID      string
		eventType    string
		payload      string
		status       string
		attempts     int64
		startedRaw   sql.NullString
		processedRaw sql.NullString
		lastError    sql.NullString
		createdRaw   string
	)
	if err := scanner.Scan(&id, &provider, &eventID, &eventType, &payload, &status, &attempts, &startedRaw, &processedRaw, &lastError, &createdRaw); err != nil {
		return nil, err
	}
	ev := &WebhookEvent{
		ID:        id,
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
		Status:    WebhookStatus(status),
		Attempts:  int(attempts),
		LastError: lastError.String,
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			ev.StartedAt = &started
		}
	}
	if processedRaw.Valid {
		if processed, err := parseTimeString(processedRaw.String); err == nil {
			ev.ProcessedAt = &processed
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		ev.CreatedAt = created
	}
	return ev, nil
}

// ClaimWebhookEvent records a webhook delivery and atomically claims it for
// processing. Claimed is false when the event was already processed or
// another claimant holds it and is not stale. Redeliveries of finished
// events land here as no-ops, which is what makes webhook handling
// effectively once.
func (s *Store) ClaimWebhookEvent(ctx context.Context, provider, eventID, eventType, payload string, staleCutoff time.Time) (*WebhookEvent, bool, error) {
	if provider == "" || eventID == "" {
		return nil, false, errors.New("provider and event id are required")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(
		ctx,
		`INSERT OR IGNORE INTO webhook_events (provider, event_id, event_type, payload, status, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		provider,
		eventID,
		eventType,
		payload,
		WebhookPending,
		now,
	); err != nil {
		return nil, false, fmt.Errorf("record webhook event: %w", err)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE webhook_events
         SET status = ?, attempts = attempts + 1, started_at = ?, last_error = NULL
         WHERE provider = ? AND event_id = ?
           AND (status = ? OR status = ? OR (status = ? AND started_at < ?))`,
		WebhookProcessing,
		now,
		provider,
		eventID,
		WebhookPending,
		WebhookFailed,
		WebhookProcessing,
		staleCutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("claim webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	ev, err := s.GetWebhookEvent(ctx, provider, eventID)
	if err != nil {
		return nil, false, err
	}
	if ev == nil {
		return nil, false, errors.New("webhook event missing after insert")
	}
	return ev, affected > 0, nil
}

// FinishWebhookEvent records the outcome of a claimed event. Failed events
// stay claimable so a redelivery or the recovery sweep can retry them.
func (s *Store) FinishWebhookEvent(ctx context.Context, id int64, processErr error) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if processErr == nil {
		if err := s.execWithoutResultRetry(
			ctx,
			`UPDATE webhook_events SET status = ?, processed_at = ?, last_error = NULL WHERE id = ?`,
			WebhookProcessed,
			now,
			id,
		); err != nil {
			return fmt.Errorf("finish webhook event: %w", err)
		}
		return nil
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE webhook_events SET status = ?, last_error = ? WHERE id = ?`,
		WebhookFailed,
		processErr.Error(),
		id,
	); err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}

// GetWebhookEvent fetches an event by its provider identifiers.
func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*WebhookEvent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE provider = ? AND event_id = ?`,
		provider,
		eventID,
	)
	ev, err := scanWebhookEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return ev, nil
}

// UnfinishedWebhookEvents returns events that never reached a terminal
// outcome: pending, failed, or processing with a stale claim. The billing
// recovery sweep re-drives these without waiting for a redelivery.
func (s *Store) UnfinishedWebhookEvents(ctx context.Context, staleCutoff time.Time, limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
         WHERE status = ? OR status = ? OR (status = ? AND started_at < ?)
         ORDER BY created_at LIMIT ?`,
		WebhookPending,
		WebhookFailed,
		WebhookProcessing,
		staleCutoff.UTC().Format(time.RFC3339Nano),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unfinished webhook events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
