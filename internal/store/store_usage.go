package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func scanUsageEvent(scanner interface{ Scan(dest ...any) error }) (*UsageEvent, error) {
	var (
		id         int64
		userID     string
		jobID      sql.NullString
		lotID      sql.NullInt64
		kind       string
		seconds    int64
		note       sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&id, &userID, &jobID, &lotID, &kind, &seconds, &note, &createdRaw); err != nil {
		return nil, err
	}
	ev := &UsageEvent{
		ID:      id,
		UserID:  userID,
		JobID:   jobID.String,
		Kind:    UsageKind(kind),
		Seconds: seconds,
		Note:    note.String,
	}
	if lotID.Valid {
		v := lotID.Int64
		ev.LotID = &v
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		ev.CreatedAt = created
	}
	return ev, nil
}

// ListUsageEvents returns a user's ledger entries, newest first.
func (s *Store) ListUsageEvents(ctx context.Context, userID string, limit int) ([]*UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, user_id, job_id, lot_id, kind, seconds, note, created_at
         FROM usage_events WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		ev, err := scanUsageEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UsageTotals sums ledger seconds per kind since the given time.
func (s *Store) UsageTotals(ctx context.Context, userID string, since time.Time) (map[UsageKind]int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT kind, COALESCE(SUM(seconds), 0) FROM usage_events
         WHERE user_id = ? AND created_at >= ? GROUP BY kind`,
		userID,
		since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[UsageKind]int64)
	for rows.Next() {
		var (
			kind    string
			seconds int64
		)
		if err := rows.Scan(&kind, &seconds); err != nil {
			return nil, err
		}
		totals[UsageKind(kind)] = seconds
	}
	return totals, rows.Err()
}
