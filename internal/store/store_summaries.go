package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const summaryColumns = "id, transcript_id, prompt_key, model, text, pdf_object_key, created_at"

func scanSummary(scanner interface{ Scan(dest ...any) error }) (*Summary, error) {
	var (
		id           int64
		transcriptID int64
		promptKey    string
		model        string
		text         string
		pdfObjectKey sql.NullString
		createdRaw   string
	)
	if err := scanner.Scan(&id, &transcriptID, &promptKey, &model, &text, &pdfObjectKey, &createdRaw); err != nil {
		return nil, err
	}
	sm := &Summary{
		ID:           id,
		TranscriptID: transcriptID,
		PromptKey:    promptKey,
		Model:        model,
		Text:         text,
		PDFObjectKey: pdfObjectKey.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		sm.CreatedAt = created
	}
	return sm, nil
}

// InsertOrGetSummary stores a summary unless one already exists for the same
// transcript, prompt key, and model. The returned row is the canonical one;
// created reports whether this call inserted it.
func (s *Store) InsertOrGetSummary(ctx context.Context, sm *Summary) (*Summary, bool, error) {
	if sm == nil {
		return nil, false, errors.New("summary is nil")
	}
	if sm.TranscriptID == 0 || sm.PromptKey == "" || sm.Model == "" {
		return nil, false, errors.New("transcript id, prompt key, and model are required")
	}

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO summaries (transcript_id, prompt_key, model, text, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (transcript_id, prompt_key, model) DO NOTHING`,
		sm.TranscriptID,
		sm.PromptKey,
		sm.Model,
		sm.Text,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert summary: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.LookupSummary(ctx, sm.TranscriptID, sm.PromptKey, sm.Model)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, errors.New("summary missing after insert")
	}
	return stored, affected > 0, nil
}

// LookupSummary returns the cached summary for a transcript, prompt key, and
// model, or nil when the cache has no entry.
func (s *Store) LookupSummary(ctx context.Context, transcriptID int64, promptKey, model string) (*Summary, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+summaryColumns+` FROM summaries WHERE transcript_id = ? AND prompt_key = ? AND model = ?`,
		transcriptID,
		promptKey,
		model,
	)
	sm, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup summary: %w", err)
	}
	return sm, nil
}

// GetSummary fetches a summary by identifier.
func (s *Store) GetSummary(ctx context.Context, id int64) (*Summary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM summaries WHERE id = ?`, id)
	sm, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	return sm, nil
}

// GetSummaryForReader fetches a summary only when the user owns a job that
// references it. Summaries are shared cache rows; owning a job that produced
// or reused one is what grants read access.
func (s *Store) GetSummaryForReader(ctx context.Context, id int64, userID string) (*Summary, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+qualifyColumns("s", summaryColumns)+` FROM summaries s
         WHERE s.id = ? AND EXISTS (
             SELECT 1 FROM jobs j WHERE j.summary_id = s.id AND j.user_id = ?
         )`,
		id,
		userID,
	)
	sm, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary for reader: %w", err)
	}
	return sm, nil
}

// AttachSummaryPDF records the object key of a rendered PDF. Only the first
// writer wins; later calls return the stored key so concurrent renders of the
// same summary converge on one object. The won flag reports whether this call
// set the key.
func (s *Store) AttachSummaryPDF(ctx context.Context, id int64, objectKey string) (string, bool, error) {
	if objectKey == "" {
		return "", false, errors.New("object key is required")
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE summaries SET pdf_object_key = ? WHERE id = ? AND pdf_object_key IS NULL`,
		objectKey,
		id,
	)
	if err != nil {
		return "", false, fmt.Errorf("attach summary pdf: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return objectKey, true, nil
	}

	sm, err := s.GetSummary(ctx, id)
	if err != nil {
		return "", false, err
	}
	if sm == nil {
		return "", false, fmt.Errorf("summary %d not found", id)
	}
	return sm.PDFObjectKey, false, nil
}
