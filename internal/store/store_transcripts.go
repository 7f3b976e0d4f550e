package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const transcriptColumns = "id, url_hash, video_id, provider_model, source_url, title, language, duration_seconds, text, created_at"

func scanTranscript(scanner interface{ Scan(dest ...any) error }) (*Transcript, error) {
	var (
		id              int64
		urlHash         string
		videoID         sql.NullString
		providerModel   string
		sourceURL       string
		title           sql.NullString
		language        sql.NullString
		durationSeconds sql.NullInt64
		text            string
		createdRaw      string
	)
	if err := scanner.Scan(&id, &urlHash, &videoID, &providerModel, &sourceURL, &title, &language, &durationSeconds, &text, &createdRaw); err != nil {
		return nil, err
	}
	t := &Transcript{
		ID:              id,
		URLHash:         urlHash,
		VideoID:         videoID.String,
		ProviderModel:   providerModel,
		SourceURL:       sourceURL,
		Title:           title.String,
		Language:        language.String,
		DurationSeconds: durationSeconds.Int64,
		Text:            text,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		t.CreatedAt = created
	}
	return t, nil
}

// InsertOrGetTranscript stores a transcript unless one already exists for the
// same URL hash and provider model. The returned row is always the canonical
// one; created reports whether this call inserted it. Concurrent workers
// transcribing the same audio converge on a single row.
func (s *Store) InsertOrGetTranscript(ctx context.Context, t *Transcript) (*Transcript, bool, error) {
	if t == nil {
		return nil, false, errors.New("transcript is nil")
	}
	if t.URLHash == "" || t.ProviderModel == "" {
		return nil, false, errors.New("url hash and provider model are required")
	}

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO transcripts (url_hash, video_id, provider_model, source_url, title, language, duration_seconds, text, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (url_hash, provider_model) DO NOTHING`,
		t.URLHash,
		nullableString(t.VideoID),
		t.ProviderModel,
		t.SourceURL,
		nullableString(t.Title),
		nullableString(t.Language),
		t.DurationSeconds,
		t.Text,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert transcript: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	stored, err := s.LookupTranscript(ctx, t.URLHash, t.ProviderModel)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, errors.New("transcript missing after insert")
	}
	return stored, affected > 0, nil
}

// LookupTranscript returns the cached transcript for a URL hash and provider
// model, or nil when the cache has no entry.
func (s *Store) LookupTranscript(ctx context.Context, urlHash, providerModel string) (*Transcript, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE url_hash = ? AND provider_model = ?`,
		urlHash,
		providerModel,
	)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup transcript: %w", err)
	}
	return t, nil
}

// LookupTranscriptByVideo returns the cached transcript for a platform video
// identifier and provider model. Different URL spellings of the same video
// hash differently, so callers try this before the URL hash lookup.
func (s *Store) LookupTranscriptByVideo(ctx context.Context, videoID, providerModel string) (*Transcript, error) {
	if videoID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE video_id = ? AND provider_model = ? LIMIT 1`,
		videoID,
		providerModel,
	)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup transcript by video: %w", err)
	}
	return t, nil
}

// GetTranscript fetches a transcript by identifier.
func (s *Store) GetTranscript(ctx context.Context, id int64) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	return t, nil
}

// GetTranscriptForReader fetches a transcript only when the user owns a job
// that references it. Cache rows are shared across users; job ownership is
// what grants read access.
func (s *Store) GetTranscriptForReader(ctx context.Context, id int64, userID string) (*Transcript, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+qualifyColumns("t", transcriptColumns)+` FROM transcripts t
         WHERE t.id = ? AND EXISTS (
             SELECT 1 FROM jobs j WHERE j.transcript_id = t.id AND j.user_id = ?
         )`,
		id,
		userID,
	)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript for reader: %w", err)
	}
	return t, nil
}
