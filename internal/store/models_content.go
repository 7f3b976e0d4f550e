package store

import "time"

// Transcript is a cached transcription, keyed by the URL hash and the
// provider/model pair that produced it. VideoID carries the platform video
// identifier when one could be extracted, letting different URL spellings of
// the same video share a row. Jobs for the same audio reuse the row instead
// of transcribing again.
type Transcript struct {
	ID              int64
	URLHash         string
	VideoID         string
	ProviderModel   string
	SourceURL       string
	Title           string
	Language        string
	DurationSeconds int64
	Text            string
	CreatedAt       time.Time
}

// Summary is a cached summary of one transcript under one prompt and model.
// The PDF object key is set lazily the first time a reader requests a PDF.
type Summary struct {
	ID           int64
	TranscriptID int64
	PromptKey    string
	Model        string
	Text         string
	PDFObjectKey string
	CreatedAt    time.Time
}
