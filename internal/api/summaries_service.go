package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"fathom/internal/logging"
	"fathom/internal/services"
	"fathom/internal/store"
)

// unknownVideoSegment stands in for the video id in PDF object keys when a
// transcript carries none.
const unknownVideoSegment = "unknown-video"

// SummaryLibrary abstracts the persistence interactions needed for summary
// reads and PDF attachment.
type SummaryLibrary interface {
	GetSummaryForReader(ctx context.Context, id int64, userID string) (*store.Summary, error)
	GetTranscript(ctx context.Context, id int64) (*store.Transcript, error)
	AttachSummaryPDF(ctx context.Context, id int64, objectKey string) (string, bool, error)
}

// ObjectStore abstracts the bucket operations used for rendered PDFs.
type ObjectStore interface {
	Upload(ctx context.Context, key string, payload io.Reader, size int64, contentType string) error
	Presign(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// PDFRenderer turns summary markdown into a PDF document.
type PDFRenderer interface {
	Render(ctx context.Context, markdownText, title string) ([]byte, error)
}

// SummariesService serves summary reads and renders PDFs on demand.
type SummariesService struct {
	store    SummaryLibrary
	objects  ObjectStore
	renderer PDFRenderer
	logger   *slog.Logger
}

// NewSummariesService constructs a SummariesService. The object store and
// renderer may be nil; PDF operations then report a configuration error.
func NewSummariesService(library SummaryLibrary, objects ObjectStore, renderer PDFRenderer, logger *slog.Logger) *SummariesService {
	if library == nil {
		return nil
	}
	return &SummariesService{
		store:    library,
		objects:  objects,
		renderer: renderer,
		logger:   logging.NewComponentLogger(logger, "api-summaries"),
	}
}

// Summary returns the caller's summary markdown plus a signed PDF URL when a
// PDF was already rendered. Access requires the caller to own a job that
// produced or reused the summary.
func (s *SummariesService) Summary(ctx context.Context, userID string, summaryID int64) (*SummaryView, error) {
	sm, err := s.readerSummary(ctx, userID, summaryID)
	if err != nil {
		return nil, err
	}
	view := SummaryView{SummaryID: sm.ID, Markdown: sm.Text}
	if sm.PDFObjectKey != "" && s.objects != nil {
		url, err := s.objects.Presign(ctx, sm.PDFObjectKey)
		if err != nil {
			return nil, services.Wrap(services.ErrExternalTool, "api", "sign pdf url", "Could not create a signed PDF URL", err)
		}
		view.PDFURL = url
	}
	s.logger.Info("summary fetched",
		logging.String(logging.FieldUserID, userID),
		logging.Int64("summary_id", sm.ID),
		logging.Bool("has_pdf", sm.PDFObjectKey != ""))
	return &view, nil
}

// RenderSummaryPDF returns a signed URL for the summary's PDF, rendering and
// uploading it first when none exists yet. Renders are idempotent: when a PDF
// is already attached only a fresh signed URL is issued, and concurrent
// renders converge on whichever object key was attached first.
func (s *SummariesService) RenderSummaryPDF(ctx context.Context, userID string, summaryID int64) (*SummaryPDFView, error) {
	sm, err := s.readerSummary(ctx, userID, summaryID)
	if err != nil {
		return nil, err
	}
	if s.objects == nil || s.renderer == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "render pdf", "PDF rendering is not configured", nil)
	}

	if sm.PDFObjectKey != "" {
		s.logger.Info("summary pdf already exists",
			logging.String(logging.FieldUserID, userID),
			logging.Int64("summary_id", sm.ID))
		return s.signedPDF(ctx, sm.ID, sm.PDFObjectKey)
	}

	markdown := sm.Text
	if strings.TrimSpace(markdown) == "" {
		return nil, services.Wrap(services.ErrExternalTool, "api", "render pdf", "Summary markdown is missing; cannot generate PDF.", nil)
	}

	videoID := unknownVideoSegment
	title := ""
	if transcript, err := s.store.GetTranscript(ctx, sm.TranscriptID); err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "render pdf", "Could not load the transcript", err)
	} else if transcript != nil {
		if id := strings.TrimSpace(transcript.VideoID); id != "" {
			videoID = id
		}
		title = transcript.Title
	}

	pdfBytes, err := s.renderer.Render(ctx, markdown, title)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("summaries/%s/%s/%d.pdf", userID, videoID, sm.ID)
	if err := s.objects.Upload(ctx, key, bytes.NewReader(pdfBytes), int64(len(pdfBytes)), "application/pdf"); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "api", "render pdf", "Could not upload the PDF", err)
	}

	winner, won, err := s.store.AttachSummaryPDF(ctx, sm.ID, key)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "render pdf", "Could not attach the PDF to the summary", err)
	}
	if !won && winner != key {
		// A concurrent render attached first. Drop the duplicate object.
		if err := s.objects.Remove(ctx, key); err != nil {
			s.logger.Debug("could not remove duplicate pdf object",
				logging.String("object_key", key), logging.Error(err))
		}
	}
	s.logger.Info("summary pdf uploaded",
		logging.String(logging.FieldUserID, userID),
		logging.Int64("summary_id", sm.ID),
		logging.String("object_key", winner))
	return s.signedPDF(ctx, sm.ID, winner)
}

func (s *SummariesService) readerSummary(ctx context.Context, userID string, summaryID int64) (*store.Summary, error) {
	if s == nil || s.store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "api", "read summary", "Summary reads are not configured", nil)
	}
	if strings.TrimSpace(userID) == "" {
		return nil, services.Wrap(services.ErrUnauthorized, "api", "read summary", "User id is required", nil)
	}
	if summaryID <= 0 {
		return nil, services.Wrap(services.ErrValidation, "api", "read summary", "Summary id is required", nil)
	}
	sm, err := s.store.GetSummaryForReader(ctx, summaryID, userID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "api", "read summary", "Could not load the summary", err)
	}
	if sm == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "read summary", "Summary not found.", nil)
	}
	return sm, nil
}

func (s *SummariesService) signedPDF(ctx context.Context, summaryID int64, objectKey string) (*SummaryPDFView, error) {
	url, err := s.objects.Presign(ctx, objectKey)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "api", "sign pdf url", "Could not create a signed PDF URL", err)
	}
	if strings.TrimSpace(url) == "" {
		return nil, services.Wrap(services.ErrExternalTool, "api", "sign pdf url", "Signed PDF URL was not returned.", nil)
	}
	return &SummaryPDFView{SummaryID: summaryID, PDFURL: url}, nil
}
