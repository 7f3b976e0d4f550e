package pdfrender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"fathom/internal/config"
	"fathom/internal/services"
)

var commandContext = exec.CommandContext

const (
	defaultBinary  = "weasyprint"
	defaultTimeout = 2 * time.Minute
)

// Renderer converts Markdown into PDF bytes via the WeasyPrint CLI.
type Renderer struct {
	binary  string
	timeout time.Duration
	md      goldmark.Markdown
	now     func() time.Time
}

// Option configures the renderer.
type Option func(*Renderer)

// WithClock overrides the clock used for the generation date.
func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

// New constructs a renderer from the PDF configuration.
func New(cfg config.PDF, opts ...Option) *Renderer {
	binary := strings.TrimSpace(cfg.Binary)
	if binary == "" {
		binary = defaultBinary
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	r := &Renderer{
		binary:  binary,
		timeout: timeout,
		md:      goldmark.New(goldmark.WithExtensions(extension.GFM)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Binary reports the configured WeasyPrint binary.
func (r *Renderer) Binary() string {
	return r.binary
}

// Available reports whether the WeasyPrint binary can be found on PATH.
func (r *Renderer) Available() error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return services.Wrap(services.ErrConfiguration, "pdf", "deps", "weasyprint is not installed or not on PATH", err)
	}
	return nil
}

// Render converts a Markdown document into PDF bytes. The title lands in
// the document header; blank titles fall back to "Summary".
func (r *Renderer) Render(ctx context.Context, markdownText, title string) ([]byte, error) {
	if strings.TrimSpace(markdownText) == "" {
		return nil, services.Wrap(services.ErrValidation, "pdf", "render", "Markdown content is required", nil)
	}

	var body bytes.Buffer
	if err := r.md.Convert([]byte(markdownText), &body); err != nil {
		return nil, services.Wrap(services.ErrValidation, "pdf", "render", "Markdown could not be converted", err)
	}
	doc, err := buildDocument(documentTitle(title), r.now().UTC().Format("January 2, 2006"), body.String())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "pdf", "render", "Document could not be assembled", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := commandContext(runCtx, r.binary, "-", "-")
	cmd.Stdin = strings.NewReader(doc)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, "pdf", "render", "WeasyPrint timed out", runCtx.Err())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, services.Wrap(services.ErrConfiguration, "pdf", "render", "weasyprint is not installed or not on PATH", err)
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 2000 {
			detail = detail[len(detail)-2000:]
		}
		return nil, services.Wrap(services.ErrExternalTool, "pdf", "render", "WeasyPrint failed", fmt.Errorf("%w: %s", err, detail))
	}

	pdf := stdout.Bytes()
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return nil, services.Wrap(services.ErrExternalTool, "pdf", "render", "WeasyPrint produced no PDF output", nil)
	}
	return pdf, nil
}

// documentTitle title-cases the header title. Casers carry internal state,
// so one is built per call rather than shared.
func documentTitle(title string) string {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "Summary"
	}
	return cases.Title(language.English).String(trimmed)
}
