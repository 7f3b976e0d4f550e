package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"fathom/internal/services"
)

var commandContext = exec.CommandContext

// Metadata describes a source video as reported by yt-dlp.
type Metadata struct {
	VideoID         string
	Title           string
	Author          string
	Description     string
	Keywords        []string
	Views           int64
	Likes           int64
	DurationSeconds int64
	Language        string
}

// DownloadResult describes a downloaded audio file.
type DownloadResult struct {
	Path          string
	Ext           string
	FilesizeBytes int64
	Metadata      Metadata
}

// Client defines downloader behaviour.
type Client interface {
	Probe(ctx context.Context, rawURL string) (*Metadata, error)
	DownloadAudio(ctx context.Context, rawURL, outputDir, baseName string) (*DownloadResult, error)
	Available() error
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI wraps the yt-dlp command-line downloader.
type CLI struct {
	binary string
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "yt-dlp"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// Binary reports the configured binary name.
func (c *CLI) Binary() string {
	return c.binary
}

// Available reports whether the downloader binary can be found on PATH.
func (c *CLI) Available() error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return services.Wrap(services.ErrConfiguration, "ytdlp", "deps", "yt-dlp is not installed or not on PATH", err)
	}
	return nil
}

// Probe fetches source metadata without downloading any media.
func (c *CLI) Probe(ctx context.Context, rawURL string) (*Metadata, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, services.Wrap(services.ErrValidation, "ytdlp", "probe", "Source URL is required", nil)
	}
	args := []string{"--dump-json", "--skip-download", "--no-playlist", "--no-warnings", rawURL}
	payload, err := c.run(ctx, "probe", args)
	if err != nil {
		return nil, err
	}
	parsed, err := decodeInfo("probe", payload)
	if err != nil {
		return nil, err
	}
	meta := parsed.metadata()
	return &meta, nil
}

// DownloadAudio fetches the best audio-only format into
// outputDir/baseName.<ext> and returns the file location together with the
// source metadata. The caller owns cleanup of the file.
func (c *CLI) DownloadAudio(ctx context.Context, rawURL, outputDir, baseName string) (*DownloadResult, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, services.Wrap(services.ErrValidation, "ytdlp", "download", "Source URL is required", nil)
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, services.Wrap(services.ErrValidation, "ytdlp", "download", "Output directory is required", nil)
	}
	if strings.TrimSpace(baseName) == "" {
		return nil, services.Wrap(services.ErrValidation, "ytdlp", "download", "Output file stem is required", nil)
	}

	template := filepath.Join(outputDir, baseName+".%(ext)s")
	args := []string{
		"--print-json",
		"--no-playlist",
		"--no-warnings",
		"--newline",
		"--no-progress",
		"-f", "bestaudio/best",
		"-o", template,
		rawURL,
	}
	payload, err := c.run(ctx, "download", args)
	if err != nil {
		return nil, err
	}
	parsed, err := decodeInfo("download", payload)
	if err != nil {
		return nil, err
	}

	path, ext, size := parsed.downloadedFile()
	if ext == "" {
		ext = "bin"
	}
	if path == "" {
		path = filepath.Join(outputDir, baseName+"."+ext)
	}
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	return &DownloadResult{
		Path:          path,
		Ext:           ext,
		FilesizeBytes: size,
		Metadata:      parsed.metadata(),
	}, nil
}

func (c *CLI) run(ctx context.Context, operation string, args []string) ([]byte, error) {
	cmd := commandContext(ctx, c.binary, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 2000 {
			// yt-dlp prints the decisive error last.
			detail = detail[len(detail)-2000:]
		}
		wrapped := services.Wrap(services.ErrDownload, "ytdlp", operation, "yt-dlp failed", fmt.Errorf("%w: %s", err, detail))
		if permanentFailure(detail) {
			return nil, services.Permanent(wrapped)
		}
		return nil, wrapped
	}
	if stdout.Len() == 0 {
		return nil, services.Wrap(services.ErrDownload, "ytdlp", operation, "yt-dlp returned no output", nil)
	}
	return stdout.Bytes(), nil
}

// permanentFailure reports whether the downloader output names a condition
// that cannot succeed on retry.
func permanentFailure(detail string) bool {
	lowered := strings.ToLower(detail)
	for _, marker := range []string{
		"video unavailable",
		"private video",
		"members-only",
		"has been terminated",
	} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

type infoPayload struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Uploader           string   `json:"uploader"`
	Channel            string   `json:"channel"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	ViewCount          int64    `json:"view_count"`
	LikeCount          int64    `json:"like_count"`
	Duration           float64  `json:"duration"`
	Language           string   `json:"language"`
	Ext                string   `json:"ext"`
	Filesize           int64    `json:"filesize"`
	FilesizeApprox     int64    `json:"filesize_approx"`
	Filename           string   `json:"_filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
		Ext      string `json:"ext"`
		Filesize int64  `json:"filesize"`
	} `json:"requested_downloads"`
}

// decodeInfo picks the last parseable JSON object out of the command output.
// yt-dlp writes the info dict as a single line but other output can precede
// it.
func decodeInfo(operation string, payload []byte) (*infoPayload, error) {
	lines := bytes.Split(bytes.TrimSpace(payload), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var parsed infoPayload
		if err := json.Unmarshal(line, &parsed); err != nil {
			continue
		}
		return &parsed, nil
	}
	return nil, services.Wrap(services.ErrDownload, "ytdlp", operation, "yt-dlp output had no readable metadata", nil)
}

func (p *infoPayload) metadata() Metadata {
	author := strings.TrimSpace(p.Uploader)
	if author == "" {
		author = strings.TrimSpace(p.Channel)
	}
	return Metadata{
		VideoID:         strings.TrimSpace(p.ID),
		Title:           strings.TrimSpace(p.Title),
		Author:          author,
		Description:     p.Description,
		Keywords:        p.Tags,
		Views:           p.ViewCount,
		Likes:           p.LikeCount,
		DurationSeconds: int64(p.Duration),
		Language:        strings.TrimSpace(p.Language),
	}
}

func (p *infoPayload) downloadedFile() (string, string, int64) {
	path := strings.TrimSpace(p.Filename)
	ext := strings.TrimSpace(p.Ext)
	size := p.Filesize
	if size <= 0 {
		size = p.FilesizeApprox
	}
	if len(p.RequestedDownloads) > 0 {
		dl := p.RequestedDownloads[0]
		if fp := strings.TrimSpace(dl.Filepath); fp != "" {
			path = fp
		}
		if e := strings.TrimSpace(dl.Ext); e != "" {
			ext = e
		}
		if dl.Filesize > 0 {
			size = dl.Filesize
		}
	}
	return path, ext, size
}

var _ Client = (*CLI)(nil)
