package media

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"fathom/internal/services"
)

// youtubeHosts are the accepted source hosts. Anything else is rejected at
// enqueue so the downloader never sees an unsupported site.
var youtubeHosts = map[string]struct{}{
	"youtube.com":       {},
	"www.youtube.com":   {},
	"m.youtube.com":     {},
	"music.youtube.com": {},
	"youtu.be":          {},
}

// ValidateSourceURL checks that a raw URL names a supported video source and
// returns the parsed form. Playlist URLs are rejected because a job
// transcribes exactly one video.
func ValidateSourceURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "media", "validate url", "Invalid YouTube video URL.", err)
	}
	host := strings.ToLower(parsed.Hostname())
	if _, ok := youtubeHosts[host]; host == "" || !ok {
		return nil, services.Wrap(services.ErrValidation, "media", "validate url", "Only YouTube URLs are allowed.", nil)
	}
	if parsed.Query().Get("list") != "" {
		return nil, services.Wrap(services.ErrValidation, "media", "validate url", "Playlist URLs are not supported.", nil)
	}
	if extractVideoID(parsed) == "" {
		return nil, services.Wrap(services.ErrValidation, "media", "validate url", "Invalid YouTube video URL.", nil)
	}
	return parsed, nil
}

// ExtractVideoID returns the platform video identifier embedded in a URL, or
// the empty string when none can be found. The id lets different spellings of
// the same video (watch, share, shorts, embed) share one transcript.
func ExtractVideoID(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return extractVideoID(parsed)
}

func extractVideoID(parsed *url.URL) string {
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return ""
	}

	if strings.EqualFold(parsed.Hostname(), "youtu.be") {
		id, _, _ := strings.Cut(path, "/")
		return id
	}

	if path == "watch" {
		return parsed.Query().Get("v")
	}

	for _, prefix := range []string{"shorts/", "embed/", "live/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok {
			id, _, _ := strings.Cut(rest, "/")
			return id
		}
	}

	return ""
}

// URLHash returns the cache key for a source URL. Hashing the trimmed raw
// string keeps the key stable across retries without any canonicalization
// the platform might not honor.
func URLHash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
