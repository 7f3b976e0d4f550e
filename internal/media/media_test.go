package media_test

import (
	"strings"
	"testing"

	"fathom/internal/media"
	"fathom/internal/services"
)

func TestValidateSourceURL(t *testing.T) {
	valid := []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtube.com/watch?v=dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://music.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/abc123DEF45",
		"https://www.youtube.com/embed/abc123DEF45",
		"https://www.youtube.com/live/abc123DEF45",
		"  https://youtu.be/dQw4w9WgXcQ  ",
	}
	for _, raw := range valid {
		if _, err := media.ValidateSourceURL(raw); err != nil {
			t.Errorf("ValidateSourceURL(%q) = %v, want nil", raw, err)
		}
	}

	invalid := []struct {
		raw    string
		detail string
	}{
		{"https://vimeo.com/12345", "Only YouTube URLs are allowed."},
		{"https://example.com/watch?v=dQw4w9WgXcQ", "Only YouTube URLs are allowed."},
		{"not a url", "Only YouTube URLs are allowed."},
		{"", "Only YouTube URLs are allowed."},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123", "Playlist URLs are not supported."},
		{"https://www.youtube.com/", "Invalid YouTube video URL."},
		{"https://www.youtube.com/watch", "Invalid YouTube video URL."},
		{"https://www.youtube.com/channel/UC12345", "Invalid YouTube video URL."},
	}
	for _, tc := range invalid {
		_, err := media.ValidateSourceURL(tc.raw)
		if err == nil {
			t.Errorf("ValidateSourceURL(%q) = nil, want error", tc.raw)
			continue
		}
		if !services.IsPermanent(err) {
			t.Errorf("ValidateSourceURL(%q): expected permanent validation error, got %v", tc.raw, err)
		}
		if !strings.Contains(err.Error(), tc.detail) {
			t.Errorf("ValidateSourceURL(%q) = %v, want detail %q", tc.raw, err, tc.detail)
		}
	}
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?t=42", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/abc123DEF45", "abc123DEF45"},
		{"https://www.youtube.com/embed/abc123DEF45?autoplay=1", "abc123DEF45"},
		{"https://www.youtube.com/live/abc123DEF45/extra", "abc123DEF45"},
		{"https://www.youtube.com/", ""},
		{"https://www.youtube.com/watch", ""},
		{"https://www.youtube.com/playlist?list=PL123", ""},
		{"://bad", ""},
	}
	for _, tc := range tests {
		if got := media.ExtractVideoID(tc.raw); got != tc.want {
			t.Errorf("ExtractVideoID(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestURLHash(t *testing.T) {
	a := media.URLHash("https://youtu.be/dQw4w9WgXcQ")
	b := media.URLHash("  https://youtu.be/dQw4w9WgXcQ  ")
	if a != b {
		t.Fatal("expected hash to ignore surrounding whitespace")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if a == media.URLHash("https://youtu.be/other") {
		t.Fatal("expected different URLs to hash differently")
	}
}
