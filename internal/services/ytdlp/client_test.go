package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"fathom/internal/services"
)

func TestNewCLIWithBinary(t *testing.T) {
	cli := NewCLI(WithBinary("/opt/yt-dlp"))
	if cli.Binary() != "/opt/yt-dlp" {
		t.Fatalf("expected binary override to be applied, got %q", cli.Binary())
	}
}

func TestProbeRequiresURL(t *testing.T) {
	cli := NewCLI()
	if _, err := cli.Probe(context.Background(), "  "); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank URL, got %v", err)
	}
}

func TestProbeParsesMetadata(t *testing.T) {
	capturedArgs := setHelperCommand(t, "probe", "")

	cli := NewCLI()
	meta, err := cli.Probe(context.Background(), "https://www.youtube.com/watch?v=abc123DEF45")
	if err != nil {
		t.Fatalf("Probe returned error: %v", err)
	}

	if meta.VideoID != "abc123DEF45" {
		t.Fatalf("unexpected video id: %q", meta.VideoID)
	}
	if meta.Title != "Deep Dive Episode 12" {
		t.Fatalf("unexpected title: %q", meta.Title)
	}
	if meta.Author != "The Deep Dive" {
		t.Fatalf("unexpected author: %q", meta.Author)
	}
	if meta.DurationSeconds != 1830 {
		t.Fatalf("unexpected duration: %d", meta.DurationSeconds)
	}
	if meta.Views != 12000 || meta.Likes != 340 {
		t.Fatalf("unexpected counters: views=%d likes=%d", meta.Views, meta.Likes)
	}
	if len(meta.Keywords) != 2 || meta.Keywords[0] != "podcast" {
		t.Fatalf("unexpected keywords: %v", meta.Keywords)
	}
	if meta.Language != "en" {
		t.Fatalf("unexpected language: %q", meta.Language)
	}

	args := *capturedArgs
	if len(args) == 0 {
		t.Fatal("expected yt-dlp arguments to be captured")
	}
	if findArg(args, "--dump-json") == -1 || findArg(args, "--skip-download") == -1 {
		t.Fatalf("expected a metadata-only probe, got args %v", args)
	}
	if args[len(args)-1] != "https://www.youtube.com/watch?v=abc123DEF45" {
		t.Fatalf("expected the URL as the final argument, got %v", args)
	}
}

func TestDownloadAudioReturnsFileInfo(t *testing.T) {
	tempDir := t.TempDir()
	audioPath := filepath.Join(tempDir, "scratch.m4a")
	if err := os.WriteFile(audioPath, []byte("fake audio bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	capturedArgs := setHelperCommand(t, "download", audioPath)

	cli := NewCLI()
	result, err := cli.DownloadAudio(context.Background(), "https://www.youtube.com/watch?v=abc123DEF45", tempDir, "scratch")
	if err != nil {
		t.Fatalf("DownloadAudio returned error: %v", err)
	}

	if result.Path != audioPath {
		t.Fatalf("expected path %q, got %q", audioPath, result.Path)
	}
	if result.Ext != "m4a" {
		t.Fatalf("unexpected ext: %q", result.Ext)
	}
	if result.FilesizeBytes != int64(len("fake audio bytes")) {
		t.Fatalf("expected size from the file on disk, got %d", result.FilesizeBytes)
	}
	if result.Metadata.VideoID != "abc123DEF45" {
		t.Fatalf("unexpected video id: %q", result.Metadata.VideoID)
	}

	args := *capturedArgs
	if idx := findArg(args, "-f"); idx == -1 || idx+1 >= len(args) || args[idx+1] != "bestaudio/best" {
		t.Fatalf("expected a bestaudio format selection, got args %v", args)
	}
	if idx := findArg(args, "-o"); idx == -1 || idx+1 >= len(args) || args[idx+1] != filepath.Join(tempDir, "scratch.%(ext)s") {
		t.Fatalf("expected the output template to use the caller's stem, got args %v", args)
	}
}

func TestDownloadAudioValidatesInputs(t *testing.T) {
	cli := NewCLI()
	if _, err := cli.DownloadAudio(context.Background(), "", "/tmp", "stem"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank URL, got %v", err)
	}
	if _, err := cli.DownloadAudio(context.Background(), "https://example.com/v", "", "stem"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank output dir, got %v", err)
	}
	if _, err := cli.DownloadAudio(context.Background(), "https://example.com/v", "/tmp", ""); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank stem, got %v", err)
	}
}

func TestDownloadFailureClassification(t *testing.T) {
	cases := []struct {
		name          string
		mode          string
		wantPermanent bool
	}{
		{name: "removed video", mode: "unavailable", wantPermanent: true},
		{name: "network failure", mode: "failure", wantPermanent: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setHelperCommand(t, tc.mode, "")

			cli := NewCLI()
			_, err := cli.DownloadAudio(context.Background(), "https://www.youtube.com/watch?v=abc123DEF45", t.TempDir(), "scratch")
			if !errors.Is(err, services.ErrDownload) {
				t.Fatalf("expected download error, got %v", err)
			}
			if got := services.IsPermanent(err); got != tc.wantPermanent {
				t.Fatalf("expected permanent=%v, got %v for %v", tc.wantPermanent, got, err)
			}
		})
	}
}

func setHelperCommand(t *testing.T, mode, filename string) *[]string {
	t.Helper()
	var captured []string
	original := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("YTDLP_HELPER_MODE=%s", mode),
			fmt.Sprintf("YTDLP_HELPER_FILE=%s", filename),
		)
		return cmd
	}
	t.Cleanup(func() {
		commandContext = original
	})
	return &captured
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("YTDLP_HELPER_MODE") {
	case "probe":
		fmt.Println(`{"id":"abc123DEF45","title":"Deep Dive Episode 12","uploader":"The Deep Dive","description":"Episode notes.","tags":["podcast","tech"],"view_count":12000,"like_count":340,"duration":1830.0,"language":"en","ext":"m4a"}`)
		os.Exit(0)
	case "download":
		fmt.Println("[download] Destination: scratch.m4a")
		fmt.Printf(
			`{"id":"abc123DEF45","title":"Deep Dive Episode 12","uploader":"The Deep Dive","duration":1830,"ext":"m4a","_filename":%q,"requested_downloads":[{"filepath":%q,"ext":"m4a","filesize":4096}]}`+"\n",
			os.Getenv("YTDLP_HELPER_FILE"),
			os.Getenv("YTDLP_HELPER_FILE"),
		)
		os.Exit(0)
	case "unavailable":
		fmt.Fprintln(os.Stderr, "ERROR: [youtube] abc123DEF45: Video unavailable. This video has been removed by the uploader")
		os.Exit(1)
	case "failure":
		fmt.Fprintln(os.Stderr, "ERROR: unable to download video data: The read operation timed out")
		os.Exit(1)
	default:
		os.Exit(0)
	}
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}
