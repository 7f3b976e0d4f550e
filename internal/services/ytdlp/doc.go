// Package ytdlp mediates access to the yt-dlp CLI used during ingest.
//
// It normalizes command invocation, parses the info JSON yt-dlp emits for
// probes and downloads, and exposes a testable interface so the ingest stage
// never shells out on its own. Probe fetches metadata without downloading;
// DownloadAudio fetches the best audio-only format into a caller-chosen file
// stem. Failures that cannot succeed on retry, a removed or private video
// for example, are marked permanent so the job fails without burning its
// retry budget.
package ytdlp
