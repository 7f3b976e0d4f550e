// Package ingest resolves a job's transcript.
//
// The stage admits the job against the user's credit balance, then looks
// for an existing transcript by platform video id and URL hash before
// spending any provider quota. On a cache miss it downloads the best audio
// with yt-dlp, parks the file in the object store long enough for the
// transcription provider to fetch it over a signed URL, and records the
// resulting transcript so later jobs naming the same video reuse it.
// Scratch audio is removed locally and remotely whether or not
// transcription succeeds.
package ingest
