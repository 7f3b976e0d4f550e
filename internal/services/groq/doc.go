// Package groq provides the Groq audio transcription client.
//
// The ingest stage uploads downloaded audio to object storage and hands the
// signed URL to TranscribeURL, so audio bytes never travel through this
// process twice. Transcription is a single attempt; the job-level retry
// policy decides whether a failed attempt runs again, which is why upstream
// failures are tagged as transcription errors rather than retried here.
//
// HealthCheck lists models to verify the API key without spending audio
// minutes.
package groq
