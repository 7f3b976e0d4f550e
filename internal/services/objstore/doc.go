// Package objstore wraps the S3-compatible object store holding audio
// scratch files and rendered PDF briefings.
//
// Audio downloaded during ingest is parked here just long enough for the
// transcription provider to fetch it through a presigned URL, then removed.
// PDFs live under durable keys and are always served through presigned URLs
// so the API never proxies object bytes.
package objstore
