// Package media parses and validates source URLs.
//
// The daemon accepts YouTube URLs only; ValidateSourceURL enforces the host
// allow-list and rejects playlists at enqueue time. ExtractVideoID pulls the
// platform video identifier out of any accepted URL shape so the transcript
// cache can match different spellings of the same video, and URLHash produces
// the fallback cache key used when no id can be extracted.
package media
