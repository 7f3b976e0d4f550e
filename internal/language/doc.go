// Package language normalizes language hints to the ISO 639-1 codes the
// transcription API expects. Hints arrive in mixed forms: yt-dlp reports
// 2-letter or BCP-47 codes, operators tend to type 3-letter codes or full
// words such as "english".
package language
