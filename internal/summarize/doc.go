// Package summarize turns transcripts into Markdown briefings.
//
// The stage checks the summary cache before spending model tokens, streams
// the completion so readers watching the job see the draft grow, and falls
// back to a single non-streaming call when the stream breaks or produces
// nothing. Finished summaries are stored keyed by transcript, prompt, and
// model so later jobs over the same content reuse them.
package summarize
