// Package entitlement decides whether users may spend transcription seconds
// and records what they actually spent.
//
// Credits live in lots: subscription cycles, the monthly free tier, and
// purchased packs, consumed in that order. Admission runs before any money
// is spent on providers and refuses work whose projected duration would push
// the user's debt to the cap. The real duration is debited after
// transcription; any uncovered remainder becomes debt, and fresh grants pay
// that debt down before funding new jobs.
package entitlement
