package logging

import "strings"

// FormatSubject builds the job/stage subject string used in console output.
// Job identifiers are shortened to their first UUID segment for readability.
func FormatSubject(jobID, stage string) string {
	jobID = strings.TrimSpace(jobID)
	stage = strings.TrimSpace(stage)
	short := jobID
	if idx := strings.IndexByte(short, '-'); idx > 0 {
		short = short[:idx]
	}
	switch {
	case short != "" && stage != "":
		return "Job " + short + " (" + stage + ")"
	case short != "":
		return "Job " + short
	case stage != "":
		return stage
	default:
		return ""
	}
}
