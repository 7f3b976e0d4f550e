package logging

import "time"

// Console output uses local wall-clock time; the JSON handler keeps UTC
// RFC3339 for machine consumers.
const consoleTimestampLayout = "2006-01-02 15:04:05"

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.In(time.Local).Format(consoleTimestampLayout)
}
