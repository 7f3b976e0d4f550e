package logging

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type infoField struct {
	label string
	value string
}

const infoAttrLimit = 8

var infoHighlightKeys = []string{
	FieldAlert,
	FieldEventType,
	"url",
	"video_id",
	"title",
	"status",
	FieldProgressPercent,
	FieldProgressMessage,
	"status_message",
	"error_message",
	FieldErrorCode,
	FieldErrorHint,
	"attempt",
	"max_attempts",
	"backoff",
	"cache_decision",
	"provider_model",
	"prompt_key",
	"summary_model",
	"transcript_id",
	"summary_id",
	"duration_seconds",
	"seconds_debited",
	"subscription_seconds",
	"pack_seconds",
	"debt_seconds",
	"blocked",
	"plan_code",
	"lot_type",
	"granted_seconds",
	"remaining_seconds",
	"order_id",
	"refund_cents",
	"webhook_event",
	"webhook_id",
	"provider",
	"stage_duration",
	"download_duration",
	"transcribe_duration",
	"summarize_duration",
	"render_duration",
	"audio_bytes",
	"transcript_chars",
	"summary_chars",
	"requeued",
	"reason",
}

// selectInfoFields returns formatted info-level fields and a count of hidden entries.
// limit=0 means no limit. includeDebug controls whether debug-only keys are allowed.
func selectInfoFields(attrs []kv, limit int, includeDebug bool) ([]infoField, int) {
	if len(attrs) == 0 {
		return nil, 0
	}
	if limit < 0 {
		limit = 0
	}
	used := make([]bool, len(attrs))
	formatted := make([]string, len(attrs))
	formattedSet := make([]bool, len(attrs))
	ensureValue := func(idx int) string {
		if !formattedSet[idx] {
			formatted[idx] = formatValueForKeyWithAttrs(attrs[idx].key, attrs[idx].value, attrs)
			formattedSet[idx] = true
		}
		return formatted[idx]
	}
	result := make([]infoField, 0, infoAttrLimit)
	hidden := 0

	for _, key := range infoHighlightKeys {
		if limit > 0 && len(result) >= limit {
			break
		}
		for idx, attr := range attrs {
			if used[idx] || attr.key != key {
				continue
			}
			used[idx] = true
			if skipInfoKey(attr.key) {
				break
			}
			if !includeDebug && isDebugOnlyKey(attr.key) {
				hidden++
				break
			}
			val := ensureValue(idx)
			if !includeDebug && shouldHideInfoValue(attr.key, val) {
				hidden++
				break
			}
			result = append(result, infoField{label: displayLabel(attr.key), value: val})
			break
		}
	}

	for idx, attr := range attrs {
		if used[idx] {
			continue
		}
		used[idx] = true
		if skipInfoKey(attr.key) {
			continue
		}
		if !includeDebug && isDebugOnlyKey(attr.key) {
			hidden++
			continue
		}
		val := ensureValue(idx)
		if !includeDebug && shouldHideInfoValue(attr.key, val) {
			hidden++
			continue
		}
		if limit <= 0 || len(result) < limit {
			result = append(result, infoField{label: displayLabel(attr.key), value: val})
		} else if limit > 0 {
			hidden++
		}
	}

	return result, hidden
}

// formatValueForKeyWithAttrs applies smart formatting based on the key name.
func formatValueForKeyWithAttrs(key string, v slog.Value, attrs []kv) string {
	v = v.Resolve()

	if isByteSizeKey(key) && (v.Kind() == slog.KindInt64 || v.Kind() == slog.KindUint64) {
		var bytes int64
		if v.Kind() == slog.KindInt64 {
			bytes = v.Int64()
		} else {
			bytes = int64(v.Uint64())
		}
		return formatBytes(bytes)
	}

	if isDurationKey(key) && v.Kind() == slog.KindDuration {
		return formatDurationHuman(v.Duration())
	}

	if isPercentKey(key) && v.Kind() == slog.KindFloat64 {
		return formatPercent(v.Float64())
	}

	if v.Kind() == slog.KindBool {
		if v.Bool() {
			return "yes"
		}
		return "no"
	}

	value := formatValue(v)
	if key == "error" || key == "error_message" {
		value = truncateErrorValue(value)
	}
	return value
}

// isByteSizeKey returns true if the key represents a byte size.
func isByteSizeKey(key string) bool {
	return strings.HasSuffix(key, "_bytes") ||
		strings.HasSuffix(key, "_size") ||
		key == "size"
}

// isDurationKey returns true if the key represents a duration.
func isDurationKey(key string) bool {
	return strings.HasSuffix(key, "_duration") ||
		strings.HasSuffix(key, "_elapsed") ||
		strings.HasSuffix(key, "_latency") ||
		key == "elapsed" ||
		key == "duration" ||
		key == "backoff"
}

// isPercentKey returns true if the key represents a percentage.
func isPercentKey(key string) bool {
	return strings.HasSuffix(key, "_percent") ||
		key == FieldProgressPercent
}

func formatBytes(value int64) string {
	const (
		kiB = 1024
		miB = kiB * 1024
		giB = miB * 1024
	)
	switch {
	case value >= giB:
		return fmt.Sprintf("%.2f GiB", float64(value)/float64(giB))
	case value >= miB:
		return fmt.Sprintf("%.2f MiB", float64(value)/float64(miB))
	case value >= kiB:
		return fmt.Sprintf("%.2f KiB", float64(value)/float64(kiB))
	default:
		return fmt.Sprintf("%d B", value)
	}
}

func formatDurationHuman(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d >= time.Hour:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	case d >= time.Minute:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	case d >= time.Second:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}

func formatPercent(value float64) string {
	return fmt.Sprintf("%.0f%%", value)
}

func truncateErrorValue(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	const maxLen = 200
	if len(value) > maxLen {
		value = value[:maxLen] + "…"
	}
	return value
}

func skipInfoKey(key string) bool {
	switch key {
	case "", FieldJobID, FieldStage, FieldComponent:
		return true
	default:
		return false
	}
}

func isDebugOnlyKey(key string) bool {
	if key == "" {
		return true
	}
	switch key {
	case FieldRequestID,
		FieldUserID,
		"url_hash",
		"object_key",
		"socket_path",
		"schema_version",
		"source_key",
		"signed_url_ttl",
		"flush_chars",
		"flush_interval",
		"poll_interval",
		"payload_bytes":
		return true
	}
	if strings.HasSuffix(key, "_id") && key != "video_id" && key != "transcript_id" && key != "summary_id" && key != "order_id" && key != "webhook_id" {
		return true
	}
	if strings.Contains(key, "_path") || strings.Contains(key, "_dir") {
		return true
	}
	return false
}

func shouldHideInfoValue(key, value string) bool {
	switch key {
	case "error_message", "error", "url", "reason":
		return false
	}
	return len(value) > 120
}

func displayLabel(key string) string {
	switch key {
	case FieldAlert:
		return "Alert"
	case FieldEventType:
		return "Event"
	case FieldErrorCode:
		return "Error Code"
	case FieldErrorHint:
		return "Hint"
	case FieldJobID:
		return "Job"
	case FieldStage:
		return "Stage"
	case FieldProgressPercent:
		return "Progress"
	case FieldProgressMessage:
		return "Status"
	case "url":
		return "URL"
	case "video_id":
		return "Video"
	case "title":
		return "Title"
	case "status_message":
		return "Status"
	case "duration_seconds":
		return "Duration"
	case "cache_decision":
		return "Cache"
	case "provider_model":
		return "Transcriber"
	case "summary_model":
		return "Model"
	case "prompt_key":
		return "Prompt"
	case "transcript_id":
		return "Transcript"
	case "summary_id":
		return "Summary"
	case "seconds_debited":
		return "Debited"
	case "subscription_seconds":
		return "Subscription"
	case "pack_seconds":
		return "Packs"
	case "debt_seconds":
		return "Debt"
	case "blocked":
		return "Blocked"
	case "plan_code":
		return "Plan"
	case "lot_type":
		return "Lot"
	case "granted_seconds":
		return "Granted"
	case "remaining_seconds":
		return "Remaining"
	case "order_id":
		return "Order"
	case "refund_cents":
		return "Refund"
	case "webhook_event":
		return "Webhook"
	case "webhook_id":
		return "Webhook ID"
	case "provider":
		return "Provider"
	case "stage_duration":
		return "Duration"
	case "download_duration":
		return "Download Time"
	case "transcribe_duration":
		return "Transcribe Time"
	case "summarize_duration":
		return "Summarize Time"
	case "render_duration":
		return "Render Time"
	case "audio_bytes":
		return "Audio Size"
	case "transcript_chars":
		return "Transcript Length"
	case "summary_chars":
		return "Summary Length"
	case "attempt":
		return "Attempt"
	case "max_attempts":
		return "Max Attempts"
	case "backoff":
		return "Backoff"
	case "requeued":
		return "Requeued"
	case "reason":
		return "Reason"
	default:
		return titleizeKey(key)
	}
}

func titleizeKey(key string) string {
	if key == "" {
		return ""
	}
	parts := strings.FieldsFunc(key, func(r rune) bool {
		return r == '_' || r == '-'
	})
	if len(parts) == 0 {
		return strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
	}
	for i, part := range parts {
		parts[i] = capitalizeASCII(part)
	}
	return strings.Join(parts, " ")
}

func capitalizeASCII(value string) string {
	switch len(value) {
	case 0:
		return ""
	case 1:
		return strings.ToUpper(value)
	default:
		lower := strings.ToLower(value)
		return strings.ToUpper(lower[:1]) + lower[1:]
	}
}

func infoSummaryKey(component, jobID string, attrs []kv) string {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		if video := attrValue(attrs, "video_id"); video != "" {
			jobID = "video:" + video
		} else if component != "" {
			jobID = component
		}
	}
	if jobID == "" {
		return ""
	}
	return jobID
}

func attrValue(attrs []kv, key string) string {
	for _, kv := range attrs {
		if kv.key == key {
			return attrString(kv.value)
		}
	}
	return ""
}
