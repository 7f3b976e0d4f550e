package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"fathom/internal/ipc"
)

func buildQueueStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{formatStatusLabel(key), fmt.Sprintf("%d", stats[key])})
	}
	return rows
}

func buildJobListRows(jobs []ipc.JobView) [][]string {
	if len(jobs) == 0 {
		return nil
	}
	sorted := make([]ipc.JobView, len(jobs))
	copy(sorted, jobs)

	sort.Slice(sorted, func(i, j int) bool {
		ti := parseQueueTime(sorted[i].CreatedAt)
		tj := parseQueueTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return sorted[i].ID > sorted[j].ID
		}
		return ti.After(tj)
	})

	rows := make([][]string, 0, len(sorted))
	for _, job := range sorted {
		title := strings.TrimSpace(job.Title)
		if title == "" {
			title = strings.TrimSpace(job.URL)
		}
		if title == "" {
			title = "Unknown"
		}
		rows = append(rows, []string{
			shortID(job.ID),
			truncate(title, 48),
			formatStatusLabel(job.Status),
			formatStatusLabel(job.Progress.Stage),
			formatDisplayTime(job.CreatedAt),
		})
	}
	return rows
}

func printJobDetail(out io.Writer, job ipc.JobView) {
	fmt.Fprintf(out, "ID: %s\n", job.ID)
	fmt.Fprintf(out, "Status: %s\n", formatStatusLabel(job.Status))
	if job.Title != "" {
		fmt.Fprintf(out, "Title: %s\n", job.Title)
	}
	if job.URL != "" {
		fmt.Fprintf(out, "URL: %s\n", job.URL)
	}
	fmt.Fprintf(out, "Stage: %s (%.0f%%)\n", formatStatusLabel(job.Progress.Stage), job.Progress.Percent)
	if job.Progress.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", job.Progress.Message)
	}
	if job.DurationSeconds > 0 {
		fmt.Fprintf(out, "Duration: %s\n", formatSeconds(job.DurationSeconds))
	}
	if job.SummaryID != nil {
		fmt.Fprintf(out, "Summary: %d\n", *job.SummaryID)
	}
	fmt.Fprintf(out, "Transcript cached: %s\n", yesNo(job.TranscriptCached))
	fmt.Fprintf(out, "Summary cached: %s\n", yesNo(job.SummaryCached))
	if job.Attempts > 0 {
		fmt.Fprintf(out, "Attempts: %d\n", job.Attempts)
	}
	if job.ErrorCode != "" {
		fmt.Fprintf(out, "Error code: %s\n", job.ErrorCode)
	}
	if job.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s\n", job.ErrorMessage)
	}
	if job.CreatedAt != "" {
		fmt.Fprintf(out, "Created: %s\n", formatDisplayTime(job.CreatedAt))
	}
	if job.CompletedAt != "" {
		fmt.Fprintf(out, "Completed: %s\n", formatDisplayTime(job.CompletedAt))
	}
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatDisplayTime(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC().Format("2006-01-02 15:04")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC().Format("2006-01-02 15:04")
	}
	return value
}

func parseQueueTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

func shortID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(value string, limit int) string {
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func formatSeconds(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm%02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", seconds)
}
