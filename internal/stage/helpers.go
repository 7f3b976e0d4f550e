package stage

import (
	"context"

	"fathom/internal/services"
	"fathom/internal/store"
)

// ProgressStore is the slice of the job store a stage needs to publish
// progress while its Execute is still running.
type ProgressStore interface {
	UpdateProgress(context.Context, *store.Job) error
}

// Advance sets the job's progress fields and persists them immediately so
// pollers and stream subscribers see the update before the stage returns.
// Persistence failures come back as transient stage errors.
func Advance(ctx context.Context, st ProgressStore, job *store.Job, stageName, message string, percent float64) error {
	job.SetProgress(stageName, message, percent)
	if err := st.UpdateProgress(ctx, job); err != nil {
		return services.Wrap(
			services.ErrTransient, "stage", "record progress",
			"Could not record job progress", err)
	}
	return nil
}
