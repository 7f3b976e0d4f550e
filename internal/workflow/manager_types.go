package workflow

import (
	"fathom/internal/stage"
	"fathom/internal/store"
)

// StageSet bundles the concrete stage handlers the manager orchestrates.
type StageSet struct {
	Ingest    stage.Handler
	Summarize stage.Handler
}

// pipelineStage describes one lane of the pipeline. claimedStatus is the
// status ClaimNextJob leaves a job in when this lane's work is next;
// doneStatus is where a successful execution parks it. Final lanes complete
// the job instead.
type pipelineStage struct {
	name          string
	handler       stage.Handler
	claimedStatus store.Status
	doneStatus    store.Status
	final         bool
}
