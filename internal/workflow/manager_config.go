package workflow

import "fathom/internal/store"

// ConfigureStages registers the concrete stage handlers the workflow will run.
func (m *Manager) ConfigureStages(set StageSet) {
	stages := make(map[store.Status]pipelineStage, 2)
	if set.Ingest != nil {
		stages[store.StatusTranscribing] = pipelineStage{
			name:          "ingest",
			handler:       set.Ingest,
			claimedStatus: store.StatusTranscribing,
			doneStatus:    store.StatusTranscribed,
		}
	}
	if set.Summarize != nil {
		stages[store.StatusSummarizing] = pipelineStage{
			name:          "summarize",
			handler:       set.Summarize,
			claimedStatus: store.StatusSummarizing,
			doneStatus:    store.StatusCompleted,
			final:         true,
		}
	}

	m.mu.Lock()
	m.stages = stages
	m.mu.Unlock()
}

func (m *Manager) stageFor(status store.Status) (pipelineStage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stg, ok := m.stages[status]
	return stg, ok
}
