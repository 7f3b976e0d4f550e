package fanout

import (
	"context"
	"sync"
	"time"

	"fathom/internal/store"
)

// JobEvent is a job state snapshot published after every mutation. SSE
// streams, pollers, and the notification dispatcher all consume the same
// sequence so every surface observes identical transitions.
type JobEvent struct {
	Sequence        uint64       `json:"seq"`
	Timestamp       time.Time    `json:"ts"`
	JobID           string       `json:"job_id"`
	UserID          string       `json:"user_id"`
	Status          store.Status `json:"status"`
	ProgressStage   string       `json:"progress_stage,omitempty"`
	ProgressPercent float64      `json:"progress_percent"`
	ProgressMessage string       `json:"progress_message,omitempty"`
	PartialSummary  string       `json:"partial_summary,omitempty"`
	SummaryID       *int64       `json:"summary_id,omitempty"`
	ErrorCode       string       `json:"error_code,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Terminal        bool         `json:"terminal"`
}

// Hub stores recent job events and wakes waiters when new events arrive.
// It implements store.JobNotifier so the store can publish directly.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []JobEvent
	nextSeq  uint64
}

// NewHub constructs a bounded in-memory job event buffer.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1024
	}
	h := &Hub{capacity: capacity}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Snapshot builds the event form of a job's current state. Sequence and
// Timestamp are assigned on publish; a bare snapshot carries zero for both.
func Snapshot(job *store.Job) JobEvent {
	if job == nil {
		return JobEvent{}
	}
	var summaryID *int64
	if job.SummaryID != nil {
		v := *job.SummaryID
		summaryID = &v
	}
	return JobEvent{
		JobID:           job.ID,
		UserID:          job.UserID,
		Status:          job.Status,
		ProgressStage:   job.ProgressStage,
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		PartialSummary:  job.PartialSummary,
		SummaryID:       summaryID,
		ErrorCode:       job.ErrorCode,
		ErrorMessage:    job.ErrorMessage,
		Terminal:        job.Status.IsTerminal(),
	}
}

// JobChanged publishes a job snapshot. Satisfies store.JobNotifier.
func (h *Hub) JobChanged(job *store.Job) {
	if h == nil || job == nil {
		return
	}
	h.Publish(Snapshot(job))
}

// Publish appends a new job event to the hub.
func (h *Hub) Publish(evt JobEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Fetch returns all events with sequence greater than since. When wait is
// true, Fetch blocks until at least one event is available or the context
// ends. Callers filter by user; the hub carries every job's events.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]JobEvent, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		events, next := h.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, contextError(ctx)
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

// FetchForUser behaves like Fetch but only returns a user's events. It keeps
// waiting through other users' activity until something relevant arrives.
func (h *Hub) FetchForUser(ctx context.Context, userID string, since uint64, limit int, wait bool) ([]JobEvent, uint64, error) {
	for {
		events, next, err := h.Fetch(ctx, since, limit, wait)
		if err != nil {
			return nil, next, err
		}
		filtered := events[:0:0]
		for _, evt := range events {
			if evt.UserID == userID {
				filtered = append(filtered, evt)
			}
		}
		if len(filtered) > 0 || !wait {
			return filtered, next, nil
		}
		if next == since {
			return nil, next, nil
		}
		since = next
	}
}

// Tail returns the most recent limit events without blocking.
func (h *Hub) Tail(limit int) ([]JobEvent, uint64) {
	if h == nil {
		return nil, 0
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return nil, h.nextSeq
	}
	start := len(h.buffer) - limit
	if start < 0 {
		start = 0
	}
	out := make([]JobEvent, len(h.buffer)-start)
	copy(out, h.buffer[start:])
	return out, h.nextSeq
}

// FirstSequence reports the smallest sequence number still buffered.
func (h *Hub) FirstSequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return h.nextSeq
	}
	return h.buffer[0].Sequence
}

func (h *Hub) snapshotLocked(since uint64, limit int) ([]JobEvent, uint64) {
	if len(h.buffer) == 0 {
		return nil, h.nextSeq
	}
	startIdx := 0
	for i, evt := range h.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
		if i == len(h.buffer)-1 {
			return nil, h.nextSeq
		}
	}
	end := startIdx + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := make([]JobEvent, end-startIdx)
	copy(out, h.buffer[startIdx:end])
	return out, h.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
