package controller

import (
	"sync"

	"runtrack/internal/events"
)

// SyncTracker makes one aggregator safe to share between the ingestion
// goroutine (sole writer) and concurrent readers such as the HTTP surface.
// The aggregator itself stays lock-free; this wrapper is the external
// synchronization its contract requires.
type SyncTracker struct {
	mu  sync.RWMutex
	agg *events.Aggregator
}

// NewSyncTracker wraps agg, taking ownership of it.
func NewSyncTracker(agg *events.Aggregator) *SyncTracker {
	return &SyncTracker{agg: agg}
}

// HandleEvent folds one event into the projections. Implements
// ingest.Tracker.
func (t *SyncTracker) HandleEvent(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agg.AggregateEvents([]events.Event{e})
}

// AggregateEvents folds a batch and returns the per-task deltas.
func (t *SyncTracker) AggregateEvents(batch []events.Event) map[string]map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agg.AggregateEvents(batch)
}

// Finalize synthesizes terminal "incomplete" events for straggler tasks and
// folds them in, returning the resulting deltas. Called when the run ends
// without every task reaching a terminal state on its own.
func (t *SyncTracker) Finalize() map[string]map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.agg.AggregateEvents(t.agg.GenerateIncompleteEvents())
}

// IsRootComplete implements ingest.Tracker.
func (t *SyncTracker) IsRootComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.IsRootComplete()
}

// AllTasksComplete reports whether every tracked task is terminal.
func (t *SyncTracker) AllTasksComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.AllTasksComplete()
}

// RootUUID returns the run's root task uuid, or "".
func (t *SyncTracker) RootUUID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.RootUUID()
}

// Task returns a snapshot of one projection.
func (t *SyncTracker) Task(uuid string) (events.Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.Task(uuid)
}

// Tasks returns snapshots of all projections.
func (t *SyncTracker) Tasks() map[string]events.Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.Tasks()
}

// TaskCount returns the number of tracked projections.
func (t *SyncTracker) TaskCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.agg.TaskCount()
}
