package events

import (
	"reflect"
	"time"
)

// Aggregator folds an unordered, possibly duplicated event stream into task
// projections. It is pure state transformation: no I/O, no locking. A single
// goroutine must own each instance; see controller.SyncTracker for the
// shared-read wrapper.
type Aggregator struct {
	policy      PolicyTable
	copyFields  []string
	keepInitial map[string]bool
	mergeFields map[string]bool

	tasks       map[string]Task
	nextTaskNum int
	rootUUID    string

	now func() time.Time
}

// NewAggregator builds an aggregator for the given policy table, or the
// default table when nil.
func NewAggregator(policy PolicyTable) *Aggregator {
	if policy == nil {
		policy = DefaultPolicyTable()
	}
	return &Aggregator{
		policy:      policy,
		copyFields:  policy.copyFields(),
		keepInitial: policy.fieldsWith(PolicyKeepInitial),
		mergeFields: policy.fieldsWith(PolicyMergeCollection),
		tasks:       make(map[string]Task),
		nextTaskNum: 1,
		now:         time.Now,
	}
}

// AggregateEvents applies a batch of events and returns the changed fields
// per task uuid. For a task first seen in this batch the delta is the entire
// projection, since downstream consumers have no prior state for it.
func (a *Aggregator) AggregateEvents(batch []Event) map[string]map[string]any {
	deltas := make(map[string]map[string]any)
	for _, e := range batch {
		for uuid, changed := range a.aggregateEvent(e) {
			if _, ok := deltas[uuid]; !ok {
				deltas[uuid] = make(map[string]any)
			}
			for field, value := range changed {
				deltas[uuid][field] = value
			}
		}
	}
	return deltas
}

// GenerateIncompleteEvents synthesizes a terminal "incomplete" event for
// every task still in a non-terminal state. A run can end ungracefully
// without terminal events ever being emitted for some tasks; feeding these
// back through AggregateEvents guarantees every consumer eventually sees a
// terminal state for every task.
func (a *Aggregator) GenerateIncompleteEvents() []Event {
	var synthesized []Event
	for uuid, task := range a.tasks {
		if !task.Complete() {
			synthesized = append(synthesized, Event{
				FieldUUID:      uuid,
				FieldType:      StateIncomplete,
				FieldTimestamp: float64(a.now().UnixNano()) / float64(time.Second),
			})
		}
	}
	return synthesized
}

// IsRootComplete reports whether the root task has been identified and has
// reached a terminal state.
func (a *Aggregator) IsRootComplete() bool {
	if a.rootUUID == "" {
		return false
	}
	root, ok := a.tasks[a.rootUUID]
	return ok && root.Complete()
}

// AllTasksComplete reports whether every tracked task is terminal. An empty
// aggregator is trivially complete.
func (a *Aggregator) AllTasksComplete() bool {
	for _, task := range a.tasks {
		if !task.Complete() {
			return false
		}
	}
	return true
}

// RootUUID returns the uuid of the run's root task, or "" before the root
// event has been seen.
func (a *Aggregator) RootUUID() string {
	return a.rootUUID
}

// Task returns a snapshot of one projection.
func (a *Aggregator) Task(uuid string) (Task, bool) {
	task, ok := a.tasks[uuid]
	if !ok {
		return nil, false
	}
	return task.Copy(), true
}

// Tasks returns snapshots of all projections keyed by uuid.
func (a *Aggregator) Tasks() map[string]Task {
	snapshot := make(map[string]Task, len(a.tasks))
	for uuid, task := range a.tasks {
		snapshot[uuid] = task.Copy()
	}
	return snapshot
}

// TaskCount returns the number of tracked projections.
func (a *Aggregator) TaskCount() int {
	return len(a.tasks)
}

func (a *Aggregator) aggregateEvent(e Event) map[string]map[string]any {
	uuid := e.UUID()
	if uuid == "" {
		// Null and missing uuids cannot be associated with a task.
		return nil
	}
	if _, known := a.tasks[uuid]; !known && e.Type() == StateRevoked {
		// A revoked event can arrive before any other event for its task, in
		// which case no name or identity will ever follow. Drop it rather
		// than track a task that can never be described.
		return nil
	}

	if e.HasNullParent() && a.rootUUID == "" {
		a.rootUUID = uuid
	}

	candidate := a.extractEventData(e)
	task, isNew := a.getOrCreateTask(uuid)
	changed := a.findChanges(task, candidate)
	for field, value := range changed {
		task[field] = value
	}

	if isNew {
		// A brand new task must ship its auto-initialized fields too.
		return map[string]map[string]any{uuid: task.Copy()}
	}
	return map[string]map[string]any{uuid: changed}
}

// extractEventData pulls copy-fields and transform outputs from an event,
// without reference to current projection state. Transform output overrides
// copied values when both write the same key.
func (a *Aggregator) extractEventData(e Event) map[string]any {
	candidate := make(map[string]any)
	for _, field := range a.copyFields {
		if value, present := e[field]; present {
			candidate[field] = value
		}
	}
	for field, rule := range a.policy {
		if rule.Transform == nil {
			continue
		}
		if _, present := e[field]; present {
			for k, v := range rule.Transform(e) {
				candidate[k] = v
			}
		}
	}
	return candidate
}

// findChanges diffs candidate fields against the projection under the merge
// policies and returns only what actually changes.
func (a *Aggregator) findChanges(task Task, candidate map[string]any) map[string]any {
	changed := make(map[string]any)

	for field, value := range candidate {
		if a.keepInitial[field] || a.mergeFields[field] {
			continue
		}
		current, present := task[field]
		if !present || !reflect.DeepEqual(current, value) {
			changed[field] = value
		}
	}

	for field := range a.keepInitial {
		value, inCandidate := candidate[field]
		if _, onTask := task[field]; inCandidate && !onTask {
			changed[field] = value
		}
	}

	for field := range a.mergeFields {
		value, inCandidate := candidate[field]
		if !inCandidate {
			continue
		}
		current, onTask := task[field]
		if !onTask {
			changed[field] = value
			continue
		}
		merged := deepMerge(current, value)
		if !reflect.DeepEqual(current, merged) {
			changed[field] = merged
		}
	}

	return changed
}

// deepMerge combines two decoded-JSON values: maps merge key by key
// recursively, lists concatenate, equal values collapse, and conflicting
// scalars resolve to the newer value.
func deepMerge(oldVal, newVal any) any {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)
	if oldIsMap && newIsMap {
		merged := make(map[string]any, len(oldMap)+len(newMap))
		for k, v := range oldMap {
			merged[k] = v
		}
		for k, v := range newMap {
			if existing, ok := oldMap[k]; ok {
				merged[k] = deepMerge(existing, v)
			} else {
				merged[k] = v
			}
		}
		return merged
	}

	oldList, oldIsList := oldVal.([]any)
	newList, newIsList := newVal.([]any)
	if oldIsList && newIsList {
		merged := make([]any, 0, len(oldList)+len(newList))
		merged = append(merged, oldList...)
		merged = append(merged, newList...)
		return merged
	}

	if reflect.DeepEqual(oldVal, newVal) {
		return oldVal
	}
	return newVal
}

func (a *Aggregator) getOrCreateTask(uuid string) (Task, bool) {
	if task, ok := a.tasks[uuid]; ok {
		return task, false
	}
	task := Task{
		FieldUUID:    uuid,
		FieldTaskNum: a.nextTaskNum,
	}
	a.nextTaskNum++
	a.tasks[uuid] = task
	return task, true
}
