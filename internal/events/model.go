package events

// Lifecycle states reported by workers for a single task. A terminal state is
// one the task never leaves; "incomplete" is synthesized locally and never
// arrives from the bus.
const (
	StateReceived   = "received"
	StateStarted    = "started"
	StateBlocked    = "blocked"
	StateUnblocked  = "unblocked"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
	StateRevoked    = "revoked"
	StateIncomplete = "incomplete"
)

var runStates = map[string]struct{ terminal bool }{
	StateReceived:   {terminal: false},
	StateStarted:    {terminal: false},
	StateBlocked:    {terminal: false},
	StateUnblocked:  {terminal: false},
	StateSucceeded:  {terminal: true},
	StateFailed:     {terminal: true},
	StateRevoked:    {terminal: true},
	StateIncomplete: {terminal: true},
}

// IsRunState reports whether s is one of the known lifecycle states.
func IsRunState(s string) bool {
	_, ok := runStates[s]
	return ok
}

// IsTerminal reports whether s is a state from which no further transition
// occurs. Unknown states are treated as non-terminal.
func IsTerminal(s string) bool {
	rs, ok := runStates[s]
	return ok && rs.terminal
}

// Field names shared between events and task projections.
const (
	FieldUUID         = "uuid"
	FieldType         = "type"
	FieldTimestamp    = "timestamp"
	FieldParentID     = "parent_id"
	FieldState        = "state"
	FieldStateHistory = "state_history"
	FieldFirstStarted = "first_started"
	FieldName         = "name"
	FieldLongName     = "long_name"
	FieldTaskNum      = "task_num"
	FieldLogsURL      = "logs_url"
)

// Event is one bus notification. The payload is open-ended, so events are
// plain decoded JSON objects with typed accessors for the well-known keys.
type Event map[string]any

// UUID returns the task uuid the event refers to, or "" when absent or null.
func (e Event) UUID() string {
	s, _ := e[FieldUUID].(string)
	return s
}

// Type returns the lifecycle transition name, or "" when absent.
func (e Event) Type() string {
	s, _ := e[FieldType].(string)
	return s
}

// Timestamp returns the event timestamp in epoch seconds, or 0 when absent.
func (e Event) Timestamp() float64 {
	switch v := e[FieldTimestamp].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// HasNullParent reports whether the event carries an explicit null parent_id,
// which marks the task as the run root. An absent key is not a null parent.
func (e Event) HasNullParent() bool {
	v, present := e[FieldParentID]
	return present && v == nil
}

// Task is the reconstructed projection of one task, keyed by field name.
type Task map[string]any

// UUID returns the task's uuid.
func (t Task) UUID() string {
	s, _ := t[FieldUUID].(string)
	return s
}

// State returns the task's current lifecycle state, or "" when no lifecycle
// event has been seen yet.
func (t Task) State() string {
	s, _ := t[FieldState].(string)
	return s
}

// TaskNum returns the task's creation-order number.
func (t Task) TaskNum() int {
	n, _ := t[FieldTaskNum].(int)
	return n
}

// Complete reports whether the task reached a terminal state.
func (t Task) Complete() bool {
	return IsTerminal(t.State())
}

// Copy returns a shallow copy so callers can hold a snapshot without sharing
// the aggregator-owned map.
func (t Task) Copy() Task {
	dup := make(Task, len(t))
	for k, v := range t {
		dup[k] = v
	}
	return dup
}
