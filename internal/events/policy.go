package events

import "strings"

// MergePolicy decides how a new field value lands on an existing projection.
type MergePolicy int

const (
	// PolicyOverwrite replaces the prior value when it differs.
	PolicyOverwrite MergePolicy = iota
	// PolicyKeepInitial keeps the first value ever set and ignores the rest.
	PolicyKeepInitial
	// PolicyMergeCollection deep-merges maps, concatenates lists, and falls
	// back to overwrite for conflicting scalars.
	PolicyMergeCollection
)

// Transform derives zero or more projection fields from a whole event. It is
// applied whenever the configured trigger field is present on the event, and
// its output overrides plain copied values for the same keys.
type Transform func(Event) map[string]any

// FieldRule configures one tracked field.
type FieldRule struct {
	Copy      bool
	Policy    MergePolicy
	Transform Transform
}

// PolicyTable maps field names to their merge rules. It is built once and
// passed to the aggregator; no reflection, no global state.
type PolicyTable map[string]FieldRule

func (p PolicyTable) copyFields() []string {
	var fields []string
	for name, rule := range p {
		if rule.Copy {
			fields = append(fields, name)
		}
	}
	return fields
}

func (p PolicyTable) fieldsWith(policy MergePolicy) map[string]bool {
	fields := make(map[string]bool)
	for name, rule := range p {
		if rule.Policy == policy {
			fields[name] = true
		}
	}
	return fields
}

// shortName trims a dotted task path down to its final segment.
func shortName(longName string) string {
	parts := strings.Split(longName, ".")
	return parts[len(parts)-1]
}

// DefaultPolicyTable returns the merge configuration for worker lifecycle
// events.
//
// The "type" transform turns a lifecycle event into both the current state
// and an appended state_history entry; first_started is write-once no matter
// which event carries it; legacy url/log_filepath fields are renamed to
// logs_url for older workers.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		FieldUUID:     {Copy: true},
		FieldParentID: {Copy: true},
		"worker":      {Copy: true},
		"retries":     {Copy: true},
		"results":     {Copy: true},
		"exception":   {Copy: true},
		"traceback":   {Copy: true},
		FieldType: {
			Copy: true,
			Transform: func(e Event) map[string]any {
				t := e.Type()
				if !IsRunState(t) {
					return nil
				}
				return map[string]any{
					FieldState: t,
					FieldStateHistory: []any{map[string]any{
						FieldState:     t,
						FieldTimestamp: e[FieldTimestamp],
					}},
				}
			},
		},
		FieldLongName: {
			Copy: true,
			Transform: func(e Event) map[string]any {
				long, _ := e[FieldLongName].(string)
				return map[string]any{FieldName: shortName(long)}
			},
		},
		FieldName: {
			// Workers send the fully qualified name under "name"; keep the
			// short form there and preserve the full path as long_name.
			Transform: func(e Event) map[string]any {
				full, _ := e[FieldName].(string)
				return map[string]any{
					FieldName:     shortName(full),
					FieldLongName: full,
				}
			},
		},
		FieldFirstStarted: {Policy: PolicyKeepInitial},
		FieldStateHistory: {Policy: PolicyMergeCollection},
		"url": {
			Transform: func(e Event) map[string]any {
				return map[string]any{FieldLogsURL: e["url"]}
			},
		},
		"log_filepath": {
			Transform: func(e Event) map[string]any {
				return map[string]any{FieldLogsURL: e["log_filepath"]}
			},
		},
		"local_received": {
			Transform: func(e Event) map[string]any {
				return map[string]any{FieldFirstStarted: e["local_received"]}
			},
		},
	}
}
