package revoke

import (
	"context"
	"errors"
	"fmt"
)

// ActiveTask is one in-flight task as reported by the control plane.
type ActiveTask struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	StartTime *float64 `json:"start_time"`
	Worker    string   `json:"worker"`
}

// Filter restricts which workers a control plane query covers. The zero
// value queries everything.
type Filter struct {
	Workers []string `json:"workers,omitempty"`
}

// ControlPlane is the external service capable of listing and cancelling
// active tasks.
type ControlPlane interface {
	ListActiveTasks(ctx context.Context, filter Filter) ([]ActiveTask, error)
	Terminate(ctx context.Context, taskID string) error
}

// UnavailableError reports that the control plane could not be reached at
// all, as opposed to answering with an error. The revoke sweep treats it as
// a log-and-continue branch rather than something to retry.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("control plane unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an UnavailableError.
func Unavailable(err error) error {
	return &UnavailableError{Err: err}
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}
