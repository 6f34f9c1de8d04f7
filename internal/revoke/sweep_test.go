package revoke

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

// mockControl scripts successive ListActiveTasks responses; the final
// response repeats. Terminate calls are recorded in order.
type mockControl struct {
	mu         sync.Mutex
	lists      [][]ActiveTask
	listErr    error
	listCalls  int
	terminated []string
	termErr    error
}

func (m *mockControl) ListActiveTasks(_ context.Context, _ Filter) ([]ActiveTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	i := m.listCalls
	if i >= len(m.lists) {
		i = len(m.lists) - 1
	}
	m.listCalls++
	return append([]ActiveTask(nil), m.lists[i]...), nil
}

func (m *mockControl) Terminate(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.termErr != nil {
		return m.termErr
	}
	m.terminated = append(m.terminated, taskID)
	return nil
}

func (m *mockControl) terminatedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.terminated...)
}

func fastSweepConfig() SweepConfig {
	return SweepConfig{
		RetryPause:    time.Millisecond,
		ConfirmWindow: 4 * time.Millisecond,
		PollInterval:  time.Millisecond,
		Sleep:         func(time.Duration) {},
	}
}

func TestRevokeActiveTasksIssuesInAscendingStartOrder(t *testing.T) {
	control := &mockControl{lists: [][]ActiveTask{
		{
			{ID: "c", Name: "third", StartTime: ptr(3)},
			{ID: "a", Name: "first", StartTime: ptr(1)},
			{ID: "b", Name: "second", StartTime: ptr(2)},
		},
		{}, // everything gone after the first sweep
	}}

	coord := NewCoordinator(control, nil, fastSweepConfig(), nil, nil)
	revoked, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, control.terminatedIDs())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, revoked)
}

func TestRevokeActiveTasksUnknownStartTimeSortsLast(t *testing.T) {
	control := &mockControl{lists: [][]ActiveTask{
		{
			{ID: "unknown", Name: "no-start"},
			{ID: "early", Name: "early", StartTime: ptr(1)},
		},
		{},
	}}

	coord := NewCoordinator(control, nil, fastSweepConfig(), nil, nil)
	_, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"early", "unknown"}, control.terminatedIDs())
}

func TestRevokeActiveTasksNothingToDo(t *testing.T) {
	control := &mockControl{lists: [][]ActiveTask{{}}}

	coord := NewCoordinator(control, nil, fastSweepConfig(), nil, nil)
	revoked, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	assert.Empty(t, revoked)
	assert.Empty(t, control.terminatedIDs())
}

func TestRevokeActiveTasksStopsAfterMaxRetries(t *testing.T) {
	stubborn := []ActiveTask{{ID: "stuck", Name: "stuck", StartTime: ptr(1)}}
	control := &mockControl{lists: [][]ActiveTask{stubborn}}

	cfg := fastSweepConfig()
	cfg.MaxRetries = 3
	coord := NewCoordinator(control, nil, cfg, nil, nil)

	revoked, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)
	require.ErrorIs(t, err, ErrActiveTasksRemain)
	assert.Contains(t, err.Error(), "1 still active")
	// One terminate per sweep, never more sweeps than the budget.
	assert.Len(t, control.terminatedIDs(), 3)
	assert.Equal(t, []string{"stuck"}, revoked, "retried tasks are reported once")
}

func TestRevokeActiveTasksControlPlaneUnavailable(t *testing.T) {
	control := &mockControl{listErr: Unavailable(errors.New("no response"))}

	coord := NewCoordinator(control, nil, fastSweepConfig(), nil, nil)
	revoked, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)

	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Empty(t, revoked)
	assert.Empty(t, control.terminatedIDs())
}

func TestRevokeActiveTasksPredicateFilters(t *testing.T) {
	control := &mockControl{lists: [][]ActiveTask{
		{
			{ID: "keep", Name: "keep", StartTime: ptr(1), Worker: "w1"},
			{ID: "skip", Name: "skip", StartTime: ptr(2), Worker: "w2"},
		},
		{},
	}}

	coord := NewCoordinator(control, nil, fastSweepConfig(), nil, nil)
	_, err := coord.RevokeActiveTasks(context.Background(), Filter{}, func(task ActiveTask) bool {
		return task.Worker == "w1"
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, control.terminatedIDs())
}

func TestRevokeActiveTasksMarksRecordsComplete(t *testing.T) {
	store := newTestStore(t)
	req := store.NewRequest("victim", "shutdown", "", false)
	require.NoError(t, store.Write(req))

	control := &mockControl{lists: [][]ActiveTask{
		{{ID: "victim", Name: "victim", StartTime: ptr(1)}},
		{},
	}}

	coord := NewCoordinator(control, store, fastSweepConfig(), nil, nil)
	revoked, err := coord.RevokeActiveTasks(context.Background(), Filter{}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"victim"}, revoked)

	records, err := store.Find("", "victim")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Completed())
}

func TestUnavailableErrorKind(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Unavailable(base)

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsUnavailable(base))
}
