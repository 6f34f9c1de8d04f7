package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"runtrack/internal/controller"
	"runtrack/internal/events"
)

func TestFinishRunSweepsWhenStragglersRemain(t *testing.T) {
	tracker := controller.NewSyncTracker(events.NewAggregator(nil))
	tracker.HandleEvent(events.Event{"uuid": "root-1", "parent_id": nil, "type": "started"})
	tracker.HandleEvent(events.Event{"uuid": "child-1", "parent_id": "root-1", "type": "started"})

	// Completeness is read before Finalize makes every projection terminal;
	// a run that ended with live tasks must still trigger the sweep.
	assert.True(t, finishRun(tracker, nil))

	assert.True(t, tracker.AllTasksComplete())
	assert.True(t, tracker.IsRootComplete())
	root, ok := tracker.Task("root-1")
	assert.True(t, ok)
	assert.Equal(t, "incomplete", root.State())
}

func TestFinishRunSkipsSweepWhenRunEndedCleanly(t *testing.T) {
	tracker := controller.NewSyncTracker(events.NewAggregator(nil))
	tracker.HandleEvent(events.Event{"uuid": "root-1", "parent_id": nil, "type": "started"})
	tracker.HandleEvent(events.Event{"uuid": "root-1", "type": "succeeded"})

	assert.False(t, finishRun(tracker, nil))
}

func TestFinishRunSweepsWhenNoRootWasEverSeen(t *testing.T) {
	tracker := controller.NewSyncTracker(events.NewAggregator(nil))

	assert.True(t, finishRun(tracker, nil))
}
