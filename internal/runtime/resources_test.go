package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTracker_Snapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no baseline on the first snapshot")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)
	assert.Zero(t, first.WorkerProcesses)

	time.Sleep(10 * time.Millisecond)

	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceTracker_SnapshotNilTracker(t *testing.T) {
	var tracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, tracker.Snapshot())
}

func TestResourceTracker_SnapshotEmptySamples(t *testing.T) {
	tracker := &resourceTracker{}
	snap := tracker.Snapshot()
	assert.NotZero(t, snap.MemoryBytes)
}
