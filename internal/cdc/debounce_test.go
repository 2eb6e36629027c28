package cdc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func debounceEvent(metricKey int64, version int64, path string, changes map[string]PropertyDelta) Event {
	return Event{
		EventID:   NewEventID(metricKey, version),
		MetricKey: metricKey,
		UNSPath:   path,
		CanaryID:  "Secil.PlantX." + path,
		Version:   version,
		Changes:   changes,
	}
}

func TestDebounceMergesEventsForSamePath(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 10, zaptest.NewLogger(t))
	base := time.Now()

	b.Add(debounceEvent(1, 1, "a/b/temp", map[string]PropertyDelta{
		"displayHigh": {Type: "long", Value: int64(1800)},
	}), base)
	b.Add(debounceEvent(1, 2, "a/b/temp", map[string]PropertyDelta{
		"displayHigh": {Type: "long", Value: int64(2000)},
		"engUnit":     {Type: "string", Value: "°C"},
	}), base.Add(10*time.Second))

	assert.Equal(t, 1, b.Depth())

	due := b.FlushExpired(base.Add(time.Minute))
	require.Len(t, due, 1)
	diff := due[0]
	assert.Equal(t, int64(2000), diff.Properties["displayHigh"].Value)
	assert.Equal(t, "°C", diff.Properties["engUnit"].Value)
	assert.Equal(t, []string{"1:1", "1:2"}, diff.EventIDs)
	assert.Zero(t, b.Depth())
}

func TestDebounceDuplicateEventIDIgnored(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 10, zaptest.NewLogger(t))
	base := time.Now()

	ev := debounceEvent(1, 1, "a/b/temp", map[string]PropertyDelta{
		"engHigh": {Type: "double", Value: 2000.0},
	})
	require.True(t, b.Add(ev, base))
	require.True(t, b.Add(ev, base.Add(time.Second)))

	due := b.FlushExpired(base.Add(time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, []string{"1:1"}, due[0].EventIDs)
}

func TestDebounceEligibilityFixedAtFirstObservation(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 10, zaptest.NewLogger(t))
	base := time.Now()

	b.Add(debounceEvent(1, 1, "a/b/temp", nil), base)
	// A later update must not reset the clock.
	b.Add(debounceEvent(1, 2, "a/b/temp", nil), base.Add(59*time.Second))

	assert.Empty(t, b.FlushExpired(base.Add(59*time.Second)))
	assert.Len(t, b.FlushExpired(base.Add(time.Minute)), 1)
}

func TestDebounceDropsNewPathsWhenFull(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 2, zaptest.NewLogger(t))
	base := time.Now()

	require.True(t, b.Add(debounceEvent(1, 1, "a", nil), base))
	require.True(t, b.Add(debounceEvent(2, 1, "b", nil), base))

	// New path is rejected, but an update to a tracked path still lands.
	assert.False(t, b.Add(debounceEvent(3, 1, "c", nil), base))
	assert.True(t, b.Add(debounceEvent(1, 2, "a", nil), base))

	assert.Equal(t, uint64(1), b.Dropped())
	assert.Equal(t, 2, b.Depth())
}

func TestFlushOrderFollowsFirstObservation(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 10, zaptest.NewLogger(t))
	base := time.Now()

	b.Add(debounceEvent(3, 1, "late", nil), base.Add(2*time.Second))
	b.Add(debounceEvent(1, 1, "early", nil), base)
	b.Add(debounceEvent(2, 1, "tied", nil), base)

	due := b.FlushExpired(base.Add(2 * time.Minute))
	require.Len(t, due, 3)
	var paths []string
	for _, d := range due {
		paths = append(paths, d.UNSPath)
	}
	assert.Equal(t, []string{"early", "tied", "late"}, paths)
}

func TestDrainReturnsEverythingRegardlessOfAge(t *testing.T) {
	b := NewDebounceBuffer(time.Hour, 10, zaptest.NewLogger(t))
	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Add(debounceEvent(int64(i), 1, fmt.Sprintf("path/%d", i), nil), base)
	}
	assert.Len(t, b.Drain(), 5)
	assert.Zero(t, b.Depth())
}

func TestRemovalOverridesEarlierValueUpdate(t *testing.T) {
	b := NewDebounceBuffer(time.Minute, 10, zaptest.NewLogger(t))
	base := time.Now()

	b.Add(debounceEvent(1, 1, "a/b/temp", map[string]PropertyDelta{
		"engUnit": {Type: "string", Value: "°C"},
	}), base)
	b.Add(debounceEvent(1, 2, "a/b/temp", map[string]PropertyDelta{
		"engUnit": {Removed: true},
	}), base)

	due := b.FlushExpired(base.Add(time.Minute))
	require.Len(t, due, 1)
	assert.True(t, due[0].Properties["engUnit"].Removed)
	assert.Empty(t, due[0].ChangedProperties())
}
