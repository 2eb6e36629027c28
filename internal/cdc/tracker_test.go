package cdc

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
)

func TestTrackerIdleFollowsStreamPosition(t *testing.T) {
	tr := NewLSNTracker(100)
	assert.Equal(t, pglogrepl.LSN(100), tr.SafeCheckpoint())

	tr.Advance(250)
	assert.Equal(t, pglogrepl.LSN(250), tr.SafeCheckpoint())

	// Advancing backwards is ignored.
	tr.Advance(200)
	assert.Equal(t, pglogrepl.LSN(250), tr.SafeCheckpoint())
}

func TestTrackerHoldsCheckpointBehindOutstandingWork(t *testing.T) {
	tr := NewLSNTracker(0)
	tr.Observe(120)
	tr.Observe(150)
	tr.Advance(200)

	assert.Equal(t, pglogrepl.LSN(119), tr.SafeCheckpoint())

	tr.Ack(120)
	assert.Equal(t, pglogrepl.LSN(149), tr.SafeCheckpoint())

	tr.Ack(150)
	assert.Equal(t, pglogrepl.LSN(200), tr.SafeCheckpoint())
}

func TestTrackerCountsDuplicatePositions(t *testing.T) {
	tr := NewLSNTracker(0)
	tr.Observe(120)
	tr.Observe(120)
	tr.Advance(200)

	tr.Ack(120)
	assert.Equal(t, pglogrepl.LSN(119), tr.SafeCheckpoint())
	assert.Equal(t, 1, tr.Inflight())

	tr.Ack(120)
	assert.Equal(t, pglogrepl.LSN(200), tr.SafeCheckpoint())
	assert.Zero(t, tr.Inflight())
}

func TestTrackerAckUnknownPositionIsHarmless(t *testing.T) {
	tr := NewLSNTracker(50)
	tr.Ack(999)
	assert.Equal(t, pglogrepl.LSN(50), tr.SafeCheckpoint())
}
