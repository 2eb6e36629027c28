package cdc

import (
	"sync"

	"github.com/jackc/pglogrepl"
)

// LSNTracker decides how far the replication slot may safely advance. A
// position is acknowledgeable only once every diff at or below it has been
// delivered downstream or dead-lettered; until then the slot stays behind so
// a crash replays the outstanding work.
type LSNTracker struct {
	mu       sync.Mutex
	inflight map[pglogrepl.LSN]int
	stream   pglogrepl.LSN
}

// NewLSNTracker returns a tracker starting at the given stream position.
func NewLSNTracker(start pglogrepl.LSN) *LSNTracker {
	return &LSNTracker{
		inflight: make(map[pglogrepl.LSN]int),
		stream:   start,
	}
}

// Observe records that work at the given position has been buffered and must
// be acknowledged before the slot moves past it.
func (t *LSNTracker) Observe(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[lsn]++
}

// Ack marks work at the given position as delivered or dead-lettered.
func (t *LSNTracker) Ack(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count, ok := t.inflight[lsn]; ok {
		if count <= 1 {
			delete(t.inflight, lsn)
		} else {
			t.inflight[lsn] = count - 1
		}
	}
}

// Advance records the highest position the stream itself has reached.
func (t *LSNTracker) Advance(lsn pglogrepl.LSN) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lsn > t.stream {
		t.stream = lsn
	}
}

// SafeCheckpoint returns the position the slot may be confirmed up to: the
// lowest unacknowledged position minus one when work is outstanding, or the
// stream position otherwise.
func (t *LSNTracker) SafeCheckpoint() pglogrepl.LSN {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inflight) == 0 {
		return t.stream
	}
	var min pglogrepl.LSN
	first := true
	for lsn := range t.inflight {
		if first || lsn < min {
			min = lsn
			first = false
		}
	}
	if min == 0 {
		return 0
	}
	return min - 1
}

// Inflight returns the number of distinct positions awaiting acknowledgment.
func (t *LSNTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
