package cdc

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DebounceBuffer coalesces change events per metric path over a quiet
// window. Entries become flushable once their first observation is at least
// the window old, regardless of later updates, so a chattering metric cannot
// postpone delivery forever. When the buffer is at capacity, events for paths
// not already tracked are dropped and counted.
type DebounceBuffer struct {
	window   time.Duration
	capacity int
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*AggregatedDiff
	seen    map[string]struct{}
	dropped uint64
}

// NewDebounceBuffer builds a buffer with the given quiet window and maximum
// number of tracked paths.
func NewDebounceBuffer(window time.Duration, capacity int, logger *zap.Logger) *DebounceBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebounceBuffer{
		window:   window,
		capacity: capacity,
		logger:   logger,
		entries:  make(map[string]*AggregatedDiff),
		seen:     make(map[string]struct{}),
	}
}

// Add merges an event into the buffer. Duplicate event IDs are ignored.
// Returns false when the event was dropped because the buffer is full.
func (b *DebounceBuffer) Add(event Event, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[event.EventID]; dup {
		return true
	}

	entry, ok := b.entries[event.UNSPath]
	if !ok {
		if b.capacity > 0 && len(b.entries) >= b.capacity {
			b.dropped++
			b.logger.Warn("debounce buffer full, dropping change",
				zap.String("uns_path", event.UNSPath),
				zap.Uint64("dropped_total", b.dropped),
			)
			return false
		}
		entry = &AggregatedDiff{
			MetricKey:  event.MetricKey,
			UNSPath:    event.UNSPath,
			CanaryID:   event.CanaryID,
			Properties: make(map[string]PropertyDelta),
			FirstSeen:  now,
		}
		b.entries[event.UNSPath] = entry
	}

	b.seen[event.EventID] = struct{}{}
	entry.LastUpdate = now
	entry.EventIDs = append(entry.EventIDs, event.EventID)
	entry.LSNs = append(entry.LSNs, event.LSN)
	if event.LSN > entry.MaxLSN {
		entry.MaxLSN = event.LSN
	}
	if event.CanaryID != "" {
		entry.CanaryID = event.CanaryID
	}
	for key, delta := range event.Changes {
		entry.Properties[key] = delta
	}
	return true
}

// FlushExpired removes and returns every entry whose first observation is at
// least one window in the past, ordered by first observation (metric key as
// tiebreak).
func (b *DebounceBuffer) FlushExpired(now time.Time) []*AggregatedDiff {
	b.mu.Lock()
	defer b.mu.Unlock()

	var due []*AggregatedDiff
	for path, entry := range b.entries {
		if now.Sub(entry.FirstSeen) >= b.window {
			due = append(due, entry)
			delete(b.entries, path)
			for _, id := range entry.EventIDs {
				delete(b.seen, id)
			}
		}
	}
	sortDiffs(due)
	return due
}

// Drain removes and returns every entry regardless of age, used on shutdown.
func (b *DebounceBuffer) Drain() []*AggregatedDiff {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := make([]*AggregatedDiff, 0, len(b.entries))
	for _, entry := range b.entries {
		due = append(due, entry)
	}
	b.entries = make(map[string]*AggregatedDiff)
	b.seen = make(map[string]struct{})
	sortDiffs(due)
	return due
}

func sortDiffs(diffs []*AggregatedDiff) {
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].FirstSeen.Equal(diffs[j].FirstSeen) {
			return diffs[i].MetricKey < diffs[j].MetricKey
		}
		return diffs[i].FirstSeen.Before(diffs[j].FirstSeen)
	})
}

// Depth returns the number of paths currently tracked.
func (b *DebounceBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns the total number of events rejected because the buffer was
// at capacity.
func (b *DebounceBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
