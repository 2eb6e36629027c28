// Package cdc consumes the logical replication stream for the metric and
// property tables, aggregates changes through a debounce window, and hands
// property-only diffs to the egress pipeline. The replication slot position
// advances only after a flushed diff has been accepted downstream or
// dead-lettered.
package cdc

import (
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// PropertyDelta is one merged property change inside an aggregated diff.
// Removed deltas override prior value updates for the same key.
type PropertyDelta struct {
	Type    string
	Value   any
	Removed bool
}

// Event is a single decoded change attributed to one metric, carrying the
// version-history diff that describes it.
type Event struct {
	EventID   string
	MetricKey int64
	UNSPath   string
	CanaryID  string
	Version   int64
	ChangedAt time.Time
	LSN       pglogrepl.LSN
	Changes   map[string]PropertyDelta
}

// NewEventID derives the dedupe identity for a metric version.
func NewEventID(metricKey, version int64) string {
	return fmt.Sprintf("%d:%d", metricKey, version)
}

// AggregatedDiff is the debounced merge of all events for one metric within
// the window.
type AggregatedDiff struct {
	MetricKey  int64
	UNSPath    string
	CanaryID   string
	Properties map[string]PropertyDelta
	FirstSeen  time.Time
	LastUpdate time.Time
	MaxLSN     pglogrepl.LSN
	LSNs       []pglogrepl.LSN
	EventIDs   []string
}

// ChangedProperties returns the keys carrying value updates, excluding
// removals.
func (d *AggregatedDiff) ChangedProperties() map[string]PropertyDelta {
	out := make(map[string]PropertyDelta, len(d.Properties))
	for key, delta := range d.Properties {
		if !delta.Removed {
			out[key] = delta
		}
	}
	return out
}

// State enumerates the listener connection state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}
