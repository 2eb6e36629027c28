// Package canary delivers aggregated metadata diffs to the Canary historian
// write API. It owns the SAF session lifecycle, dataset resolution, payload
// mapping, and the rate-limited, circuit-broken send path with dead-letter
// handoff.
package canary

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/secil-digital/uns-metadata-sync/internal/cdc"
)

// QualityGood is the fixed quality indicator attached to every property cell.
const QualityGood = 192

// PayloadTooLargeError reports a single diff whose encoded form exceeds the
// payload byte limit. It is terminal: splitting cannot help.
type PayloadTooLargeError struct {
	CanaryID string
	Size     int
	Limit    int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload for %s is %d bytes, exceeds limit %d", e.CanaryID, e.Size, e.Limit)
}

// Batch is one write request's worth of property cells, grouped by canary id.
// The idempotency key is a content hash so a retried batch always carries the
// same key.
type Batch struct {
	Properties     map[string][][]any
	IdempotencyKey string
	Diffs          []*cdc.AggregatedDiff
}

// TagCount returns the number of distinct canary ids in the batch.
func (b *Batch) TagCount() int {
	return len(b.Properties)
}

// Mapper turns aggregated diffs into write batches.
type Mapper struct {
	maxBatchTags    int
	maxPayloadBytes int
	now             func() time.Time
}

// NewMapper builds a mapper with the configured batch limits.
func NewMapper(maxBatchTags, maxPayloadBytes int, now func() time.Time) *Mapper {
	if maxBatchTags <= 0 {
		maxBatchTags = 100
	}
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = 1_000_000
	}
	if now == nil {
		now = time.Now
	}
	return &Mapper{maxBatchTags: maxBatchTags, maxPayloadBytes: maxPayloadBytes, now: now}
}

// BuildBatches groups diffs into batches of at most maxBatchTags canary ids,
// splitting further when the serialized payload would exceed the byte limit.
// Diffs with no changed properties are skipped.
func (m *Mapper) BuildBatches(diffs []*cdc.AggregatedDiff) ([]*Batch, error) {
	timestamp := m.now().UTC().Format("2006-01-02T15:04:05.000000Z07:00")

	var batches []*Batch
	current := newBatch()
	for _, diff := range diffs {
		entries := buildEntries(diff, timestamp)
		if len(entries) == 0 {
			continue
		}
		candidate := current.withTag(diff, entries)
		if candidate.TagCount() > m.maxBatchTags || m.encodedSize(candidate) > m.maxPayloadBytes {
			if current.TagCount() == 0 {
				return nil, &PayloadTooLargeError{
					CanaryID: diff.CanaryID,
					Size:     m.encodedSize(candidate),
					Limit:    m.maxPayloadBytes,
				}
			}
			batches = append(batches, current.sealed())
			current = newBatch().withTag(diff, entries)
			if m.encodedSize(current) > m.maxPayloadBytes {
				return nil, &PayloadTooLargeError{
					CanaryID: diff.CanaryID,
					Size:     m.encodedSize(current),
					Limit:    m.maxPayloadBytes,
				}
			}
			continue
		}
		current = candidate
	}
	if current.TagCount() > 0 {
		batches = append(batches, current.sealed())
	}
	return batches, nil
}

// WritePayload is the body POSTed to the write endpoint.
type WritePayload struct {
	SessionToken string               `json:"sessionToken"`
	Properties   map[string][][]any   `json:"properties"`
}

// Payload materializes the request body for a session token.
func (b *Batch) Payload(sessionToken string) WritePayload {
	return WritePayload{SessionToken: sessionToken, Properties: b.Properties}
}

func newBatch() *Batch {
	return &Batch{Properties: make(map[string][][]any)}
}

func (b *Batch) withTag(diff *cdc.AggregatedDiff, entries [][]any) *Batch {
	next := &Batch{
		Properties: make(map[string][][]any, len(b.Properties)+1),
		Diffs:      append(append([]*cdc.AggregatedDiff(nil), b.Diffs...), diff),
	}
	for id, cells := range b.Properties {
		next.Properties[id] = cells
	}
	next.Properties[diff.CanaryID] = entries
	return next
}

func (b *Batch) sealed() *Batch {
	b.IdempotencyKey = contentKey(b.Properties)
	return b
}

func (m *Mapper) encodedSize(b *Batch) int {
	encoded, err := json.Marshal(b.Payload(""))
	if err != nil {
		return m.maxPayloadBytes + 1
	}
	return len(encoded)
}

// buildEntries emits one [timestamp, "key=value", quality] cell per changed
// property. Removals carry no value and are not forwarded.
func buildEntries(diff *cdc.AggregatedDiff, timestamp string) [][]any {
	changed := diff.ChangedProperties()
	keys := make([]string, 0, len(changed))
	for key := range changed {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([][]any, 0, len(keys))
	for _, key := range keys {
		cell := key + "=" + formatValue(changed[key].Value)
		entries = append(entries, []any{timestamp, cell, QualityGood})
	}
	return entries
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// contentKey hashes the sorted canary ids and their sorted cells so the same
// logical batch always yields the same idempotency key, independent of
// timestamps or session tokens.
func contentKey(properties map[string][][]any) string {
	ids := make([]string, 0, len(properties))
	for id := range properties {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
		cells := make([]string, 0, len(properties[id]))
		for _, cell := range properties[id] {
			if len(cell) >= 2 {
				cells = append(cells, fmt.Sprint(cell[1]))
			}
		}
		sort.Strings(cells)
		for _, cell := range cells {
			h.Write([]byte(cell))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
