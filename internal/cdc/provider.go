package cdc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Identity locates a metric in the namespace for egress addressing.
type Identity struct {
	UNSPath  string
	CanaryID string
}

// VersionRecord is the latest history row for a metric.
type VersionRecord struct {
	Version   int64
	ChangedAt time.Time
	Changes   map[string]PropertyDelta
}

// MetadataProvider resolves the identity and latest version diff for a
// changed metric. Row images from the replication stream carry only raw
// column text, so the listener consults the catalog for everything else.
type MetadataProvider interface {
	Identity(ctx context.Context, metricKey int64) (Identity, bool, error)
	VersionSnapshot(ctx context.Context, metricKey int64) (VersionRecord, bool, error)
}

// PostgresProvider reads metric identities and version history from the
// metadata schema over a regular query pool.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider wraps a query pool.
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{pool: pool}
}

func (p *PostgresProvider) Identity(ctx context.Context, metricKey int64) (Identity, bool, error) {
	var id Identity
	err := p.pool.QueryRow(ctx, `
		SELECT uns_path, canary_id
		FROM uns_meta.metrics
		WHERE metric_key = $1`,
		metricKey,
	).Scan(&id.UNSPath, &id.CanaryID)
	if err == pgx.ErrNoRows {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("load metric identity: %w", err)
	}
	return id, true, nil
}

func (p *PostgresProvider) VersionSnapshot(ctx context.Context, metricKey int64) (VersionRecord, bool, error) {
	var (
		record VersionRecord
		raw    []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT version_id, changed_at, diff
		FROM uns_meta.metric_versions
		WHERE metric_key = $1
		ORDER BY version_id DESC
		LIMIT 1`,
		metricKey,
	).Scan(&record.Version, &record.ChangedAt, &raw)
	if err == pgx.ErrNoRows {
		return VersionRecord{}, false, nil
	}
	if err != nil {
		return VersionRecord{}, false, fmt.Errorf("load version snapshot: %w", err)
	}
	changes, err := parseVersionDiff(raw)
	if err != nil {
		return VersionRecord{}, false, err
	}
	record.Changes = changes
	return record, true, nil
}

// parseVersionDiff extracts property deltas from a stored version diff
// document. Path-only versions yield an empty delta set.
func parseVersionDiff(raw []byte) (map[string]PropertyDelta, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc struct {
		Properties map[string]map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse version diff: %w", err)
	}
	changes := make(map[string]PropertyDelta, len(doc.Properties))
	for key, entry := range doc.Properties {
		if removed, ok := entry["removed"].(bool); ok && removed {
			changes[key] = PropertyDelta{Removed: true}
			continue
		}
		delta := PropertyDelta{Value: entry["new"]}
		if typ, ok := entry["type"].(string); ok {
			delta.Type = typ
		}
		changes[key] = delta
	}
	return changes, nil
}
