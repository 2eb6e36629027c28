package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
	"github.com/secil-digital/uns-metadata-sync/internal/repository"
	"github.com/secil-digital/uns-metadata-sync/internal/unspath"
)

// fixtureMetric mirrors the protobuf-JSON projection of one birth metric.
type fixtureMetric struct {
	Name       string `json:"name"`
	Datatype   string `json:"datatype"`
	IntValue   *int64 `json:"intValue"`
	LongValue  *int64 `json:"longValue"`
	FloatValue *float64 `json:"floatValue"`
	DoubleValue *float64 `json:"doubleValue"`
	BooleanValue *bool  `json:"booleanValue"`
	StringValue *string `json:"stringValue"`
	Properties *struct {
		Keys   []string         `json:"keys"`
		Values []map[string]any `json:"values"`
	} `json:"properties"`
}

type fixtureFile struct {
	Metrics []fixtureMetric `json:"metrics"`
}

// FixtureIdentity names the device a fixture belongs to.
type FixtureIdentity struct {
	Group        string
	Edge         string
	Device       string
	Country      string
	BusinessUnit string
	Plant        string
}

// FixtureSummary is the machine-readable result of a fixture ingest.
type FixtureSummary struct {
	Metrics    int64 `json:"metrics"`
	Properties int64 `json:"properties"`
	Lineage    int64 `json:"lineage"`
}

// IngestFixture loads a DBIRTH JSON fixture and writes it through the bulk
// repository path.
func IngestFixture(ctx context.Context, store repository.Store, path string, identity FixtureIdentity, logger *zap.Logger) (FixtureSummary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return FixtureSummary{}, fmt.Errorf("read fixture: %w", err)
	}
	var fixture fixtureFile
	if err := json.Unmarshal(raw, &fixture); err != nil {
		return FixtureSummary{}, fmt.Errorf("parse fixture: %w", err)
	}

	devicePath, err := unspath.NormalizeDevicePath(identity.Group, identity.Edge, identity.Device)
	if err != nil {
		return FixtureSummary{}, fmt.Errorf("normalize device path: %w", err)
	}
	device := planner.DeviceRecord{
		GroupID:      identity.Group,
		Country:      identity.Country,
		BusinessUnit: identity.BusinessUnit,
		Plant:        identity.Plant,
		Edge:         identity.Edge,
		Device:       identity.Device,
		UNSPath:      devicePath,
	}

	records := make([]planner.MetricRecord, 0, len(fixture.Metrics))
	for _, fm := range fixture.Metrics {
		if fm.Name == "" {
			continue
		}
		metricPath, err := unspath.NormalizeMetricPath(identity.Group, identity.Edge, identity.Device, fm.Name)
		if err != nil {
			logger.Warn("skipping fixture metric",
				zap.String("metric", fm.Name),
				zap.Error(err),
			)
			continue
		}
		datatype := fm.Datatype
		if datatype == "" {
			datatype = inferFixtureDatatype(fm)
		}
		record := planner.MetricRecord{
			Name:       fm.Name,
			UNSPath:    metricPath,
			Datatype:   datatype,
			Properties: fixtureProperties(fm),
		}
		records = append(records, record)
	}

	outcome, err := store.ApplyBulk(ctx, device, records)
	if err != nil {
		return FixtureSummary{}, err
	}
	return FixtureSummary{
		Metrics:    outcome.MetricUpserts,
		Properties: outcome.PropertyUpserts,
		Lineage:    outcome.LineageRows,
	}, nil
}

func inferFixtureDatatype(fm fixtureMetric) string {
	switch {
	case fm.BooleanValue != nil:
		return "Boolean"
	case fm.IntValue != nil:
		return "Int32"
	case fm.LongValue != nil:
		return "Int64"
	case fm.FloatValue != nil:
		return "Float"
	case fm.DoubleValue != nil:
		return "Double"
	case fm.StringValue != nil:
		return "String"
	default:
		return "Unknown(0)"
	}
}

func fixtureProperties(fm fixtureMetric) map[string]planner.PropertyValue {
	props := make(map[string]planner.PropertyValue)
	if fm.Properties == nil {
		return props
	}
	for i, key := range fm.Properties.Keys {
		if i >= len(fm.Properties.Values) {
			break
		}
		value := fixturePropertyValue(fm.Properties.Values[i])
		typed, ok, err := planner.InferProperty(value)
		if err != nil || !ok {
			continue
		}
		props[key] = typed
	}
	return props
}

func fixturePropertyValue(entry map[string]any) any {
	for _, field := range []string{"stringValue", "booleanValue", "intValue", "longValue", "floatValue", "doubleValue"} {
		if v, ok := entry[field]; ok {
			// JSON numbers decode as float64; integer fields convert
			// back so range-based typing works.
			if f, isFloat := v.(float64); isFloat && (field == "intValue" || field == "longValue") {
				return int64(f)
			}
			return v
		}
	}
	return nil
}
