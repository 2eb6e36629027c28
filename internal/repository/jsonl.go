package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
)

type metricID struct {
	device DeviceKey
	name   string
}

// JSONL is the mock-mode store: applied plans append to a line-delimited
// local file while an in-memory shadow keeps snapshots consistent, so the
// full decode-normalize-plan loop can run without a database.
type JSONL struct {
	logger *zap.Logger
	path   string

	mu      sync.Mutex
	devices map[DeviceKey]planner.DeviceSnapshot
	metrics map[metricID]planner.MetricSnapshot
}

// NewJSONL returns a sink appending to path.
func NewJSONL(path string, logger *zap.Logger) *JSONL {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONL{
		logger:  logger,
		path:    path,
		devices: make(map[DeviceKey]planner.DeviceSnapshot),
		metrics: make(map[metricID]planner.MetricSnapshot),
	}
}

func (s *JSONL) SnapshotDevice(_ context.Context, key DeviceKey) (*planner.DeviceSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.devices[key]
	if !ok {
		return nil, false, nil
	}
	copied := snap
	return &copied, true, nil
}

func (s *JSONL) SnapshotMetric(_ context.Context, key DeviceKey, name string) (*planner.MetricSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.metrics[metricID{device: key, name: name}]
	if !ok {
		return nil, false, nil
	}
	copied := snap
	copied.Properties = make(map[string]planner.PropertyValue, len(snap.Properties))
	for k, v := range snap.Properties {
		copied.Properties[k] = v
	}
	return &copied, true, nil
}

func (s *JSONL) ApplyPlan(_ context.Context, plan planner.Plan, device planner.DeviceRecord, metric planner.MetricRecord) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outcome Outcome
	key := DeviceKey{GroupID: device.GroupID, Edge: device.Edge, Device: device.Device}

	switch plan.Device.Op {
	case planner.OpInsert:
		outcome.Inserted++
	case planner.OpUpdate:
		outcome.Updated++
	default:
		outcome.Noop++
	}
	s.devices[key] = planner.DeviceSnapshot{
		GroupID:      device.GroupID,
		Country:      device.Country,
		BusinessUnit: device.BusinessUnit,
		Plant:        device.Plant,
		Edge:         device.Edge,
		Device:       device.Device,
		UNSPath:      device.UNSPath,
	}

	switch plan.Metric.Op {
	case planner.OpInsert:
		outcome.Inserted++
	case planner.OpUpdate, planner.OpRename:
		outcome.Updated++
	default:
		outcome.Noop++
	}
	id := metricID{device: key, name: metric.Name}
	props := make(map[string]planner.PropertyValue, len(metric.Properties))
	for k, v := range metric.Properties {
		props[k] = v
	}
	s.metrics[id] = planner.MetricSnapshot{
		UNSPath:    metric.UNSPath,
		Datatype:   metric.Datatype,
		Properties: props,
	}

	for _, action := range plan.Properties {
		switch action.Op {
		case planner.OpInsert:
			outcome.Inserted++
		case planner.OpUpdate, planner.OpDelete:
			outcome.Updated++
		default:
			outcome.Noop++
		}
	}

	if err := s.appendLine(map[string]any{
		"at":     time.Now().UTC().Format(time.RFC3339Nano),
		"device": device.UNSPath,
		"metric": metric.UNSPath,
		"plan": map[string]any{
			"device": plan.Device.Op,
			"metric": plan.Metric.Op,
		},
		"diff": plan.Diff,
	}); err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (s *JSONL) ApplyBulk(ctx context.Context, device planner.DeviceRecord, metrics []planner.MetricRecord) (BulkOutcome, error) {
	var outcome BulkOutcome
	for i := range metrics {
		m := &metrics[i]
		key := DeviceKey{GroupID: device.GroupID, Edge: device.Edge, Device: device.Device}
		s.mu.Lock()
		deviceSnap, deviceOK := s.devices[key]
		metricSnap, metricOK := s.metrics[metricID{device: key, name: m.Name}]
		s.mu.Unlock()

		var devicePtr *planner.DeviceSnapshot
		if deviceOK {
			devicePtr = &deviceSnap
		}
		var metricPtr *planner.MetricSnapshot
		if metricOK {
			metricPtr = &metricSnap
		}
		plan := planner.BuildPlan(devicePtr, metricPtr, device, *m)
		if plan.RequiresLineage() {
			outcome.LineageRows++
		}
		if _, err := s.ApplyPlan(ctx, plan, device, *m); err != nil {
			return outcome, err
		}
		outcome.MetricUpserts++
		outcome.PropertyUpserts += int64(len(m.Properties))
	}
	outcome.DeviceUpserts = 1
	return outcome, nil
}

func (s *JSONL) appendLine(record map[string]any) error {
	if s.path == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("jsonl sink: marshal record: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl sink: open %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("jsonl sink: append: %w", err)
	}
	return nil
}
