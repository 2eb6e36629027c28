package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desiredDevice() DeviceRecord {
	return DeviceRecord{
		GroupID:      "Secil",
		Country:      "Turkey",
		BusinessUnit: "Cement",
		Plant:        "PlantX",
		Edge:         "EdgeA",
		Device:       "DeviceA",
		UNSPath:      "Secil/Turkey/Cement/PlantX/EdgeA/DeviceA",
	}
}

func desiredMetric() MetricRecord {
	return MetricRecord{
		Name:     "Temperature/PV",
		UNSPath:  "Secil/Turkey/Cement/PlantX/EdgeA/DeviceA/Temperature/PV",
		Datatype: "Float",
		Properties: map[string]PropertyValue{
			"engUnit":     {Type: TypeString, Value: "°C"},
			"displayHigh": {Type: TypeInt, Value: int64(1800)},
		},
	}
}

func snapshotFromDesired() (*DeviceSnapshot, *MetricSnapshot) {
	d := desiredDevice()
	m := desiredMetric()
	return &DeviceSnapshot{
			GroupID:      d.GroupID,
			Country:      d.Country,
			BusinessUnit: d.BusinessUnit,
			Plant:        d.Plant,
			Edge:         d.Edge,
			Device:       d.Device,
			UNSPath:      d.UNSPath,
		}, &MetricSnapshot{
			UNSPath:    m.UNSPath,
			Datatype:   m.Datatype,
			Properties: m.Properties,
		}
}

func TestBuildPlanFirstBirth(t *testing.T) {
	plan := BuildPlan(nil, nil, desiredDevice(), desiredMetric())

	assert.Equal(t, OpInsert, plan.Device.Op)
	assert.Equal(t, OpInsert, plan.Metric.Op)
	assert.False(t, plan.RequiresLineage())

	inserts := 0
	for _, action := range plan.Properties {
		if action.Op == OpInsert {
			inserts++
		}
	}
	assert.Equal(t, 2, inserts)

	require.NotNil(t, plan.Diff)
	assert.Nil(t, plan.Diff.Path)
	assert.Equal(t, map[string]any{"type": TypeInt, "new": int64(1800)}, plan.Diff.Properties["displayHigh"])
	assert.Equal(t, map[string]any{"type": TypeString, "new": "°C"}, plan.Diff.Properties["engUnit"])
}

func TestBuildPlanIdenticalInputIsNoop(t *testing.T) {
	device, metric := snapshotFromDesired()
	plan := BuildPlan(device, metric, desiredDevice(), desiredMetric())

	assert.True(t, plan.IsNoop())
	assert.Nil(t, plan.Diff)
	assert.Equal(t, OpNoop, plan.Device.Op)
	assert.Equal(t, OpNoop, plan.Metric.Op)
}

func TestBuildPlanPropertyChangeOnly(t *testing.T) {
	device, metric := snapshotFromDesired()
	desired := desiredMetric()
	desired.Properties = map[string]PropertyValue{
		"engUnit":     {Type: TypeString, Value: "°C"},
		"displayHigh": {Type: TypeInt, Value: int64(2000)},
	}

	plan := BuildPlan(device, metric, desiredDevice(), desired)

	assert.Equal(t, OpNoop, plan.Device.Op)
	assert.Equal(t, OpNoop, plan.Metric.Op)

	var updated *PropertyAction
	for i := range plan.Properties {
		if plan.Properties[i].Op == OpUpdate {
			require.Nil(t, updated)
			updated = &plan.Properties[i]
		}
	}
	require.NotNil(t, updated)
	assert.Equal(t, "displayHigh", updated.Key)

	require.NotNil(t, plan.Diff)
	assert.Equal(t,
		map[string]any{"type": TypeInt, "old": int64(1800), "new": int64(2000)},
		plan.Diff.Properties["displayHigh"],
	)
	_, engUnitChanged := plan.Diff.Properties["engUnit"]
	assert.False(t, engUnitChanged)
}

func TestBuildPlanRenameMandatesLineage(t *testing.T) {
	device, metric := snapshotFromDesired()
	desired := desiredMetric()
	desired.Name = "Temperature/Process"
	desired.UNSPath = "Secil/Turkey/Cement/PlantX/EdgeA/DeviceA/Temperature/Process"

	plan := BuildPlan(device, metric, desiredDevice(), desired)

	assert.Equal(t, OpRename, plan.Metric.Op)
	assert.Equal(t, metric.UNSPath, plan.Metric.OldPath)
	assert.True(t, plan.RequiresLineage())

	require.NotNil(t, plan.Diff)
	require.NotNil(t, plan.Diff.Path)
	assert.Equal(t, metric.UNSPath, plan.Diff.Path.Old)
	assert.Equal(t, desired.UNSPath, plan.Diff.Path.New)
}

func TestBuildPlanPropertyRemoval(t *testing.T) {
	device, metric := snapshotFromDesired()
	desired := desiredMetric()
	delete(desired.Properties, "displayHigh")

	plan := BuildPlan(device, metric, desiredDevice(), desired)

	var deleted *PropertyAction
	for i := range plan.Properties {
		if plan.Properties[i].Op == OpDelete {
			deleted = &plan.Properties[i]
		}
	}
	require.NotNil(t, deleted)
	assert.Equal(t, "displayHigh", deleted.Key)
	assert.Equal(t, map[string]any{"removed": true}, plan.Diff.Properties["displayHigh"])
}

func TestBuildPlanTypeAwareComparison(t *testing.T) {
	device, metric := snapshotFromDesired()
	desired := desiredMetric()
	// Same numeral, different declared type: long 1800 is not int 1800.
	desired.Properties["displayHigh"] = PropertyValue{Type: TypeLong, Value: int64(1800)}

	plan := BuildPlan(device, metric, desiredDevice(), desired)

	require.NotNil(t, plan.Diff)
	change := plan.Diff.Properties["displayHigh"]
	assert.Equal(t, TypeLong, change["type"])
}

func TestBuildPlanDatatypeChangeUpdatesMetric(t *testing.T) {
	device, metric := snapshotFromDesired()
	desired := desiredMetric()
	desired.Datatype = "Double"

	plan := BuildPlan(device, metric, desiredDevice(), desired)
	assert.Equal(t, OpUpdate, plan.Metric.Op)
	assert.False(t, plan.RequiresLineage())
}

func TestPlanDeviceFieldChange(t *testing.T) {
	device, _ := snapshotFromDesired()
	desired := desiredDevice()
	desired.Plant = "PlantY"
	desired.UNSPath = "Secil/Turkey/Cement/PlantY/EdgeA/DeviceA"

	action := PlanDevice(device, desired)
	assert.Equal(t, OpUpdate, action.Op)
}

func TestPlanIsStableUnderRepetition(t *testing.T) {
	// Applying a plan and re-planning from the resulting state must yield
	// all-noop: the idempotence law.
	plan := BuildPlan(nil, nil, desiredDevice(), desiredMetric())
	require.False(t, plan.IsNoop())

	device, metric := snapshotFromDesired()
	replan := BuildPlan(device, metric, desiredDevice(), desiredMetric())
	assert.True(t, replan.IsNoop())
	assert.Nil(t, replan.Diff)
}
