package planner

import "sort"

// Op enumerates planned write operations.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpRename Op = "rename"
	OpDelete Op = "delete"
	OpNoop   Op = "noop"
)

// DeviceRecord is the desired state for one device row.
type DeviceRecord struct {
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	Device       string
	UNSPath      string
}

// MetricRecord is the desired state for one metric row and its properties.
type MetricRecord struct {
	Name       string
	UNSPath    string
	Datatype   string
	Properties map[string]PropertyValue
}

// DeviceSnapshot is the current persisted state of a device row.
type DeviceSnapshot struct {
	GroupID      string
	Country      string
	BusinessUnit string
	Plant        string
	Edge         string
	Device       string
	UNSPath      string
}

// MetricSnapshot is the current persisted state of a metric row and its
// properties.
type MetricSnapshot struct {
	UNSPath    string
	Datatype   string
	Properties map[string]PropertyValue
}

// DeviceAction is the planned write for the device row.
type DeviceAction struct {
	Op     Op
	Device DeviceRecord
}

// MetricAction is the planned write for the metric row. OldPath is set for
// renames.
type MetricAction struct {
	Op      Op
	OldPath string
}

// PropertyAction is one planned property write. Value is meaningful for
// inserts and updates only.
type PropertyAction struct {
	Op    Op
	Key   string
	Value PropertyValue
}

// PathChange records a rename inside a version diff.
type PathChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// VersionDiff is the structured change document persisted to the version
// history. Property entries take one of three shapes:
// {type, old, new} for updates, {type, new} for inserts, and
// {removed: true} for deletions.
type VersionDiff struct {
	Path       *PathChange               `json:"path,omitempty"`
	Properties map[string]map[string]any `json:"properties,omitempty"`
}

// Empty reports whether the diff carries no material change.
func (d *VersionDiff) Empty() bool {
	return d == nil || (d.Path == nil && len(d.Properties) == 0)
}

// Plan is the full set of writes one metric record requires.
type Plan struct {
	Device     DeviceAction
	Metric     MetricAction
	Properties []PropertyAction
	Diff       *VersionDiff
}

// IsNoop reports whether applying the plan would change nothing.
func (p *Plan) IsNoop() bool {
	if p.Device.Op != OpNoop || p.Metric.Op != OpNoop {
		return false
	}
	for _, action := range p.Properties {
		if action.Op != OpNoop {
			return false
		}
	}
	return true
}

// RequiresLineage reports whether the plan renames the metric path and so
// mandates a lineage row in the same transaction.
func (p *Plan) RequiresLineage() bool {
	return p.Metric.Op == OpRename
}

// PlanDevice compares the desired device row against the snapshot.
func PlanDevice(current *DeviceSnapshot, desired DeviceRecord) DeviceAction {
	if current == nil {
		return DeviceAction{Op: OpInsert, Device: desired}
	}
	if current.GroupID == desired.GroupID &&
		current.Country == desired.Country &&
		current.BusinessUnit == desired.BusinessUnit &&
		current.Plant == desired.Plant &&
		current.Edge == desired.Edge &&
		current.Device == desired.Device &&
		current.UNSPath == desired.UNSPath {
		return DeviceAction{Op: OpNoop, Device: desired}
	}
	return DeviceAction{Op: OpUpdate, Device: desired}
}

// BuildPlan produces the complete plan for one metric record. The device and
// metric snapshots are nil when the corresponding row does not exist yet.
func BuildPlan(device *DeviceSnapshot, metric *MetricSnapshot, desiredDevice DeviceRecord, desired MetricRecord) Plan {
	plan := Plan{Device: PlanDevice(device, desiredDevice)}

	diff := &VersionDiff{}

	switch {
	case metric == nil:
		plan.Metric = MetricAction{Op: OpInsert}
	case metric.UNSPath != desired.UNSPath:
		plan.Metric = MetricAction{Op: OpRename, OldPath: metric.UNSPath}
		diff.Path = &PathChange{Old: metric.UNSPath, New: desired.UNSPath}
	case metric.Datatype != desired.Datatype:
		plan.Metric = MetricAction{Op: OpUpdate}
	default:
		plan.Metric = MetricAction{Op: OpNoop}
	}

	var current map[string]PropertyValue
	if metric != nil {
		current = metric.Properties
	}
	plan.Properties, diff.Properties = planProperties(current, desired.Properties)

	if !diff.Empty() {
		plan.Diff = diff
	}
	return plan
}

// planProperties diffs the desired property set against the current one and
// returns actions in deterministic key order alongside the material changes
// for the version document.
func planProperties(current, desired map[string]PropertyValue) ([]PropertyAction, map[string]map[string]any) {
	keys := make([]string, 0, len(desired)+len(current))
	seen := make(map[string]struct{}, len(desired)+len(current))
	for key := range desired {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range current {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var actions []PropertyAction
	changes := make(map[string]map[string]any)
	for _, key := range keys {
		want, wanted := desired[key]
		have, present := current[key]
		switch {
		case wanted && !present:
			actions = append(actions, PropertyAction{Op: OpInsert, Key: key, Value: want})
			changes[key] = map[string]any{"type": want.Type, "new": want.Value}
		case wanted && present && !have.Equal(want):
			actions = append(actions, PropertyAction{Op: OpUpdate, Key: key, Value: want})
			changes[key] = map[string]any{"type": want.Type, "old": have.Value, "new": want.Value}
		case wanted:
			actions = append(actions, PropertyAction{Op: OpNoop, Key: key})
		default:
			actions = append(actions, PropertyAction{Op: OpDelete, Key: key})
			changes[key] = map[string]any{"removed": true}
		}
	}
	if len(changes) == 0 {
		changes = nil
	}
	return actions, changes
}
