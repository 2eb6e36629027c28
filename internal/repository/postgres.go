package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
)

// changedBy is recorded on version history rows written by the service.
const changedBy = "system"

// Postgres is the pgx-backed metadata store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	retry  retryPolicy
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger, retry: defaultRetryPolicy()}
}

// SnapshotDevice loads the current device row for the natural key.
func (r *Postgres) SnapshotDevice(ctx context.Context, key DeviceKey) (*planner.DeviceSnapshot, bool, error) {
	var snap planner.DeviceSnapshot
	err := r.pool.QueryRow(ctx, `
		SELECT group_id, country, business_unit, plant, edge, device, uns_path
		FROM uns_meta.devices
		WHERE group_id = $1 AND edge = $2 AND device = $3`,
		key.GroupID, key.Edge, key.Device,
	).Scan(&snap.GroupID, &snap.Country, &snap.BusinessUnit, &snap.Plant, &snap.Edge, &snap.Device, &snap.UNSPath)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot device %s: %w", key, err)
	}
	return &snap, true, nil
}

// SnapshotMetric loads the current metric row and its properties.
func (r *Postgres) SnapshotMetric(ctx context.Context, key DeviceKey, name string) (*planner.MetricSnapshot, bool, error) {
	var metricKey int64
	var snap planner.MetricSnapshot
	err := r.pool.QueryRow(ctx, `
		SELECT m.metric_key, m.uns_path, m.datatype
		FROM uns_meta.metrics m
		JOIN uns_meta.devices d ON d.device_key = m.device_key
		WHERE d.group_id = $1 AND d.edge = $2 AND d.device = $3 AND m.name = $4`,
		key.GroupID, key.Edge, key.Device, name,
	).Scan(&metricKey, &snap.UNSPath, &snap.Datatype)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot metric %s/%s: %w", key, name, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT key, type, value_int, value_long, value_float, value_double, value_string, value_bool
		FROM uns_meta.metric_properties
		WHERE metric_key = $1`,
		metricKey,
	)
	if err != nil {
		return nil, false, fmt.Errorf("snapshot metric properties %s/%s: %w", key, name, err)
	}
	defer rows.Close()

	snap.Properties = make(map[string]planner.PropertyValue)
	for rows.Next() {
		propKey, value, err := scanProperty(rows)
		if err != nil {
			return nil, false, fmt.Errorf("snapshot metric properties %s/%s: %w", key, name, err)
		}
		snap.Properties[propKey] = value
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("snapshot metric properties %s/%s: %w", key, name, err)
	}
	return &snap, true, nil
}

// scanProperty reconstructs a typed property from its storage columns.
func scanProperty(rows pgx.Rows) (string, planner.PropertyValue, error) {
	var (
		propKey  string
		propType string
		vInt     *int64
		vLong    *int64
		vFloat   *float64
		vDouble  *float64
		vString  *string
		vBool    *bool
	)
	if err := rows.Scan(&propKey, &propType, &vInt, &vLong, &vFloat, &vDouble, &vString, &vBool); err != nil {
		return "", planner.PropertyValue{}, err
	}
	value := planner.PropertyValue{Type: planner.PropertyType(propType)}
	switch value.Type {
	case planner.TypeInt:
		if vInt != nil {
			value.Value = *vInt
		}
	case planner.TypeLong:
		if vLong != nil {
			value.Value = *vLong
		}
	case planner.TypeFloat:
		if vFloat != nil {
			value.Value = *vFloat
		}
	case planner.TypeDouble:
		if vDouble != nil {
			value.Value = *vDouble
		}
	case planner.TypeString:
		if vString != nil {
			value.Value = *vString
		}
	case planner.TypeBool:
		if vBool != nil {
			value.Value = *vBool
		}
	default:
		return "", planner.PropertyValue{}, fmt.Errorf("property %q has unknown type %q", propKey, propType)
	}
	return propKey, value, nil
}

// propertyColumns spreads a typed property over the six storage columns,
// populating exactly the one matching its type.
func propertyColumns(pv planner.PropertyValue) (vInt, vLong, vFloat, vDouble, vString, vBool any, err error) {
	switch pv.Type {
	case planner.TypeInt:
		vInt = pv.Value
	case planner.TypeLong:
		vLong = pv.Value
	case planner.TypeFloat:
		vFloat = pv.Value
	case planner.TypeDouble:
		vDouble = pv.Value
	case planner.TypeString:
		vString = pv.Value
	case planner.TypeBool:
		vBool = pv.Value
	default:
		err = fmt.Errorf("invalid property type %q", pv.Type)
	}
	return
}

// ApplyPlan executes the device, metric, lineage, property, and version
// writes of one plan in a single transaction. Transient failures are retried
// with bounded backoff before surfacing.
func (r *Postgres) ApplyPlan(ctx context.Context, plan planner.Plan, device planner.DeviceRecord, metric planner.MetricRecord) (Outcome, error) {
	var outcome Outcome
	err := r.retry.run(ctx, func() error {
		outcome = Outcome{}
		return r.applyPlanOnce(ctx, plan, device, metric, &outcome)
	})
	if err != nil {
		if pgErr, ok := isConstraintViolation(err); ok {
			key := DeviceKey{GroupID: device.GroupID, Edge: device.Edge, Device: device.Device}
			return outcome, &ConstraintViolationError{
				Key:    key.String() + "/" + metric.Name,
				Detail: pgErr.Detail,
				Cause:  err,
			}
		}
		return outcome, err
	}
	return outcome, nil
}

func (r *Postgres) applyPlanOnce(ctx context.Context, plan planner.Plan, device planner.DeviceRecord, metric planner.MetricRecord, outcome *Outcome) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	deviceKey, err := r.applyDevice(ctx, tx, plan.Device, device, outcome)
	if err != nil {
		return err
	}
	metricKey, err := r.applyMetric(ctx, tx, plan.Metric, deviceKey, metric, outcome)
	if err != nil {
		return err
	}
	for _, action := range plan.Properties {
		if err := r.applyProperty(ctx, tx, metricKey, action, outcome); err != nil {
			return err
		}
	}
	if !plan.Diff.Empty() {
		diff, err := json.Marshal(plan.Diff)
		if err != nil {
			return fmt.Errorf("marshal version diff: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO uns_meta.metric_versions (metric_key, changed_by, diff)
			VALUES ($1, $2, $3)`,
			metricKey, changedBy, diff,
		); err != nil {
			return fmt.Errorf("insert version row: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Postgres) applyDevice(ctx context.Context, tx pgx.Tx, action planner.DeviceAction, device planner.DeviceRecord, outcome *Outcome) (int64, error) {
	var deviceKey int64
	switch action.Op {
	case planner.OpInsert:
		err := tx.QueryRow(ctx, `
			INSERT INTO uns_meta.devices (group_id, country, business_unit, plant, edge, device, uns_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING device_key`,
			device.GroupID, device.Country, device.BusinessUnit, device.Plant, device.Edge, device.Device, device.UNSPath,
		).Scan(&deviceKey)
		if err != nil {
			return 0, fmt.Errorf("insert device: %w", err)
		}
		outcome.Inserted++
	case planner.OpUpdate:
		err := tx.QueryRow(ctx, `
			UPDATE uns_meta.devices
			SET country = $4, business_unit = $5, plant = $6, uns_path = $7, updated_at = now()
			WHERE group_id = $1 AND edge = $2 AND device = $3
			RETURNING device_key`,
			device.GroupID, device.Edge, device.Device,
			device.Country, device.BusinessUnit, device.Plant, device.UNSPath,
		).Scan(&deviceKey)
		if err != nil {
			return 0, fmt.Errorf("update device: %w", err)
		}
		outcome.Updated++
	default:
		err := tx.QueryRow(ctx, `
			SELECT device_key FROM uns_meta.devices
			WHERE group_id = $1 AND edge = $2 AND device = $3`,
			device.GroupID, device.Edge, device.Device,
		).Scan(&deviceKey)
		if err != nil {
			return 0, fmt.Errorf("resolve device key: %w", err)
		}
		outcome.Noop++
	}
	return deviceKey, nil
}

func (r *Postgres) applyMetric(ctx context.Context, tx pgx.Tx, action planner.MetricAction, deviceKey int64, metric planner.MetricRecord, outcome *Outcome) (int64, error) {
	var metricKey int64
	switch action.Op {
	case planner.OpInsert:
		err := tx.QueryRow(ctx, `
			INSERT INTO uns_meta.metrics (device_key, name, uns_path, datatype)
			VALUES ($1, $2, $3, $4)
			RETURNING metric_key`,
			deviceKey, metric.Name, metric.UNSPath, metric.Datatype,
		).Scan(&metricKey)
		if err != nil {
			return 0, fmt.Errorf("insert metric: %w", err)
		}
		outcome.Inserted++
	case planner.OpRename:
		err := tx.QueryRow(ctx, `
			SELECT metric_key FROM uns_meta.metrics
			WHERE device_key = $1 AND name = $2`,
			deviceKey, metric.Name,
		).Scan(&metricKey)
		if err != nil {
			return 0, fmt.Errorf("resolve metric key for rename: %w", err)
		}
		// The lineage row precedes the path update within the same
		// transaction.
		if _, err := tx.Exec(ctx, `
			INSERT INTO uns_meta.metric_path_lineage (metric_key, old_uns_path, new_uns_path)
			VALUES ($1, $2, $3)
			ON CONFLICT (metric_key, old_uns_path, new_uns_path) DO NOTHING`,
			metricKey, action.OldPath, metric.UNSPath,
		); err != nil {
			return 0, fmt.Errorf("insert lineage row: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE uns_meta.metrics
			SET uns_path = $2, datatype = $3, updated_at = now()
			WHERE metric_key = $1`,
			metricKey, metric.UNSPath, metric.Datatype,
		); err != nil {
			return 0, fmt.Errorf("rename metric: %w", err)
		}
		outcome.Updated++
	case planner.OpUpdate:
		err := tx.QueryRow(ctx, `
			UPDATE uns_meta.metrics
			SET datatype = $3, updated_at = now()
			WHERE device_key = $1 AND name = $2
			RETURNING metric_key`,
			deviceKey, metric.Name, metric.Datatype,
		).Scan(&metricKey)
		if err != nil {
			return 0, fmt.Errorf("update metric: %w", err)
		}
		outcome.Updated++
	default:
		err := tx.QueryRow(ctx, `
			SELECT metric_key FROM uns_meta.metrics
			WHERE device_key = $1 AND name = $2`,
			deviceKey, metric.Name,
		).Scan(&metricKey)
		if err != nil {
			return 0, fmt.Errorf("resolve metric key: %w", err)
		}
		outcome.Noop++
	}
	return metricKey, nil
}

func (r *Postgres) applyProperty(ctx context.Context, tx pgx.Tx, metricKey int64, action planner.PropertyAction, outcome *Outcome) error {
	switch action.Op {
	case planner.OpInsert, planner.OpUpdate:
		vInt, vLong, vFloat, vDouble, vString, vBool, err := propertyColumns(action.Value)
		if err != nil {
			return fmt.Errorf("property %q: %w", action.Key, err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO uns_meta.metric_properties AS mp
				(metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (metric_key, key) DO UPDATE SET
				type = EXCLUDED.type,
				value_int = EXCLUDED.value_int,
				value_long = EXCLUDED.value_long,
				value_float = EXCLUDED.value_float,
				value_double = EXCLUDED.value_double,
				value_string = EXCLUDED.value_string,
				value_bool = EXCLUDED.value_bool,
				updated_at = now()
			WHERE (mp.type, mp.value_int, mp.value_long, mp.value_float, mp.value_double, mp.value_string, mp.value_bool)
				IS DISTINCT FROM
				(EXCLUDED.type, EXCLUDED.value_int, EXCLUDED.value_long, EXCLUDED.value_float, EXCLUDED.value_double, EXCLUDED.value_string, EXCLUDED.value_bool)`,
			metricKey, action.Key, string(action.Value.Type),
			vInt, vLong, vFloat, vDouble, vString, vBool,
		)
		if err != nil {
			return fmt.Errorf("upsert property %q: %w", action.Key, err)
		}
		if tag.RowsAffected() > 0 {
			if action.Op == planner.OpInsert {
				outcome.Inserted++
			} else {
				outcome.Updated++
			}
		} else {
			outcome.Noop++
		}
	case planner.OpDelete:
		if _, err := tx.Exec(ctx, `
			DELETE FROM uns_meta.metric_properties
			WHERE metric_key = $1 AND key = $2`,
			metricKey, action.Key,
		); err != nil {
			return fmt.Errorf("delete property %q: %w", action.Key, err)
		}
		outcome.Updated++
	default:
		outcome.Noop++
	}
	return nil
}
