package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
)

// ApplyBulk loads one high-fan-out birth frame through staged temp tables
// and set-based merges. The outer transaction relaxes commit durability;
// constraints, property typing, and lineage coupling stay in force.
func (r *Postgres) ApplyBulk(ctx context.Context, device planner.DeviceRecord, metrics []planner.MetricRecord) (BulkOutcome, error) {
	var outcome BulkOutcome
	err := r.retry.run(ctx, func() error {
		outcome = BulkOutcome{}
		return r.applyBulkOnce(ctx, device, metrics, &outcome)
	})
	if err != nil {
		if pgErr, ok := isConstraintViolation(err); ok {
			key := DeviceKey{GroupID: device.GroupID, Edge: device.Edge, Device: device.Device}
			return outcome, &ConstraintViolationError{Key: key.String(), Detail: pgErr.Detail, Cause: err}
		}
		return outcome, err
	}
	r.logger.Info("bulk frame applied",
		zap.String("device", device.UNSPath),
		zap.Int("metrics", len(metrics)),
		zap.Int64("metric_upserts", outcome.MetricUpserts),
		zap.Int64("property_upserts", outcome.PropertyUpserts),
		zap.Int64("lineage_rows", outcome.LineageRows),
	)
	return outcome, nil
}

func (r *Postgres) applyBulkOnce(ctx context.Context, device planner.DeviceRecord, metrics []planner.MetricRecord, outcome *BulkOutcome) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bulk: %w", err)
	}
	defer tx.Rollback(ctx)

	// Deferred commit-level fsync for the duration of this load.
	if _, err := tx.Exec(ctx, `SET LOCAL synchronous_commit = off`); err != nil {
		return fmt.Errorf("relax commit durability: %w", err)
	}

	deviceKey, upserted, err := upsertDeviceSetBased(ctx, tx, device)
	if err != nil {
		return err
	}
	outcome.DeviceUpserts = upserted

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE staged_metrics (
			name text NOT NULL,
			uns_path text NOT NULL,
			datatype text NOT NULL
		) ON COMMIT DROP`,
	); err != nil {
		return fmt.Errorf("create staged_metrics: %w", err)
	}

	metricRows := make([][]any, 0, len(metrics))
	for i := range metrics {
		m := &metrics[i]
		metricRows = append(metricRows, []any{m.Name, m.UNSPath, m.Datatype})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"staged_metrics"},
		[]string{"name", "uns_path", "datatype"},
		pgx.CopyFromRows(metricRows),
	); err != nil {
		return fmt.Errorf("stage metrics: %w", err)
	}

	// Lineage rows for path changes must land before the merge rewrites the
	// stored paths.
	lineageTag, err := tx.Exec(ctx, `
		INSERT INTO uns_meta.metric_path_lineage (metric_key, old_uns_path, new_uns_path)
		SELECT m.metric_key, m.uns_path, s.uns_path
		FROM uns_meta.metrics m
		JOIN staged_metrics s ON s.name = m.name
		WHERE m.device_key = $1 AND m.uns_path IS DISTINCT FROM s.uns_path
		ON CONFLICT (metric_key, old_uns_path, new_uns_path) DO NOTHING`,
		deviceKey,
	)
	if err != nil {
		return fmt.Errorf("bulk lineage insert: %w", err)
	}
	outcome.LineageRows = lineageTag.RowsAffected()

	metricTag, err := tx.Exec(ctx, `
		INSERT INTO uns_meta.metrics AS m (device_key, name, uns_path, datatype)
		SELECT $1, s.name, s.uns_path, s.datatype
		FROM staged_metrics s
		ON CONFLICT (device_key, name) DO UPDATE SET
			uns_path = EXCLUDED.uns_path,
			datatype = EXCLUDED.datatype,
			updated_at = now()
		WHERE (m.uns_path, m.datatype) IS DISTINCT FROM (EXCLUDED.uns_path, EXCLUDED.datatype)`,
		deviceKey,
	)
	if err != nil {
		return fmt.Errorf("bulk metric merge: %w", err)
	}
	outcome.MetricUpserts = metricTag.RowsAffected()

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE staged_properties (
			metric_name text NOT NULL,
			key text NOT NULL,
			type text NOT NULL,
			value_int integer,
			value_long bigint,
			value_float real,
			value_double double precision,
			value_string text,
			value_bool boolean
		) ON COMMIT DROP`,
	); err != nil {
		return fmt.Errorf("create staged_properties: %w", err)
	}

	var propertyRows [][]any
	for i := range metrics {
		m := &metrics[i]
		for key, value := range m.Properties {
			vInt, vLong, vFloat, vDouble, vString, vBool, err := propertyColumns(value)
			if err != nil {
				return fmt.Errorf("metric %q property %q: %w", m.Name, key, err)
			}
			propertyRows = append(propertyRows, []any{
				m.Name, key, string(value.Type), vInt, vLong, vFloat, vDouble, vString, vBool,
			})
		}
	}
	if len(propertyRows) > 0 {
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"staged_properties"},
			[]string{"metric_name", "key", "type", "value_int", "value_long", "value_float", "value_double", "value_string", "value_bool"},
			pgx.CopyFromRows(propertyRows),
		); err != nil {
			return fmt.Errorf("stage properties: %w", err)
		}
		propertyTag, err := tx.Exec(ctx, `
			INSERT INTO uns_meta.metric_properties AS mp
				(metric_key, key, type, value_int, value_long, value_float, value_double, value_string, value_bool)
			SELECT m.metric_key, s.key, s.type, s.value_int, s.value_long, s.value_float, s.value_double, s.value_string, s.value_bool
			FROM staged_properties s
			JOIN uns_meta.metrics m ON m.device_key = $1 AND m.name = s.metric_name
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
			deviceKey,
		)
		if err != nil {
			return fmt.Errorf("bulk property merge: %w", err)
		}
		outcome.PropertyUpserts = propertyTag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit bulk: %w", err)
	}
	return nil
}

// upsertDeviceSetBased merges the device row and returns its key. The update
// arm is suppressed when nothing changed, so the returning clause may come
// back empty and the key is then resolved with a follow-up select.
func upsertDeviceSetBased(ctx context.Context, tx pgx.Tx, device planner.DeviceRecord) (int64, int64, error) {
	var deviceKey int64
	err := tx.QueryRow(ctx, `
		INSERT INTO uns_meta.devices AS d
			(group_id, country, business_unit, plant, edge, device, uns_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (group_id, edge, device) DO UPDATE SET
			country = EXCLUDED.country,
			business_unit = EXCLUDED.business_unit,
			plant = EXCLUDED.plant,
			uns_path = EXCLUDED.uns_path,
			updated_at = now()
		WHERE (d.country, d.business_unit, d.plant, d.uns_path)
			IS DISTINCT FROM
			(EXCLUDED.country, EXCLUDED.business_unit, EXCLUDED.plant, EXCLUDED.uns_path)
		RETURNING device_key`,
		device.GroupID, device.Country, device.BusinessUnit, device.Plant, device.Edge, device.Device, device.UNSPath,
	).Scan(&deviceKey)
	if err == nil {
		return deviceKey, 1, nil
	}
	if err != pgx.ErrNoRows {
		return 0, 0, fmt.Errorf("bulk device merge: %w", err)
	}
	err = tx.QueryRow(ctx, `
		SELECT device_key FROM uns_meta.devices
		WHERE group_id = $1 AND edge = $2 AND device = $3`,
		device.GroupID, device.Edge, device.Device,
	).Scan(&deviceKey)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve device key after suppressed merge: %w", err)
	}
	return deviceKey, 0, nil
}
