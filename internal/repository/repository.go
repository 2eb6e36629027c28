// Package repository persists canonical UNS metadata. The Postgres
// implementation applies planner output transactionally; a JSONL sink covers
// mock mode where no database is available.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/secil-digital/uns-metadata-sync/internal/planner"
)

// DeviceKey is the natural key of a device row.
type DeviceKey struct {
	GroupID string
	Edge    string
	Device  string
}

func (k DeviceKey) String() string {
	return k.GroupID + "/" + k.Edge + "/" + k.Device
}

// Outcome reports what applying one plan changed.
type Outcome struct {
	Inserted int
	Updated  int
	Noop     int
}

// Add accumulates another outcome.
func (o *Outcome) Add(other Outcome) {
	o.Inserted += other.Inserted
	o.Updated += other.Updated
	o.Noop += other.Noop
}

// BulkOutcome reports what a bulk frame load changed.
type BulkOutcome struct {
	DeviceUpserts   int64
	MetricUpserts   int64
	PropertyUpserts int64
	LineageRows     int64
}

// Store is the metadata persistence contract consumed by the ingest
// pipeline.
type Store interface {
	SnapshotDevice(ctx context.Context, key DeviceKey) (*planner.DeviceSnapshot, bool, error)
	SnapshotMetric(ctx context.Context, key DeviceKey, name string) (*planner.MetricSnapshot, bool, error)
	ApplyPlan(ctx context.Context, plan planner.Plan, device planner.DeviceRecord, metric planner.MetricRecord) (Outcome, error)
	ApplyBulk(ctx context.Context, device planner.DeviceRecord, metrics []planner.MetricRecord) (BulkOutcome, error)
}

// ConstraintViolationError wraps a database uniqueness or check failure with
// the offending natural key. The planner should have prevented the write, so
// an occurrence indicates a bug.
type ConstraintViolationError struct {
	Key    string
	Detail string
	Cause  error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation for %s: %s", e.Key, e.Detail)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Cause }

// isTransient classifies errors worth retrying inside the repository:
// connection failures, serialization conflicts, and deadlocks.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exceptions
			return true
		case pgErr.Code == "40001": // serialization failure
			return true
		case pgErr.Code == "40P01": // deadlock detected
			return true
		case pgErr.Code == "57P03": // cannot connect now
			return true
		}
	}
	return pgconn.SafeToRetry(err)
}

// isConstraintViolation matches uniqueness and check failures.
func isConstraintViolation(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23503": // unique, check, foreign key
			return pgErr, true
		}
	}
	return nil, false
}

// retryPolicy bounds transient-error retries inside the repository.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{attempts: 3, baseDelay: 100 * time.Millisecond, maxDelay: 2 * time.Second}
}

// run executes op, retrying transient failures with doubling delays.
func (p retryPolicy) run(ctx context.Context, op func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !isTransient(err) || attempt == p.attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	return err
}
