// Package dlq is the durable dead-letter store for undeliverable historian
// batches. Rows carry a TTL and a status so operators can replay or let them
// expire.
package dlq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Row statuses.
const (
	StatusPending  = "pending"
	StatusReplayed = "replayed"
	StatusExpired  = "expired"
)

// Entry is one dead-lettered diff.
type Entry struct {
	ID             uuid.UUID
	Payload        []byte
	IdempotencyKey string
	ErrorKind      string
	ErrorDetail    string
	Attempts       int
	FirstFailedAt  time.Time
	ExpiresAt      time.Time
	Status         string
}

// Metrics exposes the store's observability surface.
type Metrics struct {
	Depth         prometheus.Gauge
	InsertsTotal  prometheus.Counter
	PurgedTotal   prometheus.Counter
	ReplayedTotal prometheus.Counter
}

// NewMetrics registers the dead-letter metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "uns_metadata_sync_dlq_depth",
			Help: "Pending dead-letter rows.",
		}),
		InsertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_dlq_inserts_total",
			Help: "Dead-letter rows written.",
		}),
		PurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_dlq_purged_total",
			Help: "Expired dead-letter rows removed.",
		}),
		ReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "uns_metadata_sync_dlq_replayed_total",
			Help: "Dead-letter rows marked replayed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Depth, m.InsertsTotal, m.PurgedTotal, m.ReplayedTotal)
	}
	return m
}

// Store persists dead letters in the canary_dlq table.
type Store struct {
	pool           *pgxpool.Pool
	ttl            time.Duration
	alertThreshold int64
	purgeInterval  time.Duration
	metrics        *Metrics
	logger         *zap.Logger
}

// NewStore builds a store. metrics may be nil.
func NewStore(pool *pgxpool.Pool, ttl time.Duration, alertThreshold int64, metrics *Metrics, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:           pool,
		ttl:            ttl,
		alertThreshold: alertThreshold,
		purgeInterval:  time.Hour,
		metrics:        metrics,
		logger:         logger,
	}
}

// Insert records an undeliverable batch. Satisfies the egress client's
// dead-letter contract.
func (s *Store) Insert(ctx context.Context, payload []byte, idempotencyKey, errorKind, errorDetail string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uns_meta.canary_dlq
			(id, payload, idempotency_key, error_kind, error_detail, attempts, first_failed_at, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)`,
		uuid.New(), payload, idempotencyKey, errorKind, errorDetail,
		now, now.Add(s.ttl), StatusPending,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if s.metrics != nil {
		s.metrics.InsertsTotal.Inc()
	}
	s.checkDepth(ctx)
	return nil
}

// ListPending returns up to limit pending rows, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, idempotency_key, error_kind, error_detail,
		       attempts, first_failed_at, expires_at, status
		FROM uns_meta.canary_dlq
		WHERE status = $1 AND expires_at > now()
		ORDER BY first_failed_at
		LIMIT $2`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(&e.ID, &e.Payload, &e.IdempotencyKey, &e.ErrorKind, &e.ErrorDetail,
			&e.Attempts, &e.FirstFailedAt, &e.ExpiresAt, &e.Status)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkReplayed flips a row to replayed after a successful re-delivery.
func (s *Store) MarkReplayed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uns_meta.canary_dlq
		SET status = $2, attempts = attempts + 1
		WHERE id = $1 AND status = $3`,
		id, StatusReplayed, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark dead letter replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dead letter %s is not pending", id)
	}
	if s.metrics != nil {
		s.metrics.ReplayedTotal.Inc()
	}
	return nil
}

// RecordAttempt bumps the attempt counter after a failed replay.
func (s *Store) RecordAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE uns_meta.canary_dlq
		SET attempts = attempts + 1
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("record dead letter attempt: %w", err)
	}
	return nil
}

// Purge flips pending rows past their TTL to expired, then deletes terminal
// rows a day after expiry so operators can still inspect the residue.
// Returns how many rows were deleted.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uns_meta.canary_dlq
		SET status = $1
		WHERE status = $2 AND expires_at < now()`,
		StatusExpired, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("expire dead letters: %w", err)
	}
	if expired := tag.RowsAffected(); expired > 0 {
		s.logger.Info("marked dead letters expired", zap.Int64("count", expired))
	}

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM uns_meta.canary_dlq
		WHERE status IN ($1, $2) AND expires_at < now() - interval '24 hours'`,
		StatusExpired, StatusReplayed,
	)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	purged := tag.RowsAffected()
	if purged > 0 {
		if s.metrics != nil {
			s.metrics.PurgedTotal.Add(float64(purged))
		}
		s.logger.Info("purged expired dead letters", zap.Int64("count", purged))
	}
	return purged, nil
}

// Depth counts pending rows.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM uns_meta.canary_dlq
		WHERE status = $1 AND expires_at > now()`,
		StatusPending,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return depth, nil
}

func (s *Store) checkDepth(ctx context.Context) {
	depth, err := s.Depth(ctx)
	if err != nil {
		s.logger.Debug("dead-letter depth check failed", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.Depth.Set(float64(depth))
	}
	if s.alertThreshold > 0 && depth >= s.alertThreshold {
		s.logger.Warn("dead-letter depth above threshold",
			zap.Int64("depth", depth),
			zap.Int64("threshold", s.alertThreshold),
		)
	}
}

// Run periodically purges expired rows until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Purge(ctx); err != nil {
				s.logger.Error("dead-letter purge failed", zap.Error(err))
			}
			s.checkDepth(ctx)
		}
	}
}
