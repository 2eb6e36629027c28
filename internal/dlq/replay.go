package dlq

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeliverFunc re-enters a dead-lettered payload into the egress pipeline.
type DeliverFunc func(ctx context.Context, entry Entry) error

// replayStore is the slice of Store the replayer needs.
type replayStore interface {
	ListPending(ctx context.Context, limit int) ([]Entry, error)
	MarkReplayed(ctx context.Context, id uuid.UUID) error
	RecordAttempt(ctx context.Context, id uuid.UUID) error
}

// Summary reports a replay run in machine-readable form.
type Summary struct {
	Scanned  int  `json:"scanned"`
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	DryRun   bool `json:"dry_run"`
}

// Replayer drives operator-invoked replay of pending dead letters.
type Replayer struct {
	store   replayStore
	deliver DeliverFunc
	logger  *zap.Logger
}

// NewReplayer wires a replayer.
func NewReplayer(store replayStore, deliver DeliverFunc, logger *zap.Logger) *Replayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replayer{store: store, deliver: deliver, logger: logger}
}

// Replay reads up to limit pending rows and re-delivers each. Without
// execute, rows are only listed. Successful deliveries mark the row
// replayed; failures bump the attempt counter and leave it pending.
func (r *Replayer) Replay(ctx context.Context, limit int, execute bool) (Summary, error) {
	entries, err := r.store.ListPending(ctx, limit)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Scanned: len(entries), DryRun: !execute}
	if !execute {
		return summary, nil
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := r.deliver(ctx, entry); err != nil {
			summary.Failed++
			r.logger.Warn("dead-letter replay failed",
				zap.String("id", entry.ID.String()),
				zap.String("error_kind", entry.ErrorKind),
				zap.Error(err),
			)
			if err := r.store.RecordAttempt(ctx, entry.ID); err != nil {
				r.logger.Error("record replay attempt failed", zap.Error(err))
			}
			continue
		}
		if err := r.store.MarkReplayed(ctx, entry.ID); err != nil {
			r.logger.Error("mark replayed failed",
				zap.String("id", entry.ID.String()),
				zap.Error(err),
			)
			continue
		}
		summary.Replayed++
	}
	return summary, nil
}
