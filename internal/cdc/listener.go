package cdc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DiffSink receives flushed diffs for downstream delivery. Implementations
// must eventually call ack exactly once per accepted diff, after the diff has
// been delivered or dead-lettered.
type DiffSink interface {
	Forward(ctx context.Context, diff *AggregatedDiff, ack func()) error
}

// ListenerConfig carries the replication stream settings.
type ListenerConfig struct {
	DSN            string
	SlotName       string
	Publication    string
	DebounceWindow time.Duration
	FlushInterval  time.Duration
	BufferCapacity int
	StandbyTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (c *ListenerConfig) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 180 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = 1000
	}
	if c.StandbyTimeout <= 0 {
		c.StandbyTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Listener streams logical replication messages for the metadata tables,
// debounces per-metric changes, and forwards aggregated diffs to a sink.
type Listener struct {
	cfg         ListenerConfig
	pool        *pgxpool.Pool
	provider    MetadataProvider
	sink        DiffSink
	checkpoints CheckpointStore
	buffer      *DebounceBuffer
	tracker     *LSNTracker
	metrics     *Metrics
	logger      *zap.Logger
	state       atomic.Int32

	serverLSN    atomic.Uint64
	confirmedLSN atomic.Uint64
}

// NewListener wires a listener. pool is a regular query pool used for
// identity and version lookups plus slot position queries; the replication
// connection itself is dialed from cfg.DSN with replication=database.
func NewListener(cfg ListenerConfig, pool *pgxpool.Pool, provider MetadataProvider, sink DiffSink, checkpoints CheckpointStore, metrics *Metrics, logger *zap.Logger) *Listener {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpointStore()
	}
	return &Listener{
		cfg:         cfg,
		pool:        pool,
		provider:    provider,
		sink:        sink,
		checkpoints: checkpoints,
		buffer:      NewDebounceBuffer(cfg.DebounceWindow, cfg.BufferCapacity, logger),
		tracker:     NewLSNTracker(0),
		metrics:     metrics,
		logger:      logger,
	}
}

// State reports the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	if l.metrics != nil {
		l.metrics.ListenerState.Set(float64(s))
	}
}

// BufferDepth reports the number of paths held in the debounce buffer.
func (l *Listener) BufferDepth() int {
	return l.buffer.Depth()
}

// Lag reports how many WAL bytes the confirmed checkpoint trails the last
// server-reported position. Feeds the readiness probe.
func (l *Listener) Lag() uint64 {
	server := l.serverLSN.Load()
	confirmed := l.confirmedLSN.Load()
	if confirmed >= server {
		return 0
	}
	return server - confirmed
}

// Run streams until ctx is cancelled, reconnecting with capped exponential
// backoff on stream failures. Buffered diffs are drained and forced through
// the sink before returning.
func (l *Listener) Run(ctx context.Context) error {
	defer l.setState(StateShutdown)

	backoff := l.cfg.BackoffBase
	for {
		l.setState(StateConnecting)
		err := l.streamOnce(ctx)
		if ctx.Err() != nil {
			l.drain(context.Background())
			return ctx.Err()
		}
		l.setState(StateReconnecting)
		if l.metrics != nil {
			l.metrics.ReconnectsTotal.Inc()
		}
		l.logger.Warn("replication stream interrupted, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			l.drain(context.Background())
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.cfg.BackoffMax {
			backoff = l.cfg.BackoffMax
		}
	}
}

// streamOnce dials the replication connection, resumes from the stored
// checkpoint, and processes messages until an error or cancellation.
func (l *Listener) streamOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, replicationDSN(l.cfg.DSN))
	if err != nil {
		return fmt.Errorf("connect replication: %w", err)
	}
	defer conn.Close(context.Background())

	// Slot creation is idempotent: an already-exists error is expected on
	// every restart.
	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, l.cfg.SlotName, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		l.logger.Debug("replication slot create skipped", zap.Error(err))
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	startLSN, err := l.resumePosition(ctx, sysident.XLogPos)
	if err != nil {
		return err
	}
	l.tracker.Advance(startLSN)

	err = pglogrepl.StartReplication(ctx, conn, l.cfg.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '2'",
				fmt.Sprintf("publication_names '%s'", l.cfg.Publication),
			},
		})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	l.setState(StateStreaming)
	l.logger.Info("replication stream started",
		zap.String("slot", l.cfg.SlotName),
		zap.String("publication", l.cfg.Publication),
		zap.String("start_lsn", startLSN.String()),
	)

	decoder := NewDecoder(l.logger)
	clientXLogPos := startLSN
	nextStandby := time.Now().Add(l.cfg.StandbyTimeout)
	nextFlush := time.Now().Add(l.cfg.FlushInterval)
	inStream := false

	for {
		if ctx.Err() != nil {
			l.flushDue(ctx, time.Now().Add(l.cfg.DebounceWindow))
			return ctx.Err()
		}

		now := time.Now()
		if now.After(nextStandby) {
			if err := l.sendStandby(ctx, conn, clientXLogPos); err != nil {
				return err
			}
			nextStandby = now.Add(l.cfg.StandbyTimeout)
		}
		if now.After(nextFlush) {
			l.flushDue(ctx, now)
			nextFlush = now.Add(l.cfg.FlushInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, earliest(nextStandby, nextFlush))
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication error response: %s", errMsg.Message)
		}
		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			l.serverLSN.Store(uint64(pkm.ServerWALEnd))
			if pkm.ServerWALEnd > clientXLogPos {
				clientXLogPos = pkm.ServerWALEnd
				l.tracker.Advance(clientXLogPos)
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			l.serverLSN.Store(uint64(xld.ServerWALEnd))
			if err := l.handleWALData(ctx, decoder, xld, &inStream); err != nil {
				return err
			}
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			l.tracker.Advance(clientXLogPos)
		}
	}
}

func (l *Listener) handleWALData(ctx context.Context, decoder *Decoder, xld pglogrepl.XLogData, inStream *bool) error {
	logical, err := pglogrepl.ParseV2(xld.WALData, *inStream)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}

	switch msg := logical.(type) {
	case *pglogrepl.RelationMessageV2:
		decoder.RegisterRelation(msg)
	case *pglogrepl.StreamStartMessageV2:
		*inStream = true
	case *pglogrepl.StreamStopMessageV2:
		*inStream = false
	case *pglogrepl.InsertMessageV2:
		change, err := decoder.DecodeInsert(msg)
		if err != nil {
			l.logger.Warn("skipping undecodable insert", zap.Error(err))
			return nil
		}
		l.handleChange(ctx, change, xld.WALStart)
	case *pglogrepl.UpdateMessageV2:
		change, err := decoder.DecodeUpdate(msg)
		if err != nil {
			l.logger.Warn("skipping undecodable update", zap.Error(err))
			return nil
		}
		l.handleChange(ctx, change, xld.WALStart)
	case *pglogrepl.DeleteMessageV2:
		// Property removals surface through version history rows, so
		// raw deletes need no direct handling.
	}
	return nil
}

// handleChange turns a decoded row change into a debounced event. Identity
// and the latest version diff come from the catalog rather than the row
// image, so inserts to the property table and updates to the metric table
// converge on the same event shape.
func (l *Listener) handleChange(ctx context.Context, change *RowChange, lsn pglogrepl.LSN) {
	if change.Relation != "metrics" && change.Relation != "metric_properties" {
		return
	}
	if l.metrics != nil {
		l.metrics.EventsTotal.WithLabelValues(change.Relation).Inc()
	}

	metricKey, ok := extractMetricKey(change)
	if !ok {
		l.logger.Warn("change without metric key", zap.String("relation", change.Relation))
		return
	}

	identity, found, err := l.provider.Identity(ctx, metricKey)
	if err != nil {
		l.logger.Error("identity lookup failed", zap.Int64("metric_key", metricKey), zap.Error(err))
		return
	}
	if !found {
		l.logger.Debug("change for unknown metric", zap.Int64("metric_key", metricKey))
		return
	}

	version, found, err := l.provider.VersionSnapshot(ctx, metricKey)
	if err != nil {
		l.logger.Error("version lookup failed", zap.Int64("metric_key", metricKey), zap.Error(err))
		return
	}
	if !found || len(version.Changes) == 0 {
		// Path-only versions carry no property deltas to forward.
		return
	}

	event := Event{
		EventID:   NewEventID(metricKey, version.Version),
		MetricKey: metricKey,
		UNSPath:   identity.UNSPath,
		CanaryID:  identity.CanaryID,
		Version:   version.Version,
		ChangedAt: version.ChangedAt,
		LSN:       lsn,
		Changes:   version.Changes,
	}

	l.tracker.Observe(lsn)
	if !l.buffer.Add(event, time.Now()) {
		l.tracker.Ack(lsn)
		if l.metrics != nil {
			l.metrics.DroppedTotal.Inc()
		}
	}
	if l.metrics != nil {
		l.metrics.DebounceDepth.Set(float64(l.buffer.Depth()))
	}
}

// flushDue forwards every expired entry to the sink. The acknowledgment
// closure releases the tracked positions and persists the new checkpoint.
func (l *Listener) flushDue(ctx context.Context, now time.Time) {
	for _, diff := range l.buffer.FlushExpired(now) {
		l.forward(ctx, diff)
	}
	if l.metrics != nil {
		l.metrics.DebounceDepth.Set(float64(l.buffer.Depth()))
	}
}

func (l *Listener) forward(ctx context.Context, diff *AggregatedDiff) {
	lsns := diff.LSNs
	ack := func() {
		for _, lsn := range lsns {
			l.tracker.Ack(lsn)
		}
		if err := l.checkpoints.Save(l.cfg.SlotName, l.tracker.SafeCheckpoint()); err != nil {
			l.logger.Error("checkpoint save failed", zap.Error(err))
		}
	}
	if err := l.sink.Forward(ctx, diff, ack); err != nil {
		// Rejected outright: nothing downstream will call ack, and
		// holding the positions would wedge the slot forever.
		l.logger.Error("diff rejected by sink",
			zap.String("uns_path", diff.UNSPath),
			zap.Error(err),
		)
		ack()
		return
	}
	if l.metrics != nil {
		l.metrics.FlushesTotal.Inc()
	}
}

// drain forces every buffered entry through the sink, used on shutdown.
func (l *Listener) drain(ctx context.Context) {
	for _, diff := range l.buffer.Drain() {
		l.forward(ctx, diff)
	}
}

func (l *Listener) sendStandby(ctx context.Context, conn *pgconn.PgConn, streamPos pglogrepl.LSN) error {
	confirm := l.tracker.SafeCheckpoint()
	if confirm > streamPos {
		confirm = streamPos
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: confirm,
	})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	l.confirmedLSN.Store(uint64(confirm))
	if l.metrics != nil {
		l.metrics.CheckpointLSN.Set(float64(confirm))
	}
	return nil
}

// resumePosition picks the stream start: the stored checkpoint when one
// exists, otherwise the slot's confirmed flush position, otherwise the
// current server position.
func (l *Listener) resumePosition(ctx context.Context, serverPos pglogrepl.LSN) (pglogrepl.LSN, error) {
	if lsn, ok, err := l.checkpoints.Load(l.cfg.SlotName); err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	} else if ok {
		return lsn, nil
	}

	var confirmed *string
	err := l.pool.QueryRow(ctx, `
		SELECT confirmed_flush_lsn::text
		FROM pg_replication_slots
		WHERE slot_name = $1`,
		l.cfg.SlotName,
	).Scan(&confirmed)
	if err == nil && confirmed != nil {
		lsn, perr := pglogrepl.ParseLSN(*confirmed)
		if perr == nil {
			return lsn, nil
		}
	} else if err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Debug("confirmed flush position unavailable", zap.Error(err))
	}
	return serverPos, nil
}

func extractMetricKey(change *RowChange) (int64, bool) {
	cols := change.Columns
	if cols == nil {
		cols = change.OldColumns
	}
	raw, ok := cols["metric_key"]
	if !ok || raw == "" {
		return 0, false
	}
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return key, true
}

// replicationDSN appends replication=database so the connection speaks the
// streaming protocol.
func replicationDSN(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	if strings.Contains(dsn, "://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&replication=database"
		}
		return dsn + "?" + url.Values{"replication": {"database"}}.Encode()
	}
	return dsn + " replication=database"
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
