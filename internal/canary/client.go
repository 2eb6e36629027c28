package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/secil-digital/uns-metadata-sync/internal/cdc"
)

// Error kinds recorded on dead-letter rows.
const (
	KindValidation      = "Validation"
	KindDatasetNotFound = "DatasetNotFound"
	KindTransient       = "TransientNetwork"
	KindPayloadTooLarge = "PayloadTooLarge"
	KindQueueFull       = "QueueFull"
	KindShutdown        = "Shutdown"
)

// errBadSession signals an explicit BadSessionToken response. The session is
// refreshed and the request retried once without touching the retry budget.
var errBadSession = errors.New("historian reported bad session token")

// ValidationError is a terminal 4xx rejection from the write endpoint.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("historian rejected payload with status %d: %s", e.Status, e.Body)
}

type transientError struct {
	cause error
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// DeadLetterer persists undeliverable batches for operator replay.
type DeadLetterer interface {
	Insert(ctx context.Context, payload []byte, idempotencyKey, errorKind, errorDetail string) error
}

// ClientConfig controls the write path.
type ClientConfig struct {
	BaseURL                    string
	WritePath                  string
	RequestTimeout             time.Duration
	RateLimitRPS               float64
	Burst                      int
	QueueCapacity              int
	MaxBatchTags               int
	MaxPayloadBytes            int
	RetryAttempts              int
	RetryBaseDelay             time.Duration
	RetryMaxDelay              time.Duration
	CircuitConsecutiveFailures uint32
	CircuitReset               time.Duration
	DrainGrace                 time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.WritePath == "" {
		c.WritePath = "storeData"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = 500
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RateLimitRPS)
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.MaxBatchTags <= 0 {
		c.MaxBatchTags = 100
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1_000_000
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 6
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 6400 * time.Millisecond
	}
	if c.CircuitConsecutiveFailures == 0 {
		c.CircuitConsecutiveFailures = 20
	}
	if c.CircuitReset <= 0 {
		c.CircuitReset = 60 * time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
}

type queued struct {
	diff *cdc.AggregatedDiff
	ack  func()
}

// Client is the outbound write pipeline: a bounded queue feeding a worker
// that batches diffs, rate limits requests, and dead-letters whatever cannot
// be delivered. It satisfies the diff sink contract of the replication
// listener.
type Client struct {
	cfg      ClientConfig
	mapper   *Mapper
	session  *SessionManager
	resolver *DatasetResolver
	dlq      DeadLetterer
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	metrics  *Metrics
	logger   *zap.Logger

	queue    chan queued
	closed   chan struct{}
	closeOne sync.Once
	writeURL string
}

// NewClient wires the egress pipeline. session and resolver are required;
// dlq and metrics may be nil.
func NewClient(cfg ClientConfig, session *SessionManager, resolver *DatasetResolver, dlq DeadLetterer, metrics *Metrics, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:      cfg,
		mapper:   NewMapper(cfg.MaxBatchTags, cfg.MaxPayloadBytes, nil),
		session:  session,
		resolver: resolver,
		dlq:      dlq,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.Burst),
		metrics:  metrics,
		logger:   logger,
		queue:    make(chan queued, cfg.QueueCapacity),
		closed:   make(chan struct{}),
		writeURL: strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.WritePath, "/"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "canary-write",
		Timeout: cfg.CircuitReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("egress circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if c.metrics != nil {
				c.metrics.CircuitState.Set(circuitStateValue(to))
			}
		},
	})
	return c
}

func circuitStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// CircuitOpen reports whether the write circuit is currently rejecting
// requests. Used by the readiness probe.
func (c *Client) CircuitOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// Forward enqueues a diff for delivery. When the queue is saturated the diff
// is dead-lettered immediately; either way ack is eventually called exactly
// once.
func (c *Client) Forward(ctx context.Context, diff *cdc.AggregatedDiff, ack func()) error {
	select {
	case <-c.closed:
		return fmt.Errorf("egress client is shut down")
	default:
	}
	select {
	case c.queue <- queued{diff: diff, ack: ack}:
		if c.metrics != nil {
			c.metrics.QueueDepth.Set(float64(len(c.queue)))
		}
		return nil
	default:
		if c.metrics != nil {
			c.metrics.QueueDropped.Inc()
		}
		c.deadLetterDiffs(ctx, []*cdc.AggregatedDiff{diff}, "", KindQueueFull, "egress queue at capacity")
		ack()
		return nil
	}
}

// Run processes the queue until ctx is cancelled, then drains residue to the
// dead-letter store within the grace period.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeOne.Do(func() { close(c.closed) })
	for {
		select {
		case <-ctx.Done():
			c.drainToDeadLetter()
			return ctx.Err()
		case first := <-c.queue:
			items := c.collect(first)
			c.dispatch(ctx, items)
		}
	}
}

// collect grabs whatever else is already queued, up to one batch of tags.
func (c *Client) collect(first queued) []queued {
	items := []queued{first}
	for len(items) < c.cfg.MaxBatchTags {
		select {
		case item := <-c.queue:
			items = append(items, item)
		default:
			if c.metrics != nil {
				c.metrics.QueueDepth.Set(float64(len(c.queue)))
			}
			return items
		}
	}
	return items
}

// dispatch resolves datasets, maps the surviving diffs into batches, and
// delivers each batch. Every item's ack fires exactly once, after its diff
// reached the historian or the dead-letter store.
func (c *Client) dispatch(ctx context.Context, items []queued) {
	defer func() {
		for _, item := range items {
			item.ack()
		}
	}()

	deliverable := make([]*cdc.AggregatedDiff, 0, len(items))
	for _, item := range items {
		if err := c.resolveDataset(ctx, item.diff); err != nil {
			var notFound *DatasetNotFoundError
			if errors.As(err, &notFound) {
				c.deadLetterDiffs(ctx, []*cdc.AggregatedDiff{item.diff}, "", KindDatasetNotFound, err.Error())
				continue
			}
			// Browse failed for infrastructure reasons; the write
			// itself will surface the same condition and retry.
			c.logger.Warn("dataset resolution failed, proceeding",
				zap.String("canary_id", item.diff.CanaryID),
				zap.Error(err),
			)
		}
		deliverable = append(deliverable, item.diff)
	}
	if len(deliverable) == 0 {
		return
	}

	batches, err := c.mapper.BuildBatches(deliverable)
	if err != nil {
		c.deadLetterDiffs(ctx, deliverable, "", KindPayloadTooLarge, err.Error())
		return
	}
	for _, batch := range batches {
		c.deliver(ctx, batch)
	}
}

func (c *Client) resolveDataset(ctx context.Context, diff *cdc.AggregatedDiff) error {
	if c.resolver == nil {
		return nil
	}
	_, err := c.resolver.Resolve(ctx, diff.CanaryID)
	return err
}

// deliver sends one batch with the retry budget, the rate limiter, and the
// circuit breaker. The limiter waits inside the breaker, so an open circuit
// rejects before a rate token is spent. A BadSessionToken response refreshes
// the session and retries once without consuming the budget.
func (c *Client) deliver(ctx context.Context, batch *Batch) {
	refreshed := false
	attempt := 1
	for {
		_, err := c.breaker.Execute(func() (any, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return nil, c.send(ctx, batch)
		})
		if err == nil {
			if c.metrics != nil {
				c.metrics.SuccessTotal.Add(float64(batch.TagCount()))
			}
			c.session.MarkUsed()
			return
		}

		if ctx.Err() != nil {
			c.deadLetterBatch(ctx, batch, KindShutdown, "cancelled during delivery")
			return
		}

		if errors.Is(err, errBadSession) && !refreshed {
			refreshed = true
			c.session.OnBadSession()
			continue
		}

		var validation *ValidationError
		if errors.As(err, &validation) {
			c.deadLetterBatch(ctx, batch, KindValidation, validation.Error())
			return
		}

		if attempt >= c.cfg.RetryAttempts {
			if c.metrics != nil {
				c.metrics.FailureTotal.Inc()
			}
			c.deadLetterBatch(ctx, batch, KindTransient, err.Error())
			return
		}
		if c.metrics != nil {
			c.metrics.RetryTotal.Inc()
		}
		delay := fullJitter(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempt)
		c.logger.Debug("retrying historian write",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			c.deadLetterBatch(ctx, batch, KindShutdown, "cancelled during retry backoff")
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

// Replay delivers one reconstructed diff synchronously, returning the error
// instead of dead-lettering. The operator replay tool drives this so a failed
// replay leaves the original row pending rather than minting a new one.
func (c *Client) Replay(ctx context.Context, diff *cdc.AggregatedDiff) error {
	if err := c.resolveDataset(ctx, diff); err != nil {
		var notFound *DatasetNotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		c.logger.Warn("dataset resolution failed, proceeding",
			zap.String("canary_id", diff.CanaryID),
			zap.Error(err),
		)
	}
	batches, err := c.mapper.BuildBatches([]*cdc.AggregatedDiff{diff})
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := c.sendWithRetry(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// sendWithRetry applies the same limiter, breaker, session refresh, and retry
// budget as deliver, but surfaces the terminal error to the caller.
func (c *Client) sendWithRetry(ctx context.Context, batch *Batch) error {
	refreshed := false
	attempt := 1
	for {
		_, err := c.breaker.Execute(func() (any, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return nil, c.send(ctx, batch)
		})
		if err == nil {
			c.session.MarkUsed()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errBadSession) && !refreshed {
			refreshed = true
			c.session.OnBadSession()
			continue
		}
		var validation *ValidationError
		if errors.As(err, &validation) {
			return err
		}
		if attempt >= c.cfg.RetryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fullJitter(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, attempt)):
		}
		attempt++
	}
}

// fullJitter returns a uniform delay in [0, min(base*2^(attempt-1), max)].
func fullJitter(base, max time.Duration, attempt int) time.Duration {
	limit := base
	for i := 1; i < attempt && limit < max; i++ {
		limit *= 2
	}
	if limit > max {
		limit = max
	}
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

func (c *Client) send(ctx context.Context, batch *Batch) error {
	if c.metrics != nil {
		c.metrics.RequestsTotal.Inc()
	}
	token, err := c.session.EnsureSession(ctx)
	if err != nil {
		return &transientError{cause: err}
	}

	encoded, err := json.Marshal(batch.Payload(token))
	if err != nil {
		return &ValidationError{Status: 0, Body: fmt.Sprintf("encode payload: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.writeURL, bytes.NewReader(encoded))
	if err != nil {
		return &transientError{cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", batch.IdempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &transientError{cause: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if bytes.Contains(body, []byte("BadSessionToken")) {
			return errBadSession
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errBadSession
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &transientError{cause: fmt.Errorf("historian returned %d: %s", resp.StatusCode, body)}
	default:
		if bytes.Contains(body, []byte("BadSessionToken")) {
			return errBadSession
		}
		return &ValidationError{Status: resp.StatusCode, Body: string(body)}
	}
}

func (c *Client) deadLetterBatch(ctx context.Context, batch *Batch, kind, detail string) {
	c.deadLetterDiffs(ctx, batch.Diffs, batch.IdempotencyKey, kind, detail)
}

func (c *Client) deadLetterDiffs(ctx context.Context, diffs []*cdc.AggregatedDiff, idempotencyKey, kind, detail string) {
	if c.metrics != nil {
		c.metrics.DeadLetterTotal.WithLabelValues(kind).Add(float64(len(diffs)))
	}
	if c.dlq == nil {
		c.logger.Error("dropping undeliverable diffs (no dead-letter store)",
			zap.Int("count", len(diffs)),
			zap.String("kind", kind),
		)
		return
	}
	for _, diff := range diffs {
		payload, err := json.Marshal(map[string]any{
			"uns_path":  diff.UNSPath,
			"canary_id": diff.CanaryID,
			"changes":   diff.Properties,
			"event_ids": diff.EventIDs,
		})
		if err != nil {
			c.logger.Error("encode dead letter", zap.Error(err))
			continue
		}
		if err := c.dlq.Insert(ctx, payload, idempotencyKey, kind, detail); err != nil {
			c.logger.Error("dead-letter insert failed",
				zap.String("uns_path", diff.UNSPath),
				zap.Error(err),
			)
		}
	}
}

// drainToDeadLetter moves whatever is still queued at shutdown into the
// dead-letter store so nothing is silently lost.
func (c *Client) drainToDeadLetter() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainGrace)
	defer cancel()
	for {
		select {
		case item := <-c.queue:
			c.deadLetterDiffs(ctx, []*cdc.AggregatedDiff{item.diff}, "", KindShutdown, "shutdown before delivery")
			item.ack()
		default:
			return
		}
	}
}
