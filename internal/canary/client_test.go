package canary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/secil-digital/uns-metadata-sync/internal/cdc"
)

type dlqEntry struct {
	payload        []byte
	idempotencyKey string
	errorKind      string
	errorDetail    string
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (f *fakeDLQ) Insert(_ context.Context, payload []byte, idempotencyKey, errorKind, errorDetail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, dlqEntry{payload, idempotencyKey, errorKind, errorDetail})
	return nil
}

func (f *fakeDLQ) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, e := range f.entries {
		kinds = append(kinds, e.errorKind)
	}
	return kinds
}

type writeFixture struct {
	server        *httptest.Server
	writeStatuses []int
	writeCalls    atomic.Int64
	lastHeaders   atomic.Value
	lastBody      atomic.Value
}

func newWriteFixture(t *testing.T, statuses ...int) *writeFixture {
	f := &writeFixture{writeStatuses: statuses}
	mux := http.NewServeMux()
	mux.HandleFunc("/getSessionToken", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sessionToken": "tok"})
	})
	mux.HandleFunc("/revokeSessionToken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/storeData", func(w http.ResponseWriter, r *http.Request) {
		n := f.writeCalls.Add(1)
		f.lastHeaders.Store(r.Header.Clone())
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.lastBody.Store(body)

		status := http.StatusOK
		if int(n) <= len(f.writeStatuses) {
			status = f.writeStatuses[n-1]
		}
		if status == http.StatusBadRequest {
			http.Error(w, "invalid property cell", status)
			return
		}
		w.WriteHeader(status)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *writeFixture) client(t *testing.T, dlq DeadLetterer, resolver *DatasetResolver) *Client {
	session, err := NewSessionManager(SessionConfig{
		BaseURL:       f.server.URL,
		APIToken:      "api-token",
		KeepaliveIdle: time.Hour,
	}, f.server.Client(), zaptest.NewLogger(t))
	require.NoError(t, err)

	return NewClient(ClientConfig{
		BaseURL:        f.server.URL,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  2 * time.Millisecond,
		QueueCapacity:  4,
	}, session, resolver, dlq, nil, zaptest.NewLogger(t))
}

func ackCounter() (*atomic.Int64, func()) {
	var n atomic.Int64
	return &n, func() { n.Add(1) }
}

func TestDeliverySuccessAcksAndCarriesIdempotencyKey(t *testing.T) {
	f := newWriteFixture(t)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	acks, ack := ackCounter()
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(1), f.writeCalls.Load())
	assert.Empty(t, dlq.entries)

	headers := f.lastHeaders.Load().(http.Header)
	assert.NotEmpty(t, headers.Get("X-Idempotency-Key"))
	body := f.lastBody.Load().(map[string]any)
	assert.Equal(t, "tok", body["sessionToken"])
}

func TestValidationFailureDeadLettersWithoutRetry(t *testing.T) {
	f := newWriteFixture(t, http.StatusBadRequest)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	acks, ack := ackCounter()
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(1), f.writeCalls.Load())
	assert.Equal(t, []string{KindValidation}, dlq.kinds())
}

func TestTransientFailureExhaustsBudgetThenDeadLetters(t *testing.T) {
	f := newWriteFixture(t,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusInternalServerError,
	)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	acks, ack := ackCounter()
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(3), f.writeCalls.Load())
	assert.Equal(t, []string{KindTransient}, dlq.kinds())
}

func TestTransientFailureRecoversWithinBudget(t *testing.T) {
	f := newWriteFixture(t, http.StatusInternalServerError)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	acks, ack := ackCounter()
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(2), f.writeCalls.Load())
	assert.Empty(t, dlq.entries)
}

func TestOpenCircuitFailsFastWithoutRateToken(t *testing.T) {
	f := newWriteFixture(t, http.StatusInternalServerError)
	dlq := &fakeDLQ{}
	session, err := NewSessionManager(SessionConfig{
		BaseURL:       f.server.URL,
		APIToken:      "api-token",
		KeepaliveIdle: time.Hour,
	}, f.server.Client(), zaptest.NewLogger(t))
	require.NoError(t, err)

	// One token every ten seconds; the burst token is gone after the first
	// attempt, so any limiter wait past that point blocks for seconds.
	c := NewClient(ClientConfig{
		BaseURL:                    f.server.URL,
		RetryAttempts:              1,
		RateLimitRPS:               0.1,
		Burst:                      1,
		CircuitConsecutiveFailures: 1,
		CircuitReset:               time.Hour,
		QueueCapacity:              4,
	}, session, nil, dlq, nil, zaptest.NewLogger(t))

	acks, ack := ackCounter()
	c.dispatch(context.Background(), []queued{{
		diff: sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}}), ack: ack,
	}})
	require.Equal(t, int64(1), acks.Load())
	require.Equal(t, int64(1), f.writeCalls.Load())

	// The circuit is now open: the next delivery must reject immediately,
	// without blocking on the exhausted limiter or reaching the server.
	start := time.Now()
	acks2, ack2 := ackCounter()
	c.dispatch(context.Background(), []queued{{
		diff: sampleDiff("A.b", map[string]cdc.PropertyDelta{"k": {Value: int64(2)}}), ack: ack2,
	}})

	assert.Equal(t, int64(1), acks2.Load())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), f.writeCalls.Load())
	assert.Equal(t, []string{KindTransient, KindTransient}, dlq.kinds())
}

func TestBadSessionTokenRefreshesAndRetriesOnce(t *testing.T) {
	f := newWriteFixture(t, http.StatusUnauthorized)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	acks, ack := ackCounter()
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, int64(2), f.writeCalls.Load())
	assert.Empty(t, dlq.entries)
}

func TestDatasetNotFoundDeadLettersWithoutWrite(t *testing.T) {
	f := newWriteFixture(t)
	browse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"tags": []string{"Secil.other"}})
	}))
	defer browse.Close()

	resolver := NewDatasetResolver(ResolverConfig{
		BaseURL:    browse.URL,
		APIToken:   "api-token",
		Prefix:     "Secil",
		FamilySize: 1,
	}, browse.Client(), zaptest.NewLogger(t))

	dlq := &fakeDLQ{}
	c := f.client(t, dlq, resolver)

	acks, ack := ackCounter()
	diff := sampleDiff("A.missing", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	c.dispatch(context.Background(), []queued{{diff: diff, ack: ack}})

	assert.Equal(t, int64(1), acks.Load())
	assert.Zero(t, f.writeCalls.Load())
	assert.Equal(t, []string{KindDatasetNotFound}, dlq.kinds())
}

func TestForwardDeadLettersWhenQueueSaturated(t *testing.T) {
	f := newWriteFixture(t)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	// Fill the queue without a running worker.
	for i := 0; i < 4; i++ {
		_, ack := ackCounter()
		require.NoError(t, c.Forward(context.Background(),
			sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(i)}}), ack))
	}

	acks, ack := ackCounter()
	require.NoError(t, c.Forward(context.Background(),
		sampleDiff("A.b", map[string]cdc.PropertyDelta{"k": {Value: int64(9)}}), ack))

	assert.Equal(t, int64(1), acks.Load())
	assert.Equal(t, []string{KindQueueFull}, dlq.kinds())
}

func TestRunDeliversForwardedDiffs(t *testing.T) {
	f := newWriteFixture(t)
	dlq := &fakeDLQ{}
	c := f.client(t, dlq, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	acked := make(chan struct{})
	diff := sampleDiff("A.a", map[string]cdc.PropertyDelta{"k": {Value: int64(1)}})
	require.NoError(t, c.Forward(ctx, diff, func() { close(acked) }))

	select {
	case <-acked:
	case <-time.After(5 * time.Second):
		t.Fatal("diff was not acknowledged")
	}
	cancel()
	<-done
	assert.Empty(t, dlq.entries)
}

func TestFullJitterStaysWithinBounds(t *testing.T) {
	for attempt := 1; attempt <= 8; attempt++ {
		d := fullJitter(200*time.Millisecond, 6400*time.Millisecond, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 6400*time.Millisecond)
	}
}
