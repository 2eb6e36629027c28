package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/secil-digital/uns-metadata-sync/internal/alias"
	"github.com/secil-digital/uns-metadata-sync/internal/repository"
	"github.com/secil-digital/uns-metadata-sync/internal/unspath"
)

// Wire builders for birth frames, mirroring the spBv1.0 field layout.

type wireMetric struct {
	name     string
	alias    uint64
	datatype uint32
	str      string
	intVal   *uint64
	props    map[string]string
}

func (m wireMetric) encode() []byte {
	var b []byte
	if m.name != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.name)
	}
	if m.alias != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, m.alias)
	}
	if m.datatype != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.datatype))
	}
	if len(m.props) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, encodePropertySet(m.props))
	}
	if m.intVal != nil {
		b = protowire.AppendTag(b, 10, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.intVal)
	}
	if m.str != "" {
		b = protowire.AppendTag(b, 15, protowire.BytesType)
		b = protowire.AppendString(b, m.str)
	}
	return b
}

func encodePropertySet(props map[string]string) []byte {
	var b []byte
	for key, value := range props {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, key)

		var pv []byte
		pv = protowire.AppendTag(pv, 1, protowire.VarintType)
		pv = protowire.AppendVarint(pv, 12) // string
		pv = protowire.AppendTag(pv, 8, protowire.BytesType)
		pv = protowire.AppendString(pv, value)

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, pv)
	}
	return b
}

func birthPayload(metrics ...wireMetric) []byte {
	var b []byte
	for _, m := range metrics {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, m.encode())
	}
	return b
}

func dimensionMetrics() []wireMetric {
	return []wireMetric{
		{name: "country", datatype: 12, str: "Portugal"},
		{name: "business_unit", datatype: 12, str: "Cement"},
		{name: "plant", datatype: 12, str: "Outao"},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingPublisher) Publish(topic string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	return nil
}

func newTestPipeline(t *testing.T, pub Publisher) (*Pipeline, *repository.JSONL, *alias.Cache) {
	logger := zaptest.NewLogger(t)
	store := repository.NewJSONL("", logger)
	aliases := alias.NewCache("", logger)
	throttle := NewRebirthThrottle(time.Minute, true, pub, logger)
	p := NewPipeline(store, aliases, unspath.NewCanaryIDGenerator(logger), throttle, nil, 50, nil, logger)
	return p, store, aliases
}

func TestHandleMessagePersistsBirthFrame(t *testing.T) {
	p, store, _ := newTestPipeline(t, nil)

	metrics := append(dimensionMetrics(), wireMetric{
		name:     "Temperature/PV",
		datatype: 9,
		props:    map[string]string{"engUnit": "°C"},
	})
	err := p.HandleMessage(context.Background(), "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birthPayload(metrics...))
	require.NoError(t, err)

	key := repository.DeviceKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"}
	snap, ok, err := store.SnapshotMetric(context.Background(), key, "Temperature/PV")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Secil/EdgeA/DeviceA/Temperature/PV", snap.UNSPath)
	assert.Equal(t, "Float", snap.Datatype)
	assert.Equal(t, "°C", snap.Properties["engUnit"].Value)

	deviceSnap, ok, err := store.SnapshotDevice(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Portugal", deviceSnap.Country)
	assert.Equal(t, "Cement", deviceSnap.BusinessUnit)
	assert.Equal(t, "Outao", deviceSnap.Plant)
}

func TestHandleMessageSkipsFrameMissingDimensions(t *testing.T) {
	p, store, _ := newTestPipeline(t, nil)

	err := p.HandleMessage(context.Background(), "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA",
		birthPayload(wireMetric{name: "Temperature/PV", datatype: 9}))
	require.NoError(t, err)

	key := repository.DeviceKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"}
	_, ok, err := store.SnapshotDevice(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	p, _, _ := newTestPipeline(t, nil)
	err := p.HandleMessage(context.Background(), "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA",
		[]byte{0xff, 0xff, 0xff})
	assert.NoError(t, err)
}

func TestHandleMessageIgnoresNonBirthTopics(t *testing.T) {
	p, store, _ := newTestPipeline(t, nil)
	err := p.HandleMessage(context.Background(), "spBv1.0/Secil/DDATA/EdgeA/DeviceA",
		birthPayload(dimensionMetrics()...))
	require.NoError(t, err)
	_, ok, err := store.SnapshotDevice(context.Background(),
		repository.DeviceKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAliasResolutionAcrossFrames(t *testing.T) {
	p, store, _ := newTestPipeline(t, nil)
	ctx := context.Background()

	// Birth frame binds alias 17 to a name at device scope.
	named := append(dimensionMetrics(), wireMetric{name: "Temperature/PV", alias: 17, datatype: 9})
	require.NoError(t, p.HandleMessage(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birthPayload(named...)))

	// A later frame carrying only the alias resolves through the cache.
	value := uint64(42)
	aliased := append(dimensionMetrics(), wireMetric{alias: 17, datatype: 3, intVal: &value})
	require.NoError(t, p.HandleMessage(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birthPayload(aliased...)))

	key := repository.DeviceKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"}
	_, ok, err := store.SnapshotMetric(ctx, key, "Temperature/PV")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownAliasEmitsPlaceholderAndRebirth(t *testing.T) {
	pub := &recordingPublisher{}
	p, store, _ := newTestPipeline(t, pub)
	ctx := context.Background()

	value := uint64(1)
	metrics := append(dimensionMetrics(), wireMetric{alias: 99, datatype: 3, intVal: &value})
	require.NoError(t, p.HandleMessage(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birthPayload(metrics...)))

	key := repository.DeviceKey{GroupID: "Secil", Edge: "EdgeA", Device: "DeviceA"}
	_, ok, err := store.SnapshotMetric(ctx, key, "alias:99")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"spBv1.0/Secil/EdgeA/command/rebirth"}, pub.topics)

	// A second unresolved frame within the throttle window stays quiet.
	require.NoError(t, p.HandleMessage(ctx, "spBv1.0/Secil/DBIRTH/EdgeA/DeviceA", birthPayload(metrics...)))
	assert.Len(t, pub.topics, 1)
}

func TestNBirthPopulatesNodeScope(t *testing.T) {
	p, _, aliases := newTestPipeline(t, nil)
	ctx := context.Background()

	require.NoError(t, p.HandleMessage(ctx, "spBv1.0/Secil/NBIRTH/EdgeA",
		birthPayload(wireMetric{name: "Node/Status", alias: 5, datatype: 12})))

	info, ok := aliases.Resolve(alias.Key{Group: "Secil", EdgeNode: "EdgeA"}, 5)
	require.True(t, ok)
	assert.Equal(t, "Node/Status", info.Name)
}

func TestExtractDimension(t *testing.T) {
	metrics := []FrameMetric{
		{Name: "Country", Value: "  Portugal "},
		{Name: "plant", Value: nil},
		{Name: "line", Value: int64(3)},
	}
	assert.Equal(t, "Portugal", extractDimension(metrics, "country"))
	assert.Equal(t, "", extractDimension(metrics, "plant"))
	assert.Equal(t, "3", extractDimension(metrics, "line"))
	assert.Equal(t, "", extractDimension(metrics, "missing"))
}

func TestRebirthThrottleExpires(t *testing.T) {
	pub := &recordingPublisher{}
	throttle := NewRebirthThrottle(time.Minute, true, pub, zaptest.NewLogger(t))
	base := time.Now()
	now := base
	throttle.now = func() time.Time { return now }

	throttle.MayRequest("Secil", "EdgeA", "DeviceA")
	throttle.MayRequest("Secil", "EdgeA", "DeviceA")
	assert.Len(t, pub.topics, 1)

	// A different device has its own throttle key.
	throttle.MayRequest("Secil", "EdgeA", "DeviceB")
	assert.Len(t, pub.topics, 2)

	now = base.Add(61 * time.Second)
	throttle.MayRequest("Secil", "EdgeA", "DeviceA")
	assert.Len(t, pub.topics, 3)
}
