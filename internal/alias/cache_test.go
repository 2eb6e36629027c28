package alias

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func deviceKey() Key {
	return Key{Group: "Secil", EdgeNode: "EdgeA", Device: "DeviceA"}
}

func nodeKey() Key {
	return Key{Group: "Secil", EdgeNode: "EdgeA"}
}

func TestResolvePrefersDeviceScope(t *testing.T) {
	cache := NewCache("", zaptest.NewLogger(t))
	cache.Populate(nodeKey(), 17, Info{Name: "NodeMetric", Datatype: 9})
	cache.Populate(deviceKey(), 17, Info{Name: "DeviceMetric", Datatype: 10})

	info, ok := cache.Resolve(deviceKey(), 17)
	require.True(t, ok)
	assert.Equal(t, "DeviceMetric", info.Name)
}

func TestResolveFallsBackToNodeScope(t *testing.T) {
	cache := NewCache("", zaptest.NewLogger(t))
	cache.Populate(nodeKey(), 17, Info{Name: "NodeMetric", Datatype: 9})

	info, ok := cache.Resolve(deviceKey(), 17)
	require.True(t, ok)
	assert.Equal(t, "NodeMetric", info.Name)
}

func TestResolveMissing(t *testing.T) {
	cache := NewCache("", zaptest.NewLogger(t))
	_, ok := cache.Resolve(deviceKey(), 99)
	assert.False(t, ok)
}

func TestPopulateOverwritesPriorMapping(t *testing.T) {
	cache := NewCache("", zaptest.NewLogger(t))
	cache.Populate(deviceKey(), 17, Info{Name: "Old", Datatype: 9})
	cache.Populate(deviceKey(), 17, Info{Name: "New", Datatype: 10})

	info, ok := cache.Resolve(deviceKey(), 17)
	require.True(t, ok)
	assert.Equal(t, "New", info.Name)
	assert.Equal(t, uint32(10), info.Datatype)
}

func TestPopulateIgnoresInvalidEntries(t *testing.T) {
	cache := NewCache("", zaptest.NewLogger(t))
	cache.Populate(deviceKey(), 0, Info{Name: "NoAlias"})
	cache.Populate(deviceKey(), 5, Info{})
	assert.Zero(t, cache.Len())
}

func TestSnapshotAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias-cache.json")

	cache := NewCache(path, zaptest.NewLogger(t))
	cache.Populate(deviceKey(), 17, Info{
		Name:     "Temperature/PV",
		Datatype: 9,
		Props:    map[string]any{"engUnit": "°C"},
	})
	cache.Populate(nodeKey(), 3, Info{Name: "Status", Datatype: 12})
	require.NoError(t, cache.Snapshot())

	restored := NewCache(path, zaptest.NewLogger(t))
	require.NoError(t, restored.Load())
	assert.Equal(t, 2, restored.Len())

	info, ok := restored.Resolve(deviceKey(), 17)
	require.True(t, ok)
	assert.Equal(t, "Temperature/PV", info.Name)
	assert.Equal(t, uint32(9), info.Datatype)
	assert.Equal(t, "°C", info.Props["engUnit"])

	info, ok = restored.Resolve(nodeKey(), 3)
	require.True(t, ok)
	assert.Equal(t, "Status", info.Name)
}

func TestPopulatePersistsWithoutExplicitSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias-cache.json")

	cache := NewCache(path, zaptest.NewLogger(t))
	cache.flushDelay = 5 * time.Millisecond
	cache.Populate(deviceKey(), 17, Info{Name: "Temperature/PV", Datatype: 9})
	cache.Populate(nodeKey(), 3, Info{Name: "Status", Datatype: 12})

	// The file appears from the scheduled flush alone, as it must when the
	// process dies before a clean shutdown.
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	restored := NewCache(path, zaptest.NewLogger(t))
	require.NoError(t, restored.Load())
	assert.Equal(t, 2, restored.Len())

	info, ok := restored.Resolve(deviceKey(), 17)
	require.True(t, ok)
	assert.Equal(t, "Temperature/PV", info.Name)
}

func TestPopulateCoalescesPendingFlush(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "alias-cache.json"), zaptest.NewLogger(t))
	cache.flushDelay = time.Hour
	cache.Populate(deviceKey(), 1, Info{Name: "A"})
	cache.Populate(deviceKey(), 2, Info{Name: "B"})

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.True(t, cache.flushPending)
}

func TestLoadMissingFileLeavesCacheEmpty(t *testing.T) {
	cache := NewCache(filepath.Join(t.TempDir(), "absent.json"), zaptest.NewLogger(t))
	require.NoError(t, cache.Load())
	assert.Zero(t, cache.Len())
}

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alias-cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cache := NewCache(path, zaptest.NewLogger(t))
	assert.Error(t, cache.Load())
}

func TestSnapshotReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alias-cache.json")

	cache := NewCache(path, zaptest.NewLogger(t))
	cache.Populate(deviceKey(), 1, Info{Name: "A"})
	require.NoError(t, cache.Snapshot())
	cache.Populate(deviceKey(), 2, Info{Name: "B"})
	require.NoError(t, cache.Snapshot())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alias-cache.json", entries[0].Name())

	restored := NewCache(path, zaptest.NewLogger(t))
	require.NoError(t, restored.Load())
	assert.Equal(t, 2, restored.Len())
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, "alias:17", Placeholder(17))
}
