package cdc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lsnPtr(v uint64) *pglogrepl.LSN {
	lsn := pglogrepl.LSN(v)
	return &lsn
}

func TestMemoryCheckpointStoreSaveIsMonotonic(t *testing.T) {
	s := NewMemoryCheckpointStore()
	require.NoError(t, s.Save("slot", 100))
	require.NoError(t, s.Save("slot", 50))

	lsn, ok, err := s.Load("slot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pglogrepl.LSN(100), lsn)
}

func TestMemoryCheckpointStoreLoadUnknownSlot(t *testing.T) {
	s := NewMemoryCheckpointStore()
	_, ok, err := s.Load("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetRequiresMatchingExpectedValue(t *testing.T) {
	s := NewMemoryCheckpointStore()
	require.NoError(t, s.Save("slot", 100))

	err := s.Reset("slot", ResetOptions{Expected: lsnPtr(99), New: lsnPtr(40)})
	assert.ErrorIs(t, err, ErrResumeTokenMismatch)

	err = s.Reset("slot", ResetOptions{New: lsnPtr(40)})
	assert.ErrorIs(t, err, ErrResumeTokenMismatch)

	require.NoError(t, s.Reset("slot", ResetOptions{Expected: lsnPtr(100), New: lsnPtr(40)}))
	lsn, ok, err := s.Load("slot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pglogrepl.LSN(40), lsn)
}

func TestResetRefusesForwardJumpWithoutForce(t *testing.T) {
	s := NewMemoryCheckpointStore()
	require.NoError(t, s.Save("slot", 100))

	err := s.Reset("slot", ResetOptions{Expected: lsnPtr(100), New: lsnPtr(200)})
	assert.ErrorIs(t, err, ErrResumeTokenWouldSkip)

	require.NoError(t, s.Reset("slot", ResetOptions{New: lsnPtr(200), Force: true}))
	lsn, _, err := s.Load("slot")
	require.NoError(t, err)
	assert.Equal(t, pglogrepl.LSN(200), lsn)
}

func TestResetMissingSlotWithExpectation(t *testing.T) {
	s := NewMemoryCheckpointStore()
	err := s.Reset("slot", ResetOptions{Expected: lsnPtr(5)})
	assert.ErrorIs(t, err, ErrResumeTokenMissing)
}

func TestFileCheckpointStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")

	s, err := NewFileCheckpointStore(path, false)
	require.NoError(t, err)
	require.NoError(t, s.Save("slot_a", 123))
	require.NoError(t, s.Save("slot_b", 456))

	reopened, err := NewFileCheckpointStore(path, false)
	require.NoError(t, err)
	lsn, ok, err := reopened.Load("slot_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pglogrepl.LSN(123), lsn)
	lsn, _, _ = reopened.Load("slot_b")
	assert.Equal(t, pglogrepl.LSN(456), lsn)
}

func TestFileCheckpointStoreIgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewFileCheckpointStore(path, false)
	require.NoError(t, err)
	_, ok, err := s.Load("slot")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileCheckpointStoreAtomicReplaceLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoints.json")

	s, err := NewFileCheckpointStore(path, true)
	require.NoError(t, err)
	require.NoError(t, s.Save("slot", 10))
	require.NoError(t, s.Save("slot", 20))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "checkpoints.json", entries[0].Name())
}

func TestFileCheckpointStoreResetClearsSlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.json")
	s, err := NewFileCheckpointStore(path, false)
	require.NoError(t, err)
	require.NoError(t, s.Save("slot", 77))

	require.NoError(t, s.Reset("slot", ResetOptions{Expected: lsnPtr(77)}))
	_, ok, err := s.Load("slot")
	require.NoError(t, err)
	assert.False(t, ok)
}
