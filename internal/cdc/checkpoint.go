package cdc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pglogrepl"
)

// Reset guardrail errors.
var (
	ErrResumeTokenMissing    = errors.New("resume token missing; supply force to reset")
	ErrResumeTokenMismatch   = errors.New("unexpected resume token value")
	ErrResumeTokenWouldSkip  = errors.New("new resume token must not exceed current value")
)

// ResetOptions guards a manual checkpoint reset. Without Force, Expected
// must match the stored token, and New must not move the token forward.
type ResetOptions struct {
	Expected *pglogrepl.LSN
	New      *pglogrepl.LSN
	Force    bool
}

// CheckpointStore persists replication resume tokens per slot. Save is
// monotonic: positions never move backwards.
type CheckpointStore interface {
	Load(slot string) (pglogrepl.LSN, bool, error)
	Save(slot string, lsn pglogrepl.LSN) error
	Reset(slot string, opts ResetOptions) error
}

// checkGuardrails applies the shared reset validation for both stores.
func checkGuardrails(current pglogrepl.LSN, exists bool, opts ResetOptions) error {
	if opts.Force {
		return nil
	}
	if !exists {
		if opts.Expected != nil {
			return ErrResumeTokenMissing
		}
		return nil
	}
	if opts.Expected == nil || *opts.Expected != current {
		return ErrResumeTokenMismatch
	}
	if opts.New != nil && *opts.New > current {
		return ErrResumeTokenWouldSkip
	}
	return nil
}

// MemoryCheckpointStore keeps slot positions in memory only.
type MemoryCheckpointStore struct {
	mu        sync.Mutex
	positions map[string]pglogrepl.LSN
}

// NewMemoryCheckpointStore returns an empty volatile store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{positions: make(map[string]pglogrepl.LSN)}
}

func (s *MemoryCheckpointStore) Load(slot string) (pglogrepl.LSN, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.positions[slot]
	return lsn, ok, nil
}

func (s *MemoryCheckpointStore) Save(slot string, lsn pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.positions[slot]; !ok || lsn > current {
		s.positions[slot] = lsn
	}
	return nil
}

func (s *MemoryCheckpointStore) Reset(slot string, opts ResetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.positions[slot]
	if err := checkGuardrails(current, exists, opts); err != nil {
		return err
	}
	if opts.New == nil {
		delete(s.positions, slot)
	} else {
		s.positions[slot] = *opts.New
	}
	return nil
}

// FileCheckpointStore persists slot positions to a JSON file with atomic
// replace, optionally fsyncing the file and its directory.
type FileCheckpointStore struct {
	path  string
	fsync bool

	mu        sync.Mutex
	positions map[string]pglogrepl.LSN
}

// NewFileCheckpointStore loads any existing token file at path. A corrupt
// file is ignored so a damaged token never blocks startup.
func NewFileCheckpointStore(path string, fsync bool) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint store: create directory: %w", err)
	}
	s := &FileCheckpointStore{
		path:      path,
		fsync:     fsync,
		positions: make(map[string]pglogrepl.LSN),
	}
	s.loadFromDisk()
	return s, nil
}

func (s *FileCheckpointStore) loadFromDisk() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var data map[string]uint64
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	for slot, lsn := range data {
		s.positions[slot] = pglogrepl.LSN(lsn)
	}
}

func (s *FileCheckpointStore) Load(slot string) (pglogrepl.LSN, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lsn, ok := s.positions[slot]
	return lsn, ok, nil
}

func (s *FileCheckpointStore) Save(slot string, lsn pglogrepl.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.positions[slot]; ok && lsn <= current {
		return nil
	}
	s.positions[slot] = lsn
	return s.writeLocked()
}

func (s *FileCheckpointStore) Reset(slot string, opts ResetOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.positions[slot]
	if err := checkGuardrails(current, exists, opts); err != nil {
		return err
	}
	if opts.New == nil {
		if !exists {
			return nil
		}
		delete(s.positions, slot)
	} else {
		s.positions[slot] = *opts.New
	}
	return s.writeLocked()
}

func (s *FileCheckpointStore) writeLocked() error {
	data := make(map[string]uint64, len(s.positions))
	for slot, lsn := range s.positions {
		data[slot] = uint64(lsn)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("checkpoint store: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint store: write: %w", err)
	}
	if s.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("checkpoint store: fsync: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint store: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint store: replace token file: %w", err)
	}
	if s.fsync {
		if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
			dir.Sync()
			dir.Close()
		}
	}
	return nil
}
