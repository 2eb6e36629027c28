// Package alias resolves Sparkplug metric aliases to names.
//
// Birth frames carry both alias and name; data frames may carry only the
// alias. The cache keeps per-(group, edge, device) alias maps, persists them
// to a JSON snapshot file, and restores them on startup so alias resolution
// survives restarts.
package alias

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Info is the metadata recorded for one alias at birth time.
type Info struct {
	Name     string         `json:"name"`
	Datatype uint32         `json:"datatype"`
	Props    map[string]any `json:"props,omitempty"`
}

// Key identifies one alias scope. Device is empty for node-scoped maps.
type Key struct {
	Group    string
	EdgeNode string
	Device   string
}

func (k Key) composite() string {
	return k.Group + "|" + k.EdgeNode + "|" + k.Device
}

func keyFromComposite(s string) (Key, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("alias cache: composite key %q has %d parts", s, len(parts))
	}
	return Key{Group: parts[0], EdgeNode: parts[1], Device: parts[2]}, nil
}

// Cache is the persistent alias registry. Persistence is write-through:
// every mutation arms a coalesced background snapshot, so the file tracks
// the registry without waiting for shutdown. All methods are safe for
// concurrent use; snapshot writes are serialized by the same mutex so
// concurrent mutations cannot corrupt the file.
type Cache struct {
	logger     *zap.Logger
	path       string
	flushDelay time.Duration

	mu           sync.Mutex
	maps         map[Key]map[uint64]Info
	flushPending bool
}

// NewCache returns a cache that snapshots to path. An empty path disables
// persistence.
func NewCache(path string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		logger:     logger,
		path:       path,
		flushDelay: time.Second,
		maps:       make(map[Key]map[uint64]Info),
	}
}

// Populate records an alias mapping from a birth frame, overwriting any
// prior entry for the same alias. The mutation schedules a snapshot.
func (c *Cache) Populate(key Key, alias uint64, info Info) {
	if alias == 0 || info.Name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.maps[key]
	if !ok {
		m = make(map[uint64]Info)
		c.maps[key] = m
	}
	m[alias] = info
	c.scheduleSnapshotLocked()
}

// scheduleSnapshotLocked arms at most one pending flush; mutations while a
// flush is armed coalesce into it. Callers hold mu.
func (c *Cache) scheduleSnapshotLocked() {
	if c.path == "" || c.flushPending {
		return
	}
	c.flushPending = true
	time.AfterFunc(c.flushDelay, func() {
		c.mu.Lock()
		c.flushPending = false
		c.mu.Unlock()
		if err := c.Snapshot(); err != nil {
			c.logger.Warn("alias cache snapshot failed", zap.Error(err))
		}
	})
}

// Resolve looks up an alias, trying the device scope first and falling back
// to the node scope.
func (c *Cache) Resolve(key Key, alias uint64) (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scopes := []Key{key}
	if key.Device != "" {
		scopes = append(scopes, Key{Group: key.Group, EdgeNode: key.EdgeNode})
	}
	for _, scope := range scopes {
		if m, ok := c.maps[scope]; ok {
			if info, ok := m[alias]; ok {
				return info, true
			}
		}
	}
	return Info{}, false
}

// Placeholder is the synthetic name used downstream when an alias cannot be
// resolved.
func Placeholder(alias uint64) string {
	return "alias:" + strconv.FormatUint(alias, 10)
}

// Len returns the total number of alias entries across all scopes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, m := range c.maps {
		total += len(m)
	}
	return total
}

// Snapshot persists the registry to the configured file. The write goes to a
// temp file in the same directory followed by an atomic rename.
func (c *Cache) Snapshot() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	serialized := make(map[string]map[string]Info, len(c.maps))
	for key, entries := range c.maps {
		inner := make(map[string]Info, len(entries))
		for alias, info := range entries {
			inner[strconv.FormatUint(alias, 10)] = info
		}
		serialized[key.composite()] = inner
	}

	data, err := json.MarshalIndent(serialized, "", "  ")
	if err != nil {
		return fmt.Errorf("alias cache: marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".alias-cache-*.tmp")
	if err != nil {
		return fmt.Errorf("alias cache: create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("alias cache: write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("alias cache: close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("alias cache: replace snapshot: %w", err)
	}
	return nil
}

// Load restores the registry from the snapshot file. A missing file leaves
// the cache empty.
func (c *Cache) Load() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("alias cache: read snapshot: %w", err)
	}

	var serialized map[string]map[string]Info
	if err := json.Unmarshal(raw, &serialized); err != nil {
		return fmt.Errorf("alias cache: parse snapshot: %w", err)
	}

	maps := make(map[Key]map[uint64]Info, len(serialized))
	for composite, entries := range serialized {
		key, err := keyFromComposite(composite)
		if err != nil {
			return err
		}
		inner := make(map[uint64]Info, len(entries))
		for aliasText, info := range entries {
			alias, err := strconv.ParseUint(aliasText, 10, 64)
			if err != nil {
				return fmt.Errorf("alias cache: alias %q in %q: %w", aliasText, composite, err)
			}
			inner[alias] = info
		}
		maps[key] = inner
	}

	c.mu.Lock()
	c.maps = maps
	total := 0
	for _, m := range maps {
		total += len(m)
	}
	c.mu.Unlock()
	c.logger.Info("alias cache loaded",
		zap.String("path", c.path),
		zap.Int("entries", total),
	)
	return nil
}
