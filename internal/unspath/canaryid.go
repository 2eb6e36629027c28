package unspath

import (
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
)

const escapePrefix = "_x"

// CanaryID holds the derived historian tag identifier and an optional
// checksum over it.
type CanaryID struct {
	Tag      string
	Checksum string
}

// isAllowedIDChar reports whether r may appear in a historian identifier
// without escaping.
func isAllowedIDChar(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '.', '_', '-':
		return true
	}
	return false
}

// CanaryIDGenerator converts UNS paths into dot-separated historian tag
// identifiers, escaping incompatible characters and tracking collisions
// between distinct source paths. Safe for concurrent use.
type CanaryIDGenerator struct {
	logger *zap.Logger

	mu              sync.Mutex
	knownIDs        map[string]string
	collisionsTotal uint64
	escapesTotal    uint64
}

// NewCanaryIDGenerator returns a generator. A nil logger is replaced with a
// no-op logger.
func NewCanaryIDGenerator(logger *zap.Logger) *CanaryIDGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CanaryIDGenerator{
		logger:   logger,
		knownIDs: make(map[string]string),
	}
}

// CollisionsTotal returns how many times distinct UNS paths generated the
// same historian id.
func (g *CanaryIDGenerator) CollisionsTotal() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.collisionsTotal
}

// EscapesTotal returns how many segments required escaping.
func (g *CanaryIDGenerator) EscapesTotal() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.escapesTotal
}

// Generate derives the historian id for unsPath. Each segment is trimmed
// (internal whitespace preserved) and characters incompatible with historian
// identifiers are escaped as _xXXXX. Collisions are counted and logged.
func (g *CanaryIDGenerator) Generate(unsPath string) (CanaryID, error) {
	return g.generate(unsPath, false)
}

// GenerateWithChecksum behaves like Generate and additionally computes a
// CRC32 checksum over the derived id.
func (g *CanaryIDGenerator) GenerateWithChecksum(unsPath string) (CanaryID, error) {
	return g.generate(unsPath, true)
}

func (g *CanaryIDGenerator) generate(unsPath string, includeChecksum bool) (CanaryID, error) {
	trimmed := strings.TrimSpace(unsPath)
	if trimmed == "" {
		return CanaryID{}, &ErrInvalidPath{Reason: "uns path cannot be blank"}
	}

	var segments []string
	for _, segment := range strings.Split(strings.Trim(trimmed, Separator), Separator) {
		if segment == "" {
			continue
		}
		s := strings.TrimSpace(segment)
		if s == "" {
			return CanaryID{}, &ErrInvalidPath{Reason: "uns path contains a segment with only whitespace"}
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return CanaryID{}, &ErrInvalidPath{Reason: "uns path did not contain any path segments"}
	}

	escaped := make([]string, len(segments))
	replaced := make([]int, len(segments))
	for i, segment := range segments {
		escaped[i], replaced[i] = escapeSegment(segment)
	}
	id := strings.Join(escaped, ".")

	g.mu.Lock()
	for i, n := range replaced {
		if n > 0 {
			g.escapesTotal++
			g.logger.Info("canary id: escaped characters in segment",
				zap.Int("replacements", n),
				zap.String("segment", segments[i]),
			)
		}
	}
	if existing, ok := g.knownIDs[id]; !ok {
		g.knownIDs[id] = trimmed
	} else if existing != trimmed {
		g.collisionsTotal++
		g.logger.Warn("canary id collision",
			zap.String("canary_id", id),
			zap.String("existing_path", existing),
			zap.String("incoming_path", trimmed),
		)
	}
	g.mu.Unlock()

	result := CanaryID{Tag: id}
	if includeChecksum {
		result.Checksum = fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(id)))
	}
	return result, nil
}

// escapeSegment returns the escaped segment and the number of characters
// replaced.
func escapeSegment(segment string) (string, int) {
	var b strings.Builder
	b.Grow(len(segment))
	replacements := 0
	for _, r := range segment {
		switch {
		case isAllowedIDChar(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			replacements++
			b.WriteByte(' ')
		default:
			replacements++
			fmt.Fprintf(&b, "%s%04X", escapePrefix, r)
		}
	}
	return b.String(), replacements
}
