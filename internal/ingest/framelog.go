package ingest

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FrameLog appends decoded frames as JSON lines, one file per topic. Writes
// are best effort: a failing frame log never blocks ingestion.
type FrameLog struct {
	pattern string
	logger  *zap.Logger
	mu      sync.Mutex
}

// NewFrameLog builds a frame log. pattern must contain the {topic}
// placeholder, e.g. "messages_{topic}.jsonl".
func NewFrameLog(pattern string, logger *zap.Logger) *FrameLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameLog{pattern: pattern, logger: logger}
}

// Append writes one frame line to the topic's file.
func (f *FrameLog) Append(topic string, frame Frame) {
	if f.pattern == "" {
		return
	}
	slug := strings.ReplaceAll(topic, "/", "_")
	path := strings.ReplaceAll(f.pattern, "{topic}", slug)

	encoded, err := json.Marshal(frame)
	if err != nil {
		f.logger.Warn("frame log encode failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		f.logger.Warn("frame log open failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		f.logger.Warn("frame log write failed", zap.String("path", path), zap.Error(err))
	}
}
